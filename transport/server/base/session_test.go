package base

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viant/mcprpc"
	"github.com/viant/mcprpc/transport"
	"github.com/viant/mcprpc/transport/server/event"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	session := NewSession("sess-1", event.NewMemoryStore(0), nil)
	t.Cleanup(func() {
		_ = session.Close()
	})
	return session
}

func collectStream(t *testing.T, session *Session, streamID uint64) [][]byte {
	t.Helper()
	var events [][]byte
	err := session.Events().Replay(context.Background(), session.ID, streamID, 0, func(index uint64, data []byte) error {
		events = append(events, data)
		return nil
	})
	require.NoError(t, err)
	return events
}

func TestSession_ResponseRoutedToRequestStream(t *testing.T) {
	session := newTestSession(t)
	streamID := session.OpenStream([]string{transport.Key(1)})

	response := mcprpc.NewResponse(1, []byte(`{"ok":true}`))
	err := session.Send(context.Background(), mcprpc.NewResponseMessage(response), &transport.SendOptions{RelatedRequestID: 1})
	require.NoError(t, err)

	events := collectStream(t, session, streamID)
	require.Len(t, events, 1)
	assert.Contains(t, string(events[0]), `"ok":true`)
	assert.True(t, session.StreamFinished(streamID))

	standalone := collectStream(t, session, StandaloneStream)
	assert.Empty(t, standalone)
}

func TestSession_UnrelatedMessageGoesStandalone(t *testing.T) {
	session := newTestSession(t)
	notification, err := mcprpc.NewNotification("notifications/message", map[string]string{"level": "info"})
	require.NoError(t, err)

	err = session.Send(context.Background(), mcprpc.NewNotificationMessage(notification), nil)
	require.NoError(t, err)

	events := collectStream(t, session, StandaloneStream)
	require.Len(t, events, 1)
	assert.Contains(t, string(events[0]), "notifications/message")
}

func TestSession_LateMessageAfterResponseGoesStandalone(t *testing.T) {
	session := newTestSession(t)
	streamID := session.OpenStream([]string{transport.Key(7)})

	response := mcprpc.NewResponse(7, []byte(`{}`))
	require.NoError(t, session.Send(context.Background(), mcprpc.NewResponseMessage(response), &transport.SendOptions{RelatedRequestID: 7}))

	late, err := mcprpc.NewNotification("notifications/progress", map[string]interface{}{"progress": 1})
	require.NoError(t, err)
	require.NoError(t, session.Send(context.Background(), mcprpc.NewNotificationMessage(late), &transport.SendOptions{RelatedRequestID: 7}))

	assert.Len(t, collectStream(t, session, streamID), 1)
	assert.Len(t, collectStream(t, session, StandaloneStream), 1)
}

func TestSession_CollectorGathersResponses(t *testing.T) {
	session := newTestSession(t)
	keys := []string{transport.Key(1), transport.Key(2)}
	streamID, collector := session.OpenCollector(keys)
	defer session.ReleaseCollector(streamID)

	go func() {
		_ = session.Send(context.Background(), mcprpc.NewResponseMessage(mcprpc.NewResponse(2, []byte(`"second"`))), &transport.SendOptions{RelatedRequestID: 2})
		_ = session.Send(context.Background(), mcprpc.NewResponseMessage(mcprpc.NewResponse(1, []byte(`"first"`))), &transport.SendOptions{RelatedRequestID: 1})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	responses, err := collector.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, responses, 2)

	// collector streams persist nothing
	assert.Empty(t, collectStream(t, session, streamID))
}

func TestSession_CollectorNotificationFallsBackStandalone(t *testing.T) {
	session := newTestSession(t)
	streamID, collector := session.OpenCollector([]string{transport.Key(5)})
	defer session.ReleaseCollector(streamID)

	notification, err := mcprpc.NewNotification("notifications/progress", map[string]interface{}{"progress": 0.5})
	require.NoError(t, err)
	require.NoError(t, session.Send(context.Background(), mcprpc.NewNotificationMessage(notification), &transport.SendOptions{RelatedRequestID: 5}))
	require.NoError(t, session.Send(context.Background(), mcprpc.NewResponseMessage(mcprpc.NewResponse(5, []byte(`{}`))), &transport.SendOptions{RelatedRequestID: 5}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	responses, err := collector.Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, responses, 1)

	standalone := collectStream(t, session, StandaloneStream)
	require.Len(t, standalone, 1)
	assert.Contains(t, string(standalone[0]), "notifications/progress")
}

func TestSession_AttachStreamConflict(t *testing.T) {
	session := newTestSession(t)
	_, err := session.AttachStream(StandaloneStream)
	require.NoError(t, err)

	_, err = session.AttachStream(StandaloneStream)
	assert.ErrorIs(t, err, ErrStreamClaimed)

	session.DetachStream(StandaloneStream)
	_, err = session.AttachStream(StandaloneStream)
	assert.NoError(t, err)
}

func TestSession_SendSignalsAttachedConsumer(t *testing.T) {
	session := newTestSession(t)
	signal, err := session.AttachStream(StandaloneStream)
	require.NoError(t, err)
	defer session.DetachStream(StandaloneStream)

	notification, err := mcprpc.NewNotification("notifications/message", nil)
	require.NoError(t, err)
	require.NoError(t, session.Send(context.Background(), mcprpc.NewNotificationMessage(notification), nil))

	select {
	case <-signal:
	case <-time.After(time.Second):
		t.Fatal("expected wake up after send")
	}
}

func TestSession_CloseFailsCollectorAndRejectsSend(t *testing.T) {
	session := NewSession("sess-close", event.NewMemoryStore(0), nil)
	streamID, collector := session.OpenCollector([]string{transport.Key(9)})
	_ = streamID

	closed := false
	session.OnClose(func() { closed = true })
	require.NoError(t, session.Close())
	assert.True(t, closed)

	_, err := collector.Wait(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)

	notification, nErr := mcprpc.NewNotification("notifications/message", nil)
	require.NoError(t, nErr)
	err = session.Send(context.Background(), mcprpc.NewNotificationMessage(notification), nil)
	assert.ErrorIs(t, err, ErrSessionClosed)

	select {
	case <-session.Done():
	default:
		t.Fatal("expected done channel closed")
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	first := NewSession("sess-a", event.NewMemoryStore(0), nil)
	second := NewSession("sess-b", event.NewMemoryStore(0), nil)
	registry.Add(first)
	registry.Add(second)
	assert.Equal(t, 2, registry.Size())

	got, ok := registry.Lookup("sess-a")
	require.True(t, ok)
	assert.Same(t, first, got)

	seen := map[string]bool{}
	registry.Range(func(id string, session *Session) bool {
		seen[id] = true
		return true
	})
	assert.Len(t, seen, 2)

	registry.Remove("sess-a")
	_, ok = registry.Lookup("sess-a")
	assert.False(t, ok)
	assert.Equal(t, 1, registry.Size())
}

func TestSession_Expired(t *testing.T) {
	session := newTestSession(t)
	now := time.Now()

	assert.False(t, session.Expired(now, 30*time.Second, 5*time.Minute, time.Hour))
	assert.True(t, session.Expired(now.Add(2*time.Hour), 30*time.Second, 5*time.Minute, time.Hour), "max lifetime")
	assert.True(t, session.Expired(now.Add(6*time.Minute), 0, 5*time.Minute, 0), "idle ttl")

	session.MarkDetached()
	assert.Equal(t, StateDetached, session.CurrentState())
	assert.True(t, session.Expired(now.Add(time.Minute), 30*time.Second, 0, 0), "reconnect grace")

	session.MarkActive()
	assert.Equal(t, StateActive, session.CurrentState())
	assert.False(t, session.Expired(time.Now(), 30*time.Second, 5*time.Minute, time.Hour))
}
