package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/mcprpc"
	"github.com/viant/mcprpc/internal/pointer"
	"github.com/viant/mcprpc/transport/inmemory"
)

func newConnectedPair(t *testing.T, clientOptions []Option, serverOptions []Option) (*Protocol, *Protocol) {
	t.Helper()
	clientTransport, serverTransport := inmemory.NewPair()
	client := New(clientOptions...)
	server := New(serverOptions...)
	ctx := context.Background()
	require.NoError(t, server.Connect(ctx, serverTransport))
	require.NoError(t, client.Connect(ctx, clientTransport))
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestProtocol_RequestResponse(t *testing.T) {
	serverOptions := []Option{
		WithRequestHandler("greeter/hello", func(ctx context.Context, request *mcprpc.Request) (interface{}, error) {
			input := struct {
				Name string `json:"name"`
			}{}
			if err := json.Unmarshal(request.Params, &input); err != nil {
				return nil, mcprpc.NewInvalidParamsError(err.Error(), nil)
			}
			return map[string]string{"greeting": "hello " + input.Name}, nil
		}),
	}
	client, _ := newConnectedPair(t, nil, serverOptions)

	var result struct {
		Greeting string `json:"greeting"`
	}
	err := client.Call(context.Background(), "greeter/hello", map[string]string{"name": "bob"}, &result)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", result.Greeting)
}

func TestProtocol_MethodNotFound(t *testing.T) {
	client, _ := newConnectedPair(t, nil, nil)
	err := client.Call(context.Background(), "no/such/method", nil, nil)
	require.Error(t, err)
	jsonrpcError, ok := err.(*mcprpc.Error)
	require.True(t, ok, "expected *mcprpc.Error, got %T", err)
	assert.Equal(t, mcprpc.MethodNotFound, jsonrpcError.Code)
}

func TestProtocol_PingBuiltin(t *testing.T) {
	client, _ := newConnectedPair(t, nil, nil)
	request, err := mcprpc.NewRequest(mcprpc.MethodPing, nil)
	require.NoError(t, err)
	response, err := client.Request(context.Background(), request, nil)
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(response.Result))
}

func TestProtocol_HandlerError(t *testing.T) {
	serverOptions := []Option{
		WithRequestHandler("always/fails", func(ctx context.Context, request *mcprpc.Request) (interface{}, error) {
			return nil, mcprpc.NewInvalidParamsError("bad params", nil)
		}),
	}
	client, _ := newConnectedPair(t, nil, serverOptions)

	request, err := mcprpc.NewRequest("always/fails", nil)
	require.NoError(t, err)
	response, err := client.Request(context.Background(), request, nil)
	require.Error(t, err)
	require.NotNil(t, response)
	jsonrpcError, ok := err.(*mcprpc.Error)
	require.True(t, ok)
	assert.Equal(t, mcprpc.InvalidParams, jsonrpcError.Code)
	assert.Equal(t, "bad params", jsonrpcError.Message)
}

func TestProtocol_Timeout(t *testing.T) {
	serverCancelled := make(chan struct{})
	serverOptions := []Option{
		WithRequestHandler("slow/op", func(ctx context.Context, request *mcprpc.Request) (interface{}, error) {
			select {
			case <-ctx.Done():
				close(serverCancelled)
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
				return map[string]bool{"done": true}, nil
			}
		}),
	}
	client, _ := newConnectedPair(t, nil, serverOptions)

	request, err := mcprpc.NewRequest("slow/op", nil)
	require.NoError(t, err)
	_, err = client.Request(context.Background(), request, &RequestOptions{Timeout: 40 * time.Millisecond})
	require.Error(t, err)
	jsonrpcError, ok := err.(*mcprpc.Error)
	require.True(t, ok, "expected *mcprpc.Error, got %T", err)
	assert.Equal(t, mcprpc.RequestTimeout, jsonrpcError.Code)

	// the cancellation notification reaches the server handler
	select {
	case <-serverCancelled:
	case <-time.After(time.Second):
		t.Fatal("server handler was not cancelled after client timeout")
	}
}

func TestProtocol_LateResponseDiscarded(t *testing.T) {
	var engineErrors []error
	var mu sync.Mutex
	clientOptions := []Option{
		WithOnError(func(err error) {
			mu.Lock()
			engineErrors = append(engineErrors, err)
			mu.Unlock()
		}),
	}
	serverOptions := []Option{
		WithRequestHandler("slow/op", func(ctx context.Context, request *mcprpc.Request) (interface{}, error) {
			// keep running past the client timeout and answer anyway
			time.Sleep(80 * time.Millisecond)
			return map[string]bool{"done": true}, nil
		}),
	}
	client, _ := newConnectedPair(t, clientOptions, serverOptions)

	request, err := mcprpc.NewRequest("slow/op", nil)
	require.NoError(t, err)
	_, err = client.Request(context.Background(), request, &RequestOptions{Timeout: 20 * time.Millisecond})
	require.Error(t, err)

	// the late response must not panic or resolve anything; it surfaces as
	// an unknown id engine error at most
	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for _, engineErr := range engineErrors {
		assert.Contains(t, engineErr.Error(), "unknown request id")
	}
}

func TestProtocol_CancelPropagation(t *testing.T) {
	started := make(chan struct{})
	serverCancelled := make(chan struct{})
	serverOptions := []Option{
		WithRequestHandler("slow/op", func(ctx context.Context, request *mcprpc.Request) (interface{}, error) {
			close(started)
			<-ctx.Done()
			close(serverCancelled)
			return nil, ctx.Err()
		}),
	}
	client, _ := newConnectedPair(t, nil, serverOptions)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	request, err := mcprpc.NewRequest("slow/op", nil)
	require.NoError(t, err)
	_, err = client.Request(ctx, request, nil)
	require.ErrorIs(t, err, context.Canceled)

	select {
	case <-serverCancelled:
	case <-time.After(time.Second):
		t.Fatal("cancellation did not propagate to the server handler")
	}
}

func TestProtocol_Progress(t *testing.T) {
	serverOptions := []Option{
		WithRequestHandler("long/op", func(ctx context.Context, request *mcprpc.Request) (interface{}, error) {
			caller := CallerFromContext(ctx)
			if caller == nil {
				return nil, mcprpc.NewInternalError("missing caller", nil)
			}
			for i := 1; i <= 3; i++ {
				if err := caller.NotifyProgress(ctx, float64(i), pointer.Ref(3.0), ""); err != nil {
					return nil, err
				}
			}
			return map[string]bool{"done": true}, nil
		}),
	}
	client, server := newConnectedPair(t, nil, serverOptions)

	var mu sync.Mutex
	var seen []float64
	request, err := mcprpc.NewRequest("long/op", nil)
	require.NoError(t, err)
	response, err := client.Request(context.Background(), request, &RequestOptions{
		OnProgress: func(progress *mcprpc.ProgressParams) {
			mu.Lock()
			seen = append(seen, progress.Progress)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NotNil(t, response)

	mu.Lock()
	assert.Equal(t, []float64{1, 2, 3}, seen)
	mu.Unlock()

	// progress for an unknown token is dropped without failing the engine
	stray, err := mcprpc.NewProgressNotification(999, 0.5, nil, "")
	require.NoError(t, err)
	require.NoError(t, server.Notify(context.Background(), stray))
	time.Sleep(20 * time.Millisecond)
}

func TestProtocol_ProgressResetsTimeout(t *testing.T) {
	serverOptions := []Option{
		WithRequestHandler("long/op", func(ctx context.Context, request *mcprpc.Request) (interface{}, error) {
			caller := CallerFromContext(ctx)
			for i := 1; i <= 4; i++ {
				time.Sleep(30 * time.Millisecond)
				if err := caller.NotifyProgress(ctx, float64(i), nil, ""); err != nil {
					return nil, err
				}
			}
			return map[string]bool{"done": true}, nil
		}),
	}
	client, _ := newConnectedPair(t, nil, serverOptions)

	// total runtime ~120ms exceeds the 60ms timeout, but progress keeps resetting it
	request, err := mcprpc.NewRequest("long/op", nil)
	require.NoError(t, err)
	_, err = client.Request(context.Background(), request, &RequestOptions{
		Timeout:                60 * time.Millisecond,
		ResetTimeoutOnProgress: true,
		OnProgress:             func(progress *mcprpc.ProgressParams) {},
	})
	require.NoError(t, err)

	// with a max total cap the request fails even though progress flows
	request, err = mcprpc.NewRequest("long/op", nil)
	require.NoError(t, err)
	_, err = client.Request(context.Background(), request, &RequestOptions{
		Timeout:                60 * time.Millisecond,
		MaxTotalTimeout:        70 * time.Millisecond,
		ResetTimeoutOnProgress: true,
		OnProgress:             func(progress *mcprpc.ProgressParams) {},
	})
	require.Error(t, err)
	jsonrpcError, ok := err.(*mcprpc.Error)
	require.True(t, ok, "expected *mcprpc.Error, got %T", err)
	assert.Equal(t, mcprpc.RequestTimeout, jsonrpcError.Code)
}

func TestProtocol_MiddlewareOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) Middleware {
		return func(next RequestHandler) RequestHandler {
			return func(ctx context.Context, request *mcprpc.Request) (interface{}, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return next(ctx, request)
			}
		}
	}
	serverOptions := []Option{
		WithRequestHandler(mcprpc.MethodToolsCall, func(ctx context.Context, request *mcprpc.Request) (interface{}, error) {
			mu.Lock()
			order = append(order, "handler")
			mu.Unlock()
			return json.RawMessage(`{}`), nil
		}),
		WithMiddleware(record("global-1"), record("global-2")),
		WithMethodMiddleware(mcprpc.MethodToolsCall, record("tools-1")),
		WithMethodMiddleware(mcprpc.MethodResourcesRead, record("resources-1")),
	}
	client, _ := newConnectedPair(t, nil, serverOptions)

	err := client.Call(context.Background(), mcprpc.MethodToolsCall, map[string]string{"name": "t"}, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"global-1", "global-2", "tools-1", "handler"}, order)
}

func TestProtocol_SendMiddleware(t *testing.T) {
	calls := 0
	clientOptions := []Option{
		WithSendMiddleware(func(next Sender) Sender {
			return func(ctx context.Context, request *mcprpc.Request, options *RequestOptions) (*mcprpc.Response, error) {
				calls++
				return next(ctx, request, options)
			}
		}),
	}
	client, _ := newConnectedPair(t, clientOptions, nil)

	request, err := mcprpc.NewRequest(mcprpc.MethodPing, nil)
	require.NoError(t, err)
	_, err = client.Request(context.Background(), request, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestProtocol_DoubleConnect(t *testing.T) {
	clientTransport, serverTransport := inmemory.NewPair()
	engine := New()
	require.NoError(t, engine.Connect(context.Background(), clientTransport))
	defer engine.Close()
	other, _ := inmemory.NewPair()
	assert.ErrorIs(t, engine.Connect(context.Background(), other), ErrAlreadyConnected)
	_ = serverTransport
}

func TestProtocol_CloseFailsInflight(t *testing.T) {
	serverOptions := []Option{
		WithRequestHandler("slow/op", func(ctx context.Context, request *mcprpc.Request) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}
	client, _ := newConnectedPair(t, nil, serverOptions)

	done := make(chan error, 1)
	go func() {
		request, _ := mcprpc.NewRequest("slow/op", nil)
		_, err := client.Request(context.Background(), request, &RequestOptions{Timeout: 5 * time.Second})
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-done:
		require.Error(t, err)
		jsonrpcError, ok := err.(*mcprpc.Error)
		require.True(t, ok, "expected *mcprpc.Error, got %T", err)
		assert.Equal(t, mcprpc.ConnectionClosed, jsonrpcError.Code)
	case <-time.After(time.Second):
		t.Fatal("in-flight request did not fail on close")
	}

	// a closed protocol rejects new requests until reconnected
	err := client.Call(context.Background(), mcprpc.MethodPing, nil, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestProtocol_PeerCloseFiresOnClose(t *testing.T) {
	closed := make(chan struct{})
	clientOptions := []Option{
		WithOnClose(func() { close(closed) }),
	}
	client, server := newConnectedPair(t, clientOptions, nil)
	require.NoError(t, server.Close())

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("client did not observe peer close")
	}
	assert.Eventually(t, func() bool { return !client.Connected() }, time.Second, 10*time.Millisecond)
}

func TestProtocol_ServerInitiatedRequest(t *testing.T) {
	askedClient := make(chan struct{})
	clientOptions := []Option{
		WithRequestHandler(mcprpc.MethodSamplingCreateMessage, func(ctx context.Context, request *mcprpc.Request) (interface{}, error) {
			close(askedClient)
			return map[string]string{"role": "assistant"}, nil
		}),
	}
	serverOptions := []Option{
		WithRequestHandler(mcprpc.MethodToolsCall, func(ctx context.Context, request *mcprpc.Request) (interface{}, error) {
			caller := CallerFromContext(ctx)
			counter, err := mcprpc.NewRequest(mcprpc.MethodSamplingCreateMessage, nil)
			if err != nil {
				return nil, err
			}
			response, err := caller.SendRequest(ctx, counter, nil)
			if err != nil {
				return nil, err
			}
			return response.Result, nil
		}),
	}
	client, _ := newConnectedPair(t, clientOptions, serverOptions)

	var result struct {
		Role string `json:"role"`
	}
	err := client.Call(context.Background(), mcprpc.MethodToolsCall, nil, &result)
	require.NoError(t, err)
	assert.Equal(t, "assistant", result.Role)
	select {
	case <-askedClient:
	default:
		t.Fatal("server counter-request never reached the client handler")
	}
}
