package authserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/viant/mcprpc/auth"
)

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0, 0, 0)

	grant, err := NewGrant(KindAccess, "client-1", "alice")
	if err != nil {
		t.Fatalf("NewGrant: %v", err)
	}
	grant.Scopes = []string{"mcp:read"}
	if err := store.Put(ctx, grant); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, grant.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ClientID != "client-1" || got.Subject != "alice" || got.Kind != KindAccess {
		t.Errorf("Get: unexpected grant %+v", got)
	}
	if got.CreatedAt.IsZero() || got.LastUsedAt.IsZero() {
		t.Errorf("Get: timestamps not defaulted: %+v", got)
	}

	// mutating the returned copy must not leak into the store
	got.Scopes[0] = "mcp:write"
	again, err := store.Get(ctx, grant.ID)
	if err != nil {
		t.Fatalf("Get again: %v", err)
	}
	if again.Scopes[0] != "mcp:read" {
		t.Errorf("Get: store shares state with callers: %+v", again)
	}

	if err := store.Revoke(ctx, grant.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := store.Get(ctx, grant.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after revoke: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ConsumeIsOneTime(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute, 0, 0)

	grant, err := NewGrant(KindCode, "client-1", "")
	if err != nil {
		t.Fatalf("NewGrant: %v", err)
	}
	if err := store.Put(ctx, grant); err != nil {
		t.Fatalf("Put: %v", err)
	}

	first, err := store.Consume(ctx, grant.ID)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if first.ID != grant.ID {
		t.Errorf("Consume: got %v, want %v", first.ID, grant.ID)
	}
	if _, err := store.Consume(ctx, grant.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Consume: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ExpiresAfterIdle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(30*time.Millisecond, 0, 0)

	grant, err := NewGrant(KindRefresh, "client-1", "")
	if err != nil {
		t.Fatalf("NewGrant: %v", err)
	}
	if err := store.Put(ctx, grant); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := store.Get(ctx, grant.ID); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if _, err := store.Get(ctx, grant.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after expiry: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_TouchIsBoundedByMaxTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(60*time.Millisecond, 100*time.Millisecond, 0)

	grant, err := NewGrant(KindRefresh, "client-1", "")
	if err != nil {
		t.Fatalf("NewGrant: %v", err)
	}
	if err := store.Put(ctx, grant); err != nil {
		t.Fatalf("Put: %v", err)
	}
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		_ = store.Touch(ctx, grant.ID, time.Now())
	}
	// sliding idle extensions never push past MaxExpiresAt
	if _, err := store.Get(ctx, grant.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after max TTL: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_RotateKeepsOldWithinGrace(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute, 0, 40*time.Millisecond)

	old, err := NewGrant(KindRefresh, "client-1", "alice")
	if err != nil {
		t.Fatalf("NewGrant: %v", err)
	}
	if err := store.Put(ctx, old); err != nil {
		t.Fatalf("Put: %v", err)
	}

	next := &Grant{Kind: KindRefresh, ClientID: "client-1", Subject: "alice"}
	newID, err := store.Rotate(ctx, old.ID, next)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if newID == "" || newID == old.ID {
		t.Fatalf("Rotate: unusable replacement id %q", newID)
	}

	rotated, err := store.Get(ctx, newID)
	if err != nil {
		t.Fatalf("Get replacement: %v", err)
	}
	if rotated.FamilyID != old.FamilyID {
		t.Errorf("Rotate: family not inherited: %q vs %q", rotated.FamilyID, old.FamilyID)
	}

	// within the grace window the old grant stays readable and names its
	// successor
	stale, err := store.Get(ctx, old.ID)
	if err != nil {
		t.Fatalf("Get old within grace: %v", err)
	}
	if stale.MetaValue("successor") != newID {
		t.Errorf("old grant successor: got %q, want %q", stale.MetaValue("successor"), newID)
	}

	time.Sleep(60 * time.Millisecond)
	if _, err := store.Get(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get old after grace: got %v, want ErrNotFound", err)
	}
	if _, err := store.Get(ctx, newID); err != nil {
		t.Errorf("Get replacement after grace: %v", err)
	}
}

func TestMemoryStore_RotateWithoutGraceDropsOld(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute, 0, 0)

	old, err := NewGrant(KindRefresh, "client-1", "")
	if err != nil {
		t.Fatalf("NewGrant: %v", err)
	}
	if err := store.Put(ctx, old); err != nil {
		t.Fatalf("Put: %v", err)
	}
	newID, err := store.Rotate(ctx, old.ID, &Grant{Kind: KindRefresh, ClientID: "client-1"})
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, err := store.Get(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get old: got %v, want ErrNotFound", err)
	}
	if _, err := store.Get(ctx, newID); err != nil {
		t.Errorf("Get replacement: %v", err)
	}
}

func TestMemoryStore_RevokeFamily(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Minute, 0, 0)

	refresh, err := NewGrant(KindRefresh, "client-1", "alice")
	if err != nil {
		t.Fatalf("NewGrant: %v", err)
	}
	access, err := NewGrant(KindAccess, "client-1", "alice")
	if err != nil {
		t.Fatalf("NewGrant: %v", err)
	}
	access.FamilyID = refresh.FamilyID
	other, err := NewGrant(KindAccess, "client-2", "bob")
	if err != nil {
		t.Fatalf("NewGrant: %v", err)
	}
	for _, g := range []*Grant{refresh, access, other} {
		if err := store.Put(ctx, g); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	if err := store.RevokeFamily(ctx, refresh.FamilyID); err != nil {
		t.Fatalf("RevokeFamily: %v", err)
	}
	if _, err := store.Get(ctx, refresh.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("refresh survived family revocation")
	}
	if _, err := store.Get(ctx, access.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("access survived family revocation")
	}
	if _, err := store.Get(ctx, other.ID); err != nil {
		t.Errorf("unrelated grant was revoked: %v", err)
	}
}

func TestMemoryClients_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryClients()

	if _, err := store.GetClient(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetClient missing: got %v, want ErrNotFound", err)
	}
	client := &auth.ClientInfo{
		ClientMetadata: auth.ClientMetadata{
			RedirectURIs: []string{"https://app.example/callback"},
			ClientName:   "demo",
		},
		ClientID:     "client-1",
		ClientSecret: "s3cret",
	}
	if err := store.PutClient(ctx, client); err != nil {
		t.Fatalf("PutClient: %v", err)
	}
	got, err := store.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if got.ClientName != "demo" || got.ClientSecret != "s3cret" {
		t.Errorf("GetClient: unexpected record %+v", got)
	}
}
