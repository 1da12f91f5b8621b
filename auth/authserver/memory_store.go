package authserver

import (
	"context"
	"sync"
	"time"

	"github.com/viant/mcprpc/auth"
)

var (
	_ GrantStore  = (*MemoryStore)(nil)
	_ ClientStore = (*MemoryClients)(nil)
)

// MemoryStore is an in-memory GrantStore for development and tests.
// It supports sliding idle TTL and absolute max TTL semantics.
type MemoryStore struct {
	mux         sync.RWMutex
	byID        map[string]*Grant
	byFamily    map[string]map[string]struct{}
	idleTTL     time.Duration
	maxTTL      time.Duration
	rotateGrace time.Duration
}

// NewMemoryStore creates a MemoryStore with given TTL settings.
func NewMemoryStore(idleTTL, maxTTL, rotateGrace time.Duration) *MemoryStore {
	return &MemoryStore{
		byID:        map[string]*Grant{},
		byFamily:    map[string]map[string]struct{}{},
		idleTTL:     idleTTL,
		maxTTL:      maxTTL,
		rotateGrace: rotateGrace,
	}
}

func (s *MemoryStore) Put(_ context.Context, g *Grant) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.applyDefaults(g, time.Now())
	s.index(cloneGrant(g))
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Grant, error) {
	s.mux.RLock()
	g, ok := s.byID[id]
	s.mux.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if expired(g, time.Now()) {
		_ = s.Revoke(context.Background(), id)
		return nil, ErrNotFound
	}
	return cloneGrant(g), nil
}

func (s *MemoryStore) Consume(_ context.Context, id string) (*Grant, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	g, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.dropLocked(g)
	if expired(g, time.Now()) {
		return nil, ErrNotFound
	}
	return cloneGrant(g), nil
}

func (s *MemoryStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	g, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	g.LastUsedAt = at
	if s.idleTTL > 0 {
		newExp := at.Add(s.idleTTL)
		if !g.MaxExpiresAt.IsZero() && newExp.After(g.MaxExpiresAt) {
			newExp = g.MaxExpiresAt
		}
		g.ExpiresAt = newExp
	}
	return nil
}

func (s *MemoryStore) Rotate(_ context.Context, oldID string, newGrant *Grant) (string, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	old, ok := s.byID[oldID]
	if !ok || expired(old, time.Now()) {
		return "", ErrNotFound
	}
	now := time.Now()
	ng := cloneGrant(newGrant)
	if ng.ID == "" {
		id, err := NewToken()
		if err != nil {
			return "", err
		}
		ng.ID = id
	}
	ng.FamilyID = old.FamilyID
	s.applyDefaults(ng, now)
	s.index(ng)
	// the old grant stays valid for the grace window, pointing at its
	// replacement so a client that lost the rotation response can recover
	old.SetMeta(metaSuccessor, ng.ID)
	if s.rotateGrace > 0 {
		old.ExpiresAt = now.Add(s.rotateGrace)
	} else {
		s.dropLocked(old)
	}
	return ng.ID, nil
}

func (s *MemoryStore) Revoke(_ context.Context, id string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	g, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	s.dropLocked(g)
	return nil
}

func (s *MemoryStore) RevokeFamily(_ context.Context, familyID string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	fam := s.byFamily[familyID]
	if fam == nil {
		return nil
	}
	for id := range fam {
		delete(s.byID, id)
	}
	delete(s.byFamily, familyID)
	return nil
}

// applyDefaults fills timestamps and TTL-derived expiries in place.
func (s *MemoryStore) applyDefaults(g *Grant, now time.Time) {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	if g.LastUsedAt.IsZero() {
		g.LastUsedAt = now
	}
	if g.ExpiresAt.IsZero() && s.idleTTL > 0 {
		g.ExpiresAt = now.Add(s.idleTTL)
	}
	if g.MaxExpiresAt.IsZero() && s.maxTTL > 0 {
		g.MaxExpiresAt = now.Add(s.maxTTL)
	}
}

func (s *MemoryStore) index(g *Grant) {
	s.byID[g.ID] = g
	fam := s.byFamily[g.FamilyID]
	if fam == nil {
		fam = map[string]struct{}{}
		s.byFamily[g.FamilyID] = fam
	}
	fam[g.ID] = struct{}{}
}

func (s *MemoryStore) dropLocked(g *Grant) {
	delete(s.byID, g.ID)
	if fam := s.byFamily[g.FamilyID]; fam != nil {
		delete(fam, g.ID)
		if len(fam) == 0 {
			delete(s.byFamily, g.FamilyID)
		}
	}
}

func expired(g *Grant, now time.Time) bool {
	if !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt) {
		return true
	}
	return !g.MaxExpiresAt.IsZero() && now.After(g.MaxExpiresAt)
}

func cloneGrant(g *Grant) *Grant {
	if g == nil {
		return nil
	}
	dup := *g
	if g.Scopes != nil {
		dup.Scopes = append([]string(nil), g.Scopes...)
	}
	if g.Meta != nil {
		dup.Meta = map[string]string{}
		for k, v := range g.Meta {
			dup.Meta[k] = v
		}
	}
	return &dup
}

// MemoryClients is an in-memory ClientStore for development and tests.
type MemoryClients struct {
	mux  sync.RWMutex
	byID map[string]*auth.ClientInfo
}

// NewMemoryClients creates an empty in-memory client registry.
func NewMemoryClients() *MemoryClients {
	return &MemoryClients{byID: map[string]*auth.ClientInfo{}}
}

func (s *MemoryClients) PutClient(_ context.Context, client *auth.ClientInfo) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	dup := *client
	s.byID[client.ClientID] = &dup
	return nil
}

func (s *MemoryClients) GetClient(_ context.Context, clientID string) (*auth.ClientInfo, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	client, ok := s.byID[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	dup := *client
	return &dup, nil
}
