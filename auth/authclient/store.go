package authclient

import (
	"context"
	"errors"
	"sync"

	"github.com/viant/mcprpc/auth"
)

// ErrNotFound indicates the store holds no value for the request.
var ErrNotFound = errors.New("auth state not found")

// Store persists the client side OAuth state: issued tokens, the dynamic
// registration record and the PKCE verifier of an in-flight authorization.
// Saving nil tokens clears them.
type Store interface {
	Tokens(ctx context.Context) (*auth.Tokens, error)
	SaveTokens(ctx context.Context, tokens *auth.Tokens) error
	ClientInfo(ctx context.Context) (*auth.ClientInfo, error)
	SaveClientInfo(ctx context.Context, client *auth.ClientInfo) error
	CodeVerifier(ctx context.Context) (string, error)
	SaveCodeVerifier(ctx context.Context, verifier string) error
}

// Memory is an in-memory Store for tests and throwaway sessions.
type Memory struct {
	mu       sync.RWMutex
	tokens   *auth.Tokens
	client   *auth.ClientInfo
	verifier string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (s *Memory) Tokens(context.Context) (*auth.Tokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tokens == nil {
		return nil, ErrNotFound
	}
	dup := *s.tokens
	return &dup, nil
}

func (s *Memory) SaveTokens(_ context.Context, tokens *auth.Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tokens == nil {
		s.tokens = nil
		return nil
	}
	dup := *tokens
	s.tokens = &dup
	return nil
}

func (s *Memory) ClientInfo(context.Context) (*auth.ClientInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, ErrNotFound
	}
	dup := *s.client
	return &dup, nil
}

func (s *Memory) SaveClientInfo(_ context.Context, client *auth.ClientInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if client == nil {
		s.client = nil
		return nil
	}
	dup := *client
	s.client = &dup
	return nil
}

func (s *Memory) CodeVerifier(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.verifier == "" {
		return "", ErrNotFound
	}
	return s.verifier, nil
}

func (s *Memory) SaveCodeVerifier(_ context.Context, verifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifier = verifier
	return nil
}
