package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/url"

	"github.com/viant/mcprpc/auth"
)

const (
	tokensFile   = "tokens.json"
	clientFile   = "client.json"
	verifierFile = "verifier.json"

	storeFileMode = os.FileMode(0o600)
)

// FileStore persists OAuth state as JSON documents under a base URL through
// the afs abstraction, e.g. file:///home/user/.mcp/auth or mem://test/auth.
type FileStore struct {
	fs      afs.Service
	baseURL string
}

// NewFileStore creates a store rooted at the given base URL.
func NewFileStore(baseURL string) *FileStore {
	return &FileStore{fs: afs.New(), baseURL: strings.TrimSuffix(baseURL, "/")}
}

// tokenRecord carries the receipt time next to the wire document so the
// absolute expiry survives persistence.
type tokenRecord struct {
	Tokens     *auth.Tokens `json:"tokens"`
	ReceivedAt time.Time    `json:"received_at,omitempty"`
}

func (s *FileStore) Tokens(ctx context.Context) (*auth.Tokens, error) {
	record := &tokenRecord{}
	if err := s.load(ctx, tokensFile, record); err != nil {
		return nil, err
	}
	if record.Tokens == nil {
		return nil, ErrNotFound
	}
	record.Tokens.ReceivedAt = record.ReceivedAt
	return record.Tokens, nil
}

func (s *FileStore) SaveTokens(ctx context.Context, tokens *auth.Tokens) error {
	if tokens == nil {
		return s.remove(ctx, tokensFile)
	}
	return s.save(ctx, tokensFile, &tokenRecord{Tokens: tokens, ReceivedAt: tokens.ReceivedAt})
}

func (s *FileStore) ClientInfo(ctx context.Context) (*auth.ClientInfo, error) {
	client := &auth.ClientInfo{}
	if err := s.load(ctx, clientFile, client); err != nil {
		return nil, err
	}
	if client.ClientID == "" {
		return nil, ErrNotFound
	}
	return client, nil
}

func (s *FileStore) SaveClientInfo(ctx context.Context, client *auth.ClientInfo) error {
	if client == nil {
		return s.remove(ctx, clientFile)
	}
	return s.save(ctx, clientFile, client)
}

// verifierRecord wraps the verifier so the stored document stays a JSON
// object open to later fields.
type verifierRecord struct {
	Verifier string `json:"verifier"`
}

func (s *FileStore) CodeVerifier(ctx context.Context) (string, error) {
	record := &verifierRecord{}
	if err := s.load(ctx, verifierFile, record); err != nil {
		return "", err
	}
	if record.Verifier == "" {
		return "", ErrNotFound
	}
	return record.Verifier, nil
}

func (s *FileStore) SaveCodeVerifier(ctx context.Context, verifier string) error {
	return s.save(ctx, verifierFile, &verifierRecord{Verifier: verifier})
}

func (s *FileStore) load(ctx context.Context, name string, target interface{}) error {
	URL := url.Join(s.baseURL, name)
	ok, err := s.fs.Exists(ctx, URL)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	data, err := s.fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

func (s *FileStore) save(ctx context.Context, name string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.fs.Upload(ctx, url.Join(s.baseURL, name), storeFileMode, bytes.NewReader(data))
}

func (s *FileStore) remove(ctx context.Context, name string) error {
	URL := url.Join(s.baseURL, name)
	ok, err := s.fs.Exists(ctx, URL)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return s.fs.Delete(ctx, URL)
}
