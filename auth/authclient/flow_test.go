package authclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/mcprpc/auth"
	"github.com/viant/mcprpc/auth/authserver"
)

// startAuthServer runs an authorization server on an httptest listener.
func startAuthServer(t *testing.T, provider authserver.Provider, options ...authserver.Option) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	handler := authserver.New(server.URL, provider, authserver.NewMemoryClients(), options...)
	handler.Register(mux)
	return server
}

func newProvider(options ...authserver.ProviderOption) *authserver.GrantProvider {
	grants := authserver.NewMemoryStore(time.Hour, 0, 100*time.Millisecond)
	return authserver.NewGrantProvider(grants, options...)
}

// autoApprove follows the authorization URL without a browser and returns the
// code and state delivered on the redirect.
func autoApprove(t *testing.T) Authorizer {
	t.Helper()
	return func(ctx context.Context, authorizationURL string) (string, string, error) {
		client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}}
		response, err := client.Get(authorizationURL)
		if err != nil {
			return "", "", err
		}
		defer response.Body.Close()
		if response.StatusCode != http.StatusFound {
			return "", "", fmt.Errorf("authorize returned status %v", response.StatusCode)
		}
		location, err := url.Parse(response.Header.Get("Location"))
		if err != nil {
			return "", "", err
		}
		query := location.Query()
		if code := query.Get("error"); code != "" {
			return "", "", fmt.Errorf("authorization denied: %v", code)
		}
		return query.Get("code"), query.Get("state"), nil
	}
}

func TestFlow_AuthorizeEndToEnd(t *testing.T) {
	server := startAuthServer(t, newProvider(), authserver.WithScopes("mcp:read", "mcp:tools"))
	store := NewMemory()
	flow := New(server.URL, store,
		WithRedirectURI("http://127.0.0.1/callback"),
		WithAuthorizer(autoApprove(t)))

	tokens, err := flow.Authorize(context.Background(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, "bearer", strings.ToLower(tokens.TokenType))
	assert.Equal(t, []string{"mcp:read", "mcp:tools"}, tokens.ScopeList())

	client, err := store.ClientInfo(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, client.ClientID)
	assert.Empty(t, client.ClientSecret)
	assert.Equal(t, auth.AuthMethodNone, client.AuthMethod())

	token, err := flow.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tokens.AccessToken, token)
}

func TestFlow_TokenRefreshesWhenNearExpiry(t *testing.T) {
	server := startAuthServer(t, newProvider(authserver.WithAccessTTL(2*time.Second)))
	store := NewMemory()
	flow := New(server.URL, store,
		WithRedirectURI("http://127.0.0.1/callback"),
		WithScopes("mcp:read"),
		WithAuthorizer(autoApprove(t)))

	tokens, err := flow.Authorize(context.Background(), nil)
	require.NoError(t, err)

	// The 2s lifetime falls inside the 30s expiry skew, so the next use
	// goes through a refresh.
	token, err := flow.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, tokens.AccessToken, token)

	stored, err := store.Tokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token, stored.AccessToken)
	assert.NotEmpty(t, stored.RefreshToken)
}

func TestFlow_ExchangeRejectsStateMismatch(t *testing.T) {
	server := startAuthServer(t, newProvider())
	flow := New(server.URL, NewMemory(), WithRedirectURI("http://127.0.0.1/callback"))

	_, err := flow.Begin(context.Background(), nil)
	require.NoError(t, err)

	_, err = flow.Exchange(context.Background(), "some-code", "forged-state")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state")
}

func TestFlow_RefreshInvalidGrantClearsTokens(t *testing.T) {
	server := startAuthServer(t, newProvider())
	store := NewMemory()
	flow := New(server.URL, store,
		WithRedirectURI("http://127.0.0.1/callback"),
		WithScopes("mcp:read"),
		WithAuthorizer(autoApprove(t)))

	tokens, err := flow.Authorize(context.Background(), nil)
	require.NoError(t, err)
	tokens.RefreshToken = "not-a-live-refresh-token"
	require.NoError(t, store.SaveTokens(context.Background(), tokens))

	_, err = flow.Refresh(context.Background())
	oauthErr := &auth.Error{}
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, auth.ErrorInvalidGrant, oauthErr.Code)

	_, err = store.Tokens(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFlow_DiscoveryDefaultsEndpointsWithoutMetadata(t *testing.T) {
	outer := http.NewServeMux()
	server := httptest.NewServer(outer)
	t.Cleanup(server.Close)
	inner := http.NewServeMux()
	handler := authserver.New(server.URL, newProvider(), authserver.NewMemoryClients())
	handler.Register(inner)
	// Expose only the endpoints at their default paths; metadata stays 404.
	for _, path := range []string{"/authorize", "/token", "/register"} {
		outer.Handle(path, inner)
	}

	flow := New(server.URL, NewMemory(),
		WithRedirectURI("http://127.0.0.1/callback"),
		WithScopes("mcp:read"),
		WithAuthorizer(autoApprove(t)))

	tokens, err := flow.Authorize(context.Background(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.Equal(t, "mcp:read", tokens.Scope)
}

func TestRoundTripper_AuthorizesAndRetriesOnce(t *testing.T) {
	provider := newProvider()
	resourceMux := http.NewServeMux()
	resourceServer := httptest.NewServer(resourceMux)
	t.Cleanup(resourceServer.Close)
	authServer := startAuthServer(t, provider,
		authserver.WithScopes("mcp:read"),
		authserver.WithProtectedResource(&auth.ProtectedResourceMetadata{
			Resource:        resourceServer.URL,
			ScopesSupported: []string{"mcp:read"},
		}))

	var hits int32
	resourceMux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if _, err := provider.Verify(r.Context(), token); err != nil {
			challenge := auth.NewChallenge("", "").
				WithResourceMetadata(authServer.URL + auth.ProtectedResourcePath)
			w.Header().Set("WWW-Authenticate", challenge.String())
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, "ok")
	})

	flow := New(resourceServer.URL, NewMemory(),
		WithRedirectURI("http://127.0.0.1/callback"),
		WithAuthorizer(autoApprove(t)))
	client := &http.Client{Transport: NewRoundTripper(flow, nil)}

	response, err := client.Get(resourceServer.URL + "/data")
	require.NoError(t, err)
	body, err := io.ReadAll(response.Body)
	response.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	// The stored token serves the next request without another round.
	response, err = client.Get(resourceServer.URL + "/data")
	require.NoError(t, err)
	response.Body.Close()
	assert.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestRoundTripper_StepsUpScopeOnForbidden(t *testing.T) {
	provider := newProvider()
	resourceMux := http.NewServeMux()
	resourceServer := httptest.NewServer(resourceMux)
	t.Cleanup(resourceServer.Close)
	authServer := startAuthServer(t, provider,
		authserver.WithScopes("mcp:read", "mcp:admin"),
		authserver.WithProtectedResource(&auth.ProtectedResourceMetadata{
			Resource:        resourceServer.URL,
			ScopesSupported: []string{"mcp:read"},
		}))

	metadataURL := authServer.URL + auth.ProtectedResourcePath
	resourceMux.HandleFunc("/admin", func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		info, err := provider.Verify(r.Context(), token)
		if err != nil {
			w.Header().Set("WWW-Authenticate",
				auth.NewChallenge("", "").WithResourceMetadata(metadataURL).String())
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		}
		if !info.HasScopes("mcp:admin") {
			w.Header().Set("WWW-Authenticate",
				auth.NewChallenge(auth.ErrorInsufficientScope, "mcp:admin required").
					WithScope("mcp:admin").
					WithResourceMetadata(metadataURL).String())
			http.Error(w, "insufficient scope", http.StatusForbidden)
			return
		}
		fmt.Fprint(w, "admin ok")
	})

	store := NewMemory()
	flow := New(resourceServer.URL, store,
		WithRedirectURI("http://127.0.0.1/callback"),
		WithAuthorizer(autoApprove(t)))
	client := &http.Client{Transport: NewRoundTripper(flow, nil)}

	// The first round authorizes with the advertised mcp:read scope, and the
	// retried request is still short of mcp:admin.
	response, err := client.Get(resourceServer.URL + "/admin")
	require.NoError(t, err)
	response.Body.Close()
	assert.Equal(t, http.StatusForbidden, response.StatusCode)

	stored, err := store.Tokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"mcp:read"}, stored.ScopeList())

	// The second round steps up: the challenge scope is unioned with what
	// was already granted.
	response, err = client.Get(resourceServer.URL + "/admin")
	require.NoError(t, err)
	body, err := io.ReadAll(response.Body)
	response.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, "admin ok", string(body))

	stored, err = store.Tokens(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mcp:read", "mcp:admin"}, stored.ScopeList())
}

func TestRoundTripper_ReturnsDenialWhenAuthorizationFails(t *testing.T) {
	resourceMux := http.NewServeMux()
	resourceServer := httptest.NewServer(resourceMux)
	t.Cleanup(resourceServer.Close)
	authServer := startAuthServer(t, newProvider(),
		authserver.WithProtectedResource(&auth.ProtectedResourceMetadata{Resource: resourceServer.URL}))
	resourceMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate",
			auth.NewChallenge(auth.ErrorInvalidToken, "token rejected").
				WithResourceMetadata(authServer.URL+auth.ProtectedResourcePath).String())
		http.Error(w, "denied", http.StatusUnauthorized)
	})

	flow := New(resourceServer.URL, NewMemory(),
		WithRedirectURI("http://127.0.0.1/callback"),
		WithAuthorizer(func(context.Context, string) (string, string, error) {
			return "", "", fmt.Errorf("user closed the browser")
		}))
	client := &http.Client{Transport: NewRoundTripper(flow, nil)}

	response, err := client.Get(resourceServer.URL)
	require.NoError(t, err)
	defer response.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	assert.Equal(t, "denied\n", string(body))
}

func TestRoundTripper_IgnoresForbiddenWithoutChallenge(t *testing.T) {
	var hits int32
	resourceServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	t.Cleanup(resourceServer.Close)

	flow := New(resourceServer.URL, NewMemory(), WithRedirectURI("http://127.0.0.1/callback"))
	client := &http.Client{Transport: NewRoundTripper(flow, nil)}

	response, err := client.Get(resourceServer.URL)
	require.NoError(t, err)
	response.Body.Close()
	assert.Equal(t, http.StatusForbidden, response.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}
