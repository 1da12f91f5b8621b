// Package authclient implements the OAuth 2.1 client side of MCP
// authorization: discovery from a bearer challenge, dynamic client
// registration, the PKCE authorization code flow and transparent refresh.
package authclient

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/viant/mcprpc"
	"github.com/viant/mcprpc/auth"
	"github.com/viant/mcprpc/auth/pkce"
)

const (
	contentTypeJSON = "application/json"

	// maxBody bounds authorization server response bodies.
	maxBody = 1 << 20
)

// Authorizer completes the interactive leg of the flow: it presents the
// authorization URL to the user and returns the code and state delivered on
// the redirect.
type Authorizer func(ctx context.Context, authorizationURL string) (code, state string, err error)

// Flow drives the client side authorization state machine against one MCP
// server: challenge driven discovery, registration when no client is stored,
// the PKCE authorization round and token refresh. All state that has to
// survive the round trips lives in the Store.
type Flow struct {
	store        Store
	httpClient   *http.Client
	serverURL    string
	authServer   string
	redirectURI  string
	authorizer   Authorizer
	metadata     *auth.ClientMetadata
	scopes       []string
	resource     string
	registration bool
	skew         time.Duration
	logger       mcprpc.Logger

	mu            sync.Mutex
	discovered    *discovery
	pendingState  string
	pendingScopes []string
}

// discovery is the cached outcome of metadata resolution.
type discovery struct {
	metadata *auth.Metadata
	resource *auth.ProtectedResourceMetadata
}

// New creates a flow for the MCP server at serverURL; the server origin
// anchors discovery when a challenge names no resource metadata.
func New(serverURL string, store Store, options ...Option) *Flow {
	flow := &Flow{
		store:        store,
		serverURL:    serverURL,
		registration: true,
		skew:         30 * time.Second,
	}
	for _, option := range options {
		option(flow)
	}
	if flow.httpClient == nil {
		flow.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if flow.logger == nil {
		flow.logger = mcprpc.DefaultLogger
	}
	return flow
}

// Token returns a bearer token ready for use, transparently refreshing one
// that is expired or about to expire. It fails when no authorization has
// happened yet or the refresh is rejected.
func (f *Flow) Token(ctx context.Context) (string, error) {
	tokens, err := f.store.Tokens(ctx)
	if err != nil {
		return "", err
	}
	if !tokens.Expired(time.Now(), f.skew) {
		return tokens.AccessToken, nil
	}
	refreshed, err := f.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Authorize runs the full flow for a bearer challenge: discovery,
// registration when needed, the interactive authorization leg and the code
// exchange. A nil challenge authorizes with the configured defaults.
func (f *Flow) Authorize(ctx context.Context, challenge *auth.Challenge) (*auth.Tokens, error) {
	if f.authorizer == nil {
		return nil, fmt.Errorf("no authorizer configured to complete interactive authorization")
	}
	authorizationURL, err := f.Begin(ctx, challenge)
	if err != nil {
		return nil, err
	}
	code, state, err := f.authorizer(ctx, authorizationURL)
	if err != nil {
		return nil, fmt.Errorf("authorization was not completed: %w", err)
	}
	return f.Exchange(ctx, code, state)
}

// Begin prepares an authorization round: it resolves the authorization
// server, ensures a client registration, generates and persists a PKCE
// verifier and returns the authorization URL to present to the user.
func (f *Flow) Begin(ctx context.Context, challenge *auth.Challenge) (string, error) {
	if f.redirectURI == "" {
		return "", fmt.Errorf("a redirect uri is required to authorize")
	}
	disc, err := f.discover(ctx, challenge)
	if err != nil {
		return "", err
	}
	client, err := f.ensureClient(ctx, disc.metadata)
	if err != nil {
		return "", err
	}
	verifier, err := pkce.GenerateVerifier()
	if err != nil {
		return "", err
	}
	if err := f.store.SaveCodeVerifier(ctx, verifier); err != nil {
		return "", err
	}
	state, err := newState()
	if err != nil {
		return "", err
	}
	scopes := f.scopesFor(ctx, challenge, disc)
	f.mu.Lock()
	f.pendingState = state
	f.pendingScopes = scopes
	f.mu.Unlock()

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {client.ClientID},
		"redirect_uri":          {f.redirectURI},
		"state":                 {state},
		"code_challenge":        {pkce.ChallengeS256(verifier)},
		"code_challenge_method": {pkce.Method},
	}
	if len(scopes) > 0 {
		params.Set("scope", strings.Join(scopes, " "))
	}
	if resource := f.resourceIndicator(disc); resource != "" {
		params.Set("resource", resource)
	}
	separator := "?"
	if strings.Contains(disc.metadata.AuthorizationEndpoint, "?") {
		separator = "&"
	}
	return disc.metadata.AuthorizationEndpoint + separator + params.Encode(), nil
}

// Exchange redeems the authorization code delivered on the redirect,
// validating the state echo, and persists the resulting tokens.
func (f *Flow) Exchange(ctx context.Context, code, state string) (*auth.Tokens, error) {
	f.mu.Lock()
	expected := f.pendingState
	requested := f.pendingScopes
	f.pendingState = ""
	f.pendingScopes = nil
	f.mu.Unlock()
	if expected == "" || state != expected {
		return nil, fmt.Errorf("authorization state does not match the pending request")
	}
	verifier, err := f.store.CodeVerifier(ctx)
	if err != nil {
		return nil, fmt.Errorf("no code verifier stored: %w", err)
	}
	disc, err := f.discover(ctx, nil)
	if err != nil {
		return nil, err
	}
	client, err := f.store.ClientInfo(ctx)
	if err != nil {
		return nil, err
	}
	form := url.Values{
		"grant_type":    {auth.GrantAuthorizationCode},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {f.redirectURI},
	}
	if resource := f.resourceIndicator(disc); resource != "" {
		form.Set("resource", resource)
	}
	tokens, err := f.postToken(ctx, disc.metadata.TokenEndpoint, form, client)
	if err != nil {
		return nil, err
	}
	if tokens.Scope == "" && len(requested) > 0 {
		// An omitted scope means the grant matches the request (RFC 6749 §5.1).
		tokens.Scope = strings.Join(requested, " ")
	}
	if err := f.store.SaveTokens(ctx, tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// Refresh rotates the stored tokens through the refresh grant. A definitive
// rejection clears the stored tokens so the next round reauthorizes.
func (f *Flow) Refresh(ctx context.Context) (*auth.Tokens, error) {
	tokens, err := f.store.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	if tokens.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token stored")
	}
	disc, err := f.discover(ctx, nil)
	if err != nil {
		return nil, err
	}
	client, err := f.store.ClientInfo(ctx)
	if err != nil {
		return nil, err
	}
	form := url.Values{
		"grant_type":    {auth.GrantRefreshToken},
		"refresh_token": {tokens.RefreshToken},
	}
	if resource := f.resourceIndicator(disc); resource != "" {
		form.Set("resource", resource)
	}
	refreshed, err := f.postToken(ctx, disc.metadata.TokenEndpoint, form, client)
	if err != nil {
		var oauthErr *auth.Error
		if errors.As(err, &oauthErr) && oauthErr.Code == auth.ErrorInvalidGrant {
			// The grant is dead; drop it so the next round reauthorizes.
			if clearErr := f.store.SaveTokens(ctx, nil); clearErr != nil {
				f.logger.Errorf("failed to clear rejected tokens: %v", clearErr)
			}
		}
		return nil, err
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = tokens.RefreshToken
	}
	if err := f.store.SaveTokens(ctx, refreshed); err != nil {
		return nil, err
	}
	return refreshed, nil
}

// discover resolves the authorization server metadata, caching the result.
// The chain follows the challenge's resource_metadata URL when present, then
// the well-known resource document on the server origin, then the origin
// itself as the authorization server.
func (f *Flow) discover(ctx context.Context, challenge *auth.Challenge) (*discovery, error) {
	f.mu.Lock()
	cached := f.discovered
	f.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	disc := &discovery{}
	resourceURL := ""
	if challenge != nil {
		resourceURL = challenge.ResourceMetadata()
	}
	if resourceURL == "" && f.serverURL != "" {
		resourceURL = origin(f.serverURL) + auth.ProtectedResourcePath
	}
	if resourceURL != "" {
		document := &auth.ProtectedResourceMetadata{}
		if err := f.getJSON(ctx, resourceURL, document); err == nil {
			disc.resource = document
		}
	}
	authServer := f.authServer
	if authServer == "" && disc.resource != nil && len(disc.resource.AuthorizationServers) > 0 {
		authServer = disc.resource.AuthorizationServers[0]
	}
	if authServer == "" {
		authServer = origin(f.serverURL)
	}
	if authServer == "" {
		return nil, fmt.Errorf("no authorization server to discover")
	}
	metadata, err := f.fetchMetadata(ctx, authServer)
	if err != nil {
		return nil, err
	}
	disc.metadata = metadata
	f.mu.Lock()
	f.discovered = disc
	f.mu.Unlock()
	return disc, nil
}

// fetchMetadata loads the RFC 8414 document; a server without one gets the
// default endpoint layout on its origin.
func (f *Flow) fetchMetadata(ctx context.Context, authServer string) (*auth.Metadata, error) {
	trimmed := strings.TrimSuffix(authServer, "/")
	document := &auth.Metadata{}
	err := f.getJSON(ctx, trimmed+auth.MetadataPath, document)
	if err == nil {
		if document.TokenEndpoint == "" {
			return nil, fmt.Errorf("authorization server metadata at %v names no token endpoint", trimmed)
		}
		return document, nil
	}
	statusErr := &httpStatusError{}
	if !errors.As(err, &statusErr) || statusErr.status != http.StatusNotFound {
		return nil, fmt.Errorf("failed to fetch authorization server metadata: %w", err)
	}
	return &auth.Metadata{
		Issuer:                trimmed,
		AuthorizationEndpoint: trimmed + "/authorize",
		TokenEndpoint:         trimmed + "/token",
		RegistrationEndpoint:  trimmed + "/register",
	}, nil
}

// ensureClient returns the stored registration, registering dynamically
// when none exists yet.
func (f *Flow) ensureClient(ctx context.Context, metadata *auth.Metadata) (*auth.ClientInfo, error) {
	client, err := f.store.ClientInfo(ctx)
	if err == nil && !client.SecretExpired(time.Now()) {
		return client, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if !f.registration {
		return nil, fmt.Errorf("no client registration stored and dynamic registration is disabled")
	}
	if !metadata.SupportsRegistration() {
		return nil, fmt.Errorf("authorization server %v does not offer dynamic registration", metadata.Issuer)
	}
	payload, err := json.Marshal(f.registrationDocument())
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, metadata.RegistrationEndpoint, strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", contentTypeJSON)
	response, err := f.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("client registration failed: %w", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, maxBody))
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusCreated && response.StatusCode != http.StatusOK {
		if oauthErr := auth.ErrorFromBody(body); oauthErr != nil {
			return nil, fmt.Errorf("client registration rejected: %w", oauthErr)
		}
		return nil, fmt.Errorf("client registration returned status %v", response.StatusCode)
	}
	registered := &auth.ClientInfo{}
	if err := json.Unmarshal(body, registered); err != nil {
		return nil, fmt.Errorf("failed to parse registration response: %w", err)
	}
	if registered.ClientID == "" {
		return nil, fmt.Errorf("registration response carries no client_id")
	}
	if err := f.store.SaveClientInfo(ctx, registered); err != nil {
		return nil, err
	}
	return registered, nil
}

// registrationDocument builds the RFC 7591 request from the configured
// template, defaulting to a public PKCE client.
func (f *Flow) registrationDocument() *auth.ClientMetadata {
	document := &auth.ClientMetadata{}
	if f.metadata != nil {
		*document = *f.metadata
	}
	if len(document.RedirectURIs) == 0 {
		document.RedirectURIs = []string{f.redirectURI}
	}
	if document.TokenEndpointAuthMethod == "" {
		document.TokenEndpointAuthMethod = auth.AuthMethodNone
	}
	if len(document.GrantTypes) == 0 {
		document.GrantTypes = []string{auth.GrantAuthorizationCode, auth.GrantRefreshToken}
	}
	if len(document.ResponseTypes) == 0 {
		document.ResponseTypes = []string{"code"}
	}
	if document.Scope == "" && len(f.scopes) > 0 {
		document.Scope = strings.Join(f.scopes, " ")
	}
	return document
}

// postToken submits a token endpoint request with the client's registered
// authentication method and parses the response.
func (f *Flow) postToken(ctx context.Context, endpoint string, form url.Values, client *auth.ClientInfo) (*auth.Tokens, error) {
	switch client.AuthMethod() {
	case auth.AuthMethodPost:
		form.Set("client_id", client.ClientID)
		form.Set("client_secret", client.ClientSecret)
	case auth.AuthMethodBasic:
	default:
		form.Set("client_id", client.ClientID)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if client.AuthMethod() == auth.AuthMethodBasic {
		request.SetBasicAuth(url.QueryEscape(client.ClientID), url.QueryEscape(client.ClientSecret))
	}
	response, err := f.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, maxBody))
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		if oauthErr := auth.ErrorFromBody(body); oauthErr != nil {
			return nil, oauthErr
		}
		return nil, fmt.Errorf("token endpoint returned status %v", response.StatusCode)
	}
	tokens := &auth.Tokens{}
	if err := json.Unmarshal(body, tokens); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("token response carries no access_token")
	}
	tokens.ReceivedAt = time.Now()
	return tokens, nil
}

// scopesFor picks the scopes to request: the challenge wins, widened by
// anything already granted so a step-up never narrows; otherwise the
// resource document, the server metadata, then the configured defaults.
func (f *Flow) scopesFor(ctx context.Context, challenge *auth.Challenge, disc *discovery) []string {
	if challenge != nil {
		if requested := challenge.Scopes(); len(requested) > 0 {
			if tokens, err := f.store.Tokens(ctx); err == nil {
				requested = unionScopes(requested, tokens.ScopeList())
			}
			return requested
		}
	}
	if disc.resource != nil && len(disc.resource.ScopesSupported) > 0 {
		return disc.resource.ScopesSupported
	}
	if disc.metadata != nil && len(disc.metadata.ScopesSupported) > 0 {
		return disc.metadata.ScopesSupported
	}
	return f.scopes
}

func (f *Flow) resourceIndicator(disc *discovery) string {
	if f.resource != "" {
		return f.resource
	}
	if disc.resource != nil {
		return disc.resource.Resource
	}
	return ""
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status %v", e.status)
}

func (f *Flow) getJSON(ctx context.Context, rawURL string, target interface{}) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", contentTypeJSON)
	response, err := f.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return &httpStatusError{status: response.StatusCode}
	}
	return json.NewDecoder(io.LimitReader(response.Body, maxBody)).Decode(target)
}

func newState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func unionScopes(a, b []string) []string {
	seen := map[string]bool{}
	merged := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, scope := range list {
			if !seen[scope] {
				seen[scope] = true
				merged = append(merged, scope)
			}
		}
	}
	return merged
}

// origin reduces a URL to scheme://host.
func origin(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" {
		return strings.TrimSuffix(raw, "/")
	}
	return parsed.Scheme + "://" + parsed.Host
}
