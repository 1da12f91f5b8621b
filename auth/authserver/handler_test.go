package authserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viant/mcprpc/auth"
	"github.com/viant/mcprpc/auth/pkce"
)

const testCallback = "https://app.example/callback"

func newAuthServer(t *testing.T, options ...Option) (*httptest.Server, *MemoryStore, *MemoryClients) {
	t.Helper()
	grants := NewMemoryStore(time.Hour, 0, 100*time.Millisecond)
	clients := NewMemoryClients()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	handler := New(server.URL, NewGrantProvider(grants), clients, options...)
	handler.Register(mux)
	return server, grants, clients
}

func registerClient(t *testing.T, serverURL string, metadata map[string]interface{}) *auth.ClientInfo {
	t.Helper()
	body, err := json.Marshal(metadata)
	require.NoError(t, err)
	resp, err := http.Post(serverURL+"/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "registration: %s", payload)
	client := &auth.ClientInfo{}
	require.NoError(t, json.Unmarshal(payload, client))
	return client
}

func registerPublicClient(t *testing.T, serverURL string) *auth.ClientInfo {
	return registerClient(t, serverURL, map[string]interface{}{
		"redirect_uris":              []string{testCallback},
		"token_endpoint_auth_method": "none",
		"grant_types":                []string{"authorization_code", "refresh_token"},
	})
}

func noRedirectGet(t *testing.T, rawURL string) *http.Response {
	t.Helper()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(rawURL)
	require.NoError(t, err)
	return resp
}

// authorizeWithPKCE walks the authorization endpoint and returns the
// verifier together with the code delivered on the redirect.
func authorizeWithPKCE(t *testing.T, serverURL string, client *auth.ClientInfo) (string, string) {
	t.Helper()
	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	resp := noRedirectGet(t, serverURL+"/authorize?"+url.Values{
		"response_type":         {"code"},
		"client_id":             {client.ClientID},
		"redirect_uri":          {testCallback},
		"scope":                 {"mcp:read"},
		"code_challenge":        {pkce.ChallengeS256(verifier)},
		"code_challenge_method": {"S256"},
	}.Encode())
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	code := location.Query().Get("code")
	require.NotEmpty(t, code, "redirect carried no code: %v", location)
	return verifier, code
}

func postForm(t *testing.T, rawURL string, form url.Values) *http.Response {
	t.Helper()
	resp, err := http.PostForm(rawURL, form)
	require.NoError(t, err)
	return resp
}

func exchange(t *testing.T, serverURL string, form url.Values) *auth.Tokens {
	t.Helper()
	resp := postForm(t, serverURL+"/token", form)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, "token endpoint: %s", body)
	tokens := &auth.Tokens{}
	require.NoError(t, json.Unmarshal(body, tokens))
	return tokens
}

func exchangeError(t *testing.T, serverURL string, form url.Values) (int, *auth.Error) {
	t.Helper()
	resp := postForm(t, serverURL+"/token", form)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	oauthErr := auth.ErrorFromBody(body)
	require.NotNil(t, oauthErr, "expected an oauth error body, got %s", body)
	return resp.StatusCode, oauthErr
}

func obtainTokens(t *testing.T, server *httptest.Server) (*auth.ClientInfo, *auth.Tokens) {
	t.Helper()
	client := registerPublicClient(t, server.URL)
	verifier, code := authorizeWithPKCE(t, server.URL, client)
	tokens := exchange(t, server.URL, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {testCallback},
		"client_id":     {client.ClientID},
	})
	require.NotEmpty(t, tokens.RefreshToken)
	return client, tokens
}

func TestHandler_Metadata(t *testing.T) {
	server, _, _ := newAuthServer(t, WithScopes("mcp:read", "mcp:write"))
	resp, err := http.Get(server.URL + auth.MetadataPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	document := &auth.Metadata{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(document))
	assert.Equal(t, server.URL, document.Issuer)
	assert.Equal(t, server.URL+"/authorize", document.AuthorizationEndpoint)
	assert.Equal(t, server.URL+"/token", document.TokenEndpoint)
	assert.Equal(t, server.URL+"/register", document.RegistrationEndpoint)
	assert.Equal(t, server.URL+"/revoke", document.RevocationEndpoint)
	assert.Equal(t, []string{"code"}, document.ResponseTypesSupported)
	assert.Equal(t, []string{"mcp:read", "mcp:write"}, document.ScopesSupported)
	assert.Contains(t, document.CodeChallengeMethodsSupported, "S256")
	assert.Contains(t, document.GrantTypesSupported, auth.GrantRefreshToken)
	assert.Contains(t, document.TokenEndpointAuthMethodsSupported, auth.AuthMethodPrivateKeyJWT)
	assert.True(t, document.SupportsRegistration())
}

func TestHandler_ProtectedResource(t *testing.T) {
	server, _, _ := newAuthServer(t, WithProtectedResource(&auth.ProtectedResourceMetadata{
		Resource:        "https://api.example/mcp",
		ScopesSupported: []string{"mcp:read"},
	}))
	resp, err := http.Get(server.URL + auth.ProtectedResourcePath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	document := &auth.ProtectedResourceMetadata{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(document))
	assert.Equal(t, "https://api.example/mcp", document.Resource)
	// the issuer is filled in when the document names no servers
	assert.Equal(t, []string{server.URL}, document.AuthorizationServers)
}

func TestHandler_AuthorizationCodeFlow(t *testing.T) {
	server, _, _ := newAuthServer(t)
	client := registerPublicClient(t, server.URL)
	assert.NotEmpty(t, client.ClientID)
	assert.Empty(t, client.ClientSecret, "public clients must not get a secret")

	verifier, err := pkce.GenerateVerifier()
	require.NoError(t, err)
	resp := noRedirectGet(t, server.URL+"/authorize?"+url.Values{
		"response_type":         {"code"},
		"client_id":             {client.ClientID},
		"redirect_uri":          {testCallback},
		"scope":                 {"mcp:read"},
		"state":                 {"xyz"},
		"code_challenge":        {pkce.ChallengeS256(verifier)},
		"code_challenge_method": {"S256"},
	}.Encode())
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(location.String(), testCallback))
	assert.Equal(t, "xyz", location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)

	tokens := exchange(t, server.URL, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {testCallback},
		"client_id":     {client.ClientID},
	})
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.RefreshToken)
	assert.Equal(t, "bearer", tokens.TokenType)
	assert.Equal(t, "mcp:read", tokens.Scope)
	assert.Greater(t, tokens.ExpiresIn, int64(0))
}

func TestHandler_PKCEMismatchDoesNotBurnCode(t *testing.T) {
	server, _, _ := newAuthServer(t)
	client := registerPublicClient(t, server.URL)
	verifier, code := authorizeWithPKCE(t, server.URL, client)

	resp := postForm(t, server.URL+"/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {"not-the-right-verifier-not-the-right-verifier"},
		"redirect_uri":  {testCallback},
		"client_id":     {client.ClientID},
	})
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `{"error":"invalid_grant","error_description":"code_verifier does not match the challenge"}`, string(body))

	// the failed verification must not consume the code
	tokens := exchange(t, server.URL, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {testCallback},
		"client_id":     {client.ClientID},
	})
	assert.NotEmpty(t, tokens.AccessToken)
}

func TestHandler_CodeIsOneTime(t *testing.T) {
	server, _, _ := newAuthServer(t)
	client := registerPublicClient(t, server.URL)
	verifier, code := authorizeWithPKCE(t, server.URL, client)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {testCallback},
		"client_id":     {client.ClientID},
	}
	_ = exchange(t, server.URL, form)

	status, oauthErr := exchangeError(t, server.URL, form)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, auth.ErrorInvalidGrant, oauthErr.Code)
}

func TestHandler_RefreshRotationWithReplayGrace(t *testing.T) {
	server, _, _ := newAuthServer(t)
	client, tokens := obtainTokens(t, server)

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
		"client_id":     {client.ClientID},
	}
	rotated := exchange(t, server.URL, form)
	assert.NotEqual(t, tokens.RefreshToken, rotated.RefreshToken)
	assert.NotEqual(t, tokens.AccessToken, rotated.AccessToken)

	// replaying the superseded token inside the grace window hands back the
	// pair the client may have failed to receive
	replayed := exchange(t, server.URL, form)
	assert.Equal(t, rotated.AccessToken, replayed.AccessToken)
	assert.Equal(t, rotated.RefreshToken, replayed.RefreshToken)

	time.Sleep(250 * time.Millisecond)
	status, oauthErr := exchangeError(t, server.URL, form)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, auth.ErrorInvalidGrant, oauthErr.Code)

	// the rotated token outlives the grace window
	next := exchange(t, server.URL, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {rotated.RefreshToken},
		"client_id":     {client.ClientID},
	})
	assert.NotEmpty(t, next.AccessToken)
}

func TestHandler_RefreshScopeNarrowing(t *testing.T) {
	server, _, _ := newAuthServer(t)
	client, tokens := obtainTokens(t, server)

	status, oauthErr := exchangeError(t, server.URL, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
		"scope":         {"mcp:read mcp:admin"},
		"client_id":     {client.ClientID},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, auth.ErrorInvalidScope, oauthErr.Code)

	narrowed := exchange(t, server.URL, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
		"scope":         {"mcp:read"},
		"client_id":     {client.ClientID},
	})
	assert.Equal(t, "mcp:read", narrowed.Scope)
}

func TestHandler_UnsupportedGrantType(t *testing.T) {
	server, _, _ := newAuthServer(t)
	client := registerPublicClient(t, server.URL)

	status, oauthErr := exchangeError(t, server.URL, url.Values{
		"grant_type": {"password"},
		"client_id":  {client.ClientID},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, auth.ErrorUnsupportedGrantType, oauthErr.Code)
}

func TestHandler_ClientSecretBasic(t *testing.T) {
	server, _, _ := newAuthServer(t)
	client := registerClient(t, server.URL, map[string]interface{}{
		"redirect_uris":              []string{testCallback},
		"token_endpoint_auth_method": "client_secret_basic",
		"grant_types":                []string{"authorization_code"},
	})
	require.NotEmpty(t, client.ClientSecret)

	send := func(secret string) *http.Response {
		request, err := http.NewRequest(http.MethodPost, server.URL+"/token",
			strings.NewReader(url.Values{"grant_type": {"authorization_code"}, "code": {"whatever"}}.Encode()))
		require.NoError(t, err)
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		request.SetBasicAuth(client.ClientID, secret)
		resp, err := http.DefaultClient.Do(request)
		require.NoError(t, err)
		return resp
	}

	resp := send("wrong")
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")
	oauthErr := auth.ErrorFromBody(body)
	require.NotNil(t, oauthErr)
	assert.Equal(t, auth.ErrorInvalidClient, oauthErr.Code)

	// the right secret authenticates; the bogus code then fails as a grant
	// problem, not an authentication one
	resp = send(client.ClientSecret)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	oauthErr = auth.ErrorFromBody(body)
	require.NotNil(t, oauthErr)
	assert.Equal(t, auth.ErrorInvalidGrant, oauthErr.Code)
}

func TestHandler_PrivateKeyJWT(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwks, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: key.Public(), KeyID: "k1", Algorithm: "RS256", Use: "sig"},
	}})
	require.NoError(t, err)

	server, _, _ := newAuthServer(t)
	client := registerClient(t, server.URL, map[string]interface{}{
		"redirect_uris":              []string{testCallback},
		"token_endpoint_auth_method": "private_key_jwt",
		"grant_types":                []string{"authorization_code"},
		"jwks":                       json.RawMessage(jwks),
	})
	assert.Empty(t, client.ClientSecret)

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithHeader("kid", "k1"))
	require.NoError(t, err)
	assertion := func(audience string, lifetime time.Duration) string {
		now := time.Now()
		signed, err := jwt.Signed(signer).Claims(jwt.Claims{
			Issuer:   client.ClientID,
			Subject:  client.ClientID,
			Audience: jwt.Audience{audience},
			IssuedAt: jwt.NewNumericDate(now.Add(-time.Minute)),
			Expiry:   jwt.NewNumericDate(now.Add(lifetime)),
		}).CompactSerialize()
		require.NoError(t, err)
		return signed
	}

	verifier, code := authorizeWithPKCE(t, server.URL, client)
	tokens := exchange(t, server.URL, url.Values{
		"grant_type":            {"authorization_code"},
		"code":                  {code},
		"code_verifier":         {verifier},
		"redirect_uri":          {testCallback},
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {assertion(server.URL+"/token", time.Minute)},
	})
	assert.NotEmpty(t, tokens.AccessToken)

	// an assertion for another audience is rejected before any grant runs
	status, oauthErr := exchangeError(t, server.URL, url.Values{
		"grant_type":            {"authorization_code"},
		"code":                  {"whatever"},
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {assertion("https://other.example/token", time.Minute)},
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, auth.ErrorInvalidClient, oauthErr.Code)

	// an expired assertion is rejected; well past the validation leeway
	status, oauthErr = exchangeError(t, server.URL, url.Values{
		"grant_type":            {"authorization_code"},
		"code":                  {"whatever"},
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {assertion(server.URL+"/token", -5*time.Minute)},
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, auth.ErrorInvalidClient, oauthErr.Code)
}

func TestHandler_RevokeRefreshTokenKillsFamily(t *testing.T) {
	server, grants, _ := newAuthServer(t)
	client, tokens := obtainTokens(t, server)

	resp := postForm(t, server.URL+"/revoke", url.Values{
		"token":     {tokens.RefreshToken},
		"client_id": {client.ClientID},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// the paired access token went down with the family
	_, err := grants.Get(context.Background(), tokens.AccessToken)
	assert.True(t, errors.Is(err, ErrNotFound))

	status, oauthErr := exchangeError(t, server.URL, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
		"client_id":     {client.ClientID},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, auth.ErrorInvalidGrant, oauthErr.Code)
}

func TestHandler_AuthorizeRedirectErrorsPreserveState(t *testing.T) {
	server, _, _ := newAuthServer(t)
	client := registerPublicClient(t, server.URL)

	testCases := []struct {
		description string
		params      url.Values
		wantError   string
	}{
		{
			description: "response type other than code",
			params: url.Values{
				"response_type": {"token"},
				"client_id":     {client.ClientID},
				"redirect_uri":  {testCallback},
				"state":         {"abc123"},
			},
			wantError: auth.ErrorUnsupportedResponseType,
		},
		{
			description: "missing code challenge",
			params: url.Values{
				"response_type": {"code"},
				"client_id":     {client.ClientID},
				"redirect_uri":  {testCallback},
				"state":         {"abc123"},
			},
			wantError: auth.ErrorInvalidRequest,
		},
		{
			description: "plain challenge method",
			params: url.Values{
				"response_type":         {"code"},
				"client_id":             {client.ClientID},
				"redirect_uri":          {testCallback},
				"state":                 {"abc123"},
				"code_challenge":        {"abc"},
				"code_challenge_method": {"plain"},
			},
			wantError: auth.ErrorInvalidRequest,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {
			resp := noRedirectGet(t, server.URL+"/authorize?"+testCase.params.Encode())
			defer resp.Body.Close()
			require.Equal(t, http.StatusFound, resp.StatusCode)
			location, err := url.Parse(resp.Header.Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, testCase.wantError, location.Query().Get("error"))
			assert.Equal(t, "abc123", location.Query().Get("state"))
			assert.Empty(t, location.Query().Get("code"))
		})
	}
}

func TestHandler_AuthorizeDirectErrors(t *testing.T) {
	server, _, _ := newAuthServer(t)
	client := registerPublicClient(t, server.URL)

	testCases := []struct {
		description string
		params      url.Values
		wantCode    string
	}{
		{
			description: "missing client id",
			params:      url.Values{"response_type": {"code"}},
			wantCode:    auth.ErrorInvalidRequest,
		},
		{
			description: "unknown client",
			params: url.Values{
				"response_type": {"code"},
				"client_id":     {"no-such-client"},
				"redirect_uri":  {testCallback},
			},
			wantCode: auth.ErrorInvalidClient,
		},
		{
			description: "unregistered redirect uri",
			params: url.Values{
				"response_type": {"code"},
				"client_id":     {client.ClientID},
				"redirect_uri":  {"https://evil.example/callback"},
			},
			wantCode: auth.ErrorInvalidRequest,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {
			resp := noRedirectGet(t, server.URL+"/authorize?"+testCase.params.Encode())
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Empty(t, resp.Header.Get("Location"))
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			oauthErr := auth.ErrorFromBody(body)
			require.NotNil(t, oauthErr, "expected an oauth error body, got %s", body)
			assert.Equal(t, testCase.wantCode, oauthErr.Code)
		})
	}
}

func TestHandler_RegisterValidation(t *testing.T) {
	server, _, _ := newAuthServer(t)

	testCases := []struct {
		description string
		metadata    map[string]interface{}
		wantCode    string
	}{
		{
			description: "missing redirect uris",
			metadata:    map[string]interface{}{"client_name": "demo"},
			wantCode:    auth.ErrorInvalidRedirectURI,
		},
		{
			description: "relative redirect uri",
			metadata:    map[string]interface{}{"redirect_uris": []string{"/callback"}},
			wantCode:    auth.ErrorInvalidRedirectURI,
		},
		{
			description: "unsupported auth method",
			metadata: map[string]interface{}{
				"redirect_uris":              []string{testCallback},
				"token_endpoint_auth_method": "tls_client_auth",
			},
			wantCode: auth.ErrorInvalidClientMetadata,
		},
		{
			description: "private_key_jwt without keys",
			metadata: map[string]interface{}{
				"redirect_uris":              []string{testCallback},
				"token_endpoint_auth_method": "private_key_jwt",
			},
			wantCode: auth.ErrorInvalidClientMetadata,
		},
		{
			description: "unsupported grant type",
			metadata: map[string]interface{}{
				"redirect_uris": []string{testCallback},
				"grant_types":   []string{"client_credentials"},
			},
			wantCode: auth.ErrorInvalidClientMetadata,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {
			body, err := json.Marshal(testCase.metadata)
			require.NoError(t, err)
			resp, err := http.Post(server.URL+"/register", "application/json", bytes.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			payload, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			oauthErr := auth.ErrorFromBody(payload)
			require.NotNil(t, oauthErr, "expected an oauth error body, got %s", payload)
			assert.Equal(t, testCase.wantCode, oauthErr.Code)
		})
	}
}

func TestHandler_TokenRateLimit(t *testing.T) {
	server, _, _ := newAuthServer(t, WithTokenLimit(2, time.Hour))

	for i := 0; i < 2; i++ {
		resp := postForm(t, server.URL+"/token", url.Values{"grant_type": {"authorization_code"}})
		resp.Body.Close()
		require.NotEqual(t, http.StatusTooManyRequests, resp.StatusCode)
	}
	resp := postForm(t, server.URL+"/token", url.Values{"grant_type": {"authorization_code"}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	oauthErr := auth.ErrorFromBody(body)
	require.NotNil(t, oauthErr)
	assert.Equal(t, auth.ErrorTooManyRequests, oauthErr.Code)
}

func TestHandler_RegisterRateLimit(t *testing.T) {
	server, _, _ := newAuthServer(t, WithRegisterLimit(1, time.Hour))

	_ = registerPublicClient(t, server.URL)
	body, err := json.Marshal(map[string]interface{}{"redirect_uris": []string{testCallback}})
	require.NoError(t, err)
	resp, err := http.Post(server.URL+"/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestGrantProvider_Verify(t *testing.T) {
	server, grants, _ := newAuthServer(t)
	_, tokens := obtainTokens(t, server)

	provider := NewGrantProvider(grants)
	info, err := provider.Verify(context.Background(), tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, tokens.AccessToken, info.Token)
	assert.False(t, info.Expired(time.Now()))
	assert.True(t, info.HasScopes("mcp:read"))

	_, err = provider.Verify(context.Background(), "bogus")
	var oauthErr *auth.Error
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, auth.ErrorInvalidToken, oauthErr.Code)
}
