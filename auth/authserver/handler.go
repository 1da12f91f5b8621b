package authserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/viant/mcprpc/auth"
	"github.com/viant/mcprpc/auth/pkce"
	"github.com/viant/mcprpc/transport/server/http/common"
)

const (
	contentTypeJSON = "application/json"

	// maxRegistrationBody bounds registration documents.
	maxRegistrationBody = 1 << 20
)

// Handler serves the authorization server HTTP surface: discovery metadata,
// dynamic client registration, the authorization and token endpoints and
// token revocation. Authorization decisions are delegated to the Provider;
// the handler owns parameter validation, client authentication, PKCE
// verification and rate limiting.
type Handler struct {
	Options
	issuer          string
	provider        Provider
	clients         ClientStore
	registerLimiter *Limiter
	tokenLimiter    *Limiter
}

// New creates the handler for the given externally visible issuer URL.
func New(issuer string, provider Provider, clients ClientStore, options ...Option) *Handler {
	handler := &Handler{
		issuer:   strings.TrimSuffix(issuer, "/"),
		provider: provider,
		clients:  clients,
	}
	for _, option := range options {
		option(&handler.Options)
	}
	handler.Options.init()
	if handler.RegisterLimit > 0 {
		handler.registerLimiter = NewLimiter(handler.RegisterLimit, handler.RegisterWindow)
	}
	if handler.TokenLimit > 0 {
		handler.tokenLimiter = NewLimiter(handler.TokenLimit, handler.TokenWindow)
	}
	return handler
}

// Register mounts every endpoint on the mux, including the well-known
// discovery documents.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc(auth.MetadataPath, h.Metadata)
	if h.Resource != nil {
		mux.HandleFunc(auth.ProtectedResourcePath, h.ProtectedResource)
	}
	mux.HandleFunc(h.AuthorizePath, h.Authorize)
	mux.HandleFunc(h.TokenPath, h.Token)
	mux.HandleFunc(h.RegisterPath, h.RegisterClient)
	mux.HandleFunc(h.RevokePath, h.Revoke)
}

// Metadata serves the RFC 8414 authorization server metadata document.
func (h *Handler) Metadata(w http.ResponseWriter, r *http.Request) {
	h.cors(w)
	if r.Method == http.MethodOptions {
		h.preflight(w, "GET, OPTIONS")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET, OPTIONS")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	h.writeJSON(w, http.StatusOK, h.metadata())
}

func (h *Handler) metadata() *auth.Metadata {
	return &auth.Metadata{
		Issuer:                        h.issuer,
		AuthorizationEndpoint:         h.endpoint(h.AuthorizePath),
		TokenEndpoint:                 h.endpoint(h.TokenPath),
		RegistrationEndpoint:          h.endpoint(h.RegisterPath),
		RevocationEndpoint:            h.endpoint(h.RevokePath),
		ScopesSupported:               h.ScopesSupported,
		ResponseTypesSupported:        []string{"code"},
		GrantTypesSupported:           []string{auth.GrantAuthorizationCode, auth.GrantRefreshToken},
		CodeChallengeMethodsSupported: []string{pkce.Method},
		TokenEndpointAuthMethodsSupported: []string{
			auth.AuthMethodBasic, auth.AuthMethodPost, auth.AuthMethodNone, auth.AuthMethodPrivateKeyJWT,
		},
	}
}

// ProtectedResource serves the RFC 9728 protected resource metadata document.
func (h *Handler) ProtectedResource(w http.ResponseWriter, r *http.Request) {
	h.cors(w)
	if r.Method == http.MethodOptions {
		h.preflight(w, "GET, OPTIONS")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET, OPTIONS")
		return
	}
	if h.Resource == nil {
		http.NotFound(w, r)
		return
	}
	document := *h.Resource
	if len(document.AuthorizationServers) == 0 {
		document.AuthorizationServers = []string{h.issuer}
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	h.writeJSON(w, http.StatusOK, &document)
}

// RegisterClient serves RFC 7591 dynamic client registration. Confidential
// clients get a generated secret; public clients register with
// token_endpoint_auth_method "none" and rely on PKCE.
func (h *Handler) RegisterClient(w http.ResponseWriter, r *http.Request) {
	h.cors(w)
	if r.Method == http.MethodOptions {
		h.preflight(w, "POST, OPTIONS")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST, OPTIONS")
		return
	}
	if !h.allow(w, h.registerLimiter, r) {
		return
	}
	metadata := &auth.ClientMetadata{}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRegistrationBody)).Decode(metadata); err != nil {
		h.writeError(w, auth.NewError(auth.ErrorInvalidClientMetadata, "malformed registration document"))
		return
	}
	if oauthErr := validateRegistration(metadata); oauthErr != nil {
		h.writeError(w, oauthErr)
		return
	}
	now := time.Now()
	client := &auth.ClientInfo{
		ClientMetadata:   *metadata,
		ClientID:         uuid.New().String(),
		ClientIDIssuedAt: now.Unix(),
	}
	switch client.AuthMethod() {
	case auth.AuthMethodBasic, auth.AuthMethodPost:
		secret, err := NewToken()
		if err != nil {
			h.writeError(w, err)
			return
		}
		client.ClientSecret = secret
		if h.SecretTTL > 0 {
			client.ClientSecretExpiresAt = now.Add(h.SecretTTL).Unix()
		}
	}
	if err := h.clients.PutClient(r.Context(), client); err != nil {
		h.writeError(w, err)
		return
	}
	noStore(w)
	h.writeJSON(w, http.StatusCreated, client)
}

// Authorize serves the authorization endpoint. Client identity and
// redirect_uri are validated first and any failure there is answered
// directly; once the redirect target is trusted, remaining failures are
// reported through it with the caller's state echoed back.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	h.cors(w)
	if r.Method == http.MethodOptions {
		h.preflight(w, "GET, POST, OPTIONS")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, "GET, POST, OPTIONS")
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeJSON(w, http.StatusBadRequest, auth.NewError(auth.ErrorInvalidRequest, "malformed request parameters"))
		return
	}
	ctx := r.Context()

	clientID := r.Form.Get("client_id")
	if clientID == "" {
		h.writeJSON(w, http.StatusBadRequest, auth.NewError(auth.ErrorInvalidRequest, "client_id is required"))
		return
	}
	client, err := h.clients.GetClient(ctx, clientID)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, auth.NewError(auth.ErrorInvalidClient, "unknown client"))
		return
	}
	redirectURI := r.Form.Get("redirect_uri")
	switch {
	case redirectURI == "" && len(client.RedirectURIs) == 1:
		redirectURI = client.RedirectURIs[0]
	case redirectURI == "":
		h.writeJSON(w, http.StatusBadRequest, auth.NewError(auth.ErrorInvalidRequest, "redirect_uri is required"))
		return
	case !client.AllowsRedirect(redirectURI):
		h.writeJSON(w, http.StatusBadRequest, auth.NewError(auth.ErrorInvalidRequest, "redirect_uri is not registered"))
		return
	}

	state := r.Form.Get("state")
	if responseType := r.Form.Get("response_type"); responseType != "code" {
		h.redirectError(w, r, redirectURI, state, auth.NewError(auth.ErrorUnsupportedResponseType, "response_type must be code"))
		return
	}
	challenge := r.Form.Get("code_challenge")
	if challenge == "" {
		h.redirectError(w, r, redirectURI, state, auth.NewError(auth.ErrorInvalidRequest, "code_challenge is required"))
		return
	}
	if method := r.Form.Get("code_challenge_method"); method != pkce.Method {
		h.redirectError(w, r, redirectURI, state, auth.NewError(auth.ErrorInvalidRequest, "code_challenge_method must be S256"))
		return
	}
	scopes := strings.Fields(r.Form.Get("scope"))
	if len(scopes) == 0 {
		scopes = strings.Fields(client.Scope)
	}
	if len(scopes) == 0 {
		scopes = h.ScopesSupported
	}
	if len(h.ScopesSupported) > 0 && !subsetOf(scopes, h.ScopesSupported) {
		h.redirectError(w, r, redirectURI, state, auth.NewError(auth.ErrorInvalidScope, "requested scope is not supported"))
		return
	}
	resource := r.Form.Get("resource")
	if resource != "" && !validResource(resource) {
		h.redirectError(w, r, redirectURI, state, auth.NewError(auth.ErrorInvalidRequest, "resource must be an absolute URI without a fragment"))
		return
	}
	request := &AuthorizationRequest{
		Client:        client,
		RedirectURI:   redirectURI,
		Scopes:        scopes,
		Resource:      resource,
		State:         state,
		CodeChallenge: challenge,
	}
	if err := h.provider.Authorize(ctx, w, r, request); err != nil {
		var oauthErr *auth.Error
		if !errors.As(err, &oauthErr) {
			h.Logger.Errorf("authorization failed for client %v: %v", clientID, err)
			oauthErr = auth.NewError(auth.ErrorServerError, "authorization failed")
		}
		h.redirectError(w, r, redirectURI, state, oauthErr)
	}
}

// Token serves the token endpoint for the authorization_code and
// refresh_token grants.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	h.cors(w)
	if r.Method == http.MethodOptions {
		h.preflight(w, "POST, OPTIONS")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST, OPTIONS")
		return
	}
	if !h.allow(w, h.tokenLimiter, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, auth.NewError(auth.ErrorInvalidRequest, "malformed form body"))
		return
	}
	ctx := r.Context()
	client, authErr := h.authenticateClient(r)
	if authErr != nil {
		if _, _, usedBasic := r.BasicAuth(); usedBasic {
			w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		}
		h.writeError(w, authErr)
		return
	}
	grantType := r.PostFormValue("grant_type")
	switch grantType {
	case auth.GrantAuthorizationCode, auth.GrantRefreshToken:
	default:
		h.writeError(w, auth.NewError(auth.ErrorUnsupportedGrantType, "grant_type must be authorization_code or refresh_token"))
		return
	}
	if !client.AllowsGrant(grantType) {
		h.writeError(w, auth.NewError(auth.ErrorUnauthorizedClient, "client is not registered for this grant type"))
		return
	}

	var tokens *auth.Tokens
	var err error
	if grantType == auth.GrantAuthorizationCode {
		code := r.PostFormValue("code")
		if code == "" {
			h.writeError(w, auth.NewError(auth.ErrorInvalidRequest, "code is required"))
			return
		}
		verifier := r.PostFormValue("code_verifier")
		if !h.provider.SkipLocalPKCE() {
			challenge, cErr := h.provider.ChallengeFor(ctx, client, code)
			if cErr != nil {
				h.writeError(w, cErr)
				return
			}
			// The code is not consumed on a verifier mismatch; only a
			// successful exchange burns it.
			if !pkce.VerifyS256(verifier, challenge) {
				h.writeError(w, auth.NewError(auth.ErrorInvalidGrant, "code_verifier does not match the challenge"))
				return
			}
		}
		tokens, err = h.provider.ExchangeCode(ctx, client, code, verifier, r.PostFormValue("redirect_uri"), r.PostFormValue("resource"))
	} else {
		refreshToken := r.PostFormValue("refresh_token")
		if refreshToken == "" {
			h.writeError(w, auth.NewError(auth.ErrorInvalidRequest, "refresh_token is required"))
			return
		}
		tokens, err = h.provider.ExchangeRefresh(ctx, client, refreshToken, strings.Fields(r.PostFormValue("scope")), r.PostFormValue("resource"))
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	noStore(w)
	h.writeJSON(w, http.StatusOK, tokens)
}

// Revoke serves RFC 7009 token revocation. Unknown tokens revoke silently.
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	h.cors(w)
	if r.Method == http.MethodOptions {
		h.preflight(w, "POST, OPTIONS")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST, OPTIONS")
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, auth.NewError(auth.ErrorInvalidRequest, "malformed form body"))
		return
	}
	client, authErr := h.authenticateClient(r)
	if authErr != nil {
		if _, _, usedBasic := r.BasicAuth(); usedBasic {
			w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		}
		h.writeError(w, authErr)
		return
	}
	token := r.PostFormValue("token")
	if token == "" {
		h.writeError(w, auth.NewError(auth.ErrorInvalidRequest, "token is required"))
		return
	}
	if err := h.provider.Revoke(r.Context(), client, token, r.PostFormValue("token_type_hint")); err != nil {
		h.writeError(w, err)
		return
	}
	noStore(w)
	w.WriteHeader(http.StatusOK)
}

// authenticateClient resolves and authenticates the caller with one of the
// supported methods: client_secret_basic, client_secret_post,
// private_key_jwt, or none for public clients.
func (h *Handler) authenticateClient(r *http.Request) (*auth.ClientInfo, *auth.Error) {
	ctx := r.Context()
	if r.PostFormValue("client_assertion_type") == clientAssertionType {
		return h.assertedClient(ctx, r)
	}
	if id, secret, ok := r.BasicAuth(); ok {
		return h.secretClient(ctx, decodeCredential(id), decodeCredential(secret))
	}
	clientID := r.PostFormValue("client_id")
	if clientID == "" {
		return nil, auth.NewError(auth.ErrorInvalidClient, "client authentication is required")
	}
	if secret := r.PostFormValue("client_secret"); secret != "" {
		return h.secretClient(ctx, clientID, secret)
	}
	client, err := h.clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, auth.NewError(auth.ErrorInvalidClient, "unknown client")
	}
	if client.AuthMethod() != auth.AuthMethodNone {
		return nil, auth.NewError(auth.ErrorInvalidClient, "client authentication is required")
	}
	return client, nil
}

func (h *Handler) secretClient(ctx context.Context, clientID, secret string) (*auth.ClientInfo, *auth.Error) {
	client, err := h.clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, auth.NewError(auth.ErrorInvalidClient, "unknown client")
	}
	switch client.AuthMethod() {
	case auth.AuthMethodBasic, auth.AuthMethodPost:
	default:
		return nil, auth.NewError(auth.ErrorInvalidClient, "client is not registered for secret authentication")
	}
	if client.ClientSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(client.ClientSecret)) != 1 {
		return nil, auth.NewError(auth.ErrorInvalidClient, "client secret rejected")
	}
	if client.SecretExpired(time.Now()) {
		return nil, auth.NewError(auth.ErrorInvalidClient, "client secret expired")
	}
	return client, nil
}

func (h *Handler) assertedClient(ctx context.Context, r *http.Request) (*auth.ClientInfo, *auth.Error) {
	assertion := r.PostFormValue("client_assertion")
	if assertion == "" {
		return nil, auth.NewError(auth.ErrorInvalidClient, "client_assertion is required")
	}
	clientID := r.PostFormValue("client_id")
	if clientID == "" {
		clientID = assertionIssuer(assertion)
	}
	if clientID == "" {
		return nil, auth.NewError(auth.ErrorInvalidClient, "client assertion carries no issuer")
	}
	client, err := h.clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, auth.NewError(auth.ErrorInvalidClient, "unknown client")
	}
	if client.AuthMethod() != auth.AuthMethodPrivateKeyJWT {
		return nil, auth.NewError(auth.ErrorInvalidClient, "client is not registered for private_key_jwt")
	}
	if err := verifyClientAssertion(ctx, h.HTTPClient, client, assertion, h.endpoint(h.TokenPath)); err != nil {
		h.Logger.Errorf("client assertion rejected for %v: %v", clientID, err)
		return nil, auth.NewError(auth.ErrorInvalidClient, "client assertion rejected")
	}
	return client, nil
}

// assertionIssuer peeks at the unverified issuer claim to locate the client
// record; the assertion is only trusted after verifyClientAssertion.
func assertionIssuer(assertion string) string {
	token, err := jwt.ParseSigned(assertion)
	if err != nil {
		return ""
	}
	claims := &jwt.Claims{}
	if err := token.UnsafeClaimsWithoutVerification(claims); err != nil {
		return ""
	}
	return claims.Issuer
}

// allow applies the limiter, writing the 429 response when the budget for
// the calling address is exhausted.
func (h *Handler) allow(w http.ResponseWriter, limiter *Limiter, r *http.Request) bool {
	if limiter == nil {
		return true
	}
	decision := limiter.Consume(common.ClientAddr(r))
	if decision.Allowed {
		return true
	}
	retryAfter := int((decision.RetryAfter + time.Second - 1) / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	noStore(w)
	h.writeJSON(w, http.StatusTooManyRequests, auth.NewError(auth.ErrorTooManyRequests, "rate limit exceeded, retry later"))
	return false
}

func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state string, oauthErr *auth.Error) {
	location, err := redirectWith(redirectURI, url.Values{
		"error":             {oauthErr.Code},
		"error_description": {oauthErr.Description},
		"state":             {state},
	})
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, oauthErr)
		return
	}
	http.Redirect(w, r, location, http.StatusFound)
}

// writeError maps an error onto its OAuth HTTP shape; anything that is not
// an *auth.Error is logged and reported as server_error.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var oauthErr *auth.Error
	if !errors.As(err, &oauthErr) {
		h.Logger.Errorf("authorization server error: %v", err)
		oauthErr = auth.NewError(auth.ErrorServerError, "internal error")
	}
	noStore(w)
	h.writeJSON(w, errorStatus(oauthErr.Code), oauthErr)
}

func errorStatus(code string) int {
	switch code {
	case auth.ErrorInvalidClient:
		return http.StatusUnauthorized
	case auth.ErrorAccessDenied, auth.ErrorInsufficientScope:
		return http.StatusForbidden
	case auth.ErrorTooManyRequests:
		return http.StatusTooManyRequests
	case auth.ErrorServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (h *Handler) cors(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

func (h *Handler) preflight(w http.ResponseWriter, methods string) {
	w.Header().Set("Access-Control-Allow-Methods", methods)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) endpoint(path string) string {
	return h.issuer + path
}

func validateRegistration(metadata *auth.ClientMetadata) *auth.Error {
	if len(metadata.RedirectURIs) == 0 {
		return auth.NewError(auth.ErrorInvalidRedirectURI, "redirect_uris is required")
	}
	for _, uri := range metadata.RedirectURIs {
		parsed, err := url.Parse(uri)
		if err != nil || !parsed.IsAbs() || parsed.Fragment != "" {
			return auth.NewError(auth.ErrorInvalidRedirectURI, fmt.Sprintf("redirect uri %q must be absolute without a fragment", uri))
		}
	}
	switch metadata.TokenEndpointAuthMethod {
	case "", auth.AuthMethodBasic, auth.AuthMethodPost, auth.AuthMethodNone:
	case auth.AuthMethodPrivateKeyJWT:
		if len(metadata.JWKS) == 0 && metadata.JWKSURI == "" {
			return auth.NewError(auth.ErrorInvalidClientMetadata, "private_key_jwt requires jwks or jwks_uri")
		}
	default:
		return auth.NewError(auth.ErrorInvalidClientMetadata, fmt.Sprintf("unsupported token_endpoint_auth_method %q", metadata.TokenEndpointAuthMethod))
	}
	for _, grantType := range metadata.GrantTypes {
		if grantType != auth.GrantAuthorizationCode && grantType != auth.GrantRefreshToken {
			return auth.NewError(auth.ErrorInvalidClientMetadata, fmt.Sprintf("unsupported grant type %q", grantType))
		}
	}
	for _, responseType := range metadata.ResponseTypes {
		if responseType != "code" {
			return auth.NewError(auth.ErrorInvalidClientMetadata, fmt.Sprintf("unsupported response type %q", responseType))
		}
	}
	return nil
}

func validResource(resource string) bool {
	parsed, err := url.Parse(resource)
	return err == nil && parsed.IsAbs() && parsed.Fragment == ""
}

// decodeCredential undoes the form urlencoding RFC 6749 applies to basic
// auth credentials.
func decodeCredential(value string) string {
	if decoded, err := url.QueryUnescape(value); err == nil {
		return decoded
	}
	return value
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}
