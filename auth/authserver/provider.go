package authserver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/viant/mcprpc/auth"
	"github.com/viant/mcprpc/transport"
)

// AuthorizationRequest carries the validated parameters of an authorization
// request when it is handed to the provider.
type AuthorizationRequest struct {
	Client        *auth.ClientInfo
	RedirectURI   string
	Scopes        []string
	Resource      string
	State         string
	CodeChallenge string
}

// Provider supplies the authorization decisions behind the HTTP handlers:
// who the user is, which codes and tokens exist, and how they verify.
type Provider interface {
	// Authorize completes a validated authorization request, typically by
	// establishing the end user and redirecting back with a one-time code.
	Authorize(ctx context.Context, w http.ResponseWriter, r *http.Request, request *AuthorizationRequest) error

	// ChallengeFor returns the PKCE challenge bound to an outstanding code
	// without consuming it.
	ChallengeFor(ctx context.Context, client *auth.ClientInfo, code string) (string, error)

	// ExchangeCode redeems a one-time authorization code for tokens.
	ExchangeCode(ctx context.Context, client *auth.ClientInfo, code, verifier, redirectURI, resource string) (*auth.Tokens, error)

	// ExchangeRefresh redeems a refresh token for a fresh token pair.
	// Requested scopes may only narrow the original grant.
	ExchangeRefresh(ctx context.Context, client *auth.ClientInfo, refreshToken string, scopes []string, resource string) (*auth.Tokens, error)

	// Verify resolves a bearer access token into its verified info.
	Verify(ctx context.Context, token string) (*transport.AuthInfo, error)

	// Revoke invalidates a token best effort; unknown tokens are not errors.
	Revoke(ctx context.Context, client *auth.ClientInfo, token, tokenTypeHint string) error

	// SkipLocalPKCE reports that the provider delegates PKCE validation
	// upstream and the token handler must not verify it locally.
	SkipLocalPKCE() bool
}

// SubjectResolver establishes the authenticated end user for an
// authorization request, e.g. from an upstream login session cookie.
type SubjectResolver func(r *http.Request) (string, error)

// GrantProvider is a Provider backed by a GrantStore: it mints one-time
// codes, bearer access tokens and rotating refresh tokens as grants in the
// store. The zero subject resolver auto-approves with an empty subject,
// which suits servers that authorize clients rather than users.
type GrantProvider struct {
	grants       GrantStore
	subject      SubjectResolver
	codeTTL      time.Duration
	accessTTL    time.Duration
	issueRefresh bool
}

// ProviderOption customises a GrantProvider.
type ProviderOption func(*GrantProvider)

// WithCodeTTL sets the authorization code lifetime (default 10 minutes).
func WithCodeTTL(ttl time.Duration) ProviderOption {
	return func(p *GrantProvider) {
		p.codeTTL = ttl
	}
}

// WithAccessTTL sets the access token lifetime (default 1 hour).
func WithAccessTTL(ttl time.Duration) ProviderOption {
	return func(p *GrantProvider) {
		p.accessTTL = ttl
	}
}

// WithRefreshTokens toggles refresh token issuance (default on).
func WithRefreshTokens(enabled bool) ProviderOption {
	return func(p *GrantProvider) {
		p.issueRefresh = enabled
	}
}

// WithSubjectResolver plugs in end-user authentication.
func WithSubjectResolver(resolver SubjectResolver) ProviderOption {
	return func(p *GrantProvider) {
		p.subject = resolver
	}
}

// NewGrantProvider creates a store-backed provider.
func NewGrantProvider(grants GrantStore, options ...ProviderOption) *GrantProvider {
	p := &GrantProvider{
		grants:       grants,
		codeTTL:      10 * time.Minute,
		accessTTL:    time.Hour,
		issueRefresh: true,
	}
	for _, option := range options {
		option(p)
	}
	return p
}

func (p *GrantProvider) SkipLocalPKCE() bool { return false }

func (p *GrantProvider) Authorize(ctx context.Context, w http.ResponseWriter, r *http.Request, request *AuthorizationRequest) error {
	subject := ""
	if p.subject != nil {
		resolved, err := p.subject(r)
		if err != nil {
			return auth.NewError(auth.ErrorAccessDenied, "user authentication failed")
		}
		subject = resolved
	}
	grant, err := NewGrant(KindCode, request.Client.ClientID, subject)
	if err != nil {
		return err
	}
	grant.Scopes = request.Scopes
	grant.Resource = request.Resource
	grant.RedirectURI = request.RedirectURI
	grant.CodeChallenge = request.CodeChallenge
	grant.ExpiresAt = time.Now().Add(p.codeTTL)
	if err := p.grants.Put(ctx, grant); err != nil {
		return err
	}
	location, err := redirectWith(request.RedirectURI, url.Values{"code": {grant.ID}, "state": {request.State}})
	if err != nil {
		return err
	}
	http.Redirect(w, r, location, http.StatusFound)
	return nil
}

func (p *GrantProvider) ChallengeFor(ctx context.Context, client *auth.ClientInfo, code string) (string, error) {
	grant, err := p.grants.Get(ctx, code)
	if err != nil || grant.Kind != KindCode || grant.ClientID != client.ClientID {
		return "", auth.NewError(auth.ErrorInvalidGrant, "authorization code invalid or expired")
	}
	return grant.CodeChallenge, nil
}

func (p *GrantProvider) ExchangeCode(ctx context.Context, client *auth.ClientInfo, code, verifier, redirectURI, resource string) (*auth.Tokens, error) {
	grant, err := p.grants.Consume(ctx, code)
	if err != nil || grant.Kind != KindCode || grant.ClientID != client.ClientID {
		return nil, auth.NewError(auth.ErrorInvalidGrant, "authorization code invalid or expired")
	}
	if grant.RedirectURI != "" && grant.RedirectURI != redirectURI {
		return nil, auth.NewError(auth.ErrorInvalidGrant, "redirect_uri does not match the authorization request")
	}
	if resource != "" && grant.Resource != "" && resource != grant.Resource {
		return nil, auth.NewError(auth.ErrorInvalidGrant, "resource does not match the authorization request")
	}
	if grant.Resource == "" {
		grant.Resource = resource
	}
	return p.mint(ctx, client, uuid.New().String(), grant.Subject, grant.Scopes, grant.Scopes, grant.Resource)
}

func (p *GrantProvider) ExchangeRefresh(ctx context.Context, client *auth.ClientInfo, refreshToken string, scopes []string, resource string) (*auth.Tokens, error) {
	grant, err := p.grants.Get(ctx, refreshToken)
	if err != nil || grant.Kind != KindRefresh || grant.ClientID != client.ClientID {
		return nil, auth.NewError(auth.ErrorInvalidGrant, "refresh token invalid or expired")
	}
	if successor := grant.MetaValue(metaSuccessor); successor != "" {
		// rotation replay inside the grace window: hand back the pair the
		// client failed to receive instead of rotating again
		return p.successorTokens(ctx, successor)
	}
	if resource != "" && grant.Resource != "" && resource != grant.Resource {
		return nil, auth.NewError(auth.ErrorInvalidGrant, "resource does not match the original grant")
	}
	effective := grant.Scopes
	if len(scopes) > 0 {
		if !subsetOf(scopes, grant.Scopes) {
			return nil, auth.NewError(auth.ErrorInvalidScope, "requested scope exceeds the original grant")
		}
		effective = scopes
	}
	access, err := p.mintAccess(ctx, client, grant.FamilyID, grant.Subject, effective, grant.Resource)
	if err != nil {
		return nil, err
	}
	next := &Grant{
		Kind:     KindRefresh,
		ClientID: grant.ClientID,
		Subject:  grant.Subject,
		Scopes:   append([]string(nil), grant.Scopes...),
		Resource: grant.Resource,
	}
	next.SetMeta(metaAccess, access.ID)
	rotated, err := p.grants.Rotate(ctx, refreshToken, next)
	if err != nil {
		return nil, auth.NewError(auth.ErrorInvalidGrant, "refresh token invalid or expired")
	}
	return p.tokens(access, rotated, effective), nil
}

func (p *GrantProvider) Verify(ctx context.Context, token string) (*transport.AuthInfo, error) {
	grant, err := p.grants.Get(ctx, token)
	if err != nil || grant.Kind != KindAccess {
		return nil, auth.NewError(auth.ErrorInvalidToken, "access token invalid or expired")
	}
	return &transport.AuthInfo{
		Token:     token,
		ClientID:  grant.ClientID,
		Scopes:    grant.Scopes,
		ExpiresAt: grant.ExpiresAt,
		Resource:  grant.Resource,
	}, nil
}

func (p *GrantProvider) Revoke(ctx context.Context, client *auth.ClientInfo, token, tokenTypeHint string) error {
	grant, err := p.grants.Get(ctx, token)
	if err != nil {
		return nil // unknown tokens revoke silently per RFC 7009
	}
	if grant.ClientID != client.ClientID {
		return nil
	}
	if grant.Kind == KindRefresh {
		return p.grants.RevokeFamily(ctx, grant.FamilyID)
	}
	return p.grants.Revoke(ctx, token)
}

// mint issues the access token and, when enabled, its paired refresh token.
func (p *GrantProvider) mint(ctx context.Context, client *auth.ClientInfo, familyID, subject string, accessScopes, refreshScopes []string, resource string) (*auth.Tokens, error) {
	access, err := p.mintAccess(ctx, client, familyID, subject, accessScopes, resource)
	if err != nil {
		return nil, err
	}
	refreshID := ""
	if p.issueRefresh && client.AllowsGrant(auth.GrantRefreshToken) {
		refresh, err := NewGrant(KindRefresh, client.ClientID, subject)
		if err != nil {
			return nil, err
		}
		refresh.FamilyID = familyID
		refresh.Scopes = append([]string(nil), refreshScopes...)
		refresh.Resource = resource
		refresh.SetMeta(metaAccess, access.ID)
		if err := p.grants.Put(ctx, refresh); err != nil {
			return nil, err
		}
		refreshID = refresh.ID
	}
	return p.tokens(access, refreshID, accessScopes), nil
}

func (p *GrantProvider) mintAccess(ctx context.Context, client *auth.ClientInfo, familyID, subject string, scopes []string, resource string) (*Grant, error) {
	access, err := NewGrant(KindAccess, client.ClientID, subject)
	if err != nil {
		return nil, err
	}
	access.FamilyID = familyID
	access.Scopes = append([]string(nil), scopes...)
	access.Resource = resource
	access.ExpiresAt = time.Now().Add(p.accessTTL)
	if err := p.grants.Put(ctx, access); err != nil {
		return nil, err
	}
	return access, nil
}

func (p *GrantProvider) successorTokens(ctx context.Context, refreshID string) (*auth.Tokens, error) {
	refresh, err := p.grants.Get(ctx, refreshID)
	if err != nil {
		return nil, auth.NewError(auth.ErrorInvalidGrant, "refresh token invalid or expired")
	}
	access, err := p.grants.Get(ctx, refresh.MetaValue(metaAccess))
	if err != nil {
		return nil, auth.NewError(auth.ErrorInvalidGrant, "refresh token invalid or expired")
	}
	tokens := p.tokens(access, refresh.ID, access.Scopes)
	tokens.ExpiresIn = int64(time.Until(access.ExpiresAt) / time.Second)
	return tokens, nil
}

func (p *GrantProvider) tokens(access *Grant, refreshID string, scopes []string) *auth.Tokens {
	return &auth.Tokens{
		AccessToken:  access.ID,
		TokenType:    "bearer",
		ExpiresIn:    int64(p.accessTTL / time.Second),
		RefreshToken: refreshID,
		Scope:        strings.Join(scopes, " "),
	}
}

func subsetOf(requested, granted []string) bool {
	held := make(map[string]bool, len(granted))
	for _, scope := range granted {
		held[scope] = true
	}
	for _, scope := range requested {
		if !held[scope] {
			return false
		}
	}
	return true
}

// redirectWith appends query parameters to a redirect URI, preserving any
// it already carries.
func redirectWith(redirectURI string, params url.Values) (string, error) {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect uri %q: %w", redirectURI, err)
	}
	query := parsed.Query()
	for name, values := range params {
		for _, value := range values {
			if value != "" {
				query.Set(name, value)
			}
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
