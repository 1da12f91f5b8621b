package authserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"

	"github.com/viant/mcprpc/auth"
)

// clientAssertionType is the RFC 7523 assertion type for JWT client auth.
const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// assertionAlgorithms lists the accepted signature algorithms.
var assertionAlgorithms = map[string]bool{
	"HS256": true, "HS384": true, "HS512": true,
	"RS256": true, "RS384": true, "RS512": true,
	"ES256": true, "ES384": true, "ES512": true,
	"PS256": true, "PS384": true, "PS512": true,
}

// verifyClientAssertion validates a private_key_jwt client authentication
// assertion: signature against the client's registered keys (or HMAC over
// the client secret), issuer and subject equal to the client id, audience
// covering the token endpoint, and a mandatory future expiry.
func verifyClientAssertion(ctx context.Context, httpClient *http.Client, client *auth.ClientInfo, assertion, audience string) error {
	token, err := jwt.ParseSigned(assertion)
	if err != nil {
		return fmt.Errorf("malformed client assertion: %w", err)
	}
	if len(token.Headers) == 0 {
		return fmt.Errorf("client assertion carries no signature header")
	}
	algorithm := token.Headers[0].Algorithm
	if !assertionAlgorithms[algorithm] {
		return fmt.Errorf("unsupported assertion algorithm %q", algorithm)
	}

	claims := jwt.Claims{}
	if strings.HasPrefix(algorithm, "HS") {
		if client.ClientSecret == "" {
			return fmt.Errorf("client has no secret for HMAC assertions")
		}
		if err := token.Claims([]byte(client.ClientSecret), &claims); err != nil {
			return fmt.Errorf("assertion signature rejected: %w", err)
		}
	} else {
		keySet, err := clientKeySet(ctx, httpClient, client)
		if err != nil {
			return err
		}
		if err := claimsWithKeySet(token, keySet, &claims); err != nil {
			return err
		}
	}

	if claims.Issuer != client.ClientID || claims.Subject != client.ClientID {
		return fmt.Errorf("assertion issuer and subject must be the client id")
	}
	if claims.Expiry == nil {
		return fmt.Errorf("assertion has no expiry")
	}
	if err := claims.Validate(jwt.Expected{Audience: jwt.Audience{audience}, Time: time.Now()}); err != nil {
		return fmt.Errorf("assertion claims rejected: %w", err)
	}
	return nil
}

// clientKeySet resolves the client's verification keys from the inline jwks
// document or the registered jwks_uri.
func clientKeySet(ctx context.Context, httpClient *http.Client, client *auth.ClientInfo) (*jose.JSONWebKeySet, error) {
	if len(client.JWKS) > 0 {
		keySet := &jose.JSONWebKeySet{}
		if err := json.Unmarshal(client.JWKS, keySet); err != nil {
			return nil, fmt.Errorf("invalid client jwks: %w", err)
		}
		return keySet, nil
	}
	if client.JWKSURI == "" {
		return nil, fmt.Errorf("client has no registered keys for %s", auth.AuthMethodPrivateKeyJWT)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.JWKSURI, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid jwks_uri: %w", err)
	}
	response, err := httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jwks_uri: %w", err)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks_uri answered status %v", response.StatusCode)
	}
	keySet := &jose.JSONWebKeySet{}
	if err := json.NewDecoder(response.Body).Decode(keySet); err != nil {
		return nil, fmt.Errorf("invalid jwks document: %w", err)
	}
	return keySet, nil
}

// claimsWithKeySet verifies the token against the matching key: by key id
// when the header names one, otherwise against each key in turn.
func claimsWithKeySet(token *jwt.JSONWebToken, keySet *jose.JSONWebKeySet, claims *jwt.Claims) error {
	kid := ""
	for _, header := range token.Headers {
		if header.KeyID != "" {
			kid = header.KeyID
			break
		}
	}
	candidates := keySet.Keys
	if kid != "" {
		candidates = keySet.Key(kid)
	}
	if len(candidates) == 0 {
		return fmt.Errorf("no registered key matches the assertion")
	}
	var lastErr error
	for _, candidate := range candidates {
		err := token.Claims(candidate, claims)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("assertion signature rejected: %w", lastErr)
}
