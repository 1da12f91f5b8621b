package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Challenge models one WWW-Authenticate Bearer challenge (RFC 6750 §3):
// an auth scheme followed by comma separated auth-params.
type Challenge struct {
	Scheme string
	Params map[string]string
}

// NewChallenge creates a Bearer challenge carrying the given OAuth error.
// Pass an empty code for the bare challenge sent on missing credentials.
func NewChallenge(code, description string) *Challenge {
	c := &Challenge{Scheme: "Bearer", Params: map[string]string{}}
	if code != "" {
		c.Params["error"] = code
	}
	if description != "" {
		c.Params["error_description"] = description
	}
	return c
}

// Set adds an auth-param and returns the challenge for chaining.
func (c *Challenge) Set(name, value string) *Challenge {
	if c.Params == nil {
		c.Params = map[string]string{}
	}
	if value != "" {
		c.Params[name] = value
	}
	return c
}

// WithScope records the scopes the caller must hold, space separated.
func (c *Challenge) WithScope(scopes ...string) *Challenge {
	return c.Set("scope", strings.Join(scopes, " "))
}

// WithResourceMetadata records the RFC 9728 discovery URL.
func (c *Challenge) WithResourceMetadata(url string) *Challenge {
	return c.Set("resource_metadata", url)
}

// Param returns an auth-param value, or empty when absent.
func (c *Challenge) Param(name string) string {
	if c == nil {
		return ""
	}
	return c.Params[name]
}

// ErrorCode returns the OAuth error code carried by the challenge.
func (c *Challenge) ErrorCode() string { return c.Param("error") }

// Scopes returns the advertised scope list.
func (c *Challenge) Scopes() []string { return strings.Fields(c.Param("scope")) }

// ResourceMetadata returns the advertised discovery URL.
func (c *Challenge) ResourceMetadata() string { return c.Param("resource_metadata") }

// challengeOrder fixes the output position of the common auth-params so the
// header is stable; unknown params follow alphabetically.
var challengeOrder = []string{"realm", "error", "error_description", "error_uri", "scope", "resource_metadata"}

// String renders the challenge as a WWW-Authenticate header value.
func (c *Challenge) String() string {
	scheme := c.Scheme
	if scheme == "" {
		scheme = "Bearer"
	}
	var parts []string
	emitted := map[string]bool{}
	for _, name := range challengeOrder {
		if value, ok := c.Params[name]; ok {
			parts = append(parts, name+`="`+escapeParam(value)+`"`)
			emitted[name] = true
		}
	}
	var rest []string
	for name := range c.Params {
		if !emitted[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		parts = append(parts, name+`="`+escapeParam(c.Params[name])+`"`)
	}
	if len(parts) == 0 {
		return scheme
	}
	return scheme + " " + strings.Join(parts, ", ")
}

// ParseChallenge parses a WWW-Authenticate header value into a Bearer
// challenge. Non-Bearer schemes are rejected.
func ParseChallenge(header string) (*Challenge, error) {
	value := strings.TrimSpace(header)
	if value == "" {
		return nil, fmt.Errorf("empty challenge")
	}
	scheme := value
	rest := ""
	if i := strings.IndexByte(value, ' '); i > -1 {
		scheme, rest = value[:i], strings.TrimSpace(value[i+1:])
	}
	if !strings.EqualFold(scheme, "Bearer") {
		return nil, fmt.Errorf("unsupported challenge scheme %q", scheme)
	}
	challenge := &Challenge{Scheme: "Bearer", Params: map[string]string{}}
	for _, part := range splitParams(rest) {
		name, raw, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		challenge.Params[strings.ToLower(strings.TrimSpace(name))] = unquoteParam(strings.TrimSpace(raw))
	}
	return challenge, nil
}

// splitParams splits comma separated auth-params, honoring quoted strings.
func splitParams(value string) []string {
	var parts []string
	var current strings.Builder
	inQuotes, escaped := false, false
	for _, r := range value {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\' && inQuotes:
			current.WriteRune(r)
			escaped = true
		case r == '"':
			current.WriteRune(r)
			inQuotes = !inQuotes
		case r == ',' && !inQuotes:
			if piece := strings.TrimSpace(current.String()); piece != "" {
				parts = append(parts, piece)
			}
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if piece := strings.TrimSpace(current.String()); piece != "" {
		parts = append(parts, piece)
	}
	return parts
}

func escapeParam(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(value, `"`, `\"`)
}

func unquoteParam(value string) string {
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		value = value[1 : len(value)-1]
	}
	value = strings.ReplaceAll(value, `\"`, `"`)
	return strings.ReplaceAll(value, `\\`, `\`)
}
