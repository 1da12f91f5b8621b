package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChallenge_String(t *testing.T) {
	testCases := []struct {
		description string
		challenge   *Challenge
		expect      string
	}{
		{
			description: "bare challenge",
			challenge:   NewChallenge("", ""),
			expect:      "Bearer",
		},
		{
			description: "invalid token with discovery",
			challenge: NewChallenge(ErrorInvalidToken, "token expired").
				WithScope("mcp:read", "mcp:write").
				WithResourceMetadata("https://api.example.com/.well-known/oauth-protected-resource"),
			expect: `Bearer error="invalid_token", error_description="token expired", scope="mcp:read mcp:write", resource_metadata="https://api.example.com/.well-known/oauth-protected-resource"`,
		},
		{
			description: "quotes escaped",
			challenge:   NewChallenge(ErrorInvalidRequest, `missing "token" value`),
			expect:      `Bearer error="invalid_request", error_description="missing \"token\" value"`,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.description, func(t *testing.T) {
			assert.Equal(t, testCase.expect, testCase.challenge.String())
		})
	}
}

func TestParseChallenge(t *testing.T) {
	header := `Bearer error="insufficient_scope", error_description="needs write, not read", scope="mcp:read mcp:write", resource_metadata="https://rs.example.com/.well-known/oauth-protected-resource"`
	challenge, err := ParseChallenge(header)
	require.NoError(t, err)
	assert.Equal(t, ErrorInsufficientScope, challenge.ErrorCode())
	assert.Equal(t, "needs write, not read", challenge.Param("error_description"))
	assert.Equal(t, []string{"mcp:read", "mcp:write"}, challenge.Scopes())
	assert.Equal(t, "https://rs.example.com/.well-known/oauth-protected-resource", challenge.ResourceMetadata())
}

func TestParseChallenge_RoundTrip(t *testing.T) {
	original := NewChallenge(ErrorInvalidToken, `say "hi"`).WithScope("a", "b").Set("realm", "mcp")
	parsed, err := ParseChallenge(original.String())
	require.NoError(t, err)
	assert.Equal(t, original.Params, parsed.Params)
}

func TestParseChallenge_Rejects(t *testing.T) {
	_, err := ParseChallenge("")
	require.Error(t, err)
	_, err = ParseChallenge(`Basic realm="mcp"`)
	require.Error(t, err)
}

func TestParseChallenge_BareAndUnquoted(t *testing.T) {
	challenge, err := ParseChallenge("Bearer")
	require.NoError(t, err)
	assert.Empty(t, challenge.Params)

	challenge, err = ParseChallenge(`bearer realm=mcp, error=invalid_token`)
	require.NoError(t, err)
	assert.Equal(t, "mcp", challenge.Param("realm"))
	assert.Equal(t, ErrorInvalidToken, challenge.ErrorCode())
}
