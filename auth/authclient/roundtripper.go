package authclient

import (
	"io"
	"net/http"
	"sync"

	"github.com/viant/mcprpc/auth"
)

// defaultStepUpLimit bounds how many scope step-ups a round tripper performs
// over its lifetime before handing denials back to the caller.
const defaultStepUpLimit = 3

// RoundTripper decorates an http.RoundTripper with bearer authorization: it
// attaches the flow's token, and on a 401 challenge (or a 403 scope step-up)
// refreshes or reauthorizes and retries the request once.
type RoundTripper struct {
	flow      *Flow
	transport http.RoundTripper

	mu      sync.Mutex
	stepUps int
}

// NewRoundTripper wraps transport; nil uses http.DefaultTransport.
func NewRoundTripper(flow *Flow, transport http.RoundTripper) *RoundTripper {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &RoundTripper{flow: flow, transport: transport}
}

// RoundTrip implements http.RoundTripper. At most one retry happens per
// call; when reauthorization fails the original denial is returned
// untouched so the caller sees what the server said.
func (t *RoundTripper) RoundTrip(request *http.Request) (*http.Response, error) {
	ctx := request.Context()
	attempt := request.Clone(ctx)
	if token, err := t.flow.Token(ctx); err == nil && token != "" {
		attempt.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := t.transport.RoundTrip(attempt)
	if err != nil {
		return nil, err
	}
	if !shouldReauthorize(response) {
		return response, nil
	}
	challenge, err := auth.ParseChallenge(response.Header.Get("WWW-Authenticate"))
	if err != nil {
		return response, nil
	}
	if response.StatusCode == http.StatusForbidden && challenge.ErrorCode() != auth.ErrorInsufficientScope {
		return response, nil
	}
	retry, ok := replayable(request)
	if !ok {
		return response, nil
	}
	token, err := t.reauthorize(request, challenge)
	if err != nil {
		t.flow.logger.Errorf("reauthorization failed: %v", err)
		return response, nil
	}
	closeBody(response)
	retry.Header.Set("Authorization", "Bearer "+token)
	return t.transport.RoundTrip(retry)
}

// reauthorize obtains a fresh token for the challenge: a refresh first when
// the grant may still be alive, the full flow otherwise. Scope step-ups skip
// the refresh since the current grant is known to be too narrow.
func (t *RoundTripper) reauthorize(request *http.Request, challenge *auth.Challenge) (string, error) {
	ctx := request.Context()
	if challenge.ErrorCode() == auth.ErrorInsufficientScope {
		t.mu.Lock()
		if t.stepUps >= defaultStepUpLimit {
			t.mu.Unlock()
			return "", auth.NewError(auth.ErrorInsufficientScope, "scope step-up budget exhausted")
		}
		t.stepUps++
		t.mu.Unlock()
	} else if tokens, err := t.flow.Refresh(ctx); err == nil {
		return tokens.AccessToken, nil
	}
	tokens, err := t.flow.Authorize(ctx, challenge)
	if err != nil {
		return "", err
	}
	return tokens.AccessToken, nil
}

// shouldReauthorize reports whether the response is an authorization denial
// worth a reauthorization round.
func shouldReauthorize(response *http.Response) bool {
	switch response.StatusCode {
	case http.StatusUnauthorized:
		return true
	case http.StatusForbidden:
		return response.Header.Get("WWW-Authenticate") != ""
	}
	return false
}

// replayable clones the request for a retry. Requests with a consumed body
// and no GetBody cannot be replayed.
func replayable(request *http.Request) (*http.Request, bool) {
	clone := request.Clone(request.Context())
	if request.Body == nil || request.Body == http.NoBody {
		return clone, true
	}
	if request.GetBody == nil {
		return nil, false
	}
	body, err := request.GetBody()
	if err != nil {
		return nil, false
	}
	clone.Body = body
	return clone, true
}

func closeBody(response *http.Response) {
	if response.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxBody))
	_ = response.Body.Close()
}
