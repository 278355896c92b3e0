package core

import (
	"context"
	"sync"
	"time"

	"eventpulse/internal/types"
)

// StaticAuthenticator is an Authenticator for tests. Tokens maps a token to
// its Actor; unknown tokens get Err, or auth_token_invalid when Err is nil.
type StaticAuthenticator struct {
	Tokens map[string]*types.Actor
	Err    error

	mu    sync.Mutex
	calls []string
}

func (a *StaticAuthenticator) ResolveToken(_ context.Context, token string) (*types.Actor, error) {
	a.mu.Lock()
	a.calls = append(a.calls, token)
	a.mu.Unlock()

	if actor, ok := a.Tokens[token]; ok {
		return actor, nil
	}
	if a.Err != nil {
		return nil, a.Err
	}
	return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "unknown token", nil)
}

// Calls returns the tokens seen so far.
func (a *StaticAuthenticator) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

// RecordingMetrics is a MetricsCollector that keeps every observation.
type RecordingMetrics struct {
	mu       sync.Mutex
	Requests []RecordedRequest
}

// RecordedRequest is one RecordRequest call.
type RecordedRequest struct {
	Method, Endpoint, Status string
}

func (m *RecordingMetrics) RecordRequest(method, endpoint, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, RecordedRequest{method, endpoint, status})
}

// Snapshot returns a copy of the recorded requests.
func (m *RecordingMetrics) Snapshot() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.Requests...)
}
