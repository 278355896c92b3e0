package core

import (
	"context"

	"eventpulse/internal/types"
)

// Authenticator resolves bearer tokens. *auth.Service satisfies it.
type Authenticator interface {
	// ResolveToken returns auth_token_invalid for malformed, unknown or
	// revoked tokens and auth_token_expired for expired ones.
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}
