package config

import "context"

// SecretProvider resolves secret values by path. SSMProvider serves deployed
// environments and EnvVarProvider serves local development.
type SecretProvider interface {
	// GetParametersBatch returns path -> plaintext for every key it could
	// resolve. Unresolvable keys are omitted rather than reported as errors.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
