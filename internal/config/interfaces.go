package config

import "context"

// SecretProvider resolves secret references (file paths in the default
// deployment) into plaintext values.
type SecretProvider interface {
	// GetParametersBatch resolves every key it can. Keys that do not exist
	// are omitted from the result; that is not an error.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
