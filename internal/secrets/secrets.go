// Package secrets resolves the env:// references carried by async execution
// requests into the values injected into a job's environment file.
// Queued payloads carry references only; values exist in worker memory for
// the lifetime of one execution.
package secrets

import (
	"context"
	"fmt"
)

// Secret holds resolved credential material.
// This type MUST NOT be serialized, logged or persisted.
type Secret struct {
	Value    string            // The raw secret value.
	Metadata map[string]string // Backend-specific metadata (e.g., source, variable).
}

// Provider resolves opaque credential references into secret material.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve takes a credential reference (e.g., "env://MY_KEY") and returns
	// the raw secret. Returns ErrSecretNotFound if the reference cannot be resolved.
	Resolve(ctx context.Context, credentialRef string) (*Secret, error)

	// Name returns the provider identifier for logging (never includes secrets).
	Name() string
}

// ErrSecretNotFound is returned when a credential reference cannot be resolved.
var ErrSecretNotFound = fmt.Errorf("secret not found")
