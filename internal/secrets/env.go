package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvPrefix is the reference scheme handled by EnvProvider.
const EnvPrefix = "env://"

// EnvProvider resolves credential references from environment variables.
// Reference format: "env://VARIABLE_NAME".
//
// With a non-empty allow prefix, only variables whose names start with it
// can be referenced, so a request cannot read the worker's own settings
// (database DSNs, API keys) into a job.
type EnvProvider struct {
	allow string
}

// NewEnvProvider creates an environment variable-based secret provider.
func NewEnvProvider(allowPrefix string) *EnvProvider { return &EnvProvider{allow: allowPrefix} }

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, credentialRef string) (*Secret, error) {
	if !strings.HasPrefix(credentialRef, EnvPrefix) {
		return nil, fmt.Errorf("%w: env provider only handles env:// references, got %q",
			ErrSecretNotFound, credentialRef)
	}
	envVar := strings.TrimPrefix(credentialRef, EnvPrefix)
	if envVar == "" {
		return nil, fmt.Errorf("%w: empty environment variable name", ErrSecretNotFound)
	}
	if p.allow != "" && !strings.HasPrefix(envVar, p.allow) {
		return nil, fmt.Errorf("%w: environment variable %q is outside the allowed prefix %q",
			ErrSecretNotFound, envVar, p.allow)
	}
	value := os.Getenv(envVar)
	if value == "" {
		return nil, fmt.Errorf("%w: environment variable %q is not set or empty",
			ErrSecretNotFound, envVar)
	}
	return &Secret{
		Value:    value,
		Metadata: map[string]string{"source": "env", "variable": envVar},
	}, nil
}
