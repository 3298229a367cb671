package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// CompositeProvider tries each provider in order and returns the first
// secret found. When none resolves the reference, every provider's error is
// joined so the worker log names each backend that refused it.
type CompositeProvider struct {
	providers []Provider
}

// NewCompositeProvider creates a provider that delegates to the given providers in order.
func NewCompositeProvider(providers ...Provider) *CompositeProvider {
	return &CompositeProvider{providers: providers}
}

// Name lists the chained providers, e.g. "env+env".
func (p *CompositeProvider) Name() string {
	if len(p.providers) == 0 {
		return "none"
	}
	names := make([]string, len(p.providers))
	for i, provider := range p.providers {
		names[i] = provider.Name()
	}
	return strings.Join(names, "+")
}

func (p *CompositeProvider) Resolve(ctx context.Context, credentialRef string) (*Secret, error) {
	if len(p.providers) == 0 {
		return nil, fmt.Errorf("%w: no secret providers configured for %q", ErrSecretNotFound, credentialRef)
	}
	errs := make([]error, 0, len(p.providers))
	for i, provider := range p.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		secret, err := provider.Resolve(ctx, credentialRef)
		if err == nil {
			return secret, nil
		}
		errs = append(errs, fmt.Errorf("provider %d (%s): %w", i, provider.Name(), err))
	}
	return nil, errors.Join(errs...)
}
