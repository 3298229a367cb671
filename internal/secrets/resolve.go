package secrets

import (
	"context"
	"fmt"
	"strings"

	"github.com/jkaninda/runbox/internal/domain"
)

// IsReference reports whether v is a credential reference rather than a raw
// value.
func IsReference(v string) bool {
	i := strings.Index(v, "://")
	return i > 0 && !strings.ContainsAny(v[:i], " \t/")
}

// CheckReferences returns an error naming the first variable whose value is
// not a reference. Queued requests must never carry raw values.
func CheckReferences(refs map[string]string) error {
	for name, v := range refs {
		if !IsReference(v) {
			return fmt.Errorf("env var %s must be a reference such as env://NAME", name)
		}
	}
	return nil
}

// ResolveAll resolves every reference in refs. The error names the variable
// and the reference but never a value.
func ResolveAll(ctx context.Context, p Provider, refs map[string]string) (domain.EnvVars, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	out := make(domain.EnvVars, len(refs))
	for name, ref := range refs {
		s, err := p.Resolve(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", name, err)
		}
		out[name] = s.Value
	}
	return out, nil
}
