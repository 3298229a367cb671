package secrets

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// --- EnvProvider ---

func TestEnvProviderResolve(t *testing.T) {
	t.Setenv("RUNBOX_SECRET_TOKEN", "abc123")
	t.Setenv("DATABASE_URL", "postgres://hidden")

	tests := []struct {
		name    string
		allow   string
		ref     string
		want    string
		wantErr bool
	}{
		{"plain", "", "env://RUNBOX_SECRET_TOKEN", "abc123", false},
		{"allowed prefix", "RUNBOX_SECRET_", "env://RUNBOX_SECRET_TOKEN", "abc123", false},
		{"outside prefix", "RUNBOX_SECRET_", "env://DATABASE_URL", "", true},
		{"wrong scheme", "", "vault://secret/x", "", true},
		{"empty name", "", "env://", "", true},
		{"unset", "", "env://RUNBOX_SECRET_MISSING", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewEnvProvider(tt.allow).Resolve(context.Background(), tt.ref)
			if tt.wantErr {
				if !errors.Is(err, ErrSecretNotFound) {
					t.Fatalf("err = %v, want ErrSecretNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if s.Value != tt.want {
				t.Errorf("value = %q", s.Value)
			}
		})
	}
}

func TestCompositeProviderFirstWins(t *testing.T) {
	t.Setenv("B_TOKEN", "from-b")
	p := NewCompositeProvider(NewEnvProvider("A_"), NewEnvProvider("B_"))
	s, err := p.Resolve(context.Background(), "env://B_TOKEN")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Value != "from-b" {
		t.Errorf("value = %q", s.Value)
	}
	if _, err := NewCompositeProvider().Resolve(context.Background(), "env://X"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("empty composite err = %v", err)
	}
}

func TestCompositeProviderJoinsRefusals(t *testing.T) {
	p := NewCompositeProvider(NewEnvProvider("A_"), NewEnvProvider("B_"))
	if p.Name() != "env+env" {
		t.Errorf("Name = %q", p.Name())
	}
	_, err := p.Resolve(context.Background(), "env://C_TOKEN")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("err = %v", err)
	}
	for _, want := range []string{"provider 0", "provider 1", `"A_"`, `"B_"`} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q lacks %s", err, want)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Resolve(ctx, "env://A_TOKEN"); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled err = %v", err)
	}
}

// --- References ---

func TestIsReference(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"env://API_KEY", true},
		{"vault://kv/x", true},
		{"plain-value", false},
		{"https://example.com", true},
		{"a value with ://", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsReference(tt.in); got != tt.want {
			t.Errorf("IsReference(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCheckReferences(t *testing.T) {
	if err := CheckReferences(map[string]string{"A": "env://A"}); err != nil {
		t.Errorf("CheckReferences: %v", err)
	}
	err := CheckReferences(map[string]string{"TOKEN": "s3cr3t"})
	if err == nil {
		t.Fatal("expected error for raw value")
	}
	if strings.Contains(err.Error(), "s3cr3t") {
		t.Error("error leaks the raw value")
	}
}

func TestResolveAll(t *testing.T) {
	t.Setenv("RUNBOX_SECRET_DB", "pw")
	env, err := ResolveAll(context.Background(), NewEnvProvider(""), map[string]string{"DB_PASSWORD": "env://RUNBOX_SECRET_DB"})
	if err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	if env["DB_PASSWORD"] != "pw" {
		t.Errorf("env = %v", env)
	}

	_, err = ResolveAll(context.Background(), NewEnvProvider(""), map[string]string{"X": "env://RUNBOX_SECRET_NOPE"})
	if err == nil || !strings.Contains(err.Error(), "X") {
		t.Errorf("err = %v", err)
	}

	if env, err := ResolveAll(context.Background(), NewEnvProvider(""), nil); env != nil || err != nil {
		t.Errorf("nil refs = %v, %v", env, err)
	}
}
