package storage

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/runbox/internal/domain"
)

func TestExecutionLifecycle(t *testing.T) {
	id := uuid.New()
	req := &domain.ExecutionRequest{
		TestCode:         "def test_x(): pass",
		DeclaredLanguage: domain.LanguagePython,
		EnvVars:          domain.EnvVars{"TOKEN": "secret"},
	}
	e := NewExecution(id, OriginAsync, "client-a", req)
	if e.Status != StatusQueued || e.Status.Terminal() {
		t.Fatalf("status = %q", e.Status)
	}

	tests := []domain.TestCase{
		{Name: "test_x", Status: domain.StatusPassed},
		{Name: "test_y", Status: domain.StatusFailed, Error: "assert 1 == 2"},
	}
	e.Complete(&domain.ExecutionResult{
		ID:        "0123456789abcdef0123456789abcdef",
		ExitCode:  1,
		Stdout:    "1 passed, 1 failed",
		Tests:     tests,
		Framework: domain.FrameworkPytest,
	})
	if e.Status != StatusCompleted || e.FinishedAt == nil {
		t.Fatalf("not completed: %+v", e)
	}
	if e.JobID != "0123456789abcdef0123456789abcdef" {
		t.Errorf("job id = %q", e.JobID)
	}

	res := e.Result()
	if res.ID != id.String() {
		t.Errorf("result id = %q, want execution id", res.ID)
	}
	if res.Summary.Total != 2 || res.Summary.Failed != 1 {
		t.Errorf("summary = %+v", res.Summary)
	}
	if res.Language != domain.LanguagePython {
		t.Errorf("language = %q", res.Language)
	}
}

func TestExecutionFail(t *testing.T) {
	e := NewExecution(uuid.New(), OriginHTTP, "", nil)
	e.Fail("unsupported language")
	if e.Status != StatusFailed || !e.Status.Terminal() || e.ExitCode != -1 {
		t.Errorf("failed execution = %+v", e)
	}
	if res := e.Result(); res.Tests == nil || res.Success {
		t.Errorf("result = %+v", res)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},
		{"", 0, ""},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
	long := strings.Repeat("x", MaxOutputBytes+10)
	if got := Truncate(long, MaxOutputBytes); len(got) != MaxOutputBytes {
		t.Errorf("len = %d", len(got))
	}
}
