package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/engine"
	"github.com/jkaninda/runbox/internal/storage"
	"github.com/jkaninda/runbox/internal/storage/sqlite"
)

type fakeRunner struct {
	got *domain.ExecutionRequest
	res *domain.ExecutionResult
	err error
}

func (f *fakeRunner) Execute(_ context.Context, req *domain.ExecutionRequest) (*domain.ExecutionResult, error) {
	f.got = req
	return f.res, f.err
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content is %T, want text", res.Content[0])
	}
	return tc.Text
}

// --- Tools ---

func TestToolsDeclared(t *testing.T) {
	s := New(&fakeRunner{}, nil, "test", nil)
	tools := s.tools()
	if len(tools) != 2 {
		t.Fatalf("tools = %d", len(tools))
	}
	exec := tools[0].Tool
	if exec.Name != "execute_tests" {
		t.Errorf("first tool = %q", exec.Name)
	}
	if len(exec.InputSchema.Required) != 1 || exec.InputSchema.Required[0] != "test_code" {
		t.Errorf("required = %v", exec.InputSchema.Required)
	}
	for _, p := range []string{"source_code", "language", "mode", "timeout_seconds", "framework", "allow_network"} {
		if _, ok := exec.InputSchema.Properties[p]; !ok {
			t.Errorf("execute_tests lacks %q", p)
		}
	}
	if tools[1].Tool.Name != "detect_language" {
		t.Errorf("second tool = %q", tools[1].Tool.Name)
	}
}

// --- execute_tests ---

func TestExecuteTests(t *testing.T) {
	tests := []domain.TestCase{{Name: "test_ok", Status: domain.StatusPassed}}
	runner := &fakeRunner{res: &domain.ExecutionResult{
		ID:       "job",
		Success:  true,
		Tests:    tests,
		Summary:  domain.Summarize(tests),
		Language: domain.LanguagePython,
	}}
	store, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "h.db")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	s := New(runner, store, "test", nil)

	res, err := s.handleExecute(context.Background(), callRequest("execute_tests", map[string]any{
		"test_code":       "def test_ok(): pass",
		"source_code":     "x = 1",
		"language":        "py",
		"mode":            "integration",
		"timeout_seconds": float64(30),
		"framework":       "Pytest",
		"allow_network":   true,
	}))
	if err != nil {
		t.Fatalf("handleExecute: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %s", resultText(t, res))
	}

	got := runner.got
	if got.DeclaredLanguage != domain.LanguagePython || got.Mode != domain.ModeIntegration || got.TimeoutSeconds != 30 {
		t.Errorf("request = %+v", got)
	}
	if !got.Config.AllowNetwork || got.Config.FrameworkHint != domain.FrameworkPytest {
		t.Errorf("config = %+v", got.Config)
	}

	var out domain.ExecutionResult
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Success || out.Summary.Passed != 1 || out.ID == "job" {
		t.Errorf("result = %+v", out)
	}

	list, err := store.List(context.Background(), "", 0)
	if err != nil || len(list) != 1 || list[0].Origin != storage.OriginMCP {
		t.Errorf("history = %v, %v", list, err)
	}
}

func TestExecuteTestsRejects(t *testing.T) {
	tests := []struct {
		name   string
		args   map[string]any
		runErr error
		want   string
	}{
		{"missing test code", map[string]any{"source_code": "x"}, nil, "test_code"},
		{"unknown language", map[string]any{"test_code": "t", "language": "cobol"}, nil, "unknown language"},
		{"unknown mode", map[string]any{"test_code": "t", "mode": "e2e"}, nil, "mode"},
		{"config error", map[string]any{"test_code": "t"}, &engine.ConfigError{Stage: "image", Err: engine.ErrImageMissing}, "runtime image"},
		{"infrastructure", map[string]any{"test_code": "t"}, errors.New("daemon down"), "execution failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(&fakeRunner{err: tt.runErr}, nil, "test", nil)
			res, err := s.handleExecute(context.Background(), callRequest("execute_tests", tt.args))
			if err != nil {
				t.Fatalf("handleExecute: %v", err)
			}
			if !res.IsError {
				t.Fatal("expected tool error")
			}
			if text := resultText(t, res); !strings.Contains(text, tt.want) {
				t.Errorf("text = %q, want mention of %q", text, tt.want)
			}
		})
	}
}

// --- detect_language ---

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want Detection
	}{
		{
			"python",
			map[string]any{"test_code": "from main import add\n\ndef test_add():\n    assert add(1, 2) == 3\n"},
			Detection{Language: domain.LanguagePython, Framework: domain.FrameworkPytest},
		},
		{
			"java declared",
			map[string]any{"test_code": "import org.testng.annotations.Test;", "language": "java"},
			Detection{Language: domain.LanguageJava, Framework: domain.FrameworkTestNG},
		},
		{
			"javascript jest",
			map[string]any{"test_code": "test('adds', () => { expect(add(1, 2)).toBe(3); });", "language": "js"},
			Detection{Language: domain.LanguageJavaScript, Framework: domain.FrameworkJest},
		},
	}
	s := New(&fakeRunner{}, nil, "test", nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.handleDetect(context.Background(), callRequest("detect_language", tt.args))
			if err != nil || res.IsError {
				t.Fatalf("handleDetect: %v %+v", err, res)
			}
			var got Detection
			if err := json.Unmarshal([]byte(resultText(t, res)), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDetectLanguageNeedsInput(t *testing.T) {
	s := New(&fakeRunner{}, nil, "test", nil)
	res, err := s.handleDetect(context.Background(), callRequest("detect_language", map[string]any{}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("expected tool error for empty input")
	}
}
