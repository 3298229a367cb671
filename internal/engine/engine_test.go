package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/workspace"
)

// fakeExecutor records the spec and snapshots the job directory while the
// "container" runs.
type fakeExecutor struct {
	mu      sync.Mutex
	specs   []sandbox.Spec
	files   map[string]string
	envFile string
	before  func(spec sandbox.Spec)
	outcome *sandbox.Outcome
	panics  bool
}

func (f *fakeExecutor) Run(_ context.Context, spec sandbox.Spec) *sandbox.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	f.files = make(map[string]string)
	_ = filepath.WalkDir(spec.Mount.Source, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(spec.Mount.Source, path)
		data, _ := os.ReadFile(path)
		f.files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if spec.EnvFile != "" {
		data, _ := os.ReadFile(spec.EnvFile)
		f.envFile = string(data)
	}
	if f.before != nil {
		f.before(spec)
	}
	if f.panics {
		panic("executor exploded")
	}
	if f.outcome == nil {
		return &sandbox.Outcome{State: sandbox.StateCompleted}
	}
	out := *f.outcome
	return &out
}

func (f *fakeExecutor) last(t *testing.T) sandbox.Spec {
	t.Helper()
	if len(f.specs) == 0 {
		t.Fatal("executor was never called")
	}
	return f.specs[len(f.specs)-1]
}

type fakeImages struct{ present bool }

func (f fakeImages) ImageExists(context.Context, string) (bool, error) { return f.present, nil }

func newTestEngine(t *testing.T, exec sandbox.Executor) (*Engine, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "jobs")
	ws, err := workspace.New(root)
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(ws, exec, logger, Config{}), root
}

// assertNoJobs checks the cleanup invariant: no job directory survives.
func assertNoJobs(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("reading workspace root: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("job directories left behind: %d", len(entries))
	}
}

const (
	pySource     = "def add(a, b):\n    return a + b\n"
	pyTestPass   = "from app import add\n\n\ndef test_add():\n    assert add(2, 3) == 5\n"
	pyTestFail   = "from app import add\n\n\ndef test_add():\n    assert add(2, 3) == 6\n"
	pytestPassed = "test.py::test_add PASSED                                  [100%]\n\n===== 1 passed in 0.01s =====\n"
	pytestFailed = "test.py::test_add FAILED                                  [100%]\n" +
		"===== short test summary info =====\nFAILED test.py::test_add - assert 5 == 6\n===== 1 failed in 0.02s =====\n"
)

// --- Python pipeline ---

func TestExecutePythonPass(t *testing.T) {
	exec := &fakeExecutor{outcome: &sandbox.Outcome{State: sandbox.StateCompleted, Stdout: pytestPassed}}
	e, root := newTestEngine(t, exec)

	res, err := e.Execute(context.Background(), &domain.ExecutionRequest{TestCode: pyTestPass, SourceCode: pySource})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success, got %+v", res)
	}
	if len(res.Tests) != 1 || !strings.Contains(res.Tests[0].Name, "add") || res.Tests[0].Status != domain.StatusPassed {
		t.Errorf("tests = %+v", res.Tests)
	}
	if res.Language != domain.LanguagePython || res.Framework != domain.FrameworkPytest {
		t.Errorf("language/framework = %s/%s", res.Language, res.Framework)
	}
	if res.ID == "" {
		t.Error("result id is empty")
	}

	spec := exec.last(t)
	if spec.Network {
		t.Error("unit job without dependencies must run without network")
	}
	if spec.Image != "genaiqa/python-basic:latest" {
		t.Errorf("image = %q", spec.Image)
	}
	if spec.Command != pytestCommand {
		t.Errorf("command = %q", spec.Command)
	}
	if !strings.HasPrefix(spec.Name, workspace.ContainerPrefix) {
		t.Errorf("container name = %q", spec.Name)
	}
	if len(spec.Caches) != 1 || spec.Caches[0].Name != "runbox_shared_pip_cache" {
		t.Errorf("caches = %+v", spec.Caches)
	}
	if spec.Limits.MemoryMB != 512 || spec.Limits.CPUs != 1.0 {
		t.Errorf("limits = %+v", spec.Limits)
	}
	if !strings.Contains(exec.files["test.py"], "from source import add") {
		t.Errorf("test.py not repointed:\n%s", exec.files["test.py"])
	}
	if !strings.Contains(exec.files["source.py"], "def add") {
		t.Error("source.py missing")
	}
	if _, ok := exec.files["requirements.txt"]; ok {
		t.Error("no requirements file expected")
	}
	assertNoJobs(t, root)
}

func TestExecutePythonFail(t *testing.T) {
	exec := &fakeExecutor{outcome: &sandbox.Outcome{State: sandbox.StateCompleted, Stdout: pytestFailed, ExitCode: 1}}
	e, root := newTestEngine(t, exec)

	res, err := e.Execute(context.Background(), &domain.ExecutionRequest{TestCode: pyTestFail, SourceCode: pySource})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("expected failure")
	}
	if len(res.Tests) != 1 || res.Tests[0].Status != domain.StatusFailed || res.Tests[0].Error == "" {
		t.Errorf("tests = %+v", res.Tests)
	}
	if res.Summary.Failed != 1 {
		t.Errorf("summary = %+v", res.Summary)
	}
	assertNoJobs(t, root)
}

func TestExecutePythonInstallsRequirements(t *testing.T) {
	exec := &fakeExecutor{outcome: &sandbox.Outcome{State: sandbox.StateCompleted, Stdout: pytestPassed}}
	e, _ := newTestEngine(t, exec)

	test := "import numpy as np\nfrom app import add\n\n\ndef test_add():\n    assert add(2, 3) == 5\n"
	_, err := e.Execute(context.Background(), &domain.ExecutionRequest{
		TestCode:         test,
		SourceCode:       pySource,
		UserRequirements: "pandas==2.2.0",
		Config:           domain.RunConfig{CacheKey: "proj-42"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	spec := exec.last(t)
	if !spec.Network {
		t.Error("install step needs the network")
	}
	if !strings.HasPrefix(spec.Command, pipInstall) {
		t.Errorf("command = %q", spec.Command)
	}
	if got := exec.files["requirements.txt"]; got != "pandas==2.2.0\nnumpy\n" {
		t.Errorf("requirements.txt = %q", got)
	}
	if spec.Caches[0].Name != "runbox_proj-42_pip_cache" {
		t.Errorf("cache = %q", spec.Caches[0].Name)
	}
}

func TestExecutePythonBundleWrittenPerFile(t *testing.T) {
	exec := &fakeExecutor{outcome: &sandbox.Outcome{State: sandbox.StateCompleted, Stdout: pytestPassed}}
	e, _ := newTestEngine(t, exec)

	source := "# File: calc.py\ndef add(a, b):\n    return a + b\n\n# File: util.py\ndef double(x):\n    return x * 2\n"
	test := "from calc import add\nfrom util import double\n\n\ndef test_add():\n    assert add(1, double(1)) == 3\n"
	if _, err := e.Execute(context.Background(), &domain.ExecutionRequest{TestCode: test, SourceCode: source}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, name := range []string{"calc.py", "util.py", "conftest.py", "test.py"} {
		if _, ok := exec.files[name]; !ok {
			t.Errorf("%s not written; have %v", name, keys(exec.files))
		}
	}
	if _, ok := exec.files["source.py"]; ok {
		t.Error("per-file bundle must not write source.py")
	}
	if !strings.Contains(exec.files["test.py"], "from calc import add") {
		t.Error("test imports of real module names must be kept")
	}
}

func TestExecutePythonBundleFlattened(t *testing.T) {
	exec := &fakeExecutor{outcome: &sandbox.Outcome{State: sandbox.StateCompleted, Stdout: pytestPassed}}
	e, _ := newTestEngine(t, exec)

	source := "# File: calc.py\ndef add(a, b):\n    return a + b\n\n# File: util.py\nfrom calc import add\n\ndef add_twice(x):\n    return add(x, x)\n"
	test := "from app import add_twice\n\n\ndef test_twice():\n    assert add_twice(2) == 4\n"
	if _, err := e.Execute(context.Background(), &domain.ExecutionRequest{TestCode: test, SourceCode: source}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	src, ok := exec.files["source.py"]
	if !ok {
		t.Fatalf("flattened source.py missing; have %v", keys(exec.files))
	}
	if strings.Contains(src, "from calc import") {
		t.Errorf("inter-file import kept:\n%s", src)
	}
	if !strings.Contains(exec.files["test.py"], "from source import add_twice") {
		t.Errorf("test not repointed:\n%s", exec.files["test.py"])
	}
}

func TestExecutePythonWebImage(t *testing.T) {
	exec := &fakeExecutor{outcome: &sandbox.Outcome{State: sandbox.StateCompleted, Stdout: pytestPassed}}
	e, _ := newTestEngine(t, exec)

	source := "from flask import Flask\napp = Flask(__name__)\n"
	if _, err := e.Execute(context.Background(), &domain.ExecutionRequest{TestCode: pyTestPass, SourceCode: source}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := exec.last(t).Image; got != "genaiqa/python-web:latest" {
		t.Errorf("image = %q", got)
	}
}

// --- Timeouts and crashes ---

func TestExecuteTimeout(t *testing.T) {
	exec := &fakeExecutor{outcome: &sandbox.Outcome{
		State:    sandbox.StateTimedOut,
		ExitCode: -1,
		Err:      &sandbox.ErrTimeout{After: time.Second},
	}}
	e, root := newTestEngine(t, exec)

	res, err := e.Execute(context.Background(), &domain.ExecutionRequest{TestCode: pyTestPass, SourceCode: pySource, TimeoutSeconds: 1})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.ExitCode >= 0 {
		t.Errorf("success=%v exit=%d", res.Success, res.ExitCode)
	}
	if !strings.Contains(strings.ToLower(res.Error), "timeout") {
		t.Errorf("error = %q", res.Error)
	}
	if len(res.Tests) != 1 || res.Tests[0].Status != domain.StatusFailed {
		t.Errorf("tests = %+v", res.Tests)
	}
	if got := exec.last(t).Timeout; got != time.Second {
		t.Errorf("spec timeout = %v", got)
	}
	assertNoJobs(t, root)
}

func TestExecuteCrashKeepsPartialOutput(t *testing.T) {
	exec := &fakeExecutor{outcome: &sandbox.Outcome{
		State:    sandbox.StateCrashed,
		ExitCode: -1,
		Stderr:   "docker: Error response from daemon",
		Err:      errors.New("docker run failed: exit status 125"),
	}}
	e, root := newTestEngine(t, exec)

	res, err := e.Execute(context.Background(), &domain.ExecutionRequest{TestCode: pyTestPass, SourceCode: pySource})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || len(res.Tests) != 1 {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Stderr, "Error response from daemon") || !strings.Contains(res.Stderr, "exit status 125") {
		t.Errorf("stderr = %q", res.Stderr)
	}
	assertNoJobs(t, root)
}

func TestExecuteCleansUpOnPanic(t *testing.T) {
	exec := &fakeExecutor{panics: true}
	e, root := newTestEngine(t, exec)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_, _ = e.Execute(context.Background(), &domain.ExecutionRequest{TestCode: pyTestPass, SourceCode: pySource})
	}()
	assertNoJobs(t, root)
}

// --- Java pipeline ---

const (
	javaSource = "package com.example;\n\npublic class Calculator {\n  public int add(int a, int b) { return a + b; }\n}\n"
	javaTest   = "package com.example;\n\nimport org.junit.jupiter.api.Test;\nimport static org.junit.jupiter.api.Assertions.assertEquals;\n\n" +
		"public class CalculatorTest {\n  @Test\n  void adds() { assertEquals(5, new Calculator().add(2, 3)); }\n}\n"
	surefireOK = `<?xml version="1.0" encoding="UTF-8"?>
<testsuite name="com.test.CalculatorTest" tests="1" failures="0" errors="0" skipped="0">
  <testcase name="adds" classname="com.test.CalculatorTest" time="0.004"/>
</testsuite>
`
)

func TestExecuteJavaWithoutReports(t *testing.T) {
	exec := &fakeExecutor{outcome: &sandbox.Outcome{
		State:  sandbox.StateCompleted,
		Stdout: "[ERROR] COMPILATION ERROR :\n[ERROR] CalculatorTest.java:[3,8] cannot find symbol\n",
	}}
	e, root := newTestEngine(t, exec)

	res, err := e.Execute(context.Background(), &domain.ExecutionRequest{TestCode: javaTest, SourceCode: javaSource})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("no reports must mean failure even with exit 0")
	}
	if len(res.Tests) != 1 || res.Tests[0].Error == "" {
		t.Fatalf("tests = %+v", res.Tests)
	}
	if !strings.Contains(res.Tests[0].Error, "cannot find symbol") {
		t.Errorf("error = %q", res.Tests[0].Error)
	}
	if res.Framework != domain.FrameworkJUnit {
		t.Errorf("framework = %s", res.Framework)
	}

	spec := exec.last(t)
	if !spec.Network || spec.Command != mavenCommand || spec.Limits.MemoryMB != 1024 || spec.Limits.CPUs != 2.0 {
		t.Errorf("spec = %+v", spec)
	}
	if spec.Image != "genaiqa/java-basic:latest" {
		t.Errorf("image = %q", spec.Image)
	}
	for _, name := range []string{"pom.xml", javaMainDir + "Calculator.java", javaTestDir + "CalculatorTest.java"} {
		if _, ok := exec.files[name]; !ok {
			t.Errorf("%s not written; have %v", name, keys(exec.files))
		}
	}
	if !strings.Contains(exec.files[javaMainDir+"Calculator.java"], "package com.test;") {
		t.Error("source package not forced")
	}
	assertNoJobs(t, root)
}

func TestExecuteJavaWithReports(t *testing.T) {
	exec := &fakeExecutor{
		outcome: &sandbox.Outcome{State: sandbox.StateCompleted, Stdout: "[INFO] BUILD SUCCESS"},
		before: func(spec sandbox.Spec) {
			dir := filepath.Join(spec.Mount.Source, "target", "surefire-reports")
			_ = os.MkdirAll(dir, 0o755)
			_ = os.WriteFile(filepath.Join(dir, "TEST-com.test.CalculatorTest.xml"), []byte(surefireOK), 0o644)
		},
	}
	e, root := newTestEngine(t, exec)

	res, err := e.Execute(context.Background(), &domain.ExecutionRequest{TestCode: javaTest, SourceCode: javaSource})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success: %+v", res)
	}
	if len(res.Tests) != 1 || res.Tests[0].Name != "adds" || res.Tests[0].DurationMs != 4 {
		t.Errorf("tests = %+v", res.Tests)
	}
	if len(res.XMLReports) != 1 {
		t.Errorf("xml reports = %d", len(res.XMLReports))
	}
	assertNoJobs(t, root)
}

func TestExecuteJavaSpringBootstrap(t *testing.T) {
	exec := &fakeExecutor{}
	e, _ := newTestEngine(t, exec)

	source := "package com.example;\n\nimport org.springframework.web.bind.annotation.RestController;\n\n@RestController\npublic class Hello {}\n"
	if _, err := e.Execute(context.Background(), &domain.ExecutionRequest{TestCode: javaTest, SourceCode: source, DeclaredLanguage: domain.LanguageJava}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, ok := exec.files[springAppFile]; !ok {
		t.Errorf("TestApplication not written; have %v", keys(exec.files))
	}
	if !strings.Contains(exec.files["pom.xml"], "spring-boot-starter-web") {
		t.Error("pom lacks spring starter")
	}
}

// --- JavaScript pipeline ---

const jestOutput = "> test\n> jest --json\n===JEST_JSON_START===\n" +
	`{"numFailedTestSuites":1,"testResults":[{"status":"failed","assertionResults":[` +
	`{"fullName":"add works","status":"passed","duration":2,"failureMessages":[]},` +
	`{"fullName":"add breaks","status":"failed","duration":1,"failureMessages":["expected 6"]}]}]}` +
	"\n===JEST_JSON_END===\n"

func TestExecuteJestJSON(t *testing.T) {
	exec := &fakeExecutor{outcome: &sandbox.Outcome{State: sandbox.StateCompleted, Stdout: jestOutput}}
	e, root := newTestEngine(t, exec)

	test := "const { add } = require('./source');\n\ntest('works', () => { expect(add(2, 3)).toBe(5); });\ntest('breaks', () => { expect(add(2, 3)).toBe(6); });\n"
	res, err := e.Execute(context.Background(), &domain.ExecutionRequest{
		TestCode:         test,
		SourceCode:       "function add(a, b) { return a + b; }\nmodule.exports = { add };\n",
		DeclaredLanguage: domain.LanguageJavaScript,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Tests) != 2 || res.Summary.Passed != 1 || res.Summary.Failed != 1 {
		t.Fatalf("tests = %+v", res.Tests)
	}
	for _, tc := range res.Tests {
		if tc.DurationMs < 0 {
			t.Errorf("negative duration: %+v", tc)
		}
	}
	if res.Success {
		t.Error("a failing case must fail the run")
	}

	spec := exec.last(t)
	if spec.Network || spec.Command != npmCommand || spec.Image != "genaiqa/javascript-basic:latest" {
		t.Errorf("spec = %+v", spec)
	}
	for _, name := range []string{"source.js", "test.js", "package.json"} {
		if _, ok := exec.files[name]; !ok {
			t.Errorf("%s not written", name)
		}
	}
	assertNoJobs(t, root)
}

func TestExecuteTypeScriptIntegrationNetwork(t *testing.T) {
	exec := &fakeExecutor{outcome: &sandbox.Outcome{State: sandbox.StateCompleted, Stdout: jestOutput}}
	e, _ := newTestEngine(t, exec)

	_, err := e.Execute(context.Background(), &domain.ExecutionRequest{
		TestCode:         "import { add } from './source';\ntest('x', () => { expect(add(1, 1)).toBe(2); });\n",
		SourceCode:       "export function add(a: number, b: number): number { return a + b; }\n",
		DeclaredLanguage: domain.LanguageJavaScript,
		Mode:             domain.ModeIntegration,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !exec.last(t).Network {
		t.Error("integration mode enables the network")
	}
	for _, name := range []string{"source.ts", "test.ts", "tsconfig.json"} {
		if _, ok := exec.files[name]; !ok {
			t.Errorf("%s not written; have %v", name, keys(exec.files))
		}
	}
}

func TestExecuteMochaGarbageIsNeverEmpty(t *testing.T) {
	exec := &fakeExecutor{outcome: &sandbox.Outcome{State: sandbox.StateCompleted, Stdout: "Error: Cannot find module 'chai'", ExitCode: 1}}
	e, _ := newTestEngine(t, exec)

	res, err := e.Execute(context.Background(), &domain.ExecutionRequest{
		TestCode:         "const { expect } = require('chai');\ndescribe('x', () => { it('y', () => { expect(1).to.equal(1); }); });\n",
		DeclaredLanguage: domain.LanguageJavaScript,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Framework != domain.FrameworkMocha {
		t.Errorf("framework = %s", res.Framework)
	}
	if len(res.Tests) == 0 || res.Success {
		t.Errorf("result = %+v", res)
	}
}

// --- Configuration errors ---

func TestExecuteRejections(t *testing.T) {
	tests := []struct {
		name string
		req  *domain.ExecutionRequest
		want error
	}{
		{"unknown language", &domain.ExecutionRequest{TestCode: "x", DeclaredLanguage: "cobol"}, ErrUnsupportedLanguage},
		{"empty test", &domain.ExecutionRequest{TestCode: "  "}, nil},
		{"bad mode", &domain.ExecutionRequest{TestCode: pyTestPass, Mode: "chaos"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{}
			e, root := newTestEngine(t, exec)
			_, err := e.Execute(context.Background(), tt.req)
			if !IsConfigError(err) {
				t.Fatalf("err = %v, want ConfigError", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if len(exec.specs) != 0 {
				t.Error("executor must not run")
			}
			assertNoJobs(t, root)
		})
	}
}

func TestExecuteImageMissing(t *testing.T) {
	exec := &fakeExecutor{}
	e, root := newTestEngine(t, exec)
	e.WithImageChecker(fakeImages{present: false})

	_, err := e.Execute(context.Background(), &domain.ExecutionRequest{TestCode: pyTestPass, SourceCode: pySource})
	if !errors.Is(err, ErrImageMissing) || !IsConfigError(err) {
		t.Fatalf("err = %v", err)
	}
	if len(exec.specs) != 0 {
		t.Error("executor must not run")
	}
	assertNoJobs(t, root)
}

func TestExecuteInvalidEnvKey(t *testing.T) {
	exec := &fakeExecutor{}
	e, root := newTestEngine(t, exec)

	_, err := e.Execute(context.Background(), &domain.ExecutionRequest{
		TestCode: pyTestPass, SourceCode: pySource,
		EnvVars: domain.EnvVars{"BAD KEY": "value"},
	})
	if !IsConfigError(err) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
	assertNoJobs(t, root)
}

// --- Secrets ---

func TestExecuteSecretsOnlyInEnvFile(t *testing.T) {
	const secret = "s3cr3t-value-123"
	var logs bytes.Buffer
	exec := &fakeExecutor{outcome: &sandbox.Outcome{State: sandbox.StateCompleted, Stdout: pytestPassed}}
	root := filepath.Join(t.TempDir(), "jobs")
	ws, err := workspace.New(root)
	if err != nil {
		t.Fatal(err)
	}
	e := New(ws, exec, slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})), Config{})

	res, err := e.Execute(context.Background(), &domain.ExecutionRequest{
		TestCode: pyTestPass, SourceCode: pySource,
		EnvVars: domain.EnvVars{"API_TOKEN": secret},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	spec := exec.last(t)
	if spec.EnvFile == "" {
		t.Fatal("env file not passed")
	}
	if !strings.Contains(exec.envFile, "API_TOKEN="+secret) {
		t.Errorf("env file content = %q", exec.envFile)
	}
	if strings.HasPrefix(spec.EnvFile, spec.Mount.Source) {
		t.Error("env file must live outside the mounted job tree")
	}
	for k, v := range spec.Env {
		if strings.Contains(v, secret) {
			t.Errorf("secret passed as -e %s", k)
		}
	}
	for name, content := range exec.files {
		if strings.Contains(content, secret) {
			t.Errorf("secret written into %s", name)
		}
	}
	if strings.Contains(logs.String(), secret) {
		t.Error("secret leaked into logs")
	}
	if _, err := os.Stat(spec.EnvFile); !os.IsNotExist(err) {
		t.Error("env file not removed")
	}
	if res.ID == "" {
		t.Error("missing id")
	}
}

// --- Metrics ---

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("reading counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestExecuteMetrics(t *testing.T) {
	exec := &fakeExecutor{outcome: &sandbox.Outcome{State: sandbox.StateCompleted, Stdout: pytestPassed}}
	e, _ := newTestEngine(t, exec)
	m := NewMetrics(prometheus.NewRegistry())
	e.WithMetrics(m)

	if _, err := e.Execute(context.Background(), &domain.ExecutionRequest{TestCode: pyTestPass, SourceCode: pySource}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := e.Execute(context.Background(), &domain.ExecutionRequest{TestCode: "x", DeclaredLanguage: "cobol"}); err == nil {
		t.Fatal("expected rejection")
	}

	if got := counterValue(t, m.ExecutionsTotal.WithLabelValues("python", "success")); got != 1 {
		t.Errorf("executions{python,success} = %v", got)
	}
	if got := counterValue(t, m.TestsTotal.WithLabelValues("pytest", "passed")); got != 1 {
		t.Errorf("tests{pytest,passed} = %v", got)
	}
	if got := counterValue(t, m.ConfigErrorsTotal.WithLabelValues("detect")); got != 1 {
		t.Errorf("config_errors{detect} = %v", got)
	}
}

func TestNewMetricsNilRegistry(t *testing.T) {
	if NewMetrics(nil) != nil {
		t.Error("expected nil metrics for nil registry")
	}
}

// --- Image selection ---

func TestSelectProfile(t *testing.T) {
	tests := []struct {
		name     string
		lang     domain.Language
		source   string
		override string
		want     string
	}{
		{"python basic", domain.LanguagePython, "def f(): pass", "", ProfilePythonBasic},
		{"python web", domain.LanguagePython, "import requests", "", ProfilePythonWeb},
		{"java", domain.LanguageJava, "import requests", "", ProfileJavaBasic},
		{"typescript", domain.LanguageTypeScript, "", "", ProfileJavaScriptBasic},
		{"override wins", domain.LanguagePython, "", "java-basic", ProfileJavaBasic},
		{"override case", domain.LanguagePython, "", " Python-Web ", ProfilePythonWeb},
		{"unknown override", domain.LanguageJava, "", "ruby-basic", ProfilePythonBasic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectProfile(tt.lang, tt.source, "", tt.override); got != tt.want {
				t.Errorf("SelectProfile = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestImageRef(t *testing.T) {
	c := Config{Registry: "registry.local/runbox/", Tag: "v2", Images: map[string]string{ProfileJavaBasic: "maven:3.9"}}
	if got := c.ImageRef(ProfilePythonBasic); got != "registry.local/runbox/python-basic:v2" {
		t.Errorf("ImageRef = %q", got)
	}
	if got := c.ImageRef(ProfileJavaBasic); got != "maven:3.9" {
		t.Errorf("override ImageRef = %q", got)
	}
}

func TestConfigTimeout(t *testing.T) {
	c := Config{DefaultTimeout: 30 * time.Second, MaxTimeout: time.Minute}
	tests := []struct {
		seconds int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{5, 5 * time.Second},
		{3600, time.Minute},
	}
	for _, tt := range tests {
		if got := c.timeout(&domain.ExecutionRequest{TimeoutSeconds: tt.seconds}); got != tt.want {
			t.Errorf("timeout(%d) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
