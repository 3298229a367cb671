// Package domain defines the value types shared by every stage of the test
// execution pipeline: requests, results and the per-test outcomes produced
// by the result parsers.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrUnknownLanguage is returned when a declared language is not supported.
var ErrUnknownLanguage = errors.New("unknown language")

// DefaultTimeout is applied when a request does not set TimeoutSeconds.
const DefaultTimeout = 120 * time.Second

// Language is the implementation language of a (source, test) pair.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
	LanguageTypeScript Language = "typescript"
	LanguageJava       Language = "java"
)

// ParseLanguage normalizes a caller-supplied language name. The empty string
// is valid and means "not declared".
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "python", "py":
		return LanguagePython, nil
	case "javascript", "js", "node":
		return LanguageJavaScript, nil
	case "typescript", "ts":
		return LanguageTypeScript, nil
	case "java":
		return LanguageJava, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLanguage, s)
}

// IsScript reports whether the language belongs to the JavaScript family.
func (l Language) IsScript() bool {
	return l == LanguageJavaScript || l == LanguageTypeScript
}

// Mode selects the isolation profile of a job.
type Mode string

const (
	ModeUnit        Mode = "UNIT"
	ModeIntegration Mode = "INTEGRATION"
)

// ParseMode accepts "unit"/"integration" in any case. Empty means unit.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(ModeUnit):
		return ModeUnit, nil
	case string(ModeIntegration):
		return ModeIntegration, nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

// Framework identifies the test runner whose output must be parsed.
type Framework string

const (
	FrameworkPytest  Framework = "pytest"
	FrameworkJest    Framework = "jest"
	FrameworkMocha   Framework = "mocha"
	FrameworkJasmine Framework = "jasmine"
	FrameworkJUnit   Framework = "junit"
	FrameworkTestNG  Framework = "testng"
)

// EnvVars holds pre-resolved secret values for one job. Values are redacted
// when the map is marshalled or logged; the only place they are written in
// clear is the job's environment file.
type EnvVars map[string]string

// MarshalJSON emits the keys with redacted values.
func (e EnvVars) MarshalJSON() ([]byte, error) {
	redacted := make(map[string]string, len(e))
	for k := range e {
		redacted[k] = "***"
	}
	return json.Marshal(redacted)
}

// LogValue implements slog.LogValuer.
func (e EnvVars) LogValue() slog.Value {
	return slog.IntValue(len(e))
}

// RunConfig carries per-request execution options.
type RunConfig struct {
	FrameworkHint         Framework `json:"framework,omitempty" yaml:"framework"`
	AllowNetwork          bool      `json:"allow_network,omitempty" yaml:"allow_network"`
	CacheKey              string    `json:"cache_key,omitempty" yaml:"cache_key"`           // Keys the shared package caches, e.g. a project id.
	ExecutorImageOverride string    `json:"executor_type,omitempty" yaml:"executor_type"` // Image profile name, e.g. "python-web".
}

// ExecutionRequest is the input of one execution.
type ExecutionRequest struct {
	TestCode           string    `json:"test_code"`
	SourceCode         string    `json:"source_code"`
	DeclaredLanguage   Language  `json:"language,omitempty"`
	Mode               Mode      `json:"mode,omitempty"`
	TimeoutSeconds     int       `json:"timeout_seconds,omitempty"`
	EnvVars            EnvVars   `json:"env_vars,omitempty"`
	Config             RunConfig `json:"config"`
	UserRequirements   string    `json:"requirements,omitempty"`
	CustomDependencies string    `json:"custom_dependencies,omitempty"`
}

// Timeout returns the wall-clock limit for the request.
func (r *ExecutionRequest) Timeout() time.Duration {
	if r.TimeoutSeconds <= 0 {
		return DefaultTimeout
	}
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// TestStatus is the outcome of a single test.
type TestStatus string

const (
	StatusPassed TestStatus = "passed"
	StatusFailed TestStatus = "failed"
)

// TestCase is one normalized per-test outcome.
type TestCase struct {
	Name        string     `json:"name"`
	Status      TestStatus `json:"status"`
	DurationMs  int64      `json:"duration_ms"`
	Description string     `json:"description"`
	Error       string     `json:"error,omitempty"`
}

// Summary aggregates a test list.
type Summary struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// Summarize counts passed and failed tests.
func Summarize(tests []TestCase) Summary {
	s := Summary{Total: len(tests)}
	for _, tc := range tests {
		if tc.Status == StatusPassed {
			s.Passed++
		} else {
			s.Failed++
		}
	}
	return s
}

// Succeeded applies the result success rule: a zero exit code, and no
// failures whenever a structured test list exists.
func Succeeded(exitCode int, tests []TestCase) bool {
	if exitCode != 0 {
		return false
	}
	return Summarize(tests).Failed == 0
}

// ExecutionResult is the normalized output of one execution.
type ExecutionResult struct {
	ID         string     `json:"id,omitempty"`
	Success    bool       `json:"success"`
	ExitCode   int        `json:"exit_code"`
	Stdout     string     `json:"stdout"`
	Stderr     string     `json:"stderr"`
	Tests      []TestCase `json:"tests"`
	Summary    Summary    `json:"summary"`
	XMLReports []string   `json:"xml_reports,omitempty"`
	Error      string     `json:"error,omitempty"`
	Language   Language   `json:"language,omitempty"`
	Framework  Framework  `json:"framework,omitempty"`
	Image      string     `json:"image,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}

// SuiteFailureName names the synthetic case reported when no test ran.
const SuiteFailureName = "Test suite failed to run"

// Failure builds the synthetic result used for timeouts, crashes and
// configuration errors. It always carries one failing case so a failed run
// never looks like zero tests executed.
func Failure(msg string) *ExecutionResult {
	tests := []TestCase{{
		Name:        SuiteFailureName,
		Status:      StatusFailed,
		Description: "The test suite could not be executed.",
		Error:       msg,
	}}
	return &ExecutionResult{
		Success:  false,
		ExitCode: -1,
		Stderr:   msg,
		Tests:    tests,
		Summary:  Summarize(tests),
		Error:    msg,
	}
}
