package parser

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/manifest"
)

func summary(tests []domain.TestCase) domain.Summary { return domain.Summarize(tests) }

// --- Pytest ---

const pytestMixed = `============================= test session starts ==============================
platform linux -- Python 3.12.3, pytest-8.2.0
collected 2 items

test.py::test_add PASSED                                                 [ 50%]
test.py::TestCalc::test_sub_numbers FAILED                               [100%]

=================================== FAILURES ===================================
___________________________ TestCalc.test_sub_numbers __________________________
    def test_sub_numbers(self):
>       assert sub(3, 1) == 1
E       assert 2 == 1
=========================== short test summary info ============================
FAILED test.py::TestCalc::test_sub_numbers - assert 2 == 1
========================= 1 failed, 1 passed in 0.03s ==========================
`

func TestPytestVerbose(t *testing.T) {
	tests := Pytest(Output{Stdout: pytestMixed, ExitCode: 1})
	if len(tests) != 2 {
		t.Fatalf("got %d tests, want 2: %+v", len(tests), tests)
	}
	if tests[0].Name != "test_add" || tests[0].Status != domain.StatusPassed {
		t.Errorf("first = %+v", tests[0])
	}
	if tests[0].Description != "add" {
		t.Errorf("description = %q, want %q", tests[0].Description, "add")
	}
	sub := tests[1]
	if sub.Name != "test_sub_numbers" || sub.Status != domain.StatusFailed {
		t.Errorf("second = %+v", sub)
	}
	if sub.Error != "assert 2 == 1" {
		t.Errorf("error = %q, want the short summary reason", sub.Error)
	}
	if sub.Description != "sub numbers" {
		t.Errorf("description = %q", sub.Description)
	}
}

func TestPytestSinglePassing(t *testing.T) {
	out := "test.py::test_add PASSED [100%]\n==== 1 passed in 0.01s ====\n"
	tests := Pytest(Output{Stdout: out})
	s := summary(tests)
	if s.Total != 1 || s.Passed != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if !strings.Contains(tests[0].Name, "add") {
		t.Errorf("name = %q", tests[0].Name)
	}
	if !domain.Succeeded(0, tests) {
		t.Error("expected success")
	}
}

func TestPytestFailureWithoutReason(t *testing.T) {
	tests := Pytest(Output{Stdout: "test.py::test_x FAILED\n", ExitCode: 1})
	if len(tests) != 1 || tests[0].Error != "See output for details" {
		t.Fatalf("tests = %+v", tests)
	}
}

func TestPytestParametrized(t *testing.T) {
	out := "test.py::test_add[1-2] PASSED\ntest.py::test_add[3-4] PASSED\ntest.py::test_skip SKIPPED\n"
	tests := Pytest(Output{Stdout: out})
	if len(tests) != 2 {
		t.Fatalf("got %d tests, want 2 (skipped dropped): %+v", len(tests), tests)
	}
	if tests[1].Name != "test_add[3-4]" || tests[1].Description != "add" {
		t.Errorf("second = %+v", tests[1])
	}
}

func TestPytestSummaryFallback(t *testing.T) {
	out := "some plugin noise\n========== 1 failed, 2 passed in 0.10s ==========\n"
	tests := Pytest(Output{Stdout: out, ExitCode: 1})
	s := summary(tests)
	if s.Total != 3 || s.Passed != 2 || s.Failed != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if tests[0].Name != "test_case_1" || tests[2].Name != "test_case_3" {
		t.Errorf("names = %q..%q", tests[0].Name, tests[2].Name)
	}
	if tests[2].Status != domain.StatusFailed {
		t.Errorf("failed cases come last: %+v", tests[2])
	}
}

func TestPytestExecutionFallback(t *testing.T) {
	tests := []struct {
		name     string
		out      Output
		status   domain.TestStatus
		contains string
	}{
		{"clean exit", Output{Stdout: "nothing useful"}, domain.StatusPassed, ""},
		{"import error", Output{Stderr: "ModuleNotFoundError: No module named 'numpy'", ExitCode: 2}, domain.StatusFailed, "numpy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Pytest(tt.out)
			if len(got) != 1 || got[0].Name != "test_execution" {
				t.Fatalf("got %+v", got)
			}
			if got[0].Status != tt.status {
				t.Errorf("status = %q, want %q", got[0].Status, tt.status)
			}
			if !strings.Contains(got[0].Error, tt.contains) {
				t.Errorf("error %q missing %q", got[0].Error, tt.contains)
			}
		})
	}
}

// --- Jest ---

const jestTwo = `{"numFailedTestSuites":1,"testResults":[{"name":"/app/test.js","status":"failed","message":"",` +
	`"assertionResults":[` +
	`{"fullName":"math adds","title":"adds","status":"passed","duration":3,"failureMessages":[]},` +
	`{"fullName":"math subs","title":"subs","status":"failed","duration":null,"failureMessages":["Expected: 1","Received: 2"]}]}]}`

func TestJestDelimited(t *testing.T) {
	out := "> test\n> jest --json\n\n===JEST_JSON_START===\n" + jestTwo + "\n===JEST_JSON_END===\n"
	tests := Jest(Output{Stdout: out})
	if len(tests) != 2 {
		t.Fatalf("got %d tests, want 2: %+v", len(tests), tests)
	}
	if tests[0].Name != "math adds" || tests[0].Status != domain.StatusPassed || tests[0].DurationMs != 3 {
		t.Errorf("first = %+v", tests[0])
	}
	if tests[1].Status != domain.StatusFailed || tests[1].DurationMs != 0 {
		t.Errorf("second = %+v", tests[1])
	}
	if tests[1].Error != "Expected: 1\nReceived: 2" {
		t.Errorf("error = %q", tests[1].Error)
	}
	if domain.Succeeded(0, tests) {
		t.Error("a failing case must fail the run even with exit 0")
	}
}

func TestJestSkipsEchoedScriptMarkers(t *testing.T) {
	script, err := manifest.TestScript(domain.FrameworkJest, domain.LanguageJavaScript)
	if err != nil {
		t.Fatal(err)
	}
	fixture := `{"numFailedTestSuites":0,"testResults":[{"assertionResults":[{"fullName":"fixture case","status":"passed"}]}]}`
	out := "> test\n> " + script + "\n\n" +
		"  console.log\n    " + fixture + "\n\n" +
		"===JEST_JSON_START===\n" + jestTwo + "\n===JEST_JSON_END===\n"
	tests := Jest(Output{Stdout: out})
	if len(tests) != 2 {
		t.Fatalf("got %d tests, want 2: %+v", len(tests), tests)
	}
	if tests[0].Name != "math adds" {
		t.Errorf("first = %q, want the delimited report", tests[0].Name)
	}
}

func TestJestRawObject(t *testing.T) {
	out := "PASS ./test.js\n" + jestTwo + "\ntrailing noise {"
	tests := Jest(Output{Stdout: out})
	if len(tests) != 2 {
		t.Fatalf("got %d tests, want 2", len(tests))
	}
}

func TestJestSuiteLoadFailure(t *testing.T) {
	blob := `{"numFailedTestSuites":1,"testResults":[{"status":"failed","message":"SyntaxError: Unexpected token (3:4)","assertionResults":[]}]}`
	tests := Jest(Output{Stdout: "===JEST_JSON_START===\n" + blob + "\n===JEST_JSON_END===\n"})
	if len(tests) != 1 || tests[0].Name != domain.SuiteFailureName {
		t.Fatalf("tests = %+v", tests)
	}
	if !strings.Contains(tests[0].Error, "SyntaxError") {
		t.Errorf("error = %q", tests[0].Error)
	}
}

func TestJestGlyphFallback(t *testing.T) {
	out := "===JEST_JSON_START===\n{}\n===JEST_JSON_END===\n  ✓ adds (3 ms)\n  ✕ subs (12 ms)\n"
	tests := Jest(Output{Stdout: out})
	if len(tests) != 2 {
		t.Fatalf("got %+v", tests)
	}
	if tests[0].Name != "adds" || tests[0].DurationMs != 3 {
		t.Errorf("first = %+v", tests[0])
	}
	if tests[1].Name != "subs" || tests[1].Status != domain.StatusFailed || tests[1].DurationMs != 12 {
		t.Errorf("second = %+v", tests[1])
	}
}

func TestJestNothingRecognisable(t *testing.T) {
	tests := Jest(Output{Stdout: "> test\nnpm ERR! missing script: test\n"})
	if len(tests) != 1 || tests[0].Name != domain.SuiteFailureName {
		t.Fatalf("tests = %+v", tests)
	}
	if !strings.Contains(tests[0].Error, "missing script") {
		t.Errorf("error = %q", tests[0].Error)
	}
	if strings.Contains(tests[0].Error, "> test") {
		t.Errorf("npm echo lines should be dropped: %q", tests[0].Error)
	}
}

// --- Mocha ---

func TestMochaDelimited(t *testing.T) {
	blob := `{"stats":{"passes":1,"failures":1,"pending":1},` +
		`"passes":[{"title":"a","fullTitle":"suite a","duration":2,"err":{}}],` +
		`"failures":[{"title":"b","fullTitle":"suite b","duration":1,"err":{"message":"boom","stack":"Error: boom\n  at x"}}],` +
		`"pending":[{"title":"c","fullTitle":"","duration":0,"err":{}}]}`
	out := "===MOCHA_JSON_START===\n" + blob + "\n===MOCHA_JSON_END===\n"
	tests := Mocha(Output{Stdout: out})
	if len(tests) != 3 {
		t.Fatalf("got %d tests, want 3: %+v", len(tests), tests)
	}
	if tests[0].Name != "suite a" || tests[0].Status != domain.StatusPassed || tests[0].DurationMs != 2 {
		t.Errorf("pass = %+v", tests[0])
	}
	if tests[1].Error != "boom" {
		t.Errorf("failure error = %q", tests[1].Error)
	}
	if tests[2].Name != "c" || tests[2].Status != domain.StatusFailed || tests[2].Error != "Test was pending/skipped" {
		t.Errorf("pending = %+v", tests[2])
	}
}

func TestMochaStackWhenNoMessage(t *testing.T) {
	blob := `{"stats":{},"passes":[],"failures":[{"title":"b","err":{"stack":"Error\n  at y"}}],"pending":[]}`
	tests := Mocha(Output{Stdout: "noise\n" + blob})
	if len(tests) != 1 || tests[0].Error != "Error\n  at y" {
		t.Fatalf("tests = %+v", tests)
	}
}

func TestMochaSuiteFailure(t *testing.T) {
	out := "> test\n> mocha --reporter json\n===MOCHA_JSON_START===\n{}\n===MOCHA_JSON_END===\nError: Cannot find module './source'\n"
	tests := Mocha(Output{Stdout: out})
	if len(tests) != 1 || tests[0].Name != domain.SuiteFailureName {
		t.Fatalf("tests = %+v", tests)
	}
	if !strings.Contains(tests[0].Error, "Cannot find module") {
		t.Errorf("error = %q", tests[0].Error)
	}
	if strings.Contains(tests[0].Error, "MOCHA_JSON") || strings.Contains(tests[0].Error, "> mocha") {
		t.Errorf("noise kept in error: %q", tests[0].Error)
	}
}

// --- Jasmine ---

func TestJasmine(t *testing.T) {
	out := "Started\n✓ adds\n✗ subs\n  Expected 1 to be 2.\n  at <Jasmine>\n✓ muls\n\n3 specs, 1 failure\n"
	tests := Jasmine(Output{Stdout: out, ExitCode: 1})
	if len(tests) != 3 {
		t.Fatalf("got %d tests, want 3: %+v", len(tests), tests)
	}
	if tests[1].Name != "subs" || tests[1].Error != "Expected 1 to be 2.\nat <Jasmine>" {
		t.Errorf("failure = %+v", tests[1])
	}
	if tests[2].Name != "muls" || tests[2].Status != domain.StatusPassed {
		t.Errorf("third = %+v", tests[2])
	}
}

func TestJasmineNestedSpecsAfterFailure(t *testing.T) {
	out := "Calc\n  ✗ subs\n    Expected 1 to be 2.\n  ✓ adds\n    ✗ divides\n      Expected NaN to be 0.\n\n3 specs, 2 failures\n"
	tests := Jasmine(Output{Stdout: out, ExitCode: 1})
	if len(tests) != 3 {
		t.Fatalf("got %d tests, want 3: %+v", len(tests), tests)
	}
	if tests[0].Name != "subs" || tests[0].Error != "Expected 1 to be 2." {
		t.Errorf("first = %+v", tests[0])
	}
	if tests[1].Name != "adds" || tests[1].Status != domain.StatusPassed {
		t.Errorf("second = %+v", tests[1])
	}
	if tests[2].Name != "divides" || tests[2].Error != "Expected NaN to be 0." {
		t.Errorf("third = %+v", tests[2])
	}
}

func TestJasmineDefaultError(t *testing.T) {
	tests := Jasmine(Output{Stdout: "✘ broken\n", ExitCode: 1})
	if len(tests) != 1 || tests[0].Error != "Test failed" {
		t.Fatalf("tests = %+v", tests)
	}
}

func TestJasmineNoOutputOnFailure(t *testing.T) {
	tests := Jasmine(Output{Stderr: "Error: Cannot find module 'jasmine'", ExitCode: 1})
	if len(tests) != 1 || tests[0].Name != domain.SuiteFailureName {
		t.Fatalf("tests = %+v", tests)
	}
}

// --- Shared fallbacks ---

func TestEnsure(t *testing.T) {
	if got := Ensure(nil, Output{Stdout: "boom", ExitCode: 1}); len(got) != 1 {
		t.Errorf("failed run with output: got %d tests, want 1", len(got))
	}
	if got := Ensure(nil, Output{Stdout: "fine"}); got != nil {
		t.Errorf("clean run: got %+v, want nil", got)
	}
	if got := Ensure(nil, Output{ExitCode: 1}); got != nil {
		t.Errorf("no output: got %+v, want nil", got)
	}
	keep := []domain.TestCase{{Name: "x", Status: domain.StatusPassed}}
	if got := Ensure(keep, Output{Stdout: "boom", ExitCode: 1}); len(got) != 1 || got[0].Name != "x" {
		t.Errorf("existing tests replaced: %+v", got)
	}
}

func TestSuiteFailureKeepsTail(t *testing.T) {
	var b strings.Builder
	for i := 1; i <= 50; i++ {
		fmt.Fprintf(&b, "line %02d\n", i)
	}
	tc := SuiteFailure(b.String())
	if !strings.Contains(tc.Error, "line 50") {
		t.Error("last line missing")
	}
	if strings.Contains(tc.Error, "line 20") {
		t.Error("early line should be trimmed")
	}
	if n := strings.Count(tc.Error, "\n") + 1; n != detailLines {
		t.Errorf("kept %d lines, want %d", n, detailLines)
	}

	long := strings.Repeat("x", 5000)
	if got := SuiteFailure(long); len(got.Error) != detailBytes {
		t.Errorf("error length = %d, want %d", len(got.Error), detailBytes)
	}
}

func TestFor(t *testing.T) {
	for _, fw := range []domain.Framework{domain.FrameworkPytest, domain.FrameworkJest, domain.FrameworkMocha, domain.FrameworkJasmine} {
		if _, err := For(fw); err != nil {
			t.Errorf("For(%s): %v", fw, err)
		}
	}
	if _, err := For(domain.FrameworkJUnit); err == nil {
		t.Error("junit is report based and has no console parser")
	}
}

// --- Surefire ---

const surefireXML = `<?xml version="1.0" encoding="UTF-8"?>
<testsuite name="com.test.CalculatorTest" time="0.052" tests="4" errors="1" skipped="1" failures="1">
  <testcase name="testAdd" classname="com.test.CalculatorTest" time="0.012"/>
  <testcase name="testSub" classname="com.test.CalculatorTest" time="0.003">
    <failure message="expected: &lt;1&gt; but was: &lt;2&gt;" type="org.opentest4j.AssertionFailedError">stack</failure>
  </testcase>
  <testcase name="testDiv" classname="com.test.CalculatorTest" time="0.001">
    <error type="java.lang.ArithmeticException">java.lang.ArithmeticException: / by zero</error>
  </testcase>
  <testcase name="testSkip" classname="com.test.CalculatorTest" time="0">
    <skipped/>
  </testcase>
</testsuite>
`

func TestParseSurefire(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "TEST-com.test.CalculatorTest.xml"), []byte(surefireXML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "com.test.CalculatorTest.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := ParseSurefire(dir)
	if err != nil {
		t.Fatalf("ParseSurefire: %v", err)
	}
	if !r.Found {
		t.Fatal("expected reports")
	}
	if r.Total != 4 || r.Failed != 2 || r.Skipped != 1 || r.Passed() != 1 {
		t.Errorf("totals = %d/%d/%d passed %d", r.Total, r.Failed, r.Skipped, r.Passed())
	}
	if len(r.Tests) != 3 {
		t.Fatalf("got %d cases, want 3 (skipped dropped)", len(r.Tests))
	}
	if r.Tests[0].DurationMs != 12 {
		t.Errorf("duration = %d", r.Tests[0].DurationMs)
	}
	if want := "com.test.CalculatorTest.testSub: expected: <1> but was: <2>"; r.Tests[1].Error != want {
		t.Errorf("failure = %q, want %q", r.Tests[1].Error, want)
	}
	if !strings.Contains(r.Tests[2].Error, "/ by zero") {
		t.Errorf("error text fallback = %q", r.Tests[2].Error)
	}
	if len(r.XML) != 1 || !strings.Contains(r.XML[0], "CalculatorTest") {
		t.Errorf("raw xml not kept")
	}
}

func TestParseSurefireMissingDir(t *testing.T) {
	r, err := ParseSurefire(filepath.Join(t.TempDir(), "target", "surefire-reports"))
	if err != nil {
		t.Fatalf("ParseSurefire: %v", err)
	}
	if r.Found || len(r.Tests) != 0 {
		t.Errorf("report = %+v", r)
	}
}

func TestParseSurefireSkipsForeignXML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "testng-results.xml"), []byte(`<testng-results total="1"/>`), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := ParseSurefire(dir)
	if err != nil {
		t.Fatalf("ParseSurefire: %v", err)
	}
	if r.Found {
		t.Error("non-suite xml should not count as a report")
	}
}

func TestProblemMessageFallbacks(t *testing.T) {
	c := xmlTestCase{Name: "t", ClassName: "C"}
	if got := qualify(c, problemMessage(&xmlProblem{}, "Assertion Failed")); got != "C.t: Assertion Failed" {
		t.Errorf("got %q", got)
	}
}

// --- JUnit export ---

func TestWriteJUnit(t *testing.T) {
	tests := []domain.TestCase{
		{Name: "test_add", Status: domain.StatusPassed, DurationMs: 1500, Description: "add"},
		{Name: "test_sub", Status: domain.StatusFailed, Error: "assert 2 == 1"},
	}
	res := &domain.ExecutionResult{
		ID:         "abc",
		Tests:      tests,
		Summary:    domain.Summarize(tests),
		Language:   domain.LanguagePython,
		Framework:  domain.FrameworkPytest,
		DurationMs: 2000,
	}
	var buf bytes.Buffer
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := WriteJUnit(&buf, res, JUnitOptions{Timestamp: ts}); err != nil {
		t.Fatalf("WriteJUnit: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "<?xml") {
		t.Error("missing xml header")
	}

	var doc junitSuites
	if err := xml.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not valid xml: %v", err)
	}
	if doc.Tests != 2 || doc.Failures != 1 || doc.Time != "2.000" {
		t.Errorf("root = %+v", doc)
	}
	if len(doc.Suites) != 1 {
		t.Fatalf("suites = %d", len(doc.Suites))
	}
	s := doc.Suites[0]
	if s.Name != "runbox-abc" || s.Timestamp != "2026-01-02T03:04:05Z" {
		t.Errorf("suite = %q %q", s.Name, s.Timestamp)
	}
	if s.Cases[0].Time != "1.500" || s.Cases[0].ClassName != "python" || s.Cases[0].SystemOut != "add" {
		t.Errorf("case = %+v", s.Cases[0])
	}
	f := s.Cases[1].Failure
	if f == nil || f.Message != "assert 2 == 1" || f.Type != "AssertionError" {
		t.Errorf("failure = %+v", f)
	}
}

func TestWriteJUnitNil(t *testing.T) {
	if err := WriteJUnit(&bytes.Buffer{}, nil, JUnitOptions{}); err == nil {
		t.Error("expected error for nil result")
	}
}
