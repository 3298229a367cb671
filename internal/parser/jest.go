package parser

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/manifest"
)

type jestReport struct {
	NumFailedTestSuites int               `json:"numFailedTestSuites"`
	TestResults         []jestSuiteResult `json:"testResults"`
}

type jestSuiteResult struct {
	Name             string          `json:"name"`
	Status           string          `json:"status"`
	Message          string          `json:"message"`
	AssertionResults []jestAssertion `json:"assertionResults"`
	TestResults      []jestAssertion `json:"testResults"`
}

type jestAssertion struct {
	FullName        string   `json:"fullName"`
	Title           string   `json:"title"`
	Status          string   `json:"status"`
	Duration        *float64 `json:"duration"`
	FailureMessages []string `json:"failureMessages"`
}

var (
	glyphPass     = regexp.MustCompile(`^\s*[✓✔√]\s+(.+?)(?:\s+\(\d+\s*ms\))?\s*$`)
	glyphFail     = regexp.MustCompile(`^\s*[✕×✗●]\s+(.+?)(?:\s+\(\d+\s*ms\))?\s*$`)
	glyphDuration = regexp.MustCompile(`\((\d+)\s*ms\)`)
)

// Jest parses the JSON report the runner script prints between the Jest
// delimiters, then any bare Jest JSON object in the output, then console
// glyphs. With nothing recognisable it reports the suite as failed.
func Jest(out Output) []domain.TestCase {
	raw := out.Combined()

	if blob, ok := between(raw, manifest.JestStart, manifest.JestEnd); ok {
		if tests, ok := decodeJest(blob); ok {
			return tests
		}
	}
	for _, key := range []string{`"numFailedTestSuites"`, `"testResults"`} {
		if blob, ok := objectAround(raw, key); ok {
			if tests, ok := decodeJest(blob); ok {
				return tests
			}
		}
	}
	if tests := parseGlyphs(raw); len(tests) > 0 {
		return tests
	}
	return []domain.TestCase{SuiteFailure(raw)}
}

// decodeJest reports ok only when the report yields at least one case.
func decodeJest(blob string) ([]domain.TestCase, bool) {
	var r jestReport
	if err := json.NewDecoder(strings.NewReader(blob)).Decode(&r); err != nil {
		return nil, false
	}
	var tests []domain.TestCase
	for _, suite := range r.TestResults {
		assertions := suite.AssertionResults
		if len(assertions) == 0 {
			assertions = suite.TestResults
		}
		for _, a := range assertions {
			name := a.FullName
			if name == "" {
				name = a.Title
			}
			if name == "" {
				name = "unknown"
			}
			var ms int64
			if a.Duration != nil {
				ms = int64(*a.Duration)
			}
			if a.Status == "passed" {
				tests = append(tests, passed(name, ms))
				continue
			}
			tests = append(tests, failed(name, ms, strings.Join(a.FailureMessages, "\n")))
		}
		// A suite that failed to load has no assertions, only a message.
		if len(assertions) == 0 && suite.Status == "failed" {
			tc := SuiteFailure(suite.Message)
			if suite.Message == "" {
				tc.Error = "Test suite failed to run"
			}
			tests = append(tests, tc)
		}
	}
	return tests, len(tests) > 0
}

// parseGlyphs reads the ✓ / ✕ lines of the default Jest and Mocha
// reporters.
func parseGlyphs(raw string) []domain.TestCase {
	var tests []domain.TestCase
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if m := glyphPass.FindStringSubmatch(line); m != nil {
			tests = append(tests, passed(strings.TrimSpace(m[1]), glyphMillis(line)))
			continue
		}
		if m := glyphFail.FindStringSubmatch(line); m != nil {
			tests = append(tests, failed(strings.TrimSpace(m[1]), glyphMillis(line), "See output for details"))
		}
	}
	return tests
}

func glyphMillis(line string) int64 {
	m := glyphDuration.FindStringSubmatch(line)
	if m == nil {
		return 0
	}
	ms, _ := strconv.ParseInt(m[1], 10, 64)
	return ms
}

// between returns the trimmed text after the last start marker up to the
// next end marker. npm echoes the test script, markers included, before
// running it, so the first start marker is never the report.
func between(raw, start, end string) (string, bool) {
	i := strings.LastIndex(raw, start)
	if i < 0 {
		return "", false
	}
	rest := raw[i+len(start):]
	j := strings.Index(rest, end)
	if j < 0 {
		return "", false
	}
	blob := strings.TrimSpace(rest[:j])
	if blob == "" || blob == "{}" {
		return "", false
	}
	return blob, true
}

// objectAround returns raw from the last '{' before key onwards. The JSON
// decoder stops at the end of the first value, so trailing output is fine.
func objectAround(raw, key string) (string, bool) {
	k := strings.Index(raw, key)
	if k < 0 {
		return "", false
	}
	b := strings.LastIndex(raw[:k], "{")
	if b < 0 {
		return "", false
	}
	return raw[b:], true
}
