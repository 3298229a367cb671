// Package parser reduces the console output and report files of the
// supported test frameworks to one list of domain.TestCase values.
//
// Every parser degrades in steps: structured output first, then console
// glyphs or summary lines, then a single synthetic failing case. A failed
// run is never reported as zero tests.
package parser

import (
	"fmt"
	"strings"

	"github.com/jkaninda/runbox/internal/domain"
)

// Output is the raw result of one container run.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined joins stdout and stderr the way the runners interleave them.
func (o Output) Combined() string {
	if o.Stderr == "" {
		return o.Stdout
	}
	return o.Stdout + "\n" + o.Stderr
}

// Parser converts one framework's output into test cases.
type Parser interface {
	Parse(out Output) []domain.TestCase
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(Output) []domain.TestCase

func (f ParserFunc) Parse(out Output) []domain.TestCase { return f(out) }

// For returns the console parser for fw. JUnit and TestNG results come from
// report files; see ParseSurefire.
func For(fw domain.Framework) (Parser, error) {
	switch fw {
	case domain.FrameworkPytest:
		return ParserFunc(Pytest), nil
	case domain.FrameworkJest:
		return ParserFunc(Jest), nil
	case domain.FrameworkMocha:
		return ParserFunc(Mocha), nil
	case domain.FrameworkJasmine:
		return ParserFunc(Jasmine), nil
	}
	return nil, fmt.Errorf("no console parser for framework %q", fw)
}

// Ensure appends a synthetic suite failure when tests is empty, the run
// failed and it produced output.
func Ensure(tests []domain.TestCase, out Output) []domain.TestCase {
	if len(tests) > 0 || out.ExitCode == 0 || strings.TrimSpace(out.Combined()) == "" {
		return tests
	}
	return []domain.TestCase{SuiteFailure(out.Combined())}
}

const (
	detailLines = 30
	detailBytes = 2000
)

// SuiteFailure builds the case reported when the suite never ran. Its error
// is the tail of raw with npm echo lines and reporter delimiters removed.
func SuiteFailure(raw string) domain.TestCase {
	var kept []string
	for _, l := range strings.Split(raw, "\n") {
		t := strings.TrimSpace(l)
		if t == "" || strings.HasPrefix(l, "> ") || strings.Contains(t, "_JSON_START===") || strings.Contains(t, "_JSON_END===") {
			continue
		}
		kept = append(kept, strings.TrimRight(l, "\r"))
	}
	if len(kept) > detailLines {
		kept = kept[len(kept)-detailLines:]
	}
	detail := strings.Join(kept, "\n")
	if len(detail) > detailBytes {
		detail = detail[len(detail)-detailBytes:]
	}
	if detail == "" {
		detail = domain.SuiteFailureName
	}
	return domain.TestCase{
		Name:        domain.SuiteFailureName,
		Status:      domain.StatusFailed,
		Description: "The test suite could not be executed.",
		Error:       detail,
	}
}

func passed(name string, ms int64) domain.TestCase {
	return domain.TestCase{Name: name, Status: domain.StatusPassed, DurationMs: nonNegative(ms), Description: name}
}

func failed(name string, ms int64, msg string) domain.TestCase {
	if msg == "" {
		msg = "Test failed"
	}
	return domain.TestCase{Name: name, Status: domain.StatusFailed, DurationMs: nonNegative(ms), Description: name, Error: msg}
}

func nonNegative(ms int64) int64 {
	if ms < 0 {
		return 0
	}
	return ms
}
