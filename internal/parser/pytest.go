package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jkaninda/runbox/internal/domain"
)

var (
	pytestVerbose = regexp.MustCompile(`(?m)^\S+\.py::(?:\w+::)*([\w]+(?:\[[^\]]*\])?)\s+(PASSED|FAILED|ERROR|XFAIL|XPASS|SKIPPED)\b`)
	pytestBare    = regexp.MustCompile(`(?m)\b(test_\w+)\s+(PASSED|FAILED|ERROR)\b`)
	pytestShort   = regexp.MustCompile(`(?m)^(?:FAILED|ERROR)\s+\S+\.py::(?:\w+::)*([\w]+(?:\[[^\]]*\])?)\s+-\s+(.+)$`)
	pytestFinal   = regexp.MustCompile(`(?m)^=+ (.*\bin [\d.]+s.*?) =+\s*$`)
	pytestCount   = regexp.MustCompile(`(\d+) (passed|failed|errors?)\b`)
)

// Pytest parses "pytest -v" output. Verbose per-test lines come first; then
// the final summary line's counts; then a single test_execution case keyed
// on the exit code.
func Pytest(out Output) []domain.TestCase {
	raw := out.Combined()
	reasons := pytestReasons(raw)

	var tests []domain.TestCase
	seen := make(map[string]bool)
	for _, m := range pytestVerbose.FindAllStringSubmatch(raw, -1) {
		name, status := m[1], m[2]
		if status == "SKIPPED" || seen[name+status] {
			continue
		}
		seen[name+status] = true
		tests = append(tests, pytestCase(name, status, reasons))
	}
	if len(tests) == 0 {
		for _, m := range pytestBare.FindAllStringSubmatch(raw, -1) {
			if seen[m[1]+m[2]] {
				continue
			}
			seen[m[1]+m[2]] = true
			tests = append(tests, pytestCase(m[1], m[2], reasons))
		}
	}
	if len(tests) == 0 {
		tests = pytestSummary(raw)
	}
	if len(tests) == 0 {
		if out.ExitCode == 0 {
			tests = []domain.TestCase{{Name: "test_execution", Status: domain.StatusPassed, Description: "Test execution"}}
		} else {
			tc := SuiteFailure(raw)
			tc.Name = "test_execution"
			tests = []domain.TestCase{tc}
		}
	}
	return tests
}

func pytestCase(name, status string, reasons map[string]string) domain.TestCase {
	tc := domain.TestCase{
		Name:        name,
		Status:      domain.StatusPassed,
		Description: describe(name),
	}
	if status == "FAILED" || status == "ERROR" {
		tc.Status = domain.StatusFailed
		tc.Error = reasons[name]
		if tc.Error == "" {
			tc.Error = "See output for details"
		}
	}
	return tc
}

// pytestReasons maps test names to the reason in the short test summary.
func pytestReasons(raw string) map[string]string {
	reasons := make(map[string]string)
	for _, m := range pytestShort.FindAllStringSubmatch(raw, -1) {
		if _, ok := reasons[m[1]]; !ok {
			reasons[m[1]] = strings.TrimSpace(m[2])
		}
	}
	return reasons
}

// pytestSummary expands "2 failed, 3 passed in 0.12s" into numbered cases.
func pytestSummary(raw string) []domain.TestCase {
	all := pytestFinal.FindAllStringSubmatch(raw, -1)
	if len(all) == 0 {
		return nil
	}
	line := all[len(all)-1][1]
	var nPassed, nFailed int
	for _, m := range pytestCount.FindAllStringSubmatch(line, -1) {
		n, _ := strconv.Atoi(m[1])
		if m[2] == "passed" {
			nPassed += n
		} else {
			nFailed += n
		}
	}
	var tests []domain.TestCase
	for i := 0; i < nPassed; i++ {
		name := fmt.Sprintf("test_case_%d", i+1)
		tests = append(tests, domain.TestCase{Name: name, Status: domain.StatusPassed, Description: fmt.Sprintf("Test case %d", i+1)})
	}
	for i := 0; i < nFailed; i++ {
		n := nPassed + i + 1
		tests = append(tests, domain.TestCase{
			Name:        fmt.Sprintf("test_case_%d", n),
			Status:      domain.StatusFailed,
			Description: fmt.Sprintf("Test case %d", n),
			Error:       "See output for details",
		})
	}
	return tests
}

// describe turns test_add_numbers into "add numbers".
func describe(name string) string {
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSpace(strings.ReplaceAll(strings.TrimPrefix(name, "test_"), "_", " "))
}
