package parser

import (
	"regexp"
	"strings"

	"github.com/jkaninda/runbox/internal/domain"
)

var (
	jasminePass = regexp.MustCompile(`^[✓✔√]\s+(.+)$`)
	jasmineFail = regexp.MustCompile(`^[✗✘×]\s+(.+)$`)
)

// Jasmine parses the spec reporter: one glyph line per spec, with indented
// failure detail under failed specs.
func Jasmine(out Output) []domain.TestCase {
	raw := out.Combined()
	lines := strings.Split(raw, "\n")

	var tests []domain.TestCase
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if m := jasminePass.FindStringSubmatch(line); m != nil {
			tests = append(tests, passed(strings.TrimSpace(m[1]), 0))
			continue
		}
		m := jasmineFail.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		// Detail runs over the indented lines below the failure and stops at
		// the next spec glyph, indented or not.
		var detail []string
		for i+1 < len(lines) && (strings.HasPrefix(lines[i+1], "  ") || strings.HasPrefix(lines[i+1], "\t")) {
			next := strings.TrimSpace(lines[i+1])
			if jasminePass.MatchString(next) || jasmineFail.MatchString(next) {
				break
			}
			i++
			if next != "" {
				detail = append(detail, next)
			}
		}
		tests = append(tests, failed(strings.TrimSpace(m[1]), 0, strings.Join(detail, "\n")))
	}
	if len(tests) > 0 {
		return tests
	}
	if tests := parseGlyphs(raw); len(tests) > 0 {
		return tests
	}
	return Ensure(nil, out)
}
