package parser

import (
	"encoding/json"
	"strings"

	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/manifest"
)

type mochaReport struct {
	Stats    *json.RawMessage `json:"stats"`
	Passes   []mochaTest      `json:"passes"`
	Failures []mochaTest      `json:"failures"`
	Pending  []mochaTest      `json:"pending"`
}

type mochaTest struct {
	Title     string  `json:"title"`
	FullTitle string  `json:"fullTitle"`
	Duration  float64 `json:"duration"`
	Err       struct {
		Message string `json:"message"`
		Stack   string `json:"stack"`
	} `json:"err"`
}

func (t mochaTest) name() string {
	switch {
	case t.FullTitle != "":
		return t.FullTitle
	case t.Title != "":
		return t.Title
	}
	return "unknown"
}

// Mocha parses the JSON reporter output. Pending tests count as failures so
// a suite of skipped tests never reads as success.
func Mocha(out Output) []domain.TestCase {
	raw := out.Combined()

	if blob, ok := between(raw, manifest.MochaStart, manifest.MochaEnd); ok {
		if tests, ok := decodeMocha(blob); ok {
			return tests
		}
	}
	if blob, ok := objectAround(raw, `"stats"`); ok {
		if tests, ok := decodeMocha(blob); ok {
			return tests
		}
	}
	if tests := parseGlyphs(raw); len(tests) > 0 {
		return tests
	}
	return []domain.TestCase{SuiteFailure(raw)}
}

func decodeMocha(blob string) ([]domain.TestCase, bool) {
	var r mochaReport
	if err := json.NewDecoder(strings.NewReader(blob)).Decode(&r); err != nil || r.Stats == nil {
		return nil, false
	}
	var tests []domain.TestCase
	for _, t := range r.Passes {
		tests = append(tests, passed(t.name(), int64(t.Duration)))
	}
	for _, t := range r.Failures {
		msg := t.Err.Message
		if msg == "" {
			msg = t.Err.Stack
		}
		tests = append(tests, failed(t.name(), int64(t.Duration), msg))
	}
	for _, t := range r.Pending {
		tests = append(tests, failed(t.name(), 0, "Test was pending/skipped"))
	}
	return tests, len(tests) > 0
}
