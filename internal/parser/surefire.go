package parser

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jkaninda/runbox/internal/domain"
)

// SurefireDir is where Maven writes per-class XML reports, relative to the
// project root.
const SurefireDir = "target/surefire-reports"

// SurefireReport aggregates every report file of one Maven run.
type SurefireReport struct {
	Tests   []domain.TestCase
	XML     []string
	Total   int
	Failed  int
	Skipped int
	Found   bool
}

type xmlSuites struct {
	XMLName xml.Name   `xml:"testsuites"`
	Suites  []xmlSuite `xml:"testsuite"`
}

type xmlSuite struct {
	XMLName  xml.Name      `xml:"testsuite"`
	Name     string        `xml:"name,attr"`
	Tests    int           `xml:"tests,attr"`
	Failures int           `xml:"failures,attr"`
	Errors   int           `xml:"errors,attr"`
	Skipped  int           `xml:"skipped,attr"`
	Cases    []xmlTestCase `xml:"testcase"`
}

type xmlTestCase struct {
	Name      string      `xml:"name,attr"`
	ClassName string      `xml:"classname,attr"`
	Time      string      `xml:"time,attr"`
	Failure   *xmlProblem `xml:"failure"`
	Error     *xmlProblem `xml:"error"`
	Skipped   *struct{}   `xml:"skipped"`
}

type xmlProblem struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Text    string `xml:",chardata"`
}

// ParseSurefire reads the reports under dir. A missing directory is not an
// error; Found reports whether any report was read. Skipped cases count
// toward Skipped but produce no TestCase.
func ParseSurefire(dir string) (*SurefireReport, error) {
	files, err := filepath.Glob(filepath.Join(dir, "TEST-*.xml"))
	if err != nil {
		return nil, fmt.Errorf("listing surefire reports: %w", err)
	}
	if len(files) == 0 {
		if files, err = filepath.Glob(filepath.Join(dir, "*.xml")); err != nil {
			return nil, fmt.Errorf("listing surefire reports: %w", err)
		}
	}

	report := &SurefireReport{}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", filepath.Base(f), err)
		}
		suites, ok := decodeSuites(data)
		if !ok {
			continue
		}
		report.Found = true
		report.XML = append(report.XML, string(data))
		for _, s := range suites {
			report.add(s)
		}
	}
	return report, nil
}

func decodeSuites(data []byte) ([]xmlSuite, bool) {
	var one xmlSuite
	if err := xml.Unmarshal(data, &one); err == nil {
		return []xmlSuite{one}, true
	}
	var many xmlSuites
	if err := xml.Unmarshal(data, &many); err == nil {
		return many.Suites, true
	}
	return nil, false
}

func (r *SurefireReport) add(s xmlSuite) {
	r.Total += s.Tests
	r.Failed += s.Failures + s.Errors
	r.Skipped += s.Skipped

	for _, c := range s.Cases {
		if c.Skipped != nil {
			continue
		}
		tc := domain.TestCase{
			Name:        c.Name,
			Status:      domain.StatusPassed,
			DurationMs:  seconds(c.Time),
			Description: c.ClassName,
		}
		switch {
		case c.Failure != nil:
			tc.Status = domain.StatusFailed
			tc.Error = qualify(c, problemMessage(c.Failure, "Assertion Failed"))
		case c.Error != nil:
			tc.Status = domain.StatusFailed
			tc.Error = qualify(c, problemMessage(c.Error, "Error"))
		}
		r.Tests = append(r.Tests, tc)
	}
}

// Passed is the report-level count: total minus failed minus skipped.
func (r *SurefireReport) Passed() int {
	n := r.Total - r.Failed - r.Skipped
	if n < 0 {
		return 0
	}
	return n
}

func problemMessage(p *xmlProblem, fallback string) string {
	if m := strings.TrimSpace(p.Message); m != "" {
		return m
	}
	if t := strings.TrimSpace(p.Text); t != "" {
		return t
	}
	return fallback
}

func qualify(c xmlTestCase, msg string) string {
	if c.ClassName == "" {
		return c.Name + ": " + msg
	}
	return c.ClassName + "." + c.Name + ": " + msg
}

func seconds(s string) int64 {
	f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 64)
	if err != nil || f < 0 {
		return 0
	}
	return int64(f * 1000)
}
