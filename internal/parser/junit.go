package parser

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jkaninda/runbox/internal/domain"
)

type junitSuites struct {
	XMLName  xml.Name     `xml:"testsuites"`
	Name     string       `xml:"name,attr"`
	Tests    int          `xml:"tests,attr"`
	Failures int          `xml:"failures,attr"`
	Errors   int          `xml:"errors,attr"`
	Time     string       `xml:"time,attr"`
	Suites   []junitSuite `xml:"testsuite"`
}

type junitSuite struct {
	Name       string          `xml:"name,attr"`
	Tests      int             `xml:"tests,attr"`
	Failures   int             `xml:"failures,attr"`
	Errors     int             `xml:"errors,attr"`
	Skipped    int             `xml:"skipped,attr"`
	Time       string          `xml:"time,attr"`
	Timestamp  string          `xml:"timestamp,attr,omitempty"`
	Properties []junitProperty `xml:"properties>property"`
	Cases      []junitCase     `xml:"testcase"`
	SystemOut  string          `xml:"system-out,omitempty"`
}

type junitProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type junitCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure"`
	SystemOut string        `xml:"system-out,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
}

// JUnitOptions names and stamps an exported suite.
type JUnitOptions struct {
	SuiteName string
	Timestamp time.Time
}

// WriteJUnit renders res as a JUnit XML document that CI systems can ingest.
func WriteJUnit(w io.Writer, res *domain.ExecutionResult, opts JUnitOptions) error {
	if res == nil {
		return fmt.Errorf("nil execution result")
	}
	name := opts.SuiteName
	if name == "" {
		name = "runbox-" + res.ID
	}
	sum := domain.Summarize(res.Tests)
	elapsed := fmtSeconds(res.DurationMs)
	className := string(res.Language)
	if className == "" {
		className = "runbox"
	}

	suite := junitSuite{
		Name:     name,
		Tests:    sum.Total,
		Failures: sum.Failed,
		Time:     elapsed,
		Properties: []junitProperty{
			{Name: "execution_id", Value: res.ID},
			{Name: "language", Value: string(res.Language)},
			{Name: "framework", Value: string(res.Framework)},
			{Name: "image", Value: res.Image},
			{Name: "exit_code", Value: strconv.Itoa(res.ExitCode)},
			{Name: "passed_count", Value: strconv.Itoa(sum.Passed)},
			{Name: "failed_count", Value: strconv.Itoa(sum.Failed)},
		},
		SystemOut: res.Stdout,
	}
	if !opts.Timestamp.IsZero() {
		suite.Timestamp = opts.Timestamp.UTC().Format(time.RFC3339)
	}
	for _, tc := range res.Tests {
		c := junitCase{
			Name:      tc.Name,
			ClassName: className,
			Time:      fmtSeconds(tc.DurationMs),
			SystemOut: tc.Description,
		}
		if tc.Status == domain.StatusFailed {
			msg := tc.Error
			if msg == "" {
				msg = "Test failed"
			}
			c.Failure = &junitFailure{Message: msg, Type: "AssertionError"}
		}
		suite.Cases = append(suite.Cases, c)
	}

	doc := junitSuites{
		Name:     "runbox",
		Tests:    sum.Total,
		Failures: sum.Failed,
		Time:     elapsed,
		Suites:   []junitSuite{suite},
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding junit xml: %w", err)
	}
	return enc.Flush()
}

func fmtSeconds(ms int64) string {
	return strconv.FormatFloat(float64(ms)/1000, 'f', 3, 64)
}
