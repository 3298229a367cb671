// Package manifest synthesizes the build and runner descriptors a job needs
// so the runtime image's own toolchain can install dependencies and run the
// tests. Every manifest is built fresh per job.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jkaninda/runbox/internal/deps"
	"github.com/jkaninda/runbox/internal/domain"
)

// ErrUnsupported is returned for a language or framework no manifest exists for.
var ErrUnsupported = errors.New("no build manifest for language")

// File is one generated artifact, relative to the job directory.
type File struct {
	Path    string
	Content []byte
}

// BuildManifest is the set of descriptor files written into a job.
type BuildManifest struct {
	Files []File
}

// Lookup returns the content of the file at path.
func (m *BuildManifest) Lookup(path string) ([]byte, bool) {
	for _, f := range m.Files {
		if f.Path == path {
			return f.Content, true
		}
	}
	return nil, false
}

func (m *BuildManifest) add(path string, content []byte) {
	m.Files = append(m.Files, File{Path: path, Content: content})
}

// Input carries what the synthesizer needs to know about one job.
type Input struct {
	Language  domain.Language
	Framework domain.Framework

	// Source and Test are the repaired files; Java web and utility markers
	// are looked up in them.
	Source string
	Test   string

	// Requirements is the merged Python dependency set.
	Requirements *deps.Set
	// CustomDependencies is a raw Maven <dependency> block appended as is.
	CustomDependencies string
}

// Synthesize builds the manifest for in.Language.
func Synthesize(in Input) (*BuildManifest, error) {
	m := &BuildManifest{}
	switch in.Language {
	case domain.LanguagePython:
		if body := in.Requirements.String(); body != "" {
			m.add(RequirementsFile, []byte(body))
		}
	case domain.LanguageJava:
		m.add(PomFile, []byte(Pom(in)))
	case domain.LanguageJavaScript, domain.LanguageTypeScript:
		pkg, extra, err := scriptManifest(in.Framework, in.Language)
		if err != nil {
			return nil, err
		}
		m.add(PackageFile, pkg)
		m.Files = append(m.Files, extra...)
		if in.Language == domain.LanguageTypeScript {
			m.add(TSConfigFile, TSConfig())
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, in.Language)
	}
	return m, nil
}

// Generated file names.
const (
	RequirementsFile = "requirements.txt"
	PomFile          = "pom.xml"
	PackageFile      = "package.json"
	TSConfigFile     = "tsconfig.json"
	JasmineFile      = "jasmine.json"
	ConftestFile     = "conftest.py"
)

// Conftest puts the job directory on sys.path for multi-file Python jobs.
const Conftest = "import sys, os\nsys.path.insert(0, os.path.dirname(__file__))\n"

// encodeJSON renders v with two-space indentation and without HTML escaping,
// so shell redirections in npm scripts stay readable.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
