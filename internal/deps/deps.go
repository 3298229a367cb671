// Package deps infers the third-party packages a job needs and merges them
// with the packages the caller declared.
package deps

import (
	"strings"

	"github.com/jkaninda/runbox/internal/pyscan"
)

// Set is an ordered list of requirement lines with case-insensitive
// uniqueness.
type Set struct {
	lines []string
	seen  map[string]bool
}

// NewSet builds a set from requirement lines, dropping duplicates.
func NewSet(lines ...string) *Set {
	s := &Set{seen: make(map[string]bool)}
	for _, l := range lines {
		s.Add(l)
	}
	return s
}

// Add appends a line unless an equal line (ignoring case) is present.
// Comment lines are kept but never count as duplicates of packages.
func (s *Set) Add(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if strings.HasPrefix(line, "#") {
		s.lines = append(s.lines, line)
		return true
	}
	key := strings.ToLower(line)
	if s.seen[key] {
		return false
	}
	s.seen[key] = true
	s.lines = append(s.lines, line)
	return true
}

// Lines returns the entries in order.
func (s *Set) Lines() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.lines...)
}

// Packages returns the entries that are not comments.
func (s *Set) Packages() []string {
	var out []string
	for _, l := range s.Lines() {
		if !strings.HasPrefix(l, "#") {
			out = append(out, l)
		}
	}
	return out
}

// Len counts package entries.
func (s *Set) Len() int {
	return len(s.Packages())
}

// String renders the set as a requirements file body.
func (s *Set) String() string {
	if s == nil || len(s.lines) == 0 {
		return ""
	}
	return strings.Join(s.lines, "\n") + "\n"
}

// Merge unions user-declared requirements with inferred packages. User lines
// keep their position and spelling; inferred packages are appended when no
// case-insensitive equal is already present.
func Merge(user string, inferred *Set) *Set {
	out := NewSet(strings.Split(user, "\n")...)
	for _, p := range inferred.Lines() {
		out.Add(p)
	}
	return out
}

// InferPython collects the third-party packages imported by test and by
// every extra source file. Standard-library modules, the canonical source
// module and names in exclude are skipped; the rest are mapped to their
// distribution names. A file that cannot be scanned contributes nothing.
func InferPython(test string, extra []string, exclude []string) *Set {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[e] = true
	}
	out := NewSet()
	for _, code := range append([]string{test}, extra...) {
		mod := pyscan.Scan(code)
		if !mod.OK {
			continue
		}
		for _, imp := range mod.Imports() {
			if imp.Level > 0 || imp.Module == "" {
				continue
			}
			top := strings.SplitN(imp.Module, ".", 2)[0]
			if skip[top] || IsPythonStdlib(top) {
				continue
			}
			out.Add(PipName(top))
		}
	}
	return out
}

// PipName maps an import name to the package that provides it.
func PipName(module string) string {
	if p, ok := importToPip[module]; ok {
		return p
	}
	return module
}

// IsPythonStdlib reports whether module ships with Python or is already
// installed in the runtime image.
func IsPythonStdlib(module string) bool {
	return pythonStdlib[module]
}
