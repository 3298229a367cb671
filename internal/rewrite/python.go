package rewrite

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jkaninda/runbox/internal/pyscan"
)

// SourceModule is the canonical module name of the code under test.
const SourceModule = "source"

// PlaceholderModules are the module names generated tests use as a stand-in
// for the code under test. Only these names, plus names the job itself
// declares, are ever repointed to SourceModule.
var PlaceholderModules = []string{"app", "main", "your_module", "module", "solution", "program"}

// Python repairs a job whose code under test lives in the single module
// SourceModule. aliases are extra module names the job declares for that
// code, such as the file name in a "# File: calc.py" header or the files of
// a flattened bundle.
func Python(test, source string, aliases ...string) (Unit, []string) {
	modules := append(append([]string{}, PlaceholderModules...), aliases...)
	return pythonChain(modules).Run(Unit{Test: test, Source: source})
}

// PythonSyntax applies only the syntax repairs. It is used when a bundle is
// written as separate files and the test imports them by their real names.
func PythonSyntax(test string) (string, []string) {
	u, applied := Chain{withContinuationRule, dunderRule}.Run(Unit{Test: test})
	return u.Test, applied
}

func pythonChain(modules []string) Chain {
	return Chain{
		withContinuationRule,
		{
			Name:  "placeholder-imports",
			Apply: onTest(func(s string) string { return repointModules(s, modules) }),
		},
		{
			Name:    "requests-patch-target",
			Applies: func(u Unit) bool { return importsRequests.MatchString(u.Source) },
			Apply:   onTest(func(s string) string { return requestsPatch.ReplaceAllString(s, "${1}'source.requests.$2'") }),
		},
		{Name: "mock-imports", Apply: onTest(ensureMockImports)},
		{
			Name:    "os-import",
			Applies: func(u Unit) bool { return usesOS.MatchString(u.Test) && !importsOS.MatchString(u.Test) },
			Apply:   onTest(func(s string) string { return ensureImport(s, "import os") }),
		},
		{
			Name:    "requests-import",
			Applies: func(u Unit) bool { return usesRequests.MatchString(u.Test) && !importsRequests.MatchString(u.Test) },
			Apply:   onTest(func(s string) string { return ensureImport(s, "import requests") }),
		},
		dunderRule,
		{
			Name:    "future-annotations",
			Applies: func(u Unit) bool { return !strings.Contains(u.Source, futureAnnotations) },
			Apply:   onSource(func(s string) string { return insertAfterPreamble(s, futureAnnotations) }),
		},
		{Name: "relative-imports", Apply: relativeToAbsolute},
		{
			Name:    "source-os-import",
			Applies: func(u Unit) bool { return usesOS.MatchString(u.Source) && !importsOS.MatchString(u.Source) },
			Apply:   onSource(insertAfterFuture("import os")),
		},
		{
			Name:    "flask-client-fixture",
			Applies: func(u Unit) bool { return flaskApp.MatchString(u.Source) },
			Apply:   injectClientFixture,
		},
		{Name: "import-missing-defs", Apply: importMissingDefs},
	}
}

const futureAnnotations = "from __future__ import annotations"

var (
	importsRequests = regexp.MustCompile(`(?m)^\s*import\s+requests\b`)
	usesRequests    = regexp.MustCompile(`\brequests\.`)
	requestsPatch   = regexp.MustCompile(`(patch\(\s*)['"]requests\.(\w+)['"]`)
	usesOS          = regexp.MustCompile(`\bos\.\w`)
	importsOS       = regexp.MustCompile(`(?m)^\s*import\s+os\b`)
	withStart       = regexp.MustCompile(`^\s*with\s+`)
	relativeFrom    = regexp.MustCompile(`(?m)^(\s*)from\s+\.+(\w[\w.]*)\s+import\s+`)
	relativeBare    = regexp.MustCompile(`(?m)^(\s*)from\s+\.+\s+import\s+`)
	flaskApp        = regexp.MustCompile(`(?m)^\s*([A-Za-z_]\w*)\s*=\s*Flask\s*\(`)
	clientArg       = regexp.MustCompile(`def\s+test_\w+\s*\([^)]*\bclient\b[^)]*\)\s*:`)
	clientFixture   = regexp.MustCompile(`@pytest\.fixture[\s\S]*?\ndef\s+client\s*\(`)
	pytestImport    = regexp.MustCompile(`(?m)^import pytest[ \t]*$`)
	corruptedDunder = []struct {
		re   *regexp.Regexp
		repl string
	}{
		{regexp.MustCompile(`\b_name_\b`), "__name__"},
		{regexp.MustCompile(`\b___name___\b`), "__name__"},
		{regexp.MustCompile(`\b_main_\b`), "__main__"},
		{regexp.MustCompile(`\b_init_\b`), "__init__"},
	}
)

var withContinuationRule = Rule{
	Name:    "with-continuation",
	Applies: func(u Unit) bool { return strings.Contains(u.Test, "with ") },
	Apply:   onTest(fixMultilineWith),
}

var dunderRule = Rule{
	Name: "dunder-repair",
	Apply: func(u Unit) Unit {
		for _, d := range corruptedDunder {
			u.Test = d.re.ReplaceAllString(u.Test, d.repl)
			u.Source = d.re.ReplaceAllString(u.Source, d.repl)
		}
		return u
	},
}

// fixMultilineWith adds the line continuations a generator forgot on a
// with-statement whose context managers span several lines.
func fixMultilineWith(code string) string {
	lines := strings.Split(code, "\n")
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], " \t\r")
		if !withStart.MatchString(line) || !strings.HasSuffix(line, ",") ||
			strings.Count(line, "(") != strings.Count(line, ")") {
			out = append(out, lines[i])
			continue
		}
		block := []string{line}
		for j := i + 1; j < len(lines); j++ {
			cont := strings.TrimRight(lines[j], " \t\r")
			if strings.TrimSpace(cont) == "" {
				break
			}
			block = append(block, cont)
			if strings.HasSuffix(cont, ":") || strings.HasSuffix(cont, `:\`) {
				break
			}
		}
		if len(block) < 2 || !strings.HasSuffix(block[len(block)-1], ":") {
			out = append(out, lines[i])
			continue
		}
		for _, b := range block[:len(block)-1] {
			out = append(out, b+` \`)
		}
		out = append(out, block[len(block)-1])
		i += len(block) - 1
	}
	return strings.Join(out, "\n")
}

// repointModules rewrites imports and mock targets naming one of modules to
// SourceModule.
func repointModules(test string, modules []string) string {
	if len(modules) == 0 {
		return test
	}
	quoted := make([]string, len(modules))
	for i, m := range modules {
		quoted[i] = regexp.QuoteMeta(m)
	}
	alt := strings.Join(quoted, "|")
	fromRe := regexp.MustCompile(`(?m)^(\s*)from\s+(?:` + alt + `)\s+import\s+`)
	importRe := regexp.MustCompile(`(?m)^(\s*)import\s+(` + alt + `)[ \t]*$`)
	patchRe := regexp.MustCompile(`(patch\(\s*['"])(?:` + alt + `)\.`)

	test = fromRe.ReplaceAllString(test, "${1}from "+SourceModule+" import ")
	test = importRe.ReplaceAllString(test, "${1}import "+SourceModule+" as $2")
	return patchRe.ReplaceAllString(test, "${1}"+SourceModule+".")
}

var (
	barePatch     = regexp.MustCompile(`(?m)(^|[^.\w])patch(\.object|\.dict|\.multiple)?\(`)
	mockOpenUse   = regexp.MustCompile(`\bmock_open\b`)
	mockUse       = regexp.MustCompile(`\bMock\s*\(`)
	magicMockUse  = regexp.MustCompile(`\bMagicMock\s*\(`)
	mockImportRow = regexp.MustCompile(`(?m)^from unittest\.mock import ([\w, ]+?)[ \t]*$`)
)

// ensureMockImports adds the unittest.mock names a test uses but never
// imports.
func ensureMockImports(test string) string {
	var missing []string
	need := func(name string, used bool) {
		if used && !importsName(test, name) {
			missing = append(missing, name)
		}
	}
	need("patch", barePatch.MatchString(test))
	need("mock_open", mockOpenUse.MatchString(test))
	need("Mock", mockUse.MatchString(test))
	need("MagicMock", magicMockUse.MatchString(test))
	if len(missing) == 0 {
		return test
	}
	if loc := mockImportRow.FindStringSubmatchIndex(test); loc != nil {
		return test[:loc[3]] + ", " + strings.Join(missing, ", ") + test[loc[3]:]
	}
	return ensureImport(test, "from unittest.mock import "+strings.Join(missing, ", "))
}

func importsName(code, name string) bool {
	re := regexp.MustCompile(`(?m)^\s*(from\s+[\w.]+\s+import\s+[^\n]*\b` + name + `\b|import\s+` + name + `\b)`)
	return re.MatchString(code)
}

// ensureImport adds line unless it is already present, right after
// "import pytest" when the test has it and at the top otherwise.
func ensureImport(code, line string) string {
	if regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(line) + `\s*$`).MatchString(code) {
		return code
	}
	if loc := pytestImport.FindStringIndex(code); loc != nil {
		return code[:loc[1]] + "\n" + line + code[loc[1]:]
	}
	return line + "\n" + code
}

// insertAfterPreamble puts line below a shebang and encoding cookie.
func insertAfterPreamble(code, line string) string {
	lines := strings.Split(code, "\n")
	i := 0
	if i < len(lines) && strings.HasPrefix(lines[i], "#!") {
		i++
	}
	if i < len(lines) && strings.HasPrefix(lines[i], "#") && strings.Contains(lines[i], "coding") {
		i++
	}
	out := append(append(append([]string{}, lines[:i]...), line), lines[i:]...)
	return strings.Join(out, "\n")
}

// insertAfterFuture returns a transform adding line after the last
// __future__ import, which must stay first in a module.
func insertAfterFuture(line string) func(string) string {
	return func(code string) string {
		lines := strings.Split(code, "\n")
		at := -1
		for i, l := range lines {
			if strings.HasPrefix(l, "from __future__ import") {
				at = i
			}
		}
		if at < 0 {
			return insertAfterPreamble(code, line)
		}
		out := append(append(append([]string{}, lines[:at+1]...), line), lines[at+1:]...)
		return strings.Join(out, "\n")
	}
}

func relativeToAbsolute(u Unit) Unit {
	for _, s := range []*string{&u.Test, &u.Source} {
		*s = relativeFrom.ReplaceAllString(*s, "${1}from $2 import ")
		*s = relativeBare.ReplaceAllString(*s, "${1}import ")
	}
	return u
}

// injectClientFixture synthesizes a Flask test-client fixture when tests
// take a client argument that nothing provides.
func injectClientFixture(u Unit) Unit {
	m := flaskApp.FindStringSubmatch(u.Source)
	if m == nil || !clientArg.MatchString(u.Test) || clientFixture.MatchString(u.Test) {
		return u
	}
	fixture := fmt.Sprintf("\n\n@pytest.fixture\ndef client():\n"+
		"    from %s import %s as _app\n"+
		"    _app.config[\"TESTING\"] = True\n"+
		"    with _app.test_client() as c:\n"+
		"        yield c\n", SourceModule, m[1])
	if loc := pytestImport.FindStringIndex(u.Test); loc != nil {
		u.Test = u.Test[:loc[1]] + fixture + u.Test[loc[1]:]
		return u
	}
	u.Test = "import pytest" + fixture + "\n" + u.Test
	return u
}

// importMissingDefs imports source functions and classes the test uses
// without importing them. It leaves the test alone when either file cannot
// be scanned, when the test star-imports the source, or when it already
// refers to the source module directly.
func importMissingDefs(u Unit) Unit {
	src := pyscan.Scan(u.Source)
	test := pyscan.Scan(u.Test)
	if !src.OK || !test.OK || test.UsesModule(SourceModule) {
		return u
	}
	imported := make(map[string]bool)
	for _, imp := range test.Imports() {
		if !imp.From {
			imported[strings.SplitN(imp.Module, ".", 2)[0]] = true
			if imp.Alias != "" {
				imported[imp.Alias] = true
			}
			continue
		}
		for _, a := range imp.Names {
			if a.Name == "*" && imp.Module == SourceModule {
				return u
			}
			imported[a.Bound()] = true
		}
	}
	used := test.UsedNames(SourceModule)
	var missing []string
	for _, name := range src.TopLevelDefs() {
		if used[name] && !imported[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return u
	}
	sort.Strings(missing)
	u.Test = insertAfterImportBlock(u.Test, "from "+SourceModule+" import "+strings.Join(missing, ", "))
	return u
}

// insertAfterImportBlock places stmt after the leading run of import lines,
// or at the top when the code does not start with one.
func insertAfterImportBlock(code, stmt string) string {
	lines := strings.Split(strings.TrimSuffix(code, "\n"), "\n")
	i := 0
	if i < len(lines) && strings.HasPrefix(lines[i], "#!") {
		i++
	}
	if i < len(lines) && strings.HasPrefix(lines[i], "#") && strings.Contains(lines[i], "coding") {
		i++
	}
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	start := i
	for i < len(lines) {
		l := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(l, "import ") && !strings.HasPrefix(l, "from ") {
			break
		}
		if strings.Contains(l, "(") && !strings.Contains(l, ")") {
			for i+1 < len(lines) && !strings.Contains(lines[i], ")") {
				i++
			}
		}
		i++
	}
	at := 0
	if i > start {
		at = i
	}
	out := append(append(append([]string{}, lines[:at]...), stmt), lines[at:]...)
	result := strings.Join(out, "\n")
	if strings.HasSuffix(code, "\n") {
		result += "\n"
	}
	return result
}
