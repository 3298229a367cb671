package rewrite

import (
	"regexp"
	"strings"
)

// FlattenPython combines a bundle into one module. Imports between bundled
// files are removed, module-qualified references to them are unqualified
// and __future__ imports are hoisted to the top. It returns the combined
// source and the module names of the bundled files, which the caller passes
// to Python as aliases so the test's imports of them are repointed too.
func FlattenPython(files []SourceFile) (string, []string) {
	modules := make([]string, 0, len(files))
	for _, f := range files {
		if m := f.Module(); m != "" && m != "__init__" && m != "conftest" {
			modules = append(modules, m)
		}
	}
	if len(modules) == 0 {
		var parts []string
		for _, f := range files {
			parts = append(parts, f.Content)
		}
		return strings.Join(parts, "\n\n"), nil
	}

	alt := make([]string, len(modules))
	for i, m := range modules {
		alt[i] = regexp.QuoteMeta(m)
	}
	group := `(?:` + strings.Join(alt, "|") + `)`
	fromParen := regexp.MustCompile(`(?m)^[ \t]*from\s+\.*` + group + `(?:\.\w+)*\s+import\s*\([^)]*\)[ \t]*$`)
	fromLine := regexp.MustCompile(`(?m)^([ \t]*)from\s+\.*` + group + `(?:\.\w+)*\s+import\s+[^\n(]+$`)
	importLine := regexp.MustCompile(`(?m)^([ \t]*)import\s+(` + group + `)[ \t]*$`)
	qualified := regexp.MustCompile(`(?m)(^|[^.\w])` + group + `\.([A-Za-z_])`)
	future := regexp.MustCompile(`(?m)^from __future__ import [^\n]+\n?`)

	var (
		futures  []string
		seen     = make(map[string]bool)
		bodies   []string
		stripped bool
	)
	for _, f := range files {
		body := f.Content
		for _, fl := range future.FindAllString(body, -1) {
			fl = strings.TrimSpace(fl)
			if !seen[fl] {
				seen[fl] = true
				futures = append(futures, fl)
			}
		}
		body = future.ReplaceAllString(body, "")
		body = fromParen.ReplaceAllStringFunc(body, func(m string) string {
			return leadingIndent(m) + "pass"
		})
		body = fromLine.ReplaceAllString(body, "${1}pass")
		if importLine.MatchString(body) {
			stripped = true
			body = importLine.ReplaceAllString(body, "${1}pass")
		}
		bodies = append(bodies, strings.TrimSpace(body))
	}

	parts := make([]string, len(files))
	for i, body := range bodies {
		if stripped {
			body = qualified.ReplaceAllString(body, "${1}${2}")
		}
		parts[i] = "# " + files[i].Name + "\n" + body
	}
	combined := strings.Join(parts, "\n\n\n")
	if len(futures) > 0 {
		combined = strings.Join(futures, "\n") + "\n" + combined
	}
	return combined + "\n", modules
}

func leadingIndent(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}
