package rewrite

import (
	"regexp"
	"strings"
)

// JavaPackage is the package every Java compilation unit is moved into.
const JavaPackage = "com.test"

const (
	defaultSourceClass = "Application"
	defaultTestClass   = "GeneratedTest"
)

var (
	javaPackageDecl = regexp.MustCompile(`(?m)^\s*package\s+([\w.]+)\s*;`)
	javaPublicType  = regexp.MustCompile(`\bpublic\s+(?:(?:final|abstract|sealed)\s+)*(?:class|interface|enum|record)\s+(\w+)`)
	javaAnyClass    = regexp.MustCompile(`\bclass\s+(\w+)`)
)

// JavaUnit is a repaired source/test pair ready to be written to disk.
type JavaUnit struct {
	Source      string
	Test        string
	SourceClass string
	TestClass   string
}

// Java moves source and test into JavaPackage, drops imports that pointed at
// the source's old package and makes sure the test imports the public type
// of the source.
func Java(test, source string) (JavaUnit, []string) {
	sourceClass := JavaTypeName(source, defaultSourceClass)
	oldPackages := packagesOf(source, test)

	u, applied := Chain{
		{Name: "canonical-package", Apply: func(u Unit) Unit {
			u.Source = forcePackage(u.Source)
			u.Test = forcePackage(u.Test)
			return u
		}},
		{
			Name:    "cross-package-references",
			Applies: func(Unit) bool { return len(oldPackages) > 0 },
			Apply:   onTest(func(s string) string { return repointPackages(s, oldPackages) }),
		},
		{Name: "source-class-import", Apply: onTest(func(s string) string { return importSourceClass(s, sourceClass) })},
	}.Run(Unit{Test: test, Source: source})

	testClass := JavaTypeName(u.Test, "")
	if testClass == "" {
		if m := javaAnyClass.FindStringSubmatch(u.Test); m != nil {
			testClass = m[1]
		} else {
			testClass = defaultTestClass
		}
	}
	return JavaUnit{Source: u.Source, Test: u.Test, SourceClass: sourceClass, TestClass: testClass}, applied
}

// JavaFile repairs one file of a bundle: only the package is forced.
func JavaFile(content string) string {
	return forcePackage(content)
}

// JavaTypeName returns the first public top-level type name in code, or
// fallback.
func JavaTypeName(code, fallback string) string {
	if m := javaPublicType.FindStringSubmatch(code); m != nil {
		return m[1]
	}
	return fallback
}

func forcePackage(code string) string {
	decl := "package " + JavaPackage + ";"
	if javaPackageDecl.MatchString(code) {
		first := true
		code = javaPackageDecl.ReplaceAllStringFunc(code, func(string) string {
			if first {
				first = false
				return decl
			}
			return ""
		})
		return strings.TrimLeft(code, "\r\n")
	}
	return decl + "\n\n" + code
}

func packagesOf(codes ...string) []string {
	var out []string
	seen := map[string]bool{JavaPackage: true}
	for _, c := range codes {
		for _, m := range javaPackageDecl.FindAllStringSubmatch(c, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				out = append(out, m[1])
			}
		}
	}
	return out
}

// repointPackages removes imports from the old packages, which now live in
// JavaPackage, and rewrites fully qualified references to them.
func repointPackages(test string, packages []string) string {
	for _, p := range packages {
		q := regexp.QuoteMeta(p)
		imports := regexp.MustCompile(`(?m)^[ \t]*import\s+` + q + `\.(?:\w+|\*)\s*;[ \t]*\r?\n?`)
		test = imports.ReplaceAllString(test, "")
		qualified := regexp.MustCompile(`\b` + q + `\.([A-Z]\w*)`)
		test = qualified.ReplaceAllString(test, JavaPackage+".$1")
	}
	return test
}

// importSourceClass replaces any import of the source type from another
// package with an import from JavaPackage.
func importSourceClass(test, class string) string {
	q := regexp.QuoteMeta(class)
	stale := regexp.MustCompile(`(?m)^[ \t]*import\s+[\w.]+\.` + q + `\s*;[ \t]*\r?\n?`)
	test = stale.ReplaceAllString(test, "")
	if !regexp.MustCompile(`\b` + q + `\b`).MatchString(test) {
		return test
	}
	line := "import " + JavaPackage + "." + class + ";"
	decl := "package " + JavaPackage + ";"
	if i := strings.Index(test, decl); i >= 0 {
		at := i + len(decl)
		return test[:at] + "\n\n" + line + test[at:]
	}
	return line + "\n" + test
}
