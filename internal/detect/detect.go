// Package detect classifies the implementation language and test framework
// of a (source, test) pair. Every function here is pure.
package detect

import (
	"regexp"
	"strings"

	"github.com/jkaninda/runbox/internal/domain"
)

// typedMarkers match syntax that only exists in TypeScript.
var typedMarkers = []*regexp.Regexp{
	regexp.MustCompile(`:\s*(string|number|boolean|void|never|any|unknown)\b`),
	// null, undefined and object also follow ':' in ternaries and object
	// literals, so they only count in a parameter or declaration.
	regexp.MustCompile(`(?:\(\s*|\b(?:let|const|var)\s+)[A-Za-z_$][\w$]*\??\s*:\s*(?:null|undefined|object)\b`),
	regexp.MustCompile(`\binterface\s+\w+`),
	regexp.MustCompile(`\btype\s+\w+(<[^>]*>)?\s*=`),
	regexp.MustCompile(`\benum\s+\w+\s*\{`),
	regexp.MustCompile(`\bas\s+(string|number|boolean|const|any|unknown)\b`),
	regexp.MustCompile(`<T(\s*,|\s+extends|>)`),
	regexp.MustCompile(`@ts-(ignore|expect-error|nocheck|check)`),
	regexp.MustCompile(`\b(private|public|protected|readonly)\s+\w+\s*[:;=(]`),
	regexp.MustCompile(`:\s*(Promise|Array|Record|Partial|Map|Set)<`),
	regexp.MustCompile(`\bexport\s+(interface|type|enum)\b`),
}

var (
	javaClass  = regexp.MustCompile(`\b(public\s+)?(final\s+)?class\s+\w+`)
	javaImport = regexp.MustCompile(`(?m)^\s*import\s+(static\s+)?(java|javax|org|com)\.[\w.]+(\.\*)?\s*;`)
	jsCalls    = regexp.MustCompile(`\b(describe|it|test|expect)\s*\(`)
)

// Language returns the true language of the pair. declared must already be
// normalized with domain.ParseLanguage; the empty string means undeclared.
func Language(source, test string, declared domain.Language) domain.Language {
	switch declared {
	case domain.LanguagePython, domain.LanguageJava:
		return declared
	case domain.LanguageJavaScript, domain.LanguageTypeScript:
		if declared == domain.LanguageTypeScript || HasTypedMarkers(source, test) {
			return domain.LanguageTypeScript
		}
		return domain.LanguageJavaScript
	}

	combined := source + "\n" + test
	if javaClass.MatchString(combined) && javaImport.MatchString(combined) {
		return domain.LanguageJava
	}
	if jsCalls.MatchString(combined) && !looksLikePython(combined) {
		if HasTypedMarkers(source, test) {
			return domain.LanguageTypeScript
		}
		return domain.LanguageJavaScript
	}
	return domain.LanguagePython
}

var pythonDef = regexp.MustCompile(`(?m)^\s*(def|class)\s+\w+.*:\s*$|^\s*(from\s+\w[\w.]*\s+)?import\s+\w+\s*$`)

// looksLikePython guards the JS branch against pytest files that happen to
// call something named test( or expect(.
func looksLikePython(code string) bool {
	return pythonDef.MatchString(code) && !strings.Contains(code, "=>") && !strings.Contains(code, "function")
}

// HasTypedMarkers reports whether either text contains TypeScript-only syntax.
func HasTypedMarkers(source, test string) bool {
	for _, text := range []string{source, test} {
		for _, re := range typedMarkers {
			if re.MatchString(text) {
				return true
			}
		}
	}
	return false
}

var (
	chaiStyle    = regexp.MustCompile(`\.to\.(equal|be|have|throw|include|deep)`)
	jestMatchers = regexp.MustCompile(`\.tobe\(|\.toequal\(|\.tomatch\(`)
)

// ScriptFramework picks the runner for JavaScript/TypeScript tests. A valid
// hint always wins.
func ScriptFramework(test string, hint domain.Framework) domain.Framework {
	switch domain.Framework(strings.ToLower(string(hint))) {
	case domain.FrameworkJest:
		return domain.FrameworkJest
	case domain.FrameworkMocha:
		return domain.FrameworkMocha
	case domain.FrameworkJasmine:
		return domain.FrameworkJasmine
	}

	lower := strings.ToLower(test)
	if strings.Contains(lower, "jasmine") {
		return domain.FrameworkJasmine
	}
	if strings.Contains(lower, "mocha") || strings.Contains(lower, "chai") || chaiStyle.MatchString(lower) {
		return domain.FrameworkMocha
	}
	if strings.Contains(test, "describe(") && strings.Contains(test, "it(") &&
		!strings.Contains(lower, "jest.") && !jestMatchers.MatchString(lower) {
		return domain.FrameworkMocha
	}
	return domain.FrameworkJest
}

var (
	junitImport  = regexp.MustCompile(`import\s+(static\s+)?org\.junit(\.jupiter)?`)
	testngImport = regexp.MustCompile(`import\s+(static\s+)?org\.testng`)
)

// JavaFrameworks reports which JVM test frameworks the test imports. JUnit
// is assumed when neither is imported.
func JavaFrameworks(test string) (junit, testng bool) {
	junit = junitImport.MatchString(test)
	testng = testngImport.MatchString(test)
	if !junit && !testng {
		junit = true
	}
	return junit, testng
}

// JavaFramework returns the framework used to label the run.
func JavaFramework(test string) domain.Framework {
	if junit, testng := JavaFrameworks(test); testng && !junit {
		return domain.FrameworkTestNG
	}
	return domain.FrameworkJUnit
}

var webMarkers = []string{"from flask", "import flask", "flask.", "requests", "httpx", "fastapi"}

// UsesWebStack reports whether Python code needs the web-capable image.
func UsesWebStack(source, test string) bool {
	lower := strings.ToLower(source + "\n" + test)
	for _, m := range webMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

var springMarkers = []string{"org.springframework", "@SpringBootApplication", "@RestController", "@Controller"}

// UsesSpring reports whether Java source code references Spring. Only the
// source is inspected; generated tests often import Spring speculatively.
func UsesSpring(source string) bool {
	for _, m := range springMarkers {
		if strings.Contains(source, m) {
			return true
		}
	}
	return false
}
