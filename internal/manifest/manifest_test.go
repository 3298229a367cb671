package manifest

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jkaninda/runbox/internal/deps"
	"github.com/jkaninda/runbox/internal/domain"
)

// --- Python ---

func TestSynthesize_PythonRequirements(t *testing.T) {
	m, err := Synthesize(Input{Language: domain.LanguagePython, Requirements: deps.NewSet("numpy", "PyYAML")})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	body, ok := m.Lookup(RequirementsFile)
	if !ok {
		t.Fatal("requirements.txt missing")
	}
	if string(body) != "numpy\nPyYAML\n" {
		t.Errorf("requirements = %q", body)
	}
}

func TestSynthesize_PythonNoRequirements(t *testing.T) {
	m, err := Synthesize(Input{Language: domain.LanguagePython})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(m.Files) != 0 {
		t.Errorf("expected no files, got %d", len(m.Files))
	}
}

func TestSynthesize_Unsupported(t *testing.T) {
	_, err := Synthesize(Input{Language: "cobol"})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	_, err = Synthesize(Input{Language: domain.LanguageJavaScript, Framework: domain.FrameworkPytest})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported for pytest on js, got %v", err)
	}
}

// --- Java ---

func TestPom_Baseline(t *testing.T) {
	pom := Pom(Input{Source: "public class Calc {}", Test: "import org.junit.jupiter.api.Test;"})
	for _, want := range []string{
		"<artifactId>junit-jupiter-api</artifactId>",
		"<artifactId>junit-jupiter-engine</artifactId>",
		"<artifactId>junit-platform-launcher</artifactId>",
		"<version>1.10.0</version>",
		"<artifactId>maven-surefire-plugin</artifactId>",
		"<version>3.2.5</version>",
		"<maven.compiler.source>21</maven.compiler.source>",
	} {
		if !strings.Contains(pom, want) {
			t.Errorf("pom missing %q", want)
		}
	}
	for _, unwanted := range []string{"spring-boot", "testng", "commons-lang3"} {
		if strings.Contains(pom, unwanted) {
			t.Errorf("pom should not contain %q", unwanted)
		}
	}
}

func TestPom_SpringOnlyFromSource(t *testing.T) {
	fromTest := Pom(Input{Source: "public class Calc {}", Test: "import org.springframework.boot.test.context.SpringBootTest;"})
	if strings.Contains(fromTest, "spring-boot-starter-web") {
		t.Error("spring markers in the test must not add starters")
	}
	fromSource := Pom(Input{Source: "@RestController\npublic class Api {}"})
	if !strings.Contains(fromSource, "spring-boot-starter-web") || !strings.Contains(fromSource, "spring-boot-starter-test") {
		t.Error("expected spring starters for @RestController source")
	}
}

func TestPom_TestNGAndCommonsLang(t *testing.T) {
	pom := Pom(Input{
		Source: "import org.apache.commons.lang3.StringUtils;\npublic class S {}",
		Test:   "import org.testng.annotations.Test;",
	})
	if !strings.Contains(pom, "<artifactId>testng</artifactId>") {
		t.Error("testng dependency missing")
	}
	if strings.Count(pom, "commons-lang3") != 1 {
		t.Errorf("expected one commons-lang3 block:\n%s", pom)
	}
}

func TestPom_CustomDependencies(t *testing.T) {
	custom := `<dependency><groupId>org.apache.commons</groupId><artifactId>commons-lang3</artifactId><version>3.12.0</version></dependency>`
	pom := Pom(Input{
		Source:             "import org.apache.commons.lang3.StringUtils;",
		CustomDependencies: custom,
	})
	if !strings.Contains(pom, custom) {
		t.Error("custom block not appended verbatim")
	}
	if strings.Contains(pom, "3.14.0") {
		t.Error("commons-lang3 added although the custom block declares it")
	}
	if strings.Index(pom, custom) > strings.Index(pom, "</dependencies>") {
		t.Error("custom block must sit inside <dependencies>")
	}
}

func TestSynthesize_JavaDeterministic(t *testing.T) {
	in := Input{Language: domain.LanguageJava, Source: "public class A {}", Test: "class ATest {}"}
	a, _ := Synthesize(in)
	b, _ := Synthesize(in)
	pa, _ := a.Lookup(PomFile)
	pb, _ := b.Lookup(PomFile)
	if string(pa) != string(pb) {
		t.Error("pom synthesis is not deterministic")
	}
}

func TestNeedsSpringApplication(t *testing.T) {
	if !NeedsSpringApplication("import org.springframework.web.bind.annotation.RestController;") {
		t.Error("expected true for spring import without application")
	}
	if NeedsSpringApplication("import org.springframework.boot.autoconfigure.SpringBootApplication;\n@SpringBootApplication\nclass App {}") {
		t.Error("expected false when @SpringBootApplication is declared")
	}
}

// --- JavaScript / TypeScript ---

func decodePackage(t *testing.T, m *BuildManifest) packageJSON {
	t.Helper()
	body, ok := m.Lookup(PackageFile)
	if !ok {
		t.Fatal("package.json missing")
	}
	var pkg packageJSON
	if err := json.Unmarshal(body, &pkg); err != nil {
		t.Fatalf("package.json: %v", err)
	}
	return pkg
}

func TestSynthesize_Jest(t *testing.T) {
	m, err := Synthesize(Input{Language: domain.LanguageJavaScript, Framework: domain.FrameworkJest})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	pkg := decodePackage(t, m)
	script := pkg.Scripts["test"]
	if !strings.Contains(script, "--outputFile=/tmp/jest-results.json test.js") {
		t.Errorf("jest script = %q", script)
	}
	if !strings.Contains(script, "echo '"+JestStart+"'") || !strings.HasSuffix(script, "echo '"+JestEnd+"'") {
		t.Errorf("jest script lacks delimiters: %q", script)
	}
	if pkg.Jest == nil || pkg.Jest.TestMatch[0] != "**/test.js" || !pkg.Jest.ForceExit {
		t.Errorf("jest config = %+v", pkg.Jest)
	}
	if pkg.Jest.Preset != "" {
		t.Errorf("plain js must not use a preset, got %q", pkg.Jest.Preset)
	}
	if _, ok := m.Lookup(TSConfigFile); ok {
		t.Error("tsconfig.json must only be written for typescript")
	}
}

func TestSynthesize_JestTypeScript(t *testing.T) {
	m, err := Synthesize(Input{Language: domain.LanguageTypeScript, Framework: domain.FrameworkJest})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	pkg := decodePackage(t, m)
	if pkg.Jest.Preset != "ts-jest" || pkg.Jest.TestMatch[0] != "**/test.ts" {
		t.Errorf("jest config = %+v", pkg.Jest)
	}
	body, ok := m.Lookup(TSConfigFile)
	if !ok {
		t.Fatal("tsconfig.json missing")
	}
	var ts tsConfig
	if err := json.Unmarshal(body, &ts); err != nil {
		t.Fatalf("tsconfig: %v", err)
	}
	if ts.CompilerOptions.Module != "commonjs" || ts.CompilerOptions.Strict {
		t.Errorf("compiler options = %+v", ts.CompilerOptions)
	}
	if len(ts.CompilerOptions.TypeRoots) == 0 || ts.CompilerOptions.TypeRoots[0] != "/usr/local/lib/node_modules/@types" {
		t.Errorf("typeRoots = %v", ts.CompilerOptions.TypeRoots)
	}
}

func TestSynthesize_Mocha(t *testing.T) {
	js, _ := TestScript(domain.FrameworkMocha, domain.LanguageJavaScript)
	want := "mocha --reporter json test.js 1>/tmp/mocha-results.json ; echo '===MOCHA_JSON_START===' ; cat /tmp/mocha-results.json 2>/dev/null || echo '{}' ; echo '===MOCHA_JSON_END==='"
	if js != want {
		t.Errorf("mocha script:\n got %q\nwant %q", js, want)
	}
	ts, _ := TestScript(domain.FrameworkMocha, domain.LanguageTypeScript)
	if !strings.HasPrefix(ts, "TS_NODE_TRANSPILE_ONLY=true mocha --reporter json --require ts-node/register test.ts") {
		t.Errorf("ts mocha script = %q", ts)
	}

	m, err := Synthesize(Input{Language: domain.LanguageJavaScript, Framework: domain.FrameworkMocha})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	body, _ := m.Lookup(PackageFile)
	if strings.Contains(string(body), `\u003e`) || !strings.Contains(string(body), "1>/tmp") {
		t.Error("package.json must not HTML-escape the shell redirection")
	}
	if decodePackage(t, m).Jest != nil {
		t.Error("mocha package.json must not carry a jest block")
	}
}

func TestSynthesize_Jasmine(t *testing.T) {
	m, err := Synthesize(Input{Language: domain.LanguageJavaScript, Framework: domain.FrameworkJasmine})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := decodePackage(t, m).Scripts["test"]; got != "jasmine --config=jasmine.json" {
		t.Errorf("jasmine script = %q", got)
	}
	body, ok := m.Lookup(JasmineFile)
	if !ok {
		t.Fatal("jasmine.json missing")
	}
	var conf jasmineConfig
	if err := json.Unmarshal(body, &conf); err != nil {
		t.Fatalf("jasmine.json: %v", err)
	}
	if conf.SpecDir != "." || conf.SpecFiles[0] != "test.js" || conf.Random {
		t.Errorf("jasmine config = %+v", conf)
	}
}
