package manifest

import (
	"fmt"

	"github.com/jkaninda/runbox/internal/domain"
)

// Delimiters wrapped around the structured reporter output echoed back by the
// npm test script.
const (
	JestStart  = "===JEST_JSON_START==="
	JestEnd    = "===JEST_JSON_END==="
	MochaStart = "===MOCHA_JSON_START==="
	MochaEnd   = "===MOCHA_JSON_END==="
)

// Reporter output lives in /tmp, outside the mounted job tree.
const (
	jestResults  = "/tmp/jest-results.json"
	mochaResults = "/tmp/mocha-results.json"
)

type packageJSON struct {
	Name    string            `json:"name"`
	Version string            `json:"version"`
	Private bool              `json:"private"`
	Scripts map[string]string `json:"scripts"`
	Jest    *jestConfig       `json:"jest,omitempty"`
}

type jestConfig struct {
	Preset          string         `json:"preset,omitempty"`
	TestEnvironment string         `json:"testEnvironment"`
	TestMatch       []string       `json:"testMatch"`
	Verbose         bool           `json:"verbose"`
	ForceExit       bool           `json:"forceExit"`
	Globals         map[string]any `json:"globals,omitempty"`
}

type jasmineConfig struct {
	SpecDir                      string   `json:"spec_dir"`
	SpecFiles                    []string `json:"spec_files"`
	StopSpecOnExpectationFailure bool     `json:"stopSpecOnExpectationFailure"`
	Random                       bool     `json:"random"`
}

// Extension returns the file extension used for lang's test and source files.
func Extension(lang domain.Language) string {
	if lang == domain.LanguageTypeScript {
		return "ts"
	}
	return "js"
}

// TestScript returns the npm "test" script for framework.
func TestScript(fw domain.Framework, lang domain.Language) (string, error) {
	ext := Extension(lang)
	ts := lang == domain.LanguageTypeScript
	switch fw {
	case domain.FrameworkJest:
		return fmt.Sprintf("jest --json --outputFile=%s test.%s ; echo '%s' ; cat %s 2>/dev/null || echo '{}' ; echo '%s'",
			jestResults, ext, JestStart, jestResults, JestEnd), nil
	case domain.FrameworkMocha:
		env, require := "", ""
		if ts {
			env, require = "TS_NODE_TRANSPILE_ONLY=true ", "--require ts-node/register "
		}
		return fmt.Sprintf("%smocha --reporter json %stest.%s 1>%s ; echo '%s' ; cat %s 2>/dev/null || echo '{}' ; echo '%s'",
			env, require, ext, mochaResults, MochaStart, mochaResults, MochaEnd), nil
	case domain.FrameworkJasmine:
		runner := "jasmine"
		if ts {
			runner = "ts-node node_modules/.bin/jasmine"
		}
		return runner + " --config=" + JasmineFile, nil
	}
	return "", fmt.Errorf("%w: framework %q for %s", ErrUnsupported, fw, lang)
}

func scriptManifest(fw domain.Framework, lang domain.Language) ([]byte, []File, error) {
	script, err := TestScript(fw, lang)
	if err != nil {
		return nil, nil, err
	}
	ext := Extension(lang)
	pkg := packageJSON{
		Name:    "genai-test",
		Version: "1.0.0",
		Private: true,
		Scripts: map[string]string{"test": script},
	}
	var extra []File
	switch fw {
	case domain.FrameworkJest:
		pkg.Jest = &jestConfig{
			TestEnvironment: "node",
			TestMatch:       []string{"**/test." + ext},
			Verbose:         true,
			ForceExit:       true,
		}
		if lang == domain.LanguageTypeScript {
			pkg.Jest.Preset = "ts-jest"
			pkg.Jest.Globals = map[string]any{
				"ts-jest": map[string]any{
					"tsconfig": map[string]any{"strict": false, "esModuleInterop": true},
				},
			}
		}
	case domain.FrameworkJasmine:
		conf, err := encodeJSON(jasmineConfig{
			SpecDir:   ".",
			SpecFiles: []string{"test." + ext},
		})
		if err != nil {
			return nil, nil, err
		}
		extra = append(extra, File{Path: JasmineFile, Content: conf})
	}
	body, err := encodeJSON(pkg)
	if err != nil {
		return nil, nil, err
	}
	return body, extra, nil
}

type tsConfig struct {
	CompilerOptions tsCompilerOptions `json:"compilerOptions"`
	Include         []string          `json:"include"`
	Exclude         []string          `json:"exclude"`
}

type tsCompilerOptions struct {
	Target                       string   `json:"target"`
	Module                       string   `json:"module"`
	Strict                       bool     `json:"strict"`
	EsModuleInterop              bool     `json:"esModuleInterop"`
	AllowSyntheticDefaultImports bool     `json:"allowSyntheticDefaultImports"`
	ModuleResolution             string   `json:"moduleResolution"`
	SkipLibCheck                 bool     `json:"skipLibCheck"`
	TypeRoots                    []string `json:"typeRoots"`
}

// TSConfig returns a permissive commonjs compiler configuration that also
// resolves the type packages installed globally in the runtime image.
func TSConfig() []byte {
	body, _ := encodeJSON(tsConfig{
		CompilerOptions: tsCompilerOptions{
			Target:                       "ES2019",
			Module:                       "commonjs",
			EsModuleInterop:              true,
			AllowSyntheticDefaultImports: true,
			ModuleResolution:             "node",
			SkipLibCheck:                 true,
			TypeRoots: []string{
				"/usr/local/lib/node_modules/@types",
				"/usr/local/lib/node_modules",
			},
		},
		Include: []string{"*.ts"},
		Exclude: []string{"node_modules"},
	})
	return body
}
