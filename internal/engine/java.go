package engine

import (
	"fmt"
	"strings"

	"github.com/jkaninda/runbox/internal/detect"
	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/manifest"
	"github.com/jkaninda/runbox/internal/rewrite"
	"github.com/jkaninda/runbox/internal/sandbox"
)

const (
	javaMainDir   = "src/main/java/com/test/"
	javaTestDir   = "src/test/java/com/test/"
	mavenCommand  = "mvn clean test -Dstyle.color=never"
	springAppFile = javaMainDir + "TestApplication.java"
)

// planJava lays out a Maven project. Maven resolves the descriptor on every
// run, so the network is always on.
func (e *Engine) planJava(req *domain.ExecutionRequest, _ domain.Language) (*plan, error) {
	p := &plan{
		language: domain.LanguageJava,
		limits:   e.config.javaLimits(),
		cache:    sandbox.CacheM2,
		command:  mavenCommand,
		network:  true,
		reports:  true,
	}

	files := rewrite.Split(req.SourceCode)
	source := req.SourceCode
	if len(files) > 0 {
		parts := make([]string, 0, len(files))
		for i, f := range files {
			code := rewrite.JavaFile(f.Content)
			fallback := f.Module()
			if fallback == "" {
				fallback = fmt.Sprintf("Source%d", i+1)
			}
			p.add(javaMainDir+rewrite.JavaTypeName(code, fallback)+".java", code)
			parts = append(parts, code)
		}
		source = strings.Join(parts, "\n\n")
	}

	u, applied := rewrite.Java(req.TestCode, source)
	p.repairs = applied
	if len(files) == 0 {
		p.add(javaMainDir+u.SourceClass+".java", u.Source)
	}
	p.add(javaTestDir+u.TestClass+".java", u.Test)
	if manifest.NeedsSpringApplication(u.Source) {
		p.add(springAppFile, manifest.SpringApplication)
	}

	p.framework = detect.JavaFramework(u.Test)
	m, err := manifest.Synthesize(manifest.Input{
		Language:           domain.LanguageJava,
		Framework:          p.framework,
		Source:             u.Source,
		Test:               u.Test,
		CustomDependencies: req.CustomDependencies,
	})
	if err != nil {
		return nil, err
	}
	p.files = append(p.files, m.Files...)
	return p, nil
}
