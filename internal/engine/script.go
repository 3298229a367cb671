package engine

import (
	"github.com/jkaninda/runbox/internal/detect"
	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/manifest"
	"github.com/jkaninda/runbox/internal/rewrite"
	"github.com/jkaninda/runbox/internal/sandbox"
)

// npmCommand folds stderr into stdout; the JSON reporters are delimited so
// the parsers can find them in the merged stream.
const npmCommand = "npm test 2>&1"

// planScript handles JavaScript and TypeScript. The runtime image carries the
// test runners globally, so nothing is installed.
func (e *Engine) planScript(req *domain.ExecutionRequest, lang domain.Language) (*plan, error) {
	p := &plan{
		language:  lang,
		framework: detect.ScriptFramework(req.TestCode, req.Config.FrameworkHint),
		limits:    e.config.scriptLimits(),
		cache:     sandbox.CacheNPM,
		command:   npmCommand,
		network:   !isolated(req),
	}
	ext := manifest.Extension(lang)

	if files := rewrite.Split(req.SourceCode); len(files) > 0 {
		for _, f := range files {
			p.add(f.Name, rewrite.JavaScript(f.Content, lang))
		}
	} else {
		p.add(rewrite.SourceModule+"."+ext, rewrite.JavaScript(req.SourceCode, lang))
	}
	p.add("test."+ext, rewrite.JavaScript(req.TestCode, lang))

	m, err := manifest.Synthesize(manifest.Input{
		Language:  lang,
		Framework: p.framework,
		Source:    req.SourceCode,
		Test:      req.TestCode,
	})
	if err != nil {
		return nil, err
	}
	p.files = append(p.files, m.Files...)
	return p, nil
}
