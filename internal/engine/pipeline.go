package engine

import (
	"fmt"

	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/manifest"
	"github.com/jkaninda/runbox/internal/sandbox"
)

// plan is everything a pipeline decides before the job directory exists.
// Building one performs no I/O.
type plan struct {
	language  domain.Language
	framework domain.Framework
	profile   string
	image     string

	files   []manifest.File
	repairs []string

	command  string
	network  bool
	limits   sandbox.Limits
	cache    string
	cacheKey string
	tmpfs    []string
	env      map[string]string

	// reports marks pipelines whose results come from report files rather
	// than console output.
	reports bool
}

func (p *plan) add(path, content string) {
	p.files = append(p.files, manifest.File{Path: path, Content: []byte(content)})
}

// pipeline builds the plan for one language family.
type pipeline func(e *Engine, req *domain.ExecutionRequest, lang domain.Language) (*plan, error)

var pipelines = map[domain.Language]pipeline{
	domain.LanguagePython:     (*Engine).planPython,
	domain.LanguageJava:       (*Engine).planJava,
	domain.LanguageJavaScript: (*Engine).planScript,
	domain.LanguageTypeScript: (*Engine).planScript,
}

func (e *Engine) plan(req *domain.ExecutionRequest, lang domain.Language) (*plan, error) {
	build, ok := pipelines[lang]
	if !ok {
		return nil, configErr("pipeline", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang))
	}
	p, err := build(e, req, lang)
	if err != nil {
		return nil, configErr("manifest", err)
	}
	p.profile = SelectProfile(lang, req.SourceCode, req.TestCode, req.Config.ExecutorImageOverride)
	p.image = e.config.ImageRef(p.profile)
	p.cacheKey = req.Config.CacheKey
	return p, nil
}

// isolated reports whether a job with nothing to install keeps the network
// off.
func isolated(req *domain.ExecutionRequest) bool {
	return req.Mode != domain.ModeIntegration && !req.Config.AllowNetwork
}
