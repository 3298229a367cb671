package engine

import (
	"github.com/jkaninda/runbox/internal/deps"
	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/manifest"
	"github.com/jkaninda/runbox/internal/pyscan"
	"github.com/jkaninda/runbox/internal/rewrite"
	"github.com/jkaninda/runbox/internal/sandbox"
)

const (
	pythonTestFile   = "test.py"
	pythonSourceFile = rewrite.SourceModule + ".py"
	pytestCommand    = "python -m pytest " + pythonTestFile + " -v --tb=short --maxfail=0 -p no:cacheprovider"
	pipInstall       = "pip install -r " + manifest.RequirementsFile + " && "
)

// planPython handles three layouts. A single file becomes source.py. A
// bundle whose files the test imports by name is written file by file with
// a conftest.py. Any other bundle is flattened into source.py.
func (e *Engine) planPython(req *domain.ExecutionRequest, _ domain.Language) (*plan, error) {
	p := &plan{
		language:  domain.LanguagePython,
		framework: domain.FrameworkPytest,
		limits:    e.config.scriptLimits(),
		cache:     sandbox.CachePip,
		tmpfs:     []string{"/tmp:rw,size=" + e.config.pythonTmpfs()},
		env: map[string]string{
			"PYTHONDONTWRITEBYTECODE": "1",
			"PYTHONPYCACHEPREFIX":     "/tmp/pycache",
		},
	}

	files := rewrite.Split(req.SourceCode)
	modules := moduleNames(files)

	var inferred *deps.Set
	switch {
	case len(files) > 1 && pyscan.ImportsAny(req.TestCode, modules):
		var contents []string
		for _, f := range files {
			p.add(f.Name, f.Content)
			contents = append(contents, f.Content)
		}
		p.add(manifest.ConftestFile, manifest.Conftest)
		test, applied := rewrite.PythonSyntax(req.TestCode)
		p.add(pythonTestFile, test)
		p.repairs = applied
		inferred = deps.InferPython(test, contents, modules)

	case len(files) > 1:
		flat, bundled := rewrite.FlattenPython(files)
		u, applied := rewrite.Python(req.TestCode, flat, bundled...)
		p.add(pythonSourceFile, u.Source)
		p.add(pythonTestFile, u.Test)
		p.repairs = applied
		inferred = deps.InferPython(u.Test, []string{u.Source}, local(bundled))

	default:
		source := req.SourceCode
		var aliases []string
		if len(files) == 1 {
			source = files[0].Content
			if m := files[0].Module(); m != "" {
				aliases = append(aliases, m)
			}
		}
		u, applied := rewrite.Python(req.TestCode, source, aliases...)
		p.add(pythonSourceFile, u.Source)
		p.add(pythonTestFile, u.Test)
		p.repairs = applied
		inferred = deps.InferPython(u.Test, []string{u.Source}, local(aliases))
	}

	requirements := deps.Merge(req.UserRequirements, inferred)
	m, err := manifest.Synthesize(manifest.Input{
		Language:     domain.LanguagePython,
		Framework:    domain.FrameworkPytest,
		Requirements: requirements,
	})
	if err != nil {
		return nil, err
	}
	p.files = append(p.files, m.Files...)

	p.command = pytestCommand
	install := requirements.Len() > 0
	if install {
		p.command = pipInstall + pytestCommand
	}
	p.network = install || !isolated(req)
	return p, nil
}

// local lists the module names that resolve inside the job directory.
func local(modules []string) []string {
	return append([]string{rewrite.SourceModule}, modules...)
}

func moduleNames(files []rewrite.SourceFile) []string {
	var out []string
	for _, f := range files {
		if m := f.Module(); m != "" && m != "__init__" && m != "conftest" {
			out = append(out, m)
		}
	}
	return out
}
