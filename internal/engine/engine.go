// Package engine sequences detection, repair, dependency inference,
// manifest synthesis, materialization, container execution and result
// parsing for one test execution, and guarantees the job is cleaned up on
// every exit path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/runbox/internal/detect"
	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/parser"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/workspace"
)

// Config holds the engine's deployment settings. Zero values mean defaults.
type Config struct {
	Registry       string            // Image registry/namespace. Default: "genaiqa".
	Tag            string            // Image tag. Default: "latest".
	Images         map[string]string // Per-profile image reference overrides.
	CachePrefix    string            // Cache volume name prefix. Default: "runbox".
	ScriptLimits   sandbox.Limits    // Python and JavaScript jobs. Default: 512 MiB, 1 CPU.
	JavaLimits     sandbox.Limits    // Java jobs. Default: 1 GiB, 2 CPUs.
	PythonTmpfs    string            // Size of the /tmp tmpfs for Python. Default: "150m".
	DefaultTimeout time.Duration     // Used when a request sets none. Default: 120s.
	MaxTimeout     time.Duration     // Upper bound for request timeouts. Default: 10m.
}

func (c Config) registry() string {
	if c.Registry != "" {
		return strings.TrimSuffix(c.Registry, "/")
	}
	return "genaiqa"
}

func (c Config) tag() string {
	if c.Tag != "" {
		return c.Tag
	}
	return "latest"
}

func (c Config) cachePrefix() string {
	if c.CachePrefix != "" {
		return c.CachePrefix
	}
	return "runbox"
}

func (c Config) scriptLimits() sandbox.Limits {
	return withDefaults(c.ScriptLimits, sandbox.Limits{MemoryMB: 512, CPUs: 1.0})
}

func (c Config) javaLimits() sandbox.Limits {
	return withDefaults(c.JavaLimits, sandbox.Limits{MemoryMB: 1024, CPUs: 2.0})
}

func (c Config) pythonTmpfs() string {
	if c.PythonTmpfs != "" {
		return c.PythonTmpfs
	}
	return "150m"
}

func (c Config) timeout(req *domain.ExecutionRequest) time.Duration {
	d := req.Timeout()
	if req.TimeoutSeconds <= 0 && c.DefaultTimeout > 0 {
		d = c.DefaultTimeout
	}
	limit := c.MaxTimeout
	if limit <= 0 {
		limit = 10 * time.Minute
	}
	if d > limit {
		d = limit
	}
	return d
}

func withDefaults(l, d sandbox.Limits) sandbox.Limits {
	if l.MemoryMB <= 0 {
		l.MemoryMB = d.MemoryMB
	}
	if l.CPUs <= 0 {
		l.CPUs = d.CPUs
	}
	if l.PIDs <= 0 {
		l.PIDs = d.PIDs
	}
	return l
}

// Engine executes test requests. It is safe for concurrent use; every call
// owns its own job directory and container.
type Engine struct {
	ws      *workspace.Workspace
	exec    sandbox.Executor
	images  ImageChecker
	metrics *Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	config  Config
}

// New creates an engine that materializes jobs in ws and runs them with exec.
func New(ws *workspace.Workspace, exec sandbox.Executor, logger *slog.Logger, config Config) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		ws:     ws,
		exec:   exec,
		tracer: noop.NewTracerProvider().Tracer("runbox/engine"),
		logger: logger,
		config: config,
	}
}

// WithImageChecker enables the runtime-image presence check.
func (e *Engine) WithImageChecker(c ImageChecker) *Engine {
	e.images = c
	return e
}

// WithMetrics attaches Prometheus metrics. A nil value disables them.
func (e *Engine) WithMetrics(m *Metrics) *Engine {
	e.metrics = m
	return e
}

// WithTracer attaches an OpenTelemetry tracer. A nil value keeps the no-op
// tracer.
func (e *Engine) WithTracer(t trace.Tracer) *Engine {
	if t != nil {
		e.tracer = t
	}
	return e
}

// Execute runs one request to completion. The returned error is non-nil only
// when nothing was executed: configuration-class problems come back as a
// *ConfigError, job directory failures as plain errors. Everything after the
// container starts, including timeouts and crashes, is reported in the
// result.
func (e *Engine) Execute(ctx context.Context, req *domain.ExecutionRequest) (*domain.ExecutionResult, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.execute")
	defer span.End()

	if req == nil || strings.TrimSpace(req.TestCode) == "" {
		return nil, e.reject(span, configErr("request", errors.New("test code is required")))
	}
	r := *req
	req = &r

	p, err := e.prepare(ctx, req)
	if err != nil {
		return nil, e.reject(span, err)
	}
	span.SetAttributes(
		attribute.String("runbox.language", string(p.language)),
		attribute.String("runbox.framework", string(p.framework)),
		attribute.String("runbox.image", p.image),
		attribute.Bool("runbox.network", p.network),
	)

	if e.metrics != nil {
		e.metrics.ActiveExecutions.Inc()
		defer e.metrics.ActiveExecutions.Dec()
	}

	timeout := e.config.timeout(req)
	job, err := e.ws.Create(p.language, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job creation failed")
		return nil, fmt.Errorf("creating job: %w", err)
	}
	defer func() {
		if err := job.Remove(); err != nil {
			e.logger.Error("job cleanup failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
	span.SetAttributes(attribute.String("runbox.job_id", job.ID))

	envFile, err := e.materialize(ctx, job, p, req.EnvVars)
	if err != nil {
		return nil, e.reject(span, err)
	}

	out := e.run(ctx, job, p, envFile, timeout)

	res := e.collect(ctx, job, p, out)
	res.ID = job.ID
	res.Language = p.language
	res.Framework = p.framework
	res.Image = p.image
	res.DurationMs = time.Since(start).Milliseconds()

	e.record(span, p, out, res)
	return res, nil
}

// prepare validates the request and builds the plan. No I/O happens here
// apart from the optional image check.
func (e *Engine) prepare(ctx context.Context, req *domain.ExecutionRequest) (*plan, error) {
	_, span := e.tracer.Start(ctx, "engine.prepare")
	defer span.End()

	declared, err := domain.ParseLanguage(string(req.DeclaredLanguage))
	if err != nil {
		return nil, configErr("detect", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, req.DeclaredLanguage))
	}
	mode, err := domain.ParseMode(string(req.Mode))
	if err != nil {
		return nil, configErr("request", err)
	}
	req.Mode = mode

	lang := detect.Language(req.SourceCode, req.TestCode, declared)
	p, err := e.plan(req, lang)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.StringSlice("runbox.repairs", p.repairs))

	if err := e.checkImage(ctx, p.image); err != nil {
		return nil, err
	}

	e.logger.Info("execution planned",
		slog.String("language", string(lang)),
		slog.String("declared", string(declared)),
		slog.String("framework", string(p.framework)),
		slog.String("image", p.image),
		slog.String("mode", string(mode)),
		slog.Bool("network", p.network),
		slog.Int("files", len(p.files)),
		slog.Any("env_var_count", req.EnvVars),
		slog.Any("repairs", p.repairs),
	)
	return p, nil
}

func (e *Engine) checkImage(ctx context.Context, ref string) error {
	if e.images == nil {
		return nil
	}
	ok, err := e.images.ImageExists(ctx, ref)
	if err != nil {
		// The daemon may be briefly unreachable; the run itself will report
		// the failure as a crash.
		e.logger.Warn("image check failed",
			slog.String("image", ref),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !ok {
		return configErr("image", fmt.Errorf("%w: %s", ErrImageMissing, ref))
	}
	return nil
}

// materialize writes the plan's files and the env file into the job.
func (e *Engine) materialize(ctx context.Context, job *workspace.Job, p *plan, env domain.EnvVars) (string, error) {
	_, span := e.tracer.Start(ctx, "engine.materialize")
	defer span.End()

	for _, f := range p.files {
		if err := job.WriteFile(f.Path, f.Content); err != nil {
			if errors.Is(err, workspace.ErrPathEscape) {
				return "", configErr("materialize", err)
			}
			return "", fmt.Errorf("writing %s: %w", f.Path, err)
		}
	}
	if len(env) == 0 {
		return "", nil
	}
	path, err := job.WriteEnvFile(env)
	if err != nil {
		return "", configErr("env", err)
	}
	return path, nil
}

func (e *Engine) run(ctx context.Context, job *workspace.Job, p *plan, envFile string, timeout time.Duration) *sandbox.Outcome {
	ctx, span := e.tracer.Start(ctx, "engine.run")
	defer span.End()

	out := e.exec.Run(ctx, sandbox.Spec{
		Name:    job.ContainerName,
		Image:   p.image,
		Mount:   job.Mount(),
		EnvFile: envFile,
		Env:     p.env,
		Caches:  []sandbox.CacheVolume{sandbox.NewCache(e.config.cachePrefix(), p.cacheKey, p.cache)},
		Tmpfs:   p.tmpfs,
		Network: p.network,
		Limits:  p.limits,
		Command: p.command,
		Timeout: timeout,
	})
	if out == nil {
		out = &sandbox.Outcome{State: sandbox.StateCrashed, ExitCode: -1, Err: errors.New("executor returned no outcome")}
	}
	span.SetAttributes(
		attribute.String("runbox.state", string(out.State)),
		attribute.Int("runbox.exit_code", out.ExitCode),
	)
	return out
}

// collect turns the outcome into a result. It never fails.
func (e *Engine) collect(ctx context.Context, job *workspace.Job, p *plan, out *sandbox.Outcome) *domain.ExecutionResult {
	_, span := e.tracer.Start(ctx, "engine.parse")
	defer span.End()

	if out.Failed() {
		msg := "execution failed"
		if out.Err != nil {
			msg = out.Err.Error()
		}
		res := domain.Failure(msg)
		res.Stdout = out.Stdout
		if out.Stderr != "" {
			res.Stderr = out.Stderr + "\n" + msg
		}
		return res
	}

	po := parser.Output{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode}
	res := &domain.ExecutionResult{
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
	}

	if p.reports {
		e.collectReports(job, po, res)
	} else {
		var tests []domain.TestCase
		if ps, err := parser.For(p.framework); err == nil {
			tests = ps.Parse(po)
		}
		res.Tests = parser.Ensure(tests, po)
		res.Success = domain.Succeeded(out.ExitCode, res.Tests)
	}
	res.Summary = domain.Summarize(res.Tests)
	if !res.Success && res.Error == "" && out.ExitCode != 0 {
		res.Error = fmt.Sprintf("tests exited with code %d", out.ExitCode)
	}
	return res
}

// collectReports reads Surefire reports. A run that produced none is a
// failure even when Maven exited with zero.
func (e *Engine) collectReports(job *workspace.Job, po parser.Output, res *domain.ExecutionResult) {
	report := &parser.SurefireReport{}
	if dir, err := job.Path(parser.SurefireDir); err == nil {
		r, err := parser.ParseSurefire(dir)
		if err != nil {
			e.logger.Warn("reading surefire reports failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		} else {
			report = r
		}
	}

	if !report.Found {
		detail := po.Stderr
		if strings.TrimSpace(detail) == "" {
			detail = po.Stdout
		}
		res.Tests = []domain.TestCase{parser.SuiteFailure(detail)}
		res.Success = false
		res.Error = "no test reports were produced; the build likely failed before tests ran"
		return
	}
	res.Tests = parser.Ensure(report.Tests, po)
	res.XMLReports = report.XML
	res.Success = report.Failed == 0 && domain.Succeeded(po.ExitCode, res.Tests)
}

func (e *Engine) reject(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "rejected")
	var ce *ConfigError
	if errors.As(err, &ce) {
		if e.metrics != nil {
			e.metrics.ConfigErrorsTotal.WithLabelValues(ce.Stage).Inc()
		}
		e.logger.Warn("execution rejected",
			slog.String("stage", ce.Stage),
			slog.String("error", ce.Err.Error()),
		)
	}
	return err
}

func (e *Engine) record(span trace.Span, p *plan, out *sandbox.Outcome, res *domain.ExecutionResult) {
	outcome := "failure"
	switch {
	case out.State == sandbox.StateTimedOut:
		outcome = "timeout"
	case out.State == sandbox.StateCrashed:
		outcome = "crash"
	case res.Success:
		outcome = "success"
	}

	if e.metrics != nil {
		lang := string(p.language)
		e.metrics.ExecutionsTotal.WithLabelValues(lang, outcome).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(lang).Observe(float64(res.DurationMs) / 1000)
		if outcome == "timeout" {
			e.metrics.TimeoutsTotal.WithLabelValues(lang).Inc()
		}
		fw := string(p.framework)
		e.metrics.TestsTotal.WithLabelValues(fw, string(domain.StatusPassed)).Add(float64(res.Summary.Passed))
		e.metrics.TestsTotal.WithLabelValues(fw, string(domain.StatusFailed)).Add(float64(res.Summary.Failed))
	}

	span.SetAttributes(
		attribute.String("runbox.outcome", outcome),
		attribute.Int("runbox.tests.passed", res.Summary.Passed),
		attribute.Int("runbox.tests.failed", res.Summary.Failed),
	)
	if !res.Success {
		span.SetStatus(codes.Error, outcome)
	}

	e.logger.Info("execution finished",
		slog.String("job_id", res.ID),
		slog.String("language", string(p.language)),
		slog.String("outcome", outcome),
		slog.Int("exit_code", res.ExitCode),
		slog.Int("passed", res.Summary.Passed),
		slog.Int("failed", res.Summary.Failed),
		slog.Int64("duration_ms", res.DurationMs),
	)
}
