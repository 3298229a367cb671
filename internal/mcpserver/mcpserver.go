// Package mcpserver exposes the execution engine as MCP tools so coding
// agents can run the tests they generate. Two tools are served over stdio:
// execute_tests and detect_language.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/runbox/internal/detect"
	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/engine"
	"github.com/jkaninda/runbox/internal/queue"
	"github.com/jkaninda/runbox/internal/storage"
)

// Server wraps an MCP server whose tools call the engine.
type Server struct {
	runner queue.Runner
	store  storage.Store // nil = executions are not recorded.
	mcp    *server.MCPServer
	logger *slog.Logger
}

// New creates the MCP server and registers its tools.
func New(runner queue.Runner, store storage.Store, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		runner: runner,
		store:  store,
		logger: logger,
		mcp: server.NewMCPServer("runbox", version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	s.mcp.AddTools(s.tools()...)
	return s
}

// ServeStdio serves JSON-RPC on in and out until ctx is done or in is
// exhausted. Nothing else may write to out.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("mcp server listening on stdio")
	return stdio.Listen(ctx, in, out)
}

func (s *Server) tools() []server.ServerTool {
	languages := []string{"python", "javascript", "typescript", "java"}
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("execute_tests",
				mcp.WithDescription("Run a test file against a source file in an isolated container and return the normalized result as JSON."),
				mcp.WithString("test_code", mcp.Required(), mcp.Description("Test file contents")),
				mcp.WithString("source_code", mcp.Description("Source under test")),
				mcp.WithString("language", mcp.Enum(languages...), mcp.Description("Language; detected when omitted")),
				mcp.WithString("mode", mcp.Enum("unit", "integration"), mcp.Description("unit (default) or integration")),
				mcp.WithNumber("timeout_seconds", mcp.Description("Wall-clock limit in seconds")),
				mcp.WithString("framework", mcp.Description("Framework hint such as jest or mocha")),
				mcp.WithBoolean("allow_network", mcp.Description("Allow network access in unit mode")),
			),
			Handler: s.handleExecute,
		},
		{
			Tool: mcp.NewTool("detect_language",
				mcp.WithDescription("Detect the language and test framework of a source and test pair."),
				mcp.WithString("source_code", mcp.Description("Source under test")),
				mcp.WithString("test_code", mcp.Description("Test file contents")),
				mcp.WithString("language", mcp.Enum(languages...), mcp.Description("Declared language, if any")),
			),
			Handler: s.handleDetect,
		},
	}
}

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	testCode, err := req.RequireString("test_code")
	if err != nil || strings.TrimSpace(testCode) == "" {
		return mcp.NewToolResultError("test_code is required"), nil
	}
	lang, err := domain.ParseLanguage(req.GetString("language", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	mode, err := domain.ParseMode(req.GetString("mode", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	execReq := &domain.ExecutionRequest{
		TestCode:         testCode,
		SourceCode:       req.GetString("source_code", ""),
		DeclaredLanguage: lang,
		Mode:             mode,
		TimeoutSeconds:   req.GetInt("timeout_seconds", 0),
		Config: domain.RunConfig{
			FrameworkHint: domain.Framework(strings.ToLower(req.GetString("framework", ""))),
			AllowNetwork:  req.GetBool("allow_network", false),
		},
	}

	id := uuid.New()
	exec := storage.NewExecution(id, storage.OriginMCP, "mcp", execReq)
	log := s.logger.With(slog.String("execution_id", id.String()))
	log.Info("mcp execution started", slog.String("language", string(lang)))

	res, err := s.runner.Execute(ctx, execReq)
	if err != nil {
		exec.Fail(err.Error())
		s.record(ctx, log, exec)
		if engine.IsConfigError(err) {
			return mcp.NewToolResultError(err.Error()), nil
		}
		log.Error("mcp execution failed", slog.String("error", err.Error()))
		return mcp.NewToolResultError("execution failed: " + err.Error()), nil
	}
	exec.Complete(res)
	s.record(ctx, log, exec)

	out := *res
	out.ID = id.String()
	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	log.Info("mcp execution finished",
		slog.Bool("success", res.Success),
		slog.Int("tests", res.Summary.Total),
	)
	return mcp.NewToolResultText(string(data)), nil
}

// Detection is the detect_language result.
type Detection struct {
	Language  domain.Language  `json:"language"`
	Framework domain.Framework `json:"framework"`
}

func (s *Server) handleDetect(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	declared, err := domain.ParseLanguage(req.GetString("language", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	source := req.GetString("source_code", "")
	test := req.GetString("test_code", "")
	if source == "" && test == "" && declared == "" {
		return mcp.NewToolResultError("source_code or test_code is required"), nil
	}

	data, err := json.Marshal(Detect(source, test, declared))
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

// Detect resolves the language and the framework whose output would be
// parsed for it.
func Detect(source, test string, declared domain.Language) Detection {
	lang := detect.Language(source, test, declared)
	d := Detection{Language: lang}
	switch {
	case lang == domain.LanguageJava:
		d.Framework = detect.JavaFramework(test)
	case lang.IsScript():
		d.Framework = detect.ScriptFramework(test, "")
	default:
		d.Framework = domain.FrameworkPytest
	}
	return d
}

func (s *Server) record(ctx context.Context, log *slog.Logger, exec *storage.Execution) {
	if s.store == nil {
		return
	}
	if err := s.store.Create(context.WithoutCancel(ctx), exec); err != nil {
		log.Warn("storing execution failed", slog.String("error", err.Error()))
	}
}
