package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/parser"
)

var (
	runConfigPath string
	runTestFile   string
	runSourceFile string
	runLanguage   string
	runMode       string
	runTimeout    int
	runEnvFile    string
	runFormat     string
	runFramework  string
	runNetwork    bool
	runImage      string
	runVerbose    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one test file and print the result",
	Long: `Run executes a test file against an optional source file and prints the
normalized result as JSON or JUnit XML. The exit status is 1 when the
suite did not succeed.`,
	Example: `  runbox run --test test_calc.py --source calc.py
  runbox run --test calc.test.js --source calc.js --format junit > report.xml
  runbox run --test CalcTest.java --source Calc.java --env-file .env.test`,
	RunE: runOnce,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	f.StringVar(&runTestFile, "test", "", "test file (required)")
	f.StringVar(&runSourceFile, "source", "", "source file under test")
	f.StringVar(&runLanguage, "language", "", "python, javascript, typescript or java (detected when omitted)")
	f.StringVar(&runMode, "mode", "unit", "unit or integration")
	f.IntVar(&runTimeout, "timeout", 0, "wall-clock limit in seconds")
	f.StringVar(&runEnvFile, "env-file", "", "dotenv file with variables for the job")
	f.StringVar(&runFormat, "format", "json", "output format: json or junit")
	f.StringVar(&runFramework, "framework", "", "framework hint, e.g. jest or mocha")
	f.BoolVar(&runNetwork, "allow-network", false, "allow network access in unit mode")
	f.StringVar(&runImage, "image", "", "runtime image profile, e.g. python-web")
	f.BoolVar(&runVerbose, "verbose", false, "log progress to stderr")
	_ = runCmd.MarkFlagRequired("test")
}

func runOnce(cmd *cobra.Command, _ []string) error {
	level := slog.LevelWarn
	if runVerbose {
		level = slog.LevelDebug
	}
	logger := newLogger(level)

	if runFormat != "json" && runFormat != "junit" {
		return fmt.Errorf("--format must be json or junit")
	}
	req, err := buildRunRequest()
	if err != nil {
		return err
	}

	cfg, err := loadConfig(runConfigPath)
	if err != nil {
		return err
	}
	sc, err := initShared(cfg, logger, false)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := sc.Engine.Execute(ctx, req)
	if err != nil {
		return err
	}

	if err := writeResult(cmd.OutOrStdout(), res, runFormat, filepath.Base(runTestFile)); err != nil {
		return err
	}
	if !res.Success {
		sc.Cleanup()
		os.Exit(1)
	}
	return nil
}

// buildRunRequest assembles the request from the run flags.
func buildRunRequest() (*domain.ExecutionRequest, error) {
	test, err := os.ReadFile(runTestFile)
	if err != nil {
		return nil, fmt.Errorf("reading test file: %w", err)
	}
	var source []byte
	if runSourceFile != "" {
		if source, err = os.ReadFile(runSourceFile); err != nil {
			return nil, fmt.Errorf("reading source file: %w", err)
		}
	}
	lang, err := domain.ParseLanguage(runLanguage)
	if err != nil {
		return nil, err
	}
	mode, err := domain.ParseMode(runMode)
	if err != nil {
		return nil, err
	}

	req := &domain.ExecutionRequest{
		TestCode:         string(test),
		SourceCode:       string(source),
		DeclaredLanguage: lang,
		Mode:             mode,
		TimeoutSeconds:   runTimeout,
		Config: domain.RunConfig{
			FrameworkHint:         domain.Framework(strings.ToLower(runFramework)),
			AllowNetwork:          runNetwork,
			ExecutorImageOverride: runImage,
		},
	}
	if runEnvFile != "" {
		env, err := godotenv.Read(runEnvFile)
		if err != nil {
			return nil, fmt.Errorf("reading env file: %w", err)
		}
		req.EnvVars = domain.EnvVars(env)
	}
	return req, nil
}

func writeResult(w io.Writer, res *domain.ExecutionResult, format, suite string) error {
	if format == "junit" {
		return parser.WriteJUnit(w, res, parser.JUnitOptions{
			SuiteName: suite,
			Timestamp: time.Now(),
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
