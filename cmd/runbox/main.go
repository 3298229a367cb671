// Runbox runs generated test suites in disposable containers.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "Runbox executes untrusted test suites in isolated containers.",
	Long: `Runbox accepts a source file and a test file in Python, JavaScript,
TypeScript or Java, repairs common generation mistakes, infers dependencies,
runs the suite in a locked-down container and returns normalized results.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, runCmd, mcpCmd, janitorCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
