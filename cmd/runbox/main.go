// runbox runs untrusted commands, test suites, and linters in disposable containers.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logFormat  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "runbox runs code in disposable, resource-limited containers.",
	Long: `runbox executes shell commands, test suites, and linters inside fresh
containers with no network, capped memory, CPU and process counts, and a hard
deadline. Files are staged into a private workspace, output is captured, and
every container and workspace is removed afterwards.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: $RUNBOX_CONFIG, ./runbox.yaml, ~/.runbox/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format: json or text")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd, runCmd, statusCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ec exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// exitCodeError makes the process exit with code without printing anything.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
