package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gotuner/internal/config"
	"github.com/3leaps/gotuner/internal/observability"
)

// BinaryName is the command name shown in help and log output.
const BinaryName = "gotuner"

var (
	cfgFile string
	verbose bool
)

// versionInfo is stamped by main via SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var rootCmd = &cobra.Command{
	Use:   BinaryName,
	Short: "Serverless fine-tuning worker and client",
	Long: `gotuner runs LoRA/fine-tuning jobs on a GPU worker and submits them from a laptop.

The worker side acquires a dataset, writes the training configuration, runs the
trainer as a child process and publishes what it produced. The client side
uploads a dataset, submits a job, polls it and downloads the results.

Examples:
  gotuner serve --require-gpu                 # Run the worker API
  gotuner handle job.json                     # Run one job locally
  gotuner remote --endpoint-id ep --dataset data.zip --config config.json
  gotuner jobs list                           # Inspect job records`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitCLILogger(BinaryName, verbose)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug output")
}

// SetVersionInfo records build metadata for the version command and the
// worker's /version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

// exitCodeError carries the process exit code for a failed command.
type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *exitCodeError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	return &exitCodeError{code: code, message: message, err: err}
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *exitCodeError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}

// ExitWithCode logs message and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	observability.Sync()
	os.Exit(code)
}

// loadConfig resolves configuration for cmd. overrides win over file and
// environment values.
func loadConfig(cmd *cobra.Command, overrides map[string]any) (*config.Config, error) {
	cfg, err := config.Load(cmd.Context(), cfgFile, overrides)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
