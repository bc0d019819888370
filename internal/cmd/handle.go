package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gotuner/internal/observability"
	"github.com/3leaps/gotuner/pkg/jobhandler"
)

var (
	handleWorkspace string
	handleJobID     string
)

var handleCmd = &cobra.Command{
	Use:   "handle <job.json|->",
	Short: "Run one training job locally",
	Long: `Run a single job through the worker pipeline without the HTTP API.

The job file holds the request, either bare or wrapped as {"input": {...}}:

  {"dataset_url": "https://.../data.zip", "config": {...}, "dataloader": [...]}

The result is printed to stdout as JSON. The command exits non-zero when the
result carries an error.`,
	Args: cobra.ExactArgs(1),
	RunE: runHandle,
}

func init() {
	rootCmd.AddCommand(handleCmd)
	handleCmd.Flags().StringVar(&handleWorkspace, "workspace", "", "Workspace root (default from config)")
	handleCmd.Flags().StringVar(&handleJobID, "job-id", "", "Job id for the registry record (default: random)")
}

func runHandle(cmd *cobra.Command, args []string) error {
	overrides := map[string]any{}
	if cmd.Flags().Changed("workspace") {
		overrides["workspace"] = map[string]any{"root": handleWorkspace}
	}
	cfg, err := loadConfig(cmd, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	req, err := readJobRequest(args[0], cmd.InOrStdin())
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job request", err)
	}

	observability.InitServerLogger(BinaryName, cfg.Logging.Level)
	logger := observability.ServerLogger
	defer observability.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jobID := handleJobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	w := newWorker(cfg, cmd.ErrOrStderr(), logger)
	res := w.handler.Handle(ctx, jobID, req)
	logger.Info("job finished", zap.String("job_id", jobID), zap.String("status", res.Status))

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write result", err)
	}

	if ctx.Err() != nil {
		return exitError(foundry.ExitSignalInt, "Job interrupted", ctx.Err())
	}
	if res.Failed() {
		return exitError(foundry.ExitExternalServiceUnavailable, "Job failed", fmt.Errorf("%s", res.Error))
	}
	return nil
}

// readJobRequest decodes a job file; "-" reads stdin.
func readJobRequest(path string, stdin io.Reader) (jobhandler.Request, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return jobhandler.Request{}, err
	}

	var wrapped struct {
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return jobhandler.Request{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(bytes.TrimSpace(wrapped.Input)) > 0 && !bytes.Equal(bytes.TrimSpace(wrapped.Input), []byte("null")) {
		data = wrapped.Input
	}

	var req jobhandler.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return jobhandler.Request{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return req, nil
}
