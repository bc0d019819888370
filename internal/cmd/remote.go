package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gotuner/internal/observability"
	"github.com/3leaps/gotuner/pkg/remote"
)

var (
	remoteAPIKey       string
	remoteEndpointID   string
	remoteDataset      string
	remoteConfig       string
	remoteDataloader   string
	remoteOutputDir    string
	remotePollInterval time.Duration
	remoteAPIURL       string
	remoteUploadURL    string
	remoteNoProgress   bool
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Submit a training job to a remote worker and fetch its results",
	Long: `Upload a dataset, submit a training job, wait for it and download the outputs.

A local --dataset is uploaded through the upload-session API first; an
http(s):// or s3:// reference is passed to the worker as is.

Examples:
  gotuner remote --api-key $KEY --endpoint-id abc123 --dataset ./images.zip --config config.json
  gotuner remote --endpoint-id local --api-url http://localhost:8080/v2 \
      --upload-url http://localhost:8080/v2/upload --dataset s3://bucket/set.zip --config config.yaml`,
	RunE: runRemote,
}

func init() {
	rootCmd.AddCommand(remoteCmd)
	f := remoteCmd.Flags()
	f.StringVar(&remoteAPIKey, "api-key", os.Getenv("GOTUNER_API_KEY"), "API key (env GOTUNER_API_KEY)")
	f.StringVar(&remoteEndpointID, "endpoint-id", "", "Endpoint id of the worker")
	f.StringVar(&remoteDataset, "dataset", "", "Dataset file, or an http(s)/s3 URL")
	// Shadows the persistent --config: here it names the job configuration.
	f.StringVar(&remoteConfig, "config", "", "Training configuration file (JSON or YAML)")
	f.StringVar(&remoteDataloader, "dataloader", "", "Dataloader configuration file (JSON or YAML)")
	f.StringVar(&remoteOutputDir, "output-dir", "./results", "Directory for downloaded outputs")
	remotePollInterval = remote.DefaultPollInterval
	f.Var((*secondsDuration)(&remotePollInterval), "poll-interval", "Status polling interval, in seconds or as a duration (10, 10s, 500ms)")
	f.StringVar(&remoteAPIURL, "api-url", remote.DefaultAPIURL, "Job API base URL")
	f.StringVar(&remoteUploadURL, "upload-url", remote.DefaultUploadURL, "Upload API base URL")
	f.BoolVar(&remoteNoProgress, "no-progress", false, "Disable progress bars")
	_ = remoteCmd.MarkFlagRequired("endpoint-id")
	_ = remoteCmd.MarkFlagRequired("dataset")
	_ = remoteCmd.MarkFlagRequired("config")
}

// secondsDuration is a duration flag that also takes a bare integer number
// of seconds.
type secondsDuration time.Duration

func (d *secondsDuration) Set(s string) error {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		*d = secondsDuration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("expected seconds or a duration such as 10s: %q", s)
	}
	*d = secondsDuration(v)
	return nil
}

func (d *secondsDuration) String() string { return time.Duration(*d).String() }

func (d *secondsDuration) Type() string { return "duration" }

func runRemote(cmd *cobra.Command, _ []string) error {
	if strings.TrimSpace(remoteAPIKey) == "" {
		return exitError(foundry.ExitInvalidArgument, "Missing API key", errors.New("--api-key or GOTUNER_API_KEY is required"))
	}
	if remotePollInterval <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --poll-interval", fmt.Errorf("must be positive, got %s", remotePollInterval))
	}

	cfg := remote.Config{
		APIKey:    remoteAPIKey,
		APIURL:    remoteAPIURL,
		UploadURL: remoteUploadURL,
		Logger:    observability.CLILogger,
	}
	if !remoteNoProgress {
		cfg.Progress = cmd.ErrOrStderr()
	}
	client, err := remote.New(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid client configuration", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := client.Run(ctx, remote.RunOptions{
		EndpointID:     remoteEndpointID,
		Dataset:        remoteDataset,
		ConfigPath:     remoteConfig,
		DataloaderPath: remoteDataloader,
		OutputDir:      remoteOutputDir,
		PollInterval:   remotePollInterval,
		Out:            cmd.OutOrStdout(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return exitError(foundry.ExitSignalInt, "Interrupted", err)
		}
		var apiErr *remote.APIError
		if errors.As(err, &apiErr) {
			return exitError(foundry.ExitExternalServiceUnavailable, "Remote API request failed", err)
		}
		return exitError(foundry.ExitFileReadError, "Remote run failed", err)
	}

	observability.CLILogger.Debug("job finished", zap.String("job_id", st.ID), zap.String("status", string(st.Status)))
	if st.Status != remote.StatusCompleted {
		return exitError(foundry.ExitExternalServiceUnavailable, "Job did not complete", fmt.Errorf("status %s", st.Status))
	}
	return nil
}
