package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gotuner/internal/config"
	"github.com/3leaps/gotuner/internal/observability"
	"github.com/3leaps/gotuner/internal/server"
	"github.com/3leaps/gotuner/internal/server/handlers"
	"github.com/3leaps/gotuner/pkg/workspace"
)

var (
	serveHost       string
	servePort       int
	serveWorkspace  string
	serveRequireGPU bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the training worker API",
	Long: `Run the worker: an HTTP API that accepts training jobs and runs them one at a time.

Routes:
  POST /v2/{endpoint}/run           queue a job, {"input": {...}}
  POST /v2/{endpoint}/runsync       queue a job and wait for the result
  GET  /v2/{endpoint}/status/{id}   job status
  POST /v2/upload/createSession     upload-session protocol for local datasets
  GET  /health, /health/live, /health/ready, /version

Settings come from --config, GOTUNER_* environment variables and flags.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config)")
	serveCmd.Flags().StringVar(&serveWorkspace, "workspace", "", "Workspace root (default from config)")
	serveCmd.Flags().BoolVar(&serveRequireGPU, "require-gpu", false, "Exit at startup when nvidia-smi fails")
}

// serveOverrides returns config overrides for flags the user set.
func serveOverrides(cmd *cobra.Command) map[string]any {
	o := map[string]any{}
	if cmd.Flags().Changed("host") {
		o["server"] = map[string]any{"host": serveHost}
	}
	if cmd.Flags().Changed("port") {
		srv, _ := o["server"].(map[string]any)
		if srv == nil {
			srv = map[string]any{}
		}
		srv["port"] = servePort
		o["server"] = srv
	}
	if cmd.Flags().Changed("workspace") {
		o["workspace"] = map[string]any{"root": serveWorkspace}
	}
	return o
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, serveOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	observability.InitServerLogger(BinaryName, cfg.Logging.Level)
	logger := observability.ServerLogger
	defer observability.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveRequireGPU {
		if err := checkGPU(ctx); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "GPU check failed", err)
		}
		logger.Info("GPU available")
	}

	w := newWorker(cfg, nil, logger)
	if err := w.paths.Init(); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create workspace", err)
	}

	health := handlers.InitHealthManager(versionInfo.Version)
	registerHealthCheckers(health, cfg, w.paths)

	dispatcher := server.NewDispatcher(w.handler, cfg.Server.QueueSize, logger)
	go dispatcher.Run(ctx)

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithAPIKey(cfg.Auth.APIKey),
		server.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		server.WithJobs(dispatcher),
		server.WithUploads(w.paths.Uploads, cfg.Server.PublicURL),
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithLogger(logger),
		server.WithTimeouts(server.Timeouts{
			Read:  cfg.Server.ReadTimeout,
			Write: cfg.Server.WriteTimeout,
			Idle:  cfg.Server.IdleTimeout,
		}),
	)
	if cfg.Auth.APIKey == "" {
		logger.Warn("no API key configured; job API is unauthenticated")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(nil) }()

	logger.Info("worker started",
		zap.String("addr", srv.Addr()),
		zap.String("workspace", w.paths.Root),
		zap.String("trainer_dir", cfg.Trainer.Dir),
		zap.String("version", versionInfo.Version),
	)

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return exitError(foundry.ExitSignalInt, "Shutdown did not complete", err)
	}
	return <-errCh
}

// registerHealthCheckers adds the worker's readiness checks.
func registerHealthCheckers(m *handlers.HealthManager, cfg *config.Config, paths workspace.Paths) {
	m.RegisterChecker("workspace", workspaceHealthChecker{paths: paths})
	m.RegisterChecker("trainer", trainerHealthChecker{cfg: cfg.Trainer})
}

type workspaceHealthChecker struct {
	paths workspace.Paths
}

func (c workspaceHealthChecker) CheckHealth(ctx context.Context) error {
	for _, dir := range []string{c.paths.Dataset, c.paths.Output, c.paths.Logs} {
		st, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !st.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
	}
	return nil
}

type trainerHealthChecker struct {
	cfg config.TrainerConfig
}

func (c trainerHealthChecker) CheckHealth(ctx context.Context) error {
	return checkTrainer(c.cfg)
}
