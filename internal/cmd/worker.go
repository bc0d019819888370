package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/3leaps/gotuner/internal/config"
	"github.com/3leaps/gotuner/pkg/dataset"
	"github.com/3leaps/gotuner/pkg/jobhandler"
	"github.com/3leaps/gotuner/pkg/jobregistry"
	"github.com/3leaps/gotuner/pkg/provider"
	"github.com/3leaps/gotuner/pkg/provider/file"
	"github.com/3leaps/gotuner/pkg/provider/s3"
	"github.com/3leaps/gotuner/pkg/publish"
	"github.com/3leaps/gotuner/pkg/supervisor"
	"github.com/3leaps/gotuner/pkg/workspace"
)

// worker is the wired job pipeline shared by serve and handle.
type worker struct {
	paths   workspace.Paths
	store   *jobregistry.Store
	handler *jobhandler.Handler
}

// newWorker wires acquisition, training and publishing under the
// configured workspace. progress receives download bars and may be nil.
func newWorker(cfg *config.Config, progress io.Writer, logger *zap.Logger) *worker {
	paths := workspace.New(cfg.Workspace.Root)

	acquirer := dataset.New(paths,
		dataset.WithLogger(logger),
		dataset.WithProgress(progress),
		dataset.WithFetcher("s3", dataset.NewObjectFetcher(s3Opener(cfg.S3), progress, logger)),
		dataset.WithFetcher("file", dataset.NewObjectFetcher(openLocal, progress, logger)),
	)

	trainer := supervisor.New(supervisor.Config{
		Dir:     cfg.Trainer.Dir,
		Command: cfg.Trainer.Command,
		Venv:    cfg.Trainer.Venv,
		LogDir:  paths.Logs,
	}, logger.Named("trainer"))

	publisher := publish.NewPublisher(nil, paths.Output, paths.BundlePath(), logger)
	store := jobregistry.NewStore(paths.Jobs)

	h := jobhandler.New(paths, acquirer, trainer, publisher,
		jobhandler.WithRegistry(store),
		jobhandler.WithLogger(logger),
		jobhandler.WithTailLines(cfg.Job.LogTailLines),
	)
	return &worker{paths: paths, store: store, handler: h}
}

func s3Opener(c config.S3Config) dataset.StoreOpener {
	return func(ctx context.Context, bucket string) (provider.Store, error) {
		p, err := s3.New(ctx, s3.Config{
			Bucket:         bucket,
			Region:         c.Region,
			Endpoint:       c.Endpoint,
			Profile:        c.Profile,
			ForcePathStyle: c.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

func openLocal(_ context.Context, base string) (provider.Store, error) {
	p, err := file.New(file.Config{BaseDir: base})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// checkGPU runs nvidia-smi and fails when it is missing or errors.
func checkGPU(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "nvidia-smi").CombinedOutput()
	if err != nil {
		return fmt.Errorf("nvidia-smi: %w: %s", err, firstLine(string(out)))
	}
	return nil
}

// checkTrainer verifies the trainer directory and, for a relative script
// argument such as train.py, that the script exists inside it.
func checkTrainer(cfg config.TrainerConfig) error {
	st, err := os.Stat(cfg.Dir)
	if err != nil {
		return fmt.Errorf("trainer dir: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("trainer dir %s is not a directory", cfg.Dir)
	}
	for _, arg := range cfg.Command[1:] {
		if filepath.Ext(arg) != ".py" || filepath.IsAbs(arg) {
			continue
		}
		if _, err := os.Stat(filepath.Join(cfg.Dir, arg)); err != nil {
			return fmt.Errorf("trainer entrypoint: %w", err)
		}
	}
	return nil
}

// venvInterpreter returns the interpreter the supervisor would pick from
// the virtualenv, or "" when none is configured.
func venvInterpreter(cfg config.TrainerConfig) string {
	if cfg.Venv == "" || len(cfg.Command) == 0 {
		return ""
	}
	return filepath.Join(cfg.Venv, "bin", cfg.Command[0])
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
