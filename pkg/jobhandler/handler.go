// Package jobhandler runs one training job end to end: acquire the dataset,
// materialize the configuration, supervise the trainer, collect and publish
// outputs. Handle always returns a Result; no error or panic escapes it.
package jobhandler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/3leaps/gotuner/pkg/jobregistry"
	"github.com/3leaps/gotuner/pkg/publish"
	"github.com/3leaps/gotuner/pkg/supervisor"
	"github.com/3leaps/gotuner/pkg/trainconfig"
	"github.com/3leaps/gotuner/pkg/workspace"
)

// Caller-facing error messages.
const (
	ErrMissingDataset = "No dataset_url provided in the input"
	ErrAcquisition    = "Failed to download or extract dataset"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// DefaultTailLines is how many trailing log lines go into the summary.
const DefaultTailLines = 20

// NoLogs is the summary used when the trainer produced no output.
const NoLogs = "No logs available"

// Request is the job input.
type Request struct {
	DatasetURL string               `json:"dataset_url"`
	Config     trainconfig.Config   `json:"config"`
	Dataloader trainconfig.Document `json:"dataloader"`
	SignedURLs map[string]string    `json:"signed_urls,omitempty"`
}

// Output is the payload of a job that ran to completion.
type Output struct {
	Files      map[string]string `json:"files"`
	LogSummary string            `json:"log_summary"`
}

// Result is produced exactly once per job. Either Status and Output are
// set, or Error (and, for unexpected failures, Traceback).
type Result struct {
	Status    string  `json:"status,omitempty"`
	Output    *Output `json:"output,omitempty"`
	Error     string  `json:"error,omitempty"`
	Traceback string  `json:"traceback,omitempty"`
}

// Failed reports whether the job ended with an error payload.
func (r Result) Failed() bool {
	return r.Error != ""
}

// Acquirer stages a dataset and returns the path the trainer reads.
type Acquirer interface {
	Acquire(ctx context.Context, reference string, extract bool) (string, error)
}

// Trainer runs the training process to completion.
type Trainer interface {
	Run(ctx context.Context, args []string) *supervisor.Result
}

// Publisher delivers collected output files.
type Publisher interface {
	Publish(ctx context.Context, files, signedURLs map[string]string) (map[string]string, error)
}

// Handler sequences the pipeline for one job at a time.
type Handler struct {
	paths        workspace.Paths
	acquirer     Acquirer
	materializer *trainconfig.Materializer
	trainer      Trainer
	publisher    Publisher
	registry     *jobregistry.Store
	logger       *zap.Logger
	tailLines    int

	mu sync.Mutex
}

// Option configures a Handler.
type Option func(*Handler)

// WithRegistry records every state transition in store.
func WithRegistry(store *jobregistry.Store) Option {
	return func(h *Handler) { h.registry = store }
}

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithTailLines sets the log summary length.
func WithTailLines(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.tailLines = n
		}
	}
}

// New returns a Handler staging into paths.
func New(paths workspace.Paths, acquirer Acquirer, trainer Trainer, publisher Publisher, opts ...Option) *Handler {
	h := &Handler{
		paths:     paths,
		acquirer:  acquirer,
		trainer:   trainer,
		publisher: publisher,
		logger:    zap.NewNop(),
		tailLines: DefaultTailLines,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.materializer = trainconfig.NewMaterializer(paths.Config, h.logger)
	return h
}

// Handle runs the job. Concurrent calls are serialized.
func (h *Handler) Handle(ctx context.Context, jobID string, req Request) (res Result) {
	log := h.logger.With(zap.String("job_id", jobID))

	if strings.TrimSpace(req.DatasetURL) == "" {
		log.Error("rejected job", zap.String("error", ErrMissingDataset))
		return Result{Error: ErrMissingDataset}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.track(jobID, req.DatasetURL, log)
	log.Info("job received", zap.String("dataset_url", req.DatasetURL))

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", zap.Any("panic", r))
			res = Result{Error: fmt.Sprint(r), Traceback: string(debug.Stack())}
			t.finish(jobregistry.JobStateFailed, res.Error)
		}
	}()

	res, err := h.run(ctx, log, t, req)
	if err != nil {
		log.Error("job failed", zap.Error(err))
		res = Result{Error: err.Error(), Traceback: fmt.Sprintf("%+v", err)}
	}

	if res.Failed() || res.Status != StatusSuccess {
		msg := res.Error
		if msg == "" {
			msg = "training failed"
		}
		t.finish(jobregistry.JobStateFailed, msg)
	} else {
		t.finish(jobregistry.JobStateSucceeded, "")
	}
	return res
}

func (h *Handler) run(ctx context.Context, log *zap.Logger, t *tracker, req Request) (Result, error) {
	if err := h.paths.Init(); err != nil {
		return Result{}, errors.Wrap(err, "initialize workspace")
	}

	datasetPath, err := h.acquirer.Acquire(ctx, req.DatasetURL, true)
	if err != nil || datasetPath == "" {
		log.Error("dataset acquisition failed", zap.Error(err))
		return Result{Error: ErrAcquisition}, nil
	}
	t.advance(jobregistry.JobStateDatasetAcquired, nil)

	artifacts := h.materializer.Persist(req.Config, req.Dataloader)
	args := trainconfig.BuildArgs(req.Config, datasetPath, h.paths.Output, artifacts.DataloaderPath)
	t.advance(jobregistry.JobStateConfigured, nil)

	started := time.Now().UTC()
	t.advance(jobregistry.JobStateTraining, func(r *jobregistry.JobRecord) { r.StartedAt = &started })
	run := h.trainer.Run(ctx, args)
	if run == nil {
		return Result{}, errors.New("trainer returned no result")
	}
	log.Info("training finished", zap.Bool("succeeded", run.Succeeded), zap.Int("exit_code", run.ExitCode))

	t.advance(jobregistry.JobStateCollecting, func(r *jobregistry.JobRecord) {
		code := run.ExitCode
		r.ExitCode = &code
		r.TrainerPID = run.PID
		r.LogPath = run.LogPath
	})
	files, err := publish.Collect(h.paths.Output)
	if err != nil {
		return Result{}, errors.Wrap(err, "collect outputs")
	}
	if run.LogPath != "" {
		files[filepath.Base(run.LogPath)] = run.LogPath
	}

	t.advance(jobregistry.JobStatePublishing, func(r *jobregistry.JobRecord) { r.Files = len(files) })
	published, err := h.publisher.Publish(ctx, files, req.SignedURLs)
	if err != nil {
		return Result{}, errors.Wrap(err, "publish outputs")
	}

	status := StatusError
	if run.Succeeded {
		status = StatusSuccess
	}
	return Result{
		Status: status,
		Output: &Output{
			Files:      published,
			LogSummary: summarize(run.Tail(h.tailLines)),
		},
	}, nil
}

func summarize(lines []string) string {
	if len(lines) == 0 {
		return NoLogs
	}
	return strings.Join(lines, "\n")
}

// tracker mirrors the job's progress into the registry. Registry failures
// are logged and never affect the job.
type tracker struct {
	store  *jobregistry.Store
	jobID  string
	logger *zap.Logger
}

func (h *Handler) track(jobID, datasetURL string, log *zap.Logger) *tracker {
	t := &tracker{store: h.registry, jobID: jobID, logger: log}
	if t.store == nil || strings.TrimSpace(jobID) == "" {
		t.store = nil
		return t
	}
	rec := &jobregistry.JobRecord{
		JobID:      jobID,
		State:      jobregistry.JobStateReceived,
		DatasetURL: datasetURL,
		WorkerPID:  os.Getpid(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := t.store.Write(rec); err != nil {
		log.Warn("failed to write job record", zap.Error(err))
		t.store = nil
	}
	return t
}

func (t *tracker) advance(state jobregistry.JobState, fn func(*jobregistry.JobRecord)) {
	t.logger.Info("job state", zap.String("state", string(state)))
	if t.store == nil {
		return
	}
	_, err := t.store.Update(t.jobID, func(r *jobregistry.JobRecord) {
		r.State = state
		if fn != nil {
			fn(r)
		}
	})
	if err != nil {
		t.logger.Warn("failed to update job record", zap.String("state", string(state)), zap.Error(err))
	}
}

func (t *tracker) finish(state jobregistry.JobState, msg string) {
	t.advance(state, func(r *jobregistry.JobRecord) {
		ended := time.Now().UTC()
		r.EndedAt = &ended
		r.Error = msg
	})
}
