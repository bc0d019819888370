package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gotuner/internal/errors"
	"github.com/3leaps/gotuner/pkg/jobhandler"
	"github.com/3leaps/gotuner/pkg/remote"
)

// JobRunner executes one job to completion.
type JobRunner interface {
	Handle(ctx context.Context, jobID string, req jobhandler.Request) jobhandler.Result
}

// finishedRetention is how long terminal jobs stay queryable.
const finishedRetention = 24 * time.Hour

type queuedJob struct {
	id    string
	req   jobhandler.Request
	done  chan struct{}
	ended time.Time

	// guarded by Dispatcher.mu
	status remote.JobStatus
}

// Dispatcher feeds jobs to a JobRunner strictly one at a time.
type Dispatcher struct {
	runner JobRunner
	queue  chan *queuedJob
	logger *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*queuedJob
}

// NewDispatcher returns a Dispatcher holding up to size waiting jobs.
func NewDispatcher(runner JobRunner, size int, logger *zap.Logger) *Dispatcher {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		runner: runner,
		queue:  make(chan *queuedJob, size),
		logger: logger,
		jobs:   make(map[string]*queuedJob),
	}
}

// Run processes jobs until ctx is done. It must be started exactly once.
// ctx is also handed to the runner, so cancelling it stops the trainer.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.process(ctx, j)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, j *queuedJob) {
	d.setStatus(j, func(st *remote.JobStatus) { st.Status = remote.StatusInProgress })
	d.logger.Info("job started", zap.String("job_id", j.id))

	res := d.runner.Handle(ctx, j.id, j.req)

	d.setStatus(j, func(st *remote.JobStatus) {
		st.Output = &res
		if res.Failed() {
			st.Status = remote.StatusFailed
			st.Error = res.Error
		} else {
			st.Status = remote.StatusCompleted
		}
	})
	d.mu.Lock()
	j.ended = time.Now()
	d.mu.Unlock()
	close(j.done)
	d.logger.Info("job finished", zap.String("job_id", j.id), zap.String("result", res.Status), zap.String("error", res.Error))
	d.prune()
}

// Enqueue accepts a job. A full queue is a SERVICE_UNAVAILABLE error.
func (d *Dispatcher) Enqueue(req jobhandler.Request) (*remote.JobStatus, error) {
	j := &queuedJob{
		id:     uuid.NewString(),
		req:    req,
		done:   make(chan struct{}),
		status: remote.JobStatus{Status: remote.StatusInQueue},
	}
	j.status.ID = j.id

	st := j.status

	d.mu.Lock()
	d.jobs[j.id] = j
	d.mu.Unlock()

	select {
	case d.queue <- j:
	default:
		d.mu.Lock()
		delete(d.jobs, j.id)
		d.mu.Unlock()
		return nil, apperrors.NewServiceUnavailable("job queue is full")
	}
	d.logger.Info("job queued", zap.String("job_id", j.id))
	return &st, nil
}

// Status returns a snapshot of a job's status.
func (d *Dispatcher) Status(id string) (*remote.JobStatus, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	j, ok := d.jobs[id]
	if !ok {
		return nil, false
	}
	st := j.status
	return &st, true
}

// Wait blocks until the job is terminal or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context, id string) (*remote.JobStatus, error) {
	d.mu.RLock()
	j, ok := d.jobs[id]
	d.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewNotFound("job not found: " + id)
	}
	select {
	case <-j.done:
		st, _ := d.Status(id)
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) setStatus(j *queuedJob, fn func(*remote.JobStatus)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&j.status)
}

func (d *Dispatcher) prune() {
	cutoff := time.Now().Add(-finishedRetention)
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, j := range d.jobs {
		if !j.ended.IsZero() && j.ended.Before(cutoff) {
			delete(d.jobs, id)
		}
	}
}
