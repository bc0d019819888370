package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/gotuner/internal/errors"
	"github.com/3leaps/gotuner/pkg/jobhandler"
	"github.com/3leaps/gotuner/pkg/remote"
)

// maxJobBody bounds a job submission body.
const maxJobBody = 8 << 20

// JobQueue accepts jobs and reports their platform status.
type JobQueue interface {
	Enqueue(req jobhandler.Request) (*remote.JobStatus, error)
	Status(id string) (*remote.JobStatus, bool)
	Wait(ctx context.Context, id string) (*remote.JobStatus, error)
}

// JobsHandler serves the /v2/{endpoint} job API.
type JobsHandler struct {
	queue JobQueue
}

func NewJobsHandler(queue JobQueue) *JobsHandler {
	return &JobsHandler{queue: queue}
}

type runRequest struct {
	Input *jobhandler.Request `json:"input"`
}

func decodeRun(w http.ResponseWriter, r *http.Request) (jobhandler.Request, error) {
	var body runRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJobBody))
	if err := dec.Decode(&body); err != nil {
		return jobhandler.Request{}, apperrors.NewInvalidRequest("invalid job payload: " + err.Error())
	}
	if body.Input == nil {
		return jobhandler.Request{}, apperrors.NewInvalidRequest(`job payload has no "input"`)
	}
	return *body.Input, nil
}

// Run queues a job and returns immediately.
func (h *JobsHandler) Run(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRun(w, r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	st, err := h.queue.Enqueue(req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, st)
}

// RunSync queues a job and answers when it is terminal. A client that
// disconnects stops waiting; the job keeps running.
func (h *JobsHandler) RunSync(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRun(w, r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	st, err := h.queue.Enqueue(req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	final, err := h.queue.Wait(r.Context(), st.ID)
	if err != nil {
		respondWithError(w, r, apperrors.NewServiceUnavailable("stopped waiting for job "+st.ID))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, final)
}

// Status reports one job.
func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := h.queue.Status(id)
	if !ok {
		respondWithError(w, r, apperrors.NewNotFound("job not found: "+id))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, st)
}
