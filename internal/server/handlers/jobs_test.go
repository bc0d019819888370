package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/gotuner/internal/errors"
	"github.com/3leaps/gotuner/pkg/jobhandler"
	"github.com/3leaps/gotuner/pkg/remote"
)

// memQueue completes every job immediately with a canned result.
type memQueue struct {
	full bool
	got  []jobhandler.Request
	jobs map[string]*remote.JobStatus
}

func (q *memQueue) Enqueue(req jobhandler.Request) (*remote.JobStatus, error) {
	if q.full {
		return nil, apperrors.NewServiceUnavailable("job queue is full")
	}
	q.got = append(q.got, req)
	id := "job-" + string(rune('a'+len(q.got)-1))
	q.jobs[id] = &remote.JobStatus{
		ID:     id,
		Status: remote.StatusCompleted,
		Output: &jobhandler.Result{Status: jobhandler.StatusSuccess},
	}
	return &remote.JobStatus{ID: id, Status: remote.StatusInQueue}, nil
}

func (q *memQueue) Status(id string) (*remote.JobStatus, bool) {
	st, ok := q.jobs[id]
	return st, ok
}

func (q *memQueue) Wait(ctx context.Context, id string) (*remote.JobStatus, error) {
	st, _ := q.Status(id)
	return st, nil
}

func jobsRouter(q JobQueue) http.Handler {
	h := NewJobsHandler(q)
	r := chi.NewRouter()
	r.Post("/{endpoint}/run", h.Run)
	r.Post("/{endpoint}/runsync", h.RunSync)
	r.Get("/{endpoint}/status/{id}", h.Status)
	return r
}

func serve(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, remote.JobStatus) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	var st remote.JobStatus
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	}
	return rec, st
}

func TestJobs_RunThenStatus(t *testing.T) {
	q := &memQueue{jobs: map[string]*remote.JobStatus{}}
	h := jobsRouter(q)

	rec, st := serve(t, h, http.MethodPost, "/ep/run", `{"input":{"dataset_url":"https://x/d.zip","config":{"num_epochs":2}}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, remote.StatusInQueue, st.Status)
	require.Len(t, q.got, 1)
	assert.Equal(t, "https://x/d.zip", q.got[0].DatasetURL)

	rec, st = serve(t, h, http.MethodGet, "/ep/status/"+st.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, remote.StatusCompleted, st.Status)
	require.NotNil(t, st.Output)
	assert.Equal(t, jobhandler.StatusSuccess, st.Output.Status)
}

func TestJobs_RunAcceptsArrayDataloader(t *testing.T) {
	q := &memQueue{jobs: map[string]*remote.JobStatus{}}

	rec, _ := serve(t, jobsRouter(q), http.MethodPost, "/ep/run",
		`{"input":{"dataset_url":"https://x/d.zip","config":{},"dataloader":[{"id":"images","type":"local"}]}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, q.got, 1)
	assert.JSONEq(t, `[{"id":"images","type":"local"}]`, string(q.got[0].Dataloader.Raw()))
}

func TestJobs_RunSyncReturnsTerminal(t *testing.T) {
	q := &memQueue{jobs: map[string]*remote.JobStatus{}}

	rec, st := serve(t, jobsRouter(q), http.MethodPost, "/ep/runsync", `{"input":{}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, remote.StatusCompleted, st.Status)
}

func TestJobs_Errors(t *testing.T) {
	tests := []struct {
		name   string
		queue  *memQueue
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"bad json", &memQueue{}, http.MethodPost, "/ep/run", `{`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"no input", &memQueue{}, http.MethodPost, "/ep/run", `{"dataset_url":"x"}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"queue full", &memQueue{full: true}, http.MethodPost, "/ep/run", `{"input":{}}`, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{"unknown job", &memQueue{jobs: map[string]*remote.JobStatus{}}, http.MethodGet, "/ep/status/nope", "", http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			jobsRouter(tt.queue).ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))

			assert.Equal(t, tt.status, rec.Code)
			var resp apperrors.HTTPErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}
