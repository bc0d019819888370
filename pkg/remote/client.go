// Package remote is the caller side of the worker: it uploads a dataset
// through the upload-session protocol, submits a job, polls its status and
// downloads the published outputs.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/3leaps/gotuner/pkg/jobhandler"
	"github.com/3leaps/gotuner/pkg/transfer"
)

const (
	DefaultAPIURL       = "https://api.runpod.ai/v2"
	DefaultUploadURL    = "https://api.runpod.io/v2/upload"
	DefaultPollInterval = 10 * time.Second
)

// Status is a platform job state.
type Status string

const (
	StatusInQueue    Status = "IN_QUEUE"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// Terminal reports whether polling can stop.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// UploadSession is one single-file upload slot.
type UploadSession struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// JobStatus is the platform's view of a submitted job. Output holds the
// worker's job result.
type JobStatus struct {
	ID     string             `json:"id"`
	Status Status             `json:"status"`
	Output *jobhandler.Result `json:"output,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// Config configures a Client.
type Config struct {
	APIKey    string
	APIURL    string
	UploadURL string

	// Progress receives upload and download progress bars. Nil disables them.
	Progress io.Writer
	Logger   *zap.Logger
}

// Client talks to the job API and the upload service.
type Client struct {
	api      *resty.Client
	upload   *resty.Client
	files    *resty.Client
	progress io.Writer
	logger   *zap.Logger
}

// New returns a Client. An API key is required.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.UploadURL == "" {
		cfg.UploadURL = DefaultUploadURL
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		api:      resty.New().SetBaseURL(strings.TrimRight(cfg.APIURL, "/")).SetAuthToken(cfg.APIKey),
		upload:   resty.New().SetBaseURL(strings.TrimRight(cfg.UploadURL, "/")).SetAuthToken(cfg.APIKey),
		files:    resty.New(),
		progress: cfg.Progress,
		logger:   cfg.Logger,
	}, nil
}

// APIError is a non-2xx response from either service.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func checkResponse(op string, res *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !res.IsSuccess() {
		return &APIError{Op: op, StatusCode: res.StatusCode(), Body: strings.TrimSpace(res.String())}
	}
	return nil
}

// CreateSession opens an upload session.
func (c *Client) CreateSession(ctx context.Context) (*UploadSession, error) {
	res, err := c.upload.R().
		SetContext(ctx).
		Post("/createSession")
	if err := checkResponse("create upload session", res, err); err != nil {
		return nil, err
	}
	var session UploadSession
	if err := json.Unmarshal(res.Body(), &session); err != nil {
		return nil, fmt.Errorf("parse upload session: %w", err)
	}
	if session.ID == "" {
		return nil, fmt.Errorf("upload session response has no id")
	}
	return &session, nil
}

// UploadFile streams path into the session as a multipart form. The form is
// written through a pipe, so the file is never held in memory and the
// request goes out chunked.
func (c *Client) UploadFile(ctx context.Context, sessionID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	name := filepath.Base(path)
	var body io.Reader = f
	if c.progress != nil {
		bar := transfer.NewProgress(st.Size(), "Uploading "+name, c.progress)
		defer func() { _ = bar.Finish() }()
		body = io.TeeReader(f, bar)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pw.CloseWithError(writeUploadForm(mw, name, body))
	}()

	res, err := c.upload.R().
		SetContext(ctx).
		SetHeader("Content-Type", mw.FormDataContentType()).
		SetBody(pr).
		Post("/" + url.PathEscape(sessionID))
	// Unblocks the writer if the request ended before reading the whole form.
	_ = pr.Close()
	<-done
	return checkResponse("upload "+name, res, err)
}

func writeUploadForm(mw *multipart.Writer, name string, body io.Reader) error {
	if err := mw.WriteField("filename", name); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	return mw.Close()
}

// FileURL returns the externally reachable URL of an uploaded file.
func (c *Client) FileURL(ctx context.Context, sessionID, filename string) (string, error) {
	res, err := c.upload.R().
		SetContext(ctx).
		Get("/" + url.PathEscape(sessionID) + "/" + url.PathEscape(filename))
	if err := checkResponse("get file url", res, err); err != nil {
		return "", err
	}
	var session UploadSession
	if err := json.Unmarshal(res.Body(), &session); err != nil {
		return "", fmt.Errorf("parse file url: %w", err)
	}
	if session.URL == "" {
		return "", fmt.Errorf("file url response has no url")
	}
	return session.URL, nil
}

// Upload runs the three-step protocol for one file and returns its URL.
func (c *Client) Upload(ctx context.Context, path string) (string, error) {
	session, err := c.CreateSession(ctx)
	if err != nil {
		return "", err
	}
	c.logger.Debug("created upload session", zap.String("session", session.ID))
	if err := c.UploadFile(ctx, session.ID, path); err != nil {
		return "", err
	}
	u, err := c.FileURL(ctx, session.ID, filepath.Base(path))
	if err != nil {
		return "", err
	}
	c.logger.Info("uploaded file", zap.String("path", path), zap.String("url", u))
	return u, nil
}

// Submit queues a job on endpointID and returns its id.
func (c *Client) Submit(ctx context.Context, endpointID string, input jobhandler.Request) (string, error) {
	res, err := c.api.R().
		SetContext(ctx).
		SetBody(map[string]any{"input": input}).
		Post("/" + url.PathEscape(endpointID) + "/run")
	if err := checkResponse("submit job", res, err); err != nil {
		return "", err
	}
	var st JobStatus
	if err := json.Unmarshal(res.Body(), &st); err != nil {
		return "", fmt.Errorf("parse submit response: %w", err)
	}
	if st.ID == "" {
		return "", fmt.Errorf("submit response has no job id: %s", strings.TrimSpace(res.String()))
	}
	return st.ID, nil
}

// Status fetches the current state of a job.
func (c *Client) Status(ctx context.Context, endpointID, jobID string) (*JobStatus, error) {
	res, err := c.api.R().
		SetContext(ctx).
		Get("/" + url.PathEscape(endpointID) + "/status/" + url.PathEscape(jobID))
	if err := checkResponse("get job status", res, err); err != nil {
		return nil, err
	}
	var st JobStatus
	if err := json.Unmarshal(res.Body(), &st); err != nil {
		return nil, fmt.Errorf("parse job status: %w", err)
	}
	return &st, nil
}

// Wait polls every interval until the job reaches a terminal state or ctx
// ends. There is no maximum wait. onStatus, if set, sees every response.
func (c *Client) Wait(ctx context.Context, endpointID, jobID string, interval time.Duration, onStatus func(*JobStatus)) (*JobStatus, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := c.Status(ctx, endpointID, jobID)
		if err != nil {
			return nil, err
		}
		if onStatus != nil {
			onStatus(st)
		}
		if st.Status.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Download streams rawURL to dest, creating parent directories. Output
// URLs are pre-signed, so no credentials are sent.
func (c *Client) Download(ctx context.Context, rawURL, dest string) error {
	res, err := c.files.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		return fmt.Errorf("download %s: %w", stripQuery(rawURL), err)
	}
	body := res.RawBody()
	defer func() { _ = body.Close() }()
	if !res.IsSuccess() {
		return &APIError{Op: "download " + stripQuery(rawURL), StatusCode: res.StatusCode()}
	}

	size := int64(-1)
	if res.RawResponse != nil && res.RawResponse.ContentLength >= 0 {
		size = res.RawResponse.ContentLength
	}
	_, err = transfer.ToFile(ctx, body, dest, transfer.Options{
		Expected:    size,
		Description: "Downloading " + filepath.Base(dest),
		Progress:    c.progress,
	})
	return err
}

func stripQuery(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
