package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/gotuner/pkg/jobhandler"
	"github.com/3leaps/gotuner/pkg/trainconfig"
)

// LoadConfig reads a job configuration file. .yaml and .yml files are
// parsed as YAML, everything else as JSON. Key order is kept.
func LoadConfig(path string) (trainconfig.Config, error) {
	var cfg trainconfig.Config
	err := decodeFile(path, &cfg)
	return cfg, err
}

// LoadDocument reads a dataloader file of any JSON shape, JSON or YAML.
func LoadDocument(path string) (trainconfig.Document, error) {
	var doc trainconfig.Document
	err := decodeFile(path, &doc)
	return doc, err
}

func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, v)
	default:
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// RunOptions drives one end-to-end client run.
type RunOptions struct {
	EndpointID string

	// Dataset is a local file to upload, or an http(s):// or s3:// URL the
	// worker can fetch directly.
	Dataset        string
	ConfigPath     string
	DataloaderPath string

	OutputDir    string
	PollInterval time.Duration

	// Out receives human-readable progress lines.
	Out io.Writer
}

// Run uploads the dataset, submits the job, polls it to a terminal state
// and downloads its outputs. A job that ends FAILED or CANCELLED is not an
// error; inspect the returned status. Every output is attempted; failed
// downloads are joined into the returned error.
func (c *Client) Run(ctx context.Context, opts RunOptions) (*JobStatus, error) {
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "results"
	}

	cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	var dataloader trainconfig.Document
	if opts.DataloaderPath != "" {
		if dataloader, err = LoadDocument(opts.DataloaderPath); err != nil {
			return nil, fmt.Errorf("load dataloader config: %w", err)
		}
	}

	datasetURL := opts.Dataset
	if !isRemoteReference(datasetURL) {
		if _, err := os.Stat(datasetURL); err != nil {
			return nil, fmt.Errorf("dataset: %w", err)
		}
		_, _ = fmt.Fprintf(out, "Uploading dataset %s...\n", datasetURL)
		if datasetURL, err = c.Upload(ctx, opts.Dataset); err != nil {
			return nil, err
		}
		_, _ = fmt.Fprintf(out, "Dataset uploaded: %s\n", datasetURL)
	}

	jobID, err := c.Submit(ctx, opts.EndpointID, jobhandler.Request{
		DatasetURL: datasetURL,
		Config:     cfg,
		Dataloader: dataloader,
	})
	if err != nil {
		return nil, err
	}
	_, _ = fmt.Fprintf(out, "Job submitted: %s\n", jobID)
	c.logger.Info("job submitted", zap.String("endpoint", opts.EndpointID), zap.String("job_id", jobID))

	st, err := c.Wait(ctx, opts.EndpointID, jobID, opts.PollInterval, func(st *JobStatus) {
		if !st.Status.Terminal() {
			_, _ = fmt.Fprintf(out, "Job status: %s\n", st.Status)
		}
	})
	if err != nil {
		return nil, err
	}

	switch st.Status {
	case StatusCompleted:
		_, _ = fmt.Fprintln(out, "Job completed.")
		if err := c.retrieve(ctx, st, opts.OutputDir, out); err != nil {
			return st, err
		}
	default:
		_, _ = fmt.Fprintf(out, "Job ended with status %s\n", st.Status)
		if st.Error != "" {
			_, _ = fmt.Fprintf(out, "Error: %s\n", st.Error)
		}
	}
	return st, nil
}

func (c *Client) retrieve(ctx context.Context, st *JobStatus, outputDir string, out io.Writer) error {
	result := st.Output
	if result == nil {
		return nil
	}
	if result.Error != "" {
		_, _ = fmt.Fprintf(out, "Worker error: %s\n", result.Error)
	}
	if result.Output == nil {
		return nil
	}

	keys := make([]string, 0, len(result.Output.Files))
	for k := range result.Output.Files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, key := range keys {
		location := result.Output.Files[key]
		if !isHTTP(location) {
			_, _ = fmt.Fprintf(out, "Output %s is on the worker at %s\n", key, location)
			continue
		}
		dest, err := outputPath(outputDir, key)
		if err == nil {
			err = c.Download(ctx, location, dest)
		}
		if err != nil {
			_, _ = fmt.Fprintf(out, "Failed to download %s: %v\n", key, err)
			c.logger.Warn("output download failed", zap.String("file", key), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		_, _ = fmt.Fprintf(out, "Downloaded %s\n", dest)
	}

	if result.Output.LogSummary != "" {
		_, _ = fmt.Fprintf(out, "\nTraining log summary:\n%s\n", result.Output.LogSummary)
	}
	return errors.Join(errs...)
}

// outputPath maps a result key to a path under dir, refusing keys that
// would escape it.
func outputPath(dir, key string) (string, error) {
	dest := filepath.Join(dir, filepath.FromSlash(key))
	rel, err := filepath.Rel(dir, dest)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("output key %q escapes %s", key, dir)
	}
	return dest, nil
}

func isHTTP(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func isRemoteReference(s string) bool {
	return isHTTP(s) || strings.HasPrefix(strings.ToLower(s), "s3://")
}
