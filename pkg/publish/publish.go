// Package publish collects the trainer's output files and delivers them,
// either one PUT per file to caller-supplied signed URLs or as a single zip
// bundle in the workspace.
package publish

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// BundleKey is the single result key of a bundled publish.
const BundleKey = "results.zip"

// Collect maps the slash-separated path of every regular file under root,
// relative to root, to its absolute path. Directories are never keys.
func Collect(root string) (map[string]string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	files := make(map[string]string)
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(abs, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = path
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect outputs in %s: %w", root, err)
	}
	return files, nil
}

// Publisher uploads or bundles a collected file set.
type Publisher struct {
	client     *resty.Client
	outputDir  string
	bundlePath string
	logger     *zap.Logger
}

// NewPublisher returns a Publisher that bundles outputDir into bundlePath
// when no signed URLs are given. A nil client gets a default one.
func NewPublisher(client *resty.Client, outputDir, bundlePath string, logger *zap.Logger) *Publisher {
	if client == nil {
		client = resty.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{client: client, outputDir: outputDir, bundlePath: bundlePath, logger: logger}
}

// Publish delivers files and returns key -> location.
//
// With signed URLs, only keys present in both maps are uploaded; a failed
// upload is logged and left out of the result. The location is the signed
// URL without its query. Without signed URLs everything is bundled and the
// result is {BundleKey: bundle path}; a bundling failure is returned.
func (p *Publisher) Publish(ctx context.Context, files, signedURLs map[string]string) (map[string]string, error) {
	if len(signedURLs) == 0 {
		path, err := p.Bundle(ctx, files)
		if err != nil {
			return nil, err
		}
		return map[string]string{BundleKey: path}, nil
	}

	locations := make(map[string]string)
	for _, key := range sortedKeys(files) {
		url, ok := signedURLs[key]
		if !ok {
			continue
		}
		if err := p.upload(ctx, files[key], url); err != nil {
			p.logger.Error("failed to upload output", zap.String("file", key), zap.Error(err))
			continue
		}
		locations[key] = StripQuery(url)
		p.logger.Info("uploaded output", zap.String("file", key), zap.String("location", locations[key]))
	}
	return locations, nil
}

func (p *Publisher) upload(ctx context.Context, path, url string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	// Signed PUT URLs reject chunked bodies; stream with an explicit length.
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, f)
	if err != nil {
		return err
	}
	req.ContentLength = st.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.client.GetClient().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("PUT %s: status %d: %s", StripQuery(url), resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	p.logger.Debug("upload complete", zap.String("path", path), zap.Int64("bytes", st.Size()))
	return nil
}

// Bundle zips the output directory into the bundle path with
// `zip -r <bundle> .`, then adds files that live outside the output
// directory (the training log) at the archive root.
func (p *Publisher) Bundle(ctx context.Context, files map[string]string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(p.bundlePath), 0755); err != nil {
		return "", fmt.Errorf("create bundle dir: %w", err)
	}
	// zip -r updates an existing archive; start clean so old outputs are gone.
	if err := os.Remove(p.bundlePath); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("remove old bundle: %w", err)
	}

	if err := runZip(ctx, p.outputDir, "-q", "-r", p.bundlePath, "."); err != nil {
		return "", err
	}

	var extra []string
	outDir, _ := filepath.Abs(p.outputDir)
	for _, key := range sortedKeys(files) {
		path := files[key]
		if !within(outDir, path) {
			extra = append(extra, path)
		}
	}
	if len(extra) > 0 {
		args := append([]string{"-q", "-j", p.bundlePath}, extra...)
		if err := runZip(ctx, p.outputDir, args...); err != nil {
			return "", err
		}
	}

	p.logger.Info("bundled outputs", zap.String("bundle", p.bundlePath), zap.Int("files", len(files)))
	return p.bundlePath, nil
}

func runZip(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "zip", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		// zip exits 12 ("nothing to do") on an empty output directory.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 12 {
			return nil
		}
		return fmt.Errorf("zip: %w: %s", err, strings.TrimSpace(out.String()))
	}
	return nil
}

// StripQuery drops the query (signature) part of a URL.
func StripQuery(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}

func within(dir, path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(dir, abs)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
