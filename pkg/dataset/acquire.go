// Package dataset turns a dataset reference into a local training data
// directory.
//
// HTTP(S) references are streamed into the input directory. Any other scheme
// goes to the Fetcher registered for it. Archives (.zip, .tar, .tar.gz, .tgz,
// .gz) are unpacked into the dataset directory with unzip or tar; anything
// else is moved there unchanged.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/3leaps/gotuner/pkg/trainconfig"
	"github.com/3leaps/gotuner/pkg/transfer"
	"github.com/3leaps/gotuner/pkg/workspace"
)

// Acquirer resolves dataset references into the workspace.
type Acquirer struct {
	paths    workspace.Paths
	client   *resty.Client
	fetchers map[string]Fetcher
	progress io.Writer
	logger   *zap.Logger
}

// Option configures an Acquirer.
type Option func(*Acquirer)

// WithHTTPClient replaces the resty client used for HTTP(S) downloads.
func WithHTTPClient(c *resty.Client) Option {
	return func(a *Acquirer) { a.client = c }
}

// WithFetcher registers f for references with the given scheme ("s3",
// "file"). Bare absolute paths use the "file" fetcher.
func WithFetcher(scheme string, f Fetcher) Option {
	return func(a *Acquirer) { a.fetchers[strings.ToLower(scheme)] = f }
}

// WithProgress sets where download progress bars are drawn.
func WithProgress(w io.Writer) Option {
	return func(a *Acquirer) { a.progress = w }
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Acquirer) {
		if l != nil {
			a.logger = l
		}
	}
}

// New returns an Acquirer staging into paths.
func New(paths workspace.Paths, opts ...Option) *Acquirer {
	a := &Acquirer{
		paths:    paths,
		client:   resty.New(),
		fetchers: make(map[string]Fetcher),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Acquire clears the dataset directory, retrieves reference and returns the
// path the trainer should read: the dataset directory when an archive was
// extracted, otherwise the path of the file moved into it.
//
// Every failure is logged and returned as *AcquisitionError.
func (a *Acquirer) Acquire(ctx context.Context, reference string, extract bool) (string, error) {
	log := a.logger.With(zap.String("reference", reference))
	log.Info("acquiring dataset")

	fail := func(op string, err error) (string, error) {
		log.Error("dataset acquisition failed", zap.String("op", op), zap.Error(err))
		return "", &AcquisitionError{Op: op, Reference: reference, Err: err}
	}

	if err := a.paths.ResetDataset(); err != nil {
		return fail(OpReset, err)
	}
	if err := os.MkdirAll(a.paths.Input, 0755); err != nil {
		return fail(OpReset, err)
	}

	var downloaded string
	if isHTTP(reference) {
		dest := filepath.Join(a.paths.Input, "dataset"+Extension(reference))
		if err := a.download(ctx, reference, dest); err != nil {
			return fail(OpDownload, err)
		}
		downloaded = dest
	} else {
		paths, err := a.fetch(ctx, reference)
		if err != nil {
			return fail(OpFetch, err)
		}
		downloaded, err = selectDataset(paths)
		if err != nil {
			return fail(OpSelect, err)
		}
	}
	log.Info("dataset downloaded", zap.String("path", downloaded))

	if extract && KindOf(downloaded) != ArchiveNone {
		if err := Extract(ctx, downloaded, a.paths.Dataset); err != nil {
			return fail(OpExtract, err)
		}
		log.Info("dataset extracted", zap.String("dir", a.paths.Dataset))
		return a.paths.Dataset, nil
	}

	dest := filepath.Join(a.paths.Dataset, filepath.Base(downloaded))
	if err := moveFile(downloaded, dest); err != nil {
		return fail(OpMove, err)
	}
	log.Info("dataset moved", zap.String("path", dest))
	return dest, nil
}

func (a *Acquirer) download(ctx context.Context, url, dest string) error {
	res, err := a.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return err
	}
	body := res.RawBody()
	defer func() { _ = body.Close() }()

	if !res.IsSuccess() {
		return fmt.Errorf("GET %s: unexpected status %d", stripQuery(url), res.StatusCode())
	}

	size := int64(-1)
	if res.RawResponse != nil && res.RawResponse.ContentLength >= 0 {
		size = res.RawResponse.ContentLength
	}
	_, err = transfer.ToFile(ctx, body, dest, transfer.Options{
		Expected:    size,
		Description: "Downloading dataset",
		Progress:    a.progress,
	})
	return err
}

func (a *Acquirer) fetch(ctx context.Context, reference string) ([]string, error) {
	loc, err := ParseLocation(reference)
	if err != nil {
		return nil, err
	}
	f, ok := a.fetchers[loc.Scheme]
	if !ok {
		return nil, fmt.Errorf("no fetcher for scheme %q", loc.Scheme)
	}
	return f.Fetch(ctx, reference, a.paths.Input)
}

// selectDataset picks the first fetched regular file that is not one of the
// job's own configuration artifacts.
func selectDataset(paths []string) (string, error) {
	for _, p := range paths {
		base := filepath.Base(p)
		if base == trainconfig.ConfigFileName || base == trainconfig.DataloaderFileName {
			continue
		}
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", errors.New("no dataset file among fetched files")
}

func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	// Cross-device: copy then remove.
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	if _, err := transfer.ToFile(context.Background(), in, dest, transfer.Options{Expected: -1}); err != nil {
		return err
	}
	return os.Remove(src)
}

func isHTTP(reference string) bool {
	lower := strings.ToLower(reference)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func stripQuery(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}
