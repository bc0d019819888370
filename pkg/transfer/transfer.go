// Package transfer streams remote bodies to local files in fixed-size chunks
// with byte progress reporting. Dataset downloads, result downloads and
// provider fetches all go through ToFile.
package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
)

// ChunkSize is the copy buffer size.
const ChunkSize = 8 * 1024

// SizeMismatchError reports a body shorter or longer than its advertised
// length.
type SizeMismatchError struct {
	Path     string
	Expected int64
	Got      int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch for %s: expected %d bytes, got %d", e.Path, e.Expected, e.Got)
}

// NewProgress returns a byte progress bar drawing to w. A nil w draws
// nowhere. total < 0 means unknown and renders a spinner.
func NewProgress(total int64, description string, w io.Writer) *progressbar.ProgressBar {
	if w == nil {
		w = io.Discard
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

// Options configures ToFile.
type Options struct {
	// Expected is the advertised body length; negative disables the check.
	Expected int64

	Description string
	Progress    io.Writer
}

// ToFile copies r into path, creating parent directories. A partial file is
// removed on failure.
func ToFile(ctx context.Context, r io.Reader, path string, opts Options) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("create parent dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}

	desc := opts.Description
	if desc == "" {
		desc = filepath.Base(path)
	}
	bar := NewProgress(opts.Expected, desc, opts.Progress)

	buf := make([]byte, ChunkSize)
	n, copyErr := io.CopyBuffer(io.MultiWriter(f, bar), &ctxReader{ctx: ctx, r: r}, buf)
	closeErr := f.Close()
	_ = bar.Finish()

	switch {
	case copyErr != nil:
		err = fmt.Errorf("write %s: %w", path, copyErr)
	case closeErr != nil:
		err = fmt.Errorf("close %s: %w", path, closeErr)
	case opts.Expected >= 0 && n != opts.Expected:
		err = &SizeMismatchError{Path: path, Expected: opts.Expected, Got: n}
	}
	if err != nil {
		_ = os.Remove(path)
		return n, err
	}
	return n, nil
}

// ctxReader stops a copy at the next chunk boundary once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
