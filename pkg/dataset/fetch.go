package dataset

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/gotuner/pkg/provider"
	"github.com/3leaps/gotuner/pkg/transfer"
)

// Fetcher retrieves every file a non-HTTP reference names into dir and
// returns their local paths in a stable order.
type Fetcher interface {
	Fetch(ctx context.Context, reference, dir string) ([]string, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, reference, dir string) ([]string, error)

func (f FetcherFunc) Fetch(ctx context.Context, reference, dir string) ([]string, error) {
	return f(ctx, reference, dir)
}

// Location is a parsed object reference.
type Location struct {
	Scheme string
	Bucket string
	Key    string
}

// ParseLocation splits "s3://bucket/key", "file:///abs/path" and bare
// absolute paths. Glob characters in the key are kept verbatim, which is
// why this does not go through net/url.
func ParseLocation(reference string) (Location, error) {
	ref := strings.TrimSpace(reference)
	if strings.HasPrefix(ref, "/") {
		return Location{Scheme: "file", Bucket: "/", Key: strings.TrimPrefix(ref, "/")}, nil
	}

	scheme, rest, ok := strings.Cut(ref, "://")
	if !ok || scheme == "" {
		return Location{}, fmt.Errorf("unsupported dataset reference %q", reference)
	}
	scheme = strings.ToLower(scheme)

	if scheme == "file" {
		if !strings.HasPrefix(rest, "/") {
			return Location{}, fmt.Errorf("file reference must be absolute: %q", reference)
		}
		return Location{Scheme: scheme, Bucket: "/", Key: strings.TrimPrefix(rest, "/")}, nil
	}

	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("missing bucket in %q", reference)
	}
	return Location{Scheme: scheme, Bucket: bucket, Key: key}, nil
}

// StoreOpener returns a store for one bucket (or "/" for local files).
type StoreOpener func(ctx context.Context, bucket string) (provider.Store, error)

// ObjectFetcher fetches objects through a provider.Store.
//
// A key naming one object fetches that object. A key ending in "/" (or an
// empty key) fetches everything under it. A key with glob characters lists
// its static prefix and keeps keys matching the pattern.
type ObjectFetcher struct {
	open     StoreOpener
	progress io.Writer
	logger   *zap.Logger
}

// NewObjectFetcher builds a fetcher over open. progress receives byte
// progress bars and may be nil.
func NewObjectFetcher(open StoreOpener, progress io.Writer, logger *zap.Logger) *ObjectFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObjectFetcher{open: open, progress: progress, logger: logger}
}

func (f *ObjectFetcher) Fetch(ctx context.Context, reference, dir string) ([]string, error) {
	loc, err := ParseLocation(reference)
	if err != nil {
		return nil, err
	}

	store, err := f.open(ctx, loc.Bucket)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	keys, base, err := resolveKeys(ctx, store, loc.Key)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no objects match %q", reference)
	}

	cleanDir := filepath.Clean(dir)
	paths := make([]string, 0, len(keys))
	for _, key := range keys {
		rel := strings.TrimPrefix(key, base)
		if rel == "" {
			rel = path.Base(key)
		}
		dest := filepath.Join(cleanDir, filepath.FromSlash(rel))
		if !strings.HasPrefix(dest, cleanDir+string(filepath.Separator)) {
			return nil, fmt.Errorf("object key %q escapes the download dir", key)
		}

		n, err := f.fetchOne(ctx, store, key, dest)
		if err != nil {
			return nil, err
		}
		f.logger.Info("fetched object",
			zap.String("scheme", loc.Scheme),
			zap.String("bucket", loc.Bucket),
			zap.String("key", key),
			zap.String("path", dest),
			zap.Int64("bytes", n),
		)
		paths = append(paths, dest)
	}
	return paths, nil
}

func (f *ObjectFetcher) fetchOne(ctx context.Context, store provider.Store, key, dest string) (int64, error) {
	body, size, err := store.GetObject(ctx, key)
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()

	return transfer.ToFile(ctx, body, dest, transfer.Options{
		Expected:    size,
		Description: path.Base(key),
		Progress:    f.progress,
	})
}

// resolveKeys expands key into object keys and the prefix to strip when
// laying them out locally.
func resolveKeys(ctx context.Context, store provider.Store, key string) ([]string, string, error) {
	if meta := firstMeta(key); meta >= 0 {
		prefix := key[:strings.LastIndex(key[:meta], "/")+1]
		objs, err := provider.ListAll(ctx, store, prefix)
		if err != nil {
			return nil, "", err
		}
		var keys []string
		for _, o := range objs {
			ok, err := doublestar.Match(key, o.Key)
			if err != nil {
				return nil, "", fmt.Errorf("bad pattern %q: %w", key, err)
			}
			if ok {
				keys = append(keys, o.Key)
			}
		}
		return keys, prefix, nil
	}

	if key == "" || strings.HasSuffix(key, "/") {
		objs, err := provider.ListAll(ctx, store, key)
		if err != nil {
			return nil, "", err
		}
		keys := make([]string, 0, len(objs))
		for _, o := range objs {
			if !strings.HasSuffix(o.Key, "/") {
				keys = append(keys, o.Key)
			}
		}
		return keys, key, nil
	}

	return []string{key}, key[:strings.LastIndex(key, "/")+1], nil
}

// firstMeta returns the index of the first glob metacharacter, or -1.
func firstMeta(key string) int {
	return strings.IndexAny(key, "*?[{")
}
