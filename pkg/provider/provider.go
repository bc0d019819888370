// Package provider abstracts the object stores a dataset reference can point
// at. The surface is read-only: list a prefix, stat a key, stream a key.
// Authentication follows each SDK's default chain.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider lists and inspects objects in one bucket (or one local root).
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// List returns one page of objects under opts.Prefix.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Head returns metadata for key, or an error wrapping ErrNotFound.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	Close() error
}

// ObjectGetter streams object bodies.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)
}

// Store is what dataset fetching needs from a backend.
type Store interface {
	Provider
	ObjectGetter
}

// ListOptions configures a List call.
type ListOptions struct {
	Prefix            string
	ContinuationToken string

	// MaxKeys limits the page size. Zero uses the provider default.
	MaxKeys int
}

// ListResult is one page of a listing. An empty ContinuationToken means the
// listing is complete.
type ListResult struct {
	Objects           []ObjectSummary
	ContinuationToken string
	IsTruncated       bool
}

// ObjectSummary is the per-object data returned by List.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ObjectMeta is returned by Head.
type ObjectMeta struct {
	ObjectSummary

	ContentType string
	Metadata    map[string]string
}

// ListAll pages through every object under prefix.
func ListAll(ctx context.Context, p Provider, prefix string) ([]ObjectSummary, error) {
	var (
		out   []ObjectSummary
		token string
	)
	for {
		page, err := p.List(ctx, ListOptions{Prefix: prefix, ContinuationToken: token})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Objects...)
		if !page.IsTruncated || page.ContinuationToken == "" {
			return out, nil
		}
		token = page.ContinuationToken
	}
}

// ProviderType identifies a backend.
type ProviderType string

const (
	ProviderS3   ProviderType = "s3"
	ProviderFile ProviderType = "file"
)

func (p ProviderType) String() string {
	return string(p)
}
