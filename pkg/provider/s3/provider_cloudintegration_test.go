//go:build cloudintegration

package s3_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gotuner/pkg/provider"
	"github.com/3leaps/gotuner/pkg/provider/s3"
	"github.com/3leaps/gotuner/test/cloudtest"
)

func newProvider(t *testing.T, ctx context.Context, bucket string) *s3.Provider {
	t.Helper()
	p, err := s3.New(ctx, s3.Config{
		Bucket:          bucket,
		Endpoint:        cloudtest.Endpoint,
		Region:          cloudtest.Region,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestProvider_List_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	t.Run("filters by prefix", func(t *testing.T) {
		bucket := cloudtest.CreateBucket(t, ctx)
		cloudtest.PutObjects(t, ctx, bucket, []string{
			"datasets/run1/images.zip",
			"datasets/run1/config.json",
			"datasets/run2/images.tar",
			"other/file.txt",
		})
		p := newProvider(t, ctx, bucket)

		objs, err := provider.ListAll(ctx, p, "datasets/run1/")
		require.NoError(t, err)
		require.Len(t, objs, 2)
		for _, o := range objs {
			assert.Contains(t, o.Key, "datasets/run1/")
		}
	})

	t.Run("pages with continuation token", func(t *testing.T) {
		bucket := cloudtest.CreateBucket(t, ctx)
		keys := []string{"p/1.bin", "p/2.bin", "p/3.bin", "p/4.bin", "p/5.bin"}
		cloudtest.PutObjects(t, ctx, bucket, keys)
		p := newProvider(t, ctx, bucket)

		first, err := p.List(ctx, provider.ListOptions{Prefix: "p/", MaxKeys: 2})
		require.NoError(t, err)
		assert.Len(t, first.Objects, 2)
		assert.True(t, first.IsTruncated)

		objs, err := provider.ListAll(ctx, p, "p/")
		require.NoError(t, err)
		assert.Len(t, objs, len(keys))
	})

	t.Run("missing bucket maps to sentinel", func(t *testing.T) {
		p := newProvider(t, ctx, "nonexistent-bucket-12345")

		_, err := p.List(ctx, provider.ListOptions{})
		require.Error(t, err)
		assert.ErrorIs(t, err, provider.ErrBucketNotFound)
	})
}

func TestProvider_GetObject_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	cloudtest.PutObject(t, ctx, bucket, "data/train.zip", []byte("zip bytes"))
	p := newProvider(t, ctx, bucket)

	body, n, err := p.GetObject(ctx, "data/train.zip")
	require.NoError(t, err)
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, int64(len("zip bytes")), n)
	assert.Equal(t, "zip bytes", string(data))

	meta, err := p.Head(ctx, "data/train.zip")
	require.NoError(t, err)
	assert.Equal(t, n, meta.Size)

	_, _, err = p.GetObject(ctx, "data/missing.zip")
	assert.True(t, provider.IsNotFound(err))
}
