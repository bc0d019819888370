package file

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gotuner/pkg/provider"
)

func writeFiles(t *testing.T, base string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(base, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
}

func TestNew_RequiresBaseDir(t *testing.T) {
	_, err := New(Config{BaseDir: "  "})
	assert.Error(t, err)
}

func TestProvider_ListPrefixAndPaging(t *testing.T) {
	base := t.TempDir()
	writeFiles(t, base, map[string]string{
		"data/a.zip":       "a",
		"data/b.zip":       "bb",
		"data/sub/c.tar":   "ccc",
		"data-other/x.zip": "x",
		"other/d.txt":      "d",
	})
	p, err := New(Config{BaseDir: base})
	require.NoError(t, err)
	ctx := context.Background()

	all, err := provider.ListAll(ctx, p, "data/")
	require.NoError(t, err)
	keys := make([]string, 0, len(all))
	for _, o := range all {
		keys = append(keys, o.Key)
	}
	assert.Equal(t, []string{"data/a.zip", "data/b.zip", "data/sub/c.tar"}, keys)

	page, err := p.List(ctx, provider.ListOptions{Prefix: "data/", MaxKeys: 2})
	require.NoError(t, err)
	assert.True(t, page.IsTruncated)
	assert.Len(t, page.Objects, 2)

	next, err := p.List(ctx, provider.ListOptions{Prefix: "data/", MaxKeys: 2, ContinuationToken: page.ContinuationToken})
	require.NoError(t, err)
	assert.False(t, next.IsTruncated)
	require.Len(t, next.Objects, 1)
	assert.Equal(t, "data/sub/c.tar", next.Objects[0].Key)
	assert.Equal(t, int64(3), next.Objects[0].Size)

	partial, err := provider.ListAll(ctx, p, "data")
	require.NoError(t, err)
	assert.Len(t, partial, 4)
}

func TestProvider_ListMissingPrefixIsEmpty(t *testing.T) {
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	res, err := p.List(context.Background(), provider.ListOptions{Prefix: "nope/"})
	require.NoError(t, err)
	assert.Empty(t, res.Objects)
}

func TestProvider_GetObjectAndHead(t *testing.T) {
	base := t.TempDir()
	writeFiles(t, base, map[string]string{"set/train.zip": "payload"})
	p, err := New(Config{BaseDir: base})
	require.NoError(t, err)
	ctx := context.Background()

	body, n, err := p.GetObject(ctx, "/set/train.zip")
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, int64(7), n)
	assert.Equal(t, "payload", string(data))

	meta, err := p.Head(ctx, "set/train.zip")
	require.NoError(t, err)
	assert.Equal(t, "set/train.zip", meta.Key)

	_, _, err = p.GetObject(ctx, "set/missing.zip")
	assert.True(t, provider.IsNotFound(err))

	_, err = p.Head(ctx, "set")
	assert.True(t, provider.IsNotFound(err))
}

func TestProvider_ClampsTraversal(t *testing.T) {
	base := t.TempDir()
	p, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	full, err := p.fullPath("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "etc", "passwd"), full)
}
