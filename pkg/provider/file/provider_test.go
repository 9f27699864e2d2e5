package file

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/stillpoint/pkg/provider"
)

func newProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return p
}

func put(t *testing.T, p *Provider, key, body string) {
	t.Helper()
	require.NoError(t, p.PutObject(context.Background(), key, strings.NewReader(body), int64(len(body)), ""))
}

func TestNew_RequiresBaseDir(t *testing.T) {
	_, err := New(Config{BaseDir: "  "})
	require.Error(t, err)
}

func TestPutGetHeadDelete(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)

	put(t, p, "u1/jobs/j1.json", `{"job_id":"j1"}`)

	meta, err := p.Head(ctx, "u1/jobs/j1.json")
	require.NoError(t, err)
	assert.Equal(t, int64(15), meta.Size)
	assert.Equal(t, "application/json", meta.ContentType)

	rc, size, err := p.GetObject(ctx, "u1/jobs/j1.json")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, `{"job_id":"j1"}`, string(data))
	assert.Equal(t, int64(15), size)

	require.NoError(t, p.DeleteObject(ctx, "u1/jobs/j1.json"))
	_, err = p.Head(ctx, "u1/jobs/j1.json")
	assert.True(t, provider.IsNotFound(err))

	require.NoError(t, p.DeleteObject(ctx, "u1/jobs/j1.json"), "deleting a missing key is not an error")
}

func TestPutObject_OverwritesAndRejectsShortBody(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)

	put(t, p, "a.txt", "first")
	put(t, p, "a.txt", "second")

	rc, _, err := p.GetObject(ctx, "a.txt")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	assert.Equal(t, "second", string(data))

	err = p.PutObject(ctx, "b.txt", strings.NewReader("abc"), 10, "")
	require.Error(t, err)
	_, err = p.Head(ctx, "b.txt")
	assert.True(t, provider.IsNotFound(err))
}

func TestGetObject_Missing(t *testing.T) {
	p := newProvider(t)
	_, _, err := p.GetObject(context.Background(), "nope")
	require.Error(t, err)

	var provErr *provider.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, provider.ProviderFile, provErr.Provider)
	assert.Equal(t, "GetObject", provErr.Op)
	assert.True(t, provider.IsNotFound(err))
}

func TestList_PrefixAndPagination(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)

	for _, k := range []string{
		"u1/hls/j1/segment_002.ts",
		"u1/hls/j1/segment_000.ts",
		"u1/hls/j1/segment_001.ts",
		"u1/hls/j1/playlist.m3u8",
		"u1/jobs/j1.json",
		"u2/jobs/j2.json",
	} {
		put(t, p, k, "x")
	}

	res, err := p.List(ctx, provider.ListOptions{Prefix: "u1/hls/j1/segment_"})
	require.NoError(t, err)
	require.Len(t, res.Objects, 3)
	assert.Equal(t, "u1/hls/j1/segment_000.ts", res.Objects[0].Key)
	assert.False(t, res.IsTruncated)

	page1, err := p.List(ctx, provider.ListOptions{Prefix: "u1/", MaxKeys: 3})
	require.NoError(t, err)
	require.Len(t, page1.Objects, 3)
	require.True(t, page1.IsTruncated)

	page2, err := p.List(ctx, provider.ListOptions{Prefix: "u1/", MaxKeys: 3, ContinuationToken: page1.ContinuationToken})
	require.NoError(t, err)
	require.Len(t, page2.Objects, 2)
	assert.Equal(t, "u1/jobs/j1.json", page2.Objects[1].Key)
	assert.False(t, page2.IsTruncated)
}

func TestList_MissingPrefixIsEmpty(t *testing.T) {
	p := newProvider(t)
	res, err := p.List(context.Background(), provider.ListOptions{Prefix: "ghost/jobs/"})
	require.NoError(t, err)
	assert.Empty(t, res.Objects)
}

func TestPresignGetObject(t *testing.T) {
	ctx := context.Background()
	p := newProvider(t)
	put(t, p, "u1/hls/j1/playlist.m3u8", "#EXTM3U\n")

	u, err := p.PresignGetObject(ctx, "u1/hls/j1/playlist.m3u8", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "file://"))
	assert.True(t, strings.HasSuffix(u, "/u1/hls/j1/playlist.m3u8"))

	_, err = p.PresignGetObject(ctx, "u1/hls/j1/missing.ts", 0)
	assert.True(t, provider.IsNotFound(err))
}

func TestFullPath_StaysUnderBaseDir(t *testing.T) {
	p := newProvider(t)

	got, err := p.fullPath("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(p.BaseDir(), "etc", "passwd"), got)

	_, err = p.fullPath("")
	require.Error(t, err)

	got, err = p.fullPath("/u1/jobs/../jobs/j1.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(p.BaseDir(), "u1", "jobs", "j1.json"), got)
}

func TestList_IgnoresInFlightTempFiles(t *testing.T) {
	p := newProvider(t)
	put(t, p, "u1/jobs/j1.json", "{}")
	require.NoError(t, os.WriteFile(filepath.Join(p.BaseDir(), "u1", "jobs", ".stillpoint-put-123"), []byte("partial"), 0o644))

	res, err := p.List(context.Background(), provider.ListOptions{Prefix: "u1/jobs/"})
	require.NoError(t, err)
	require.Len(t, res.Objects, 1)
}
