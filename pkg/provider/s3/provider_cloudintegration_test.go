//go:build cloudintegration

package s3_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/stillpoint/pkg/provider"
	"github.com/3leaps/stillpoint/pkg/provider/s3"
	"github.com/3leaps/stillpoint/test/cloudtest"
)

func newTestProvider(t *testing.T, ctx context.Context, bucket string) *s3.Provider {
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

	bucket := cloudtest.CreateBucket(t, ctx)
	cloudtest.PutObjects(t, ctx, bucket, []string{
		"u1/jobs/a.json",
		"u1/jobs/b.json",
		"u1/jobs/c.json",
		"u2/jobs/d.json",
	})
	p := newTestProvider(t, ctx, bucket)

	page1, err := p.List(ctx, provider.ListOptions{Prefix: "u1/jobs/", MaxKeys: 2})
	require.NoError(t, err)
	assert.Len(t, page1.Objects, 2)
	assert.True(t, page1.IsTruncated)

	page2, err := p.List(ctx, provider.ListOptions{
		Prefix:            "u1/jobs/",
		MaxKeys:           2,
		ContinuationToken: page1.ContinuationToken,
	})
	require.NoError(t, err)
	assert.Len(t, page2.Objects, 1)
	assert.False(t, page2.IsTruncated)
}

func TestProvider_MissingBucket_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	p := newTestProvider(t, ctx, "nonexistent-bucket-12345")

	_, err := p.List(ctx, provider.ListOptions{})
	require.Error(t, err)
	assert.True(t, provider.IsBucketNotFound(err))
}

func TestProvider_PutGetDelete_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	p := newTestProvider(t, ctx, bucket)

	body := `{"job_id":"j1"}`
	require.NoError(t, p.PutObject(ctx, "u1/jobs/j1.json", strings.NewReader(body), int64(len(body)), "application/json"))

	meta, err := p.Head(ctx, "u1/jobs/j1.json")
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), meta.Size)
	assert.Equal(t, "application/json", meta.ContentType)

	rc, size, err := p.GetObject(ctx, "u1/jobs/j1.json")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
	assert.Equal(t, int64(len(body)), size)

	require.NoError(t, p.DeleteObject(ctx, "u1/jobs/j1.json"))
	_, err = p.Head(ctx, "u1/jobs/j1.json")
	assert.True(t, provider.IsNotFound(err))

	// Deleting again is not an error.
	require.NoError(t, p.DeleteObject(ctx, "u1/jobs/j1.json"))
}

func TestProvider_PresignGetObject_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	cloudtest.PutObject(t, ctx, bucket, "u1/hls/j1/playlist.m3u8", []byte("#EXTM3U\n"))
	p := newTestProvider(t, ctx, bucket)

	url, err := p.PresignGetObject(ctx, "u1/hls/j1/playlist.m3u8", 5*time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url, "X-Amz-Signature")

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProvider_ListSegmentsInOrder_CloudIntegration(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	want := cloudtest.PutSegments(t, ctx, bucket, "u1", "j1", 3)
	cloudtest.PutObject(t, ctx, bucket, "u1/hls/j1/playlist.m3u8", []byte("#EXTM3U\n"))
	p := newTestProvider(t, ctx, bucket)

	res, err := p.List(ctx, provider.ListOptions{Prefix: "u1/hls/j1/segment_"})
	require.NoError(t, err)
	got := make([]string, 0, len(res.Objects))
	for _, obj := range res.Objects {
		got = append(got, obj.Key)
	}
	assert.Equal(t, want, got)
}
