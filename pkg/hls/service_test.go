package hls

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/stillpoint/pkg/provider/memory"
	"github.com/3leaps/stillpoint/pkg/storage"
)

func newService(t *testing.T, opts ...Option) (*Service, *memory.Provider) {
	t.Helper()
	mem := memory.New()
	return NewService(storage.New(mem), opts...), mem
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "u1/hls/j1/", Prefix("u1", "j1"))
	assert.Equal(t, "u1/hls/j1/segment_000.ts", SegmentKey("u1", "j1", 0))
	assert.Equal(t, "u1/hls/j1/segment_042.ts", SegmentKey("u1", "j1", 42))
	assert.Equal(t, "u1/hls/j1/segment_1234.ts", SegmentKey("u1", "j1", 1234))
	assert.Equal(t, "u1/hls/j1/playlist.m3u8", PlaylistKey("u1", "j1"))
	assert.Equal(t, "u1/hls/j1/voice.mp3", TTSCacheKey("u1", "j1"))
}

func TestUploadSegment_ContentType(t *testing.T) {
	ctx := context.Background()
	svc, mem := newService(t)

	require.NoError(t, svc.UploadSegment(ctx, "u1", "j1", 0, []byte("ts-data")))
	assert.Equal(t, ContentTypeSegment, mem.ContentType("u1/hls/j1/segment_000.ts"))

	src := filepath.Join(t.TempDir(), "chunk.ts")
	require.NoError(t, os.WriteFile(src, []byte("more"), 0o644))
	require.NoError(t, svc.UploadSegmentFromFile(ctx, "u1", "j1", 1, src))
	assert.Equal(t, ContentTypeSegment, mem.ContentType("u1/hls/j1/segment_001.ts"))
}

func TestUploadSegment_StorageFailure(t *testing.T) {
	svc, mem := newService(t)
	mem.SetFailFunc(func(op, key string) error { return errors.New("down") })

	err := svc.UploadSegment(context.Background(), "u1", "j1", 0, []byte("x"))
	assert.Error(t, err)
	err = svc.UploadSegmentFromFile(context.Background(), "u1", "j1", 0, filepath.Join(t.TempDir(), "missing.ts"))
	assert.Error(t, err)
}

func TestGenerateLivePlaylist_InProgress(t *testing.T) {
	svc, _ := newService(t)

	body := svc.GenerateLivePlaylist(context.Background(), "u1", "j1", 3, nil, false)

	assert.True(t, strings.HasPrefix(body, "#EXTM3U\n#EXT-X-VERSION:3\n"))
	assert.Contains(t, body, "#EXT-X-TARGETDURATION:6\n")
	assert.Contains(t, body, "#EXT-X-MEDIA-SEQUENCE:0\n")
	assert.Contains(t, body, "#EXT-X-PLAYLIST-TYPE:EVENT\n")
	assert.Equal(t, 3, strings.Count(body, "#EXTINF:"))
	assert.Equal(t, 3, strings.Count(body, "#EXTINF:5.000,\n"))
	assert.Contains(t, body, "/u1/hls/j1/segment_002.ts")
	assert.NotContains(t, body, "#EXT-X-ENDLIST")
}

func TestGenerateLivePlaylist_Complete(t *testing.T) {
	svc, _ := newService(t)

	body := svc.GenerateLivePlaylist(context.Background(), "u1", "j1", 3, []float64{4.2, 6.75, 3.1}, true)

	assert.Equal(t, 1, strings.Count(body, "#EXT-X-ENDLIST"))
	assert.Greater(t, strings.Index(body, "#EXT-X-ENDLIST"), strings.LastIndex(body, "#EXTINF:"))
	assert.Contains(t, body, "#EXT-X-TARGETDURATION:7\n")
	assert.Contains(t, body, "#EXTINF:4.200,\n")
	assert.Contains(t, body, "#EXTINF:6.750,\n")
	assert.Contains(t, body, "#EXTINF:3.100,\n")
}

func TestGenerateLivePlaylist_OmitsSegmentsWithoutURL(t *testing.T) {
	svc, mem := newService(t)
	mem.SetFailFunc(func(op, key string) error {
		if op == "PresignGetObject" && strings.HasSuffix(key, "segment_001.ts") {
			return errors.New("presign failed")
		}
		return nil
	})

	body := svc.GenerateLivePlaylist(context.Background(), "u1", "j1", 3, nil, false)
	assert.Equal(t, 2, strings.Count(body, "#EXTINF:"))
	assert.NotContains(t, body, "segment_001.ts")
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		assert.NotEmpty(t, line)
	}
}

func TestGenerateLivePlaylist_ShortDurationsUseDefault(t *testing.T) {
	svc, _ := newService(t, WithSegmentDuration(2500*time.Millisecond))

	body := svc.GenerateLivePlaylist(context.Background(), "u1", "j1", 2, []float64{1.5}, false)
	assert.Contains(t, body, "#EXTINF:1.500,\n")
	assert.Contains(t, body, "#EXTINF:2.500,\n")
	assert.Contains(t, body, "#EXT-X-TARGETDURATION:3\n")
}

func TestTargetDuration(t *testing.T) {
	assert.Equal(t, 6, TargetDuration([]float64{5}))
	assert.Equal(t, 6, TargetDuration([]float64{5.999}))
	assert.Equal(t, 7, TargetDuration([]float64{1, 6.0}))
	assert.Equal(t, 1, TargetDuration(nil))
}

func TestUploadAndFinalizePlaylist(t *testing.T) {
	ctx := context.Background()
	svc, mem := newService(t)
	st := storage.New(mem)

	require.NoError(t, svc.UploadPlaylist(ctx, "u1", "j1", "#EXTM3U\n"))
	assert.Equal(t, ContentTypePlaylist, mem.ContentType(PlaylistKey("u1", "j1")))

	require.NoError(t, svc.FinalizePlaylist(ctx, "u1", "j1", 2, nil))
	b, err := st.GetBytes(ctx, PlaylistKey("u1", "j1"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(b), "#EXTINF:"))
	assert.True(t, strings.HasSuffix(string(b), "#EXT-X-ENDLIST\n"))
}

func TestPresignedURLs(t *testing.T) {
	ctx := context.Background()
	svc, mem := newService(t)

	u, err := svc.GeneratePlaylistURL(ctx, "u1", "j1")
	require.NoError(t, err)
	assert.Contains(t, u, "u1/hls/j1/playlist.m3u8")

	u, err = svc.GenerateSegmentURL(ctx, "u1", "j1", 4)
	require.NoError(t, err)
	assert.Contains(t, u, "segment_004.ts")

	mem.SetFailFunc(func(op, key string) error { return errors.New("nope") })
	u, err = svc.GeneratePresignedURL(ctx, "any", 0)
	assert.Error(t, err)
	assert.Empty(t, u)
}

func TestTTSCache(t *testing.T) {
	ctx := context.Background()
	svc, mem := newService(t)

	assert.False(t, svc.TTSCacheExists(ctx, "u1", "j1"))

	src := filepath.Join(t.TempDir(), "voice.mp3")
	require.NoError(t, os.WriteFile(src, []byte("ID3voice"), 0o644))
	require.NoError(t, svc.UploadTTSCache(ctx, "u1", "j1", src))
	assert.True(t, svc.TTSCacheExists(ctx, "u1", "j1"))
	assert.Equal(t, ContentTypeAudio, mem.ContentType(TTSCacheKey("u1", "j1")))

	dest := filepath.Join(t.TempDir(), "restored.mp3")
	require.NoError(t, svc.DownloadTTSCache(ctx, "u1", "j1", dest))
	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "ID3voice", string(b))

	mem.SetFailFunc(func(op, key string) error { return errors.New("down") })
	assert.False(t, svc.TTSCacheExists(ctx, "u1", "j1"))
}

func TestListSegments_FiltersBySuffix(t *testing.T) {
	ctx := context.Background()
	svc, mem := newService(t)
	st := storage.New(mem)

	require.NoError(t, svc.UploadSegment(ctx, "u1", "j1", 1, []byte("b")))
	require.NoError(t, svc.UploadSegment(ctx, "u1", "j1", 0, []byte("a")))
	require.NoError(t, svc.UploadPlaylist(ctx, "u1", "j1", "#EXTM3U\n"))
	require.NoError(t, st.PutBytes(ctx, TTSCacheKey("u1", "j1"), []byte("v"), ContentTypeAudio))
	require.NoError(t, svc.UploadSegment(ctx, "u1", "j10", 0, []byte("other job")))
	require.NoError(t, st.PutBytes(ctx, Prefix("u1", "j1")+"intro.ts", []byte("stray"), ContentTypeSegment))
	require.NoError(t, st.PutBytes(ctx, Prefix("u1", "j1")+"tmp/segment_002.ts", []byte("nested"), ContentTypeSegment))

	segs, err := svc.ListSegments(ctx, "u1", "j1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1/hls/j1/segment_000.ts", "u1/hls/j1/segment_001.ts"}, segs)
}

func TestCleanupArtifacts_BestEffort(t *testing.T) {
	ctx := context.Background()
	svc, mem := newService(t)

	for i := range 3 {
		require.NoError(t, svc.UploadSegment(ctx, "u1", "j1", i, []byte("x")))
	}
	require.NoError(t, svc.UploadPlaylist(ctx, "u1", "j1", "#EXTM3U\n"))

	mem.SetFailFunc(func(op, key string) error {
		if op == "DeleteObject" && strings.HasSuffix(key, "segment_001.ts") {
			return errors.New("locked")
		}
		return nil
	})

	assert.Equal(t, 3, svc.CleanupArtifacts(ctx, "u1", "j1"))
	assert.Equal(t, []string{"u1/hls/j1/segment_001.ts"}, mem.Keys())
}

func TestDownloadSegment(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	require.NoError(t, svc.UploadSegment(ctx, "u1", "j1", 0, []byte("seg0")))

	dest := filepath.Join(t.TempDir(), "000.ts")
	require.NoError(t, svc.DownloadSegment(ctx, SegmentKey("u1", "j1", 0), dest))
	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "seg0", string(b))

	assert.Error(t, svc.DownloadSegment(ctx, SegmentKey("u1", "j1", 9), dest))
}
