// Package hls manages the storage namespace and live playlist of a streaming
// job: segment uploads, presigned segment URLs, the EVENT playlist, and the
// cached voice track used to retry a failed mix.
package hls

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultURLExpiry is the lifetime of presigned playlist and segment URLs.
const DefaultURLExpiry = time.Hour

// ObjectStore is the storage surface the service needs.
type ObjectStore interface {
	PutBytes(ctx context.Context, key string, data []byte, contentType string) error
	UploadFile(ctx context.Context, key, path, contentType string) error
	DownloadFile(ctx context.Context, key, dest string) error
	Exists(ctx context.Context, key string) (bool, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, expires time.Duration) (string, error)
}

// Service is safe for concurrent use.
type Service struct {
	store           ObjectStore
	log             *zap.Logger
	urlExpiry       time.Duration
	segmentDuration time.Duration
	deleteLimiter   *rate.Limiter
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithURLExpiry(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.urlExpiry = d
		}
	}
}

// WithSegmentDuration sets the duration assumed for segments without a
// measurement.
func WithSegmentDuration(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.segmentDuration = d
		}
	}
}

// WithDeleteLimiter paces deletions in CleanupArtifacts.
func WithDeleteLimiter(l *rate.Limiter) Option {
	return func(s *Service) { s.deleteLimiter = l }
}

func NewService(store ObjectStore, opts ...Option) *Service {
	s := &Service{
		store:           store,
		log:             zap.NewNop(),
		urlExpiry:       DefaultURLExpiry,
		segmentDuration: DefaultSegmentDuration,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SegmentDuration returns the default segment duration.
func (s *Service) SegmentDuration() time.Duration { return s.segmentDuration }

// UploadSegment writes one segment.
func (s *Service) UploadSegment(ctx context.Context, userID, jobID string, index int, data []byte) error {
	key := SegmentKey(userID, jobID, index)
	if err := s.store.PutBytes(ctx, key, data, ContentTypeSegment); err != nil {
		s.log.Error("Failed to upload segment", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("upload segment %d: %w", index, err)
	}
	s.log.Debug("Uploaded segment", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// UploadSegmentFromFile writes one segment from a local file.
func (s *Service) UploadSegmentFromFile(ctx context.Context, userID, jobID string, index int, path string) error {
	key := SegmentKey(userID, jobID, index)
	if err := s.store.UploadFile(ctx, key, path, ContentTypeSegment); err != nil {
		s.log.Error("Failed to upload segment", zap.String("key", key), zap.String("path", path), zap.Error(err))
		return fmt.Errorf("upload segment %d: %w", index, err)
	}
	return nil
}

// GeneratePresignedURL issues a read URL for key. A non-positive expiry uses
// the service default.
func (s *Service) GeneratePresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = s.urlExpiry
	}
	u, err := s.store.PresignGet(ctx, key, expiry)
	if err != nil {
		s.log.Warn("Failed to presign URL", zap.String("key", key), zap.Error(err))
		return "", err
	}
	return u, nil
}

func (s *Service) GeneratePlaylistURL(ctx context.Context, userID, jobID string) (string, error) {
	return s.GeneratePresignedURL(ctx, PlaylistKey(userID, jobID), 0)
}

func (s *Service) GenerateSegmentURL(ctx context.Context, userID, jobID string, index int) (string, error) {
	return s.GeneratePresignedURL(ctx, SegmentKey(userID, jobID, index), 0)
}

// GenerateLivePlaylist renders the playlist for the first segmentCount
// segments with fresh presigned URLs. A segment whose URL cannot be issued
// is left out. durations may be nil or shorter than segmentCount.
func (s *Service) GenerateLivePlaylist(ctx context.Context, userID, jobID string, segmentCount int, durations []float64, complete bool) string {
	all := segmentDurations(max(segmentCount, 0), durations, s.segmentDuration)

	entries := make([]PlaylistEntry, 0, len(all))
	for i, d := range all {
		u, err := s.GenerateSegmentURL(ctx, userID, jobID, i)
		if err != nil {
			continue
		}
		entries = append(entries, PlaylistEntry{Duration: d, URL: u})
	}

	target := all
	if len(target) == 0 {
		target = []float64{s.segmentDuration.Seconds()}
	}
	return RenderPlaylist(entries, TargetDuration(target), complete)
}

// UploadPlaylist writes the playlist body.
func (s *Service) UploadPlaylist(ctx context.Context, userID, jobID, content string) error {
	key := PlaylistKey(userID, jobID)
	if err := s.store.PutBytes(ctx, key, []byte(content), ContentTypePlaylist); err != nil {
		s.log.Error("Failed to upload playlist", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("upload playlist: %w", err)
	}
	return nil
}

// FinalizePlaylist writes the closed (ENDLIST) playlist.
func (s *Service) FinalizePlaylist(ctx context.Context, userID, jobID string, segmentCount int, durations []float64) error {
	body := s.GenerateLivePlaylist(ctx, userID, jobID, segmentCount, durations, true)
	return s.UploadPlaylist(ctx, userID, jobID, body)
}

// UploadTTSCache stores the synthesized voice track from a local file.
func (s *Service) UploadTTSCache(ctx context.Context, userID, jobID, path string) error {
	key := TTSCacheKey(userID, jobID)
	if err := s.store.UploadFile(ctx, key, path, ContentTypeAudio); err != nil {
		s.log.Error("Failed to upload TTS cache", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("upload tts cache: %w", err)
	}
	return nil
}

// DownloadTTSCache fetches the cached voice track to dest.
func (s *Service) DownloadTTSCache(ctx context.Context, userID, jobID, dest string) error {
	key := TTSCacheKey(userID, jobID)
	if err := s.store.DownloadFile(ctx, key, dest); err != nil {
		return fmt.Errorf("download tts cache: %w", err)
	}
	return nil
}

// TTSCacheExists reports whether a voice track is cached. Storage errors
// are logged and reported as absent.
func (s *Service) TTSCacheExists(ctx context.Context, userID, jobID string) bool {
	ok, err := s.store.Exists(ctx, TTSCacheKey(userID, jobID))
	if err != nil {
		s.log.Warn("Failed to check TTS cache", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	return ok
}

// ListSegments returns the segment keys of a job in playback order, ignoring
// the playlist and voice cache sharing the prefix.
func (s *Service) ListSegments(ctx context.Context, userID, jobID string) ([]string, error) {
	prefix := Prefix(userID, jobID)
	keys, err := s.store.ListKeys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	segments := make([]string, 0, len(keys))
	for _, key := range keys {
		if ok, _ := doublestar.Match(segmentGlob, strings.TrimPrefix(key, prefix)); ok {
			segments = append(segments, key)
		}
	}
	sort.Strings(segments)
	return segments, nil
}

// CleanupArtifacts deletes everything under the job prefix and returns how
// many objects were removed. Individual failures are logged and skipped.
func (s *Service) CleanupArtifacts(ctx context.Context, userID, jobID string) int {
	prefix := Prefix(userID, jobID)
	keys, err := s.store.ListKeys(ctx, prefix)
	if err != nil {
		s.log.Warn("Failed to list HLS artifacts", zap.String("prefix", prefix), zap.Error(err))
		return 0
	}

	deleted := 0
	for _, key := range keys {
		if s.deleteLimiter != nil {
			if err := s.deleteLimiter.Wait(ctx); err != nil {
				s.log.Warn("HLS cleanup interrupted", zap.String("prefix", prefix), zap.Error(err))
				break
			}
		}
		if err := s.store.Delete(ctx, key); err != nil {
			s.log.Warn("Failed to delete HLS artifact", zap.String("key", key), zap.Error(err))
			continue
		}
		deleted++
	}
	s.log.Info("Cleaned up HLS artifacts", zap.String("prefix", prefix), zap.Int("deleted", deleted), zap.Int("total", len(keys)))
	return deleted
}

// DownloadSegment fetches one segment to a local path.
func (s *Service) DownloadSegment(ctx context.Context, key, dest string) error {
	if err := s.store.DownloadFile(ctx, key, dest); err != nil {
		return fmt.Errorf("download segment %s: %w", key, err)
	}
	return nil
}

