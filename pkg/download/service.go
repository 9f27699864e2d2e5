// Package download produces a single playable MP3 from a completed streaming
// job's HLS segments, on demand and at most once per job.
package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/stillpoint/pkg/command"
)

// ContentType of the produced artifact.
const ContentType = "audio/mpeg"

// DefaultURLExpiry is the lifetime of presigned download URLs.
const DefaultURLExpiry = time.Hour

// ErrNoSegments indicates the job has no segments to concatenate.
var ErrNoSegments = errors.New("no segments found")

// Key is the storage key of a job's download artifact.
func Key(userID, jobID string) string {
	return userID + "/downloads/" + jobID + ".mp3"
}

// SegmentSource lists and fetches a job's segments.
type SegmentSource interface {
	ListSegments(ctx context.Context, userID, jobID string) ([]string, error)
	DownloadSegment(ctx context.Context, key, dest string) error
}

// ObjectStore is the storage surface the service needs.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	UploadFile(ctx context.Context, key, path, contentType string) error
	PresignGet(ctx context.Context, key string, expires time.Duration) (string, error)
}

// Muxer concatenates the files named in a concat-demuxer list into out.
type Muxer interface {
	Concat(ctx context.Context, listPath, outPath string) error
}

// Service is safe for concurrent use, but two concurrent GenerateMP3 calls
// for the same job may both run the muxer.
type Service struct {
	segments   SegmentSource
	store      ObjectStore
	muxer      Muxer
	log        *zap.Logger
	urlExpiry  time.Duration
	scratchDir string
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

// WithScratchDir sets the parent of per-call temp directories. Empty uses
// the OS temp dir.
func WithScratchDir(dir string) Option {
	return func(s *Service) { s.scratchDir = dir }
}

func NewService(segments SegmentSource, store ObjectStore, muxer Muxer, opts ...Option) *Service {
	s := &Service{
		segments:  segments,
		store:     store,
		muxer:     muxer,
		log:       zap.NewNop(),
		urlExpiry: DefaultURLExpiry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckMP3Exists reports whether the artifact exists. Storage errors are
// logged and reported as absent.
func (s *Service) CheckMP3Exists(ctx context.Context, userID, jobID string) bool {
	ok, err := s.store.Exists(ctx, Key(userID, jobID))
	if err != nil {
		s.log.Warn("Failed to check download", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	return ok
}

// GetDownloadURL presigns the artifact key.
func (s *Service) GetDownloadURL(ctx context.Context, userID, jobID string) (string, error) {
	u, err := s.store.PresignGet(ctx, Key(userID, jobID), s.urlExpiry)
	if err != nil {
		s.log.Warn("Failed to presign download", zap.String("job_id", jobID), zap.Error(err))
		return "", fmt.Errorf("presign download: %w", err)
	}
	return u, nil
}

// GenerateMP3 concatenates the job's segments into the download artifact and
// returns its key. An existing artifact is returned without regenerating.
func (s *Service) GenerateMP3(ctx context.Context, userID, jobID string) (string, error) {
	key := Key(userID, jobID)
	if s.CheckMP3Exists(ctx, userID, jobID) {
		s.log.Debug("Download already exists", zap.String("key", key))
		return key, nil
	}

	segments, err := s.segments.ListSegments(ctx, userID, jobID)
	if err != nil {
		return "", err
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("%w for %s/%s", ErrNoSegments, userID, jobID)
	}
	sort.Strings(segments)

	workDir, err := os.MkdirTemp(s.scratchDir, "stillpoint-mp3-*")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			s.log.Warn("Failed to remove scratch dir", zap.String("dir", workDir), zap.Error(err))
		}
	}()

	local := make([]string, 0, len(segments))
	for i, segKey := range segments {
		dest := filepath.Join(workDir, fmt.Sprintf("segment_%03d.ts", i))
		if err := s.segments.DownloadSegment(ctx, segKey, dest); err != nil {
			return "", err
		}
		local = append(local, dest)
	}

	listPath := filepath.Join(workDir, "concat.txt")
	if err := os.WriteFile(listPath, []byte(ConcatList(local)), 0o644); err != nil {
		return "", fmt.Errorf("write concat list: %w", err)
	}

	outPath := filepath.Join(workDir, "output.mp3")
	if err := s.muxer.Concat(ctx, listPath, outPath); err != nil {
		fields := []zap.Field{zap.String("job_id", jobID), zap.Int("segments", len(local)), zap.Error(err)}
		var cmdErr *command.Error
		if errors.As(err, &cmdErr) {
			fields = append(fields, zap.String("stderr", cmdErr.Result.Stderr))
		}
		s.log.Error("Concatenation failed", fields...)
		return "", fmt.Errorf("concatenate segments: %w", err)
	}

	if err := s.store.UploadFile(ctx, key, outPath, ContentType); err != nil {
		return "", fmt.Errorf("upload download: %w", err)
	}
	s.log.Info("Generated download", zap.String("key", key), zap.Int("segments", len(local)))
	return key, nil
}

// GenerateMP3AndGetURL generates (or reuses) the artifact and presigns it.
func (s *Service) GenerateMP3AndGetURL(ctx context.Context, userID, jobID string) (string, error) {
	if _, err := s.GenerateMP3(ctx, userID, jobID); err != nil {
		return "", err
	}
	return s.GetDownloadURL(ctx, userID, jobID)
}

// ConcatList renders an ffmpeg concat-demuxer list. Single quotes inside a
// path are closed, escaped and reopened.
func ConcatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(p, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}
