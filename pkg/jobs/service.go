// Package jobs tracks the lifecycle of asynchronous generation jobs.
//
// A job is one JSON document per job id stored under the owning user's
// namespace:
//
//	<user_id>/jobs/<job_id>.json
//
// Records are created by the request path and mutated by the worker as a
// whole-document read-modify-write. There is no conditional write: two
// writers racing on the same job resolve last-writer-wins.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/stillpoint/pkg/provider"
)

// DefaultTTL is how long a job record lives after creation.
const DefaultTTL = 24 * time.Hour

var (
	// ErrNotFound indicates the job does not exist or has expired.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition indicates a status change that would move backward
	// or leave a terminal state.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrInvalidArgument indicates malformed identifiers or job type.
	ErrInvalidArgument = errors.New("invalid argument")
)

// DocumentStore is the storage surface the service needs.
type DocumentStore interface {
	UploadJSON(ctx context.Context, key string, doc any) error
	DownloadJSON(ctx context.Context, key string, out any) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// TransitionFunc observes persisted status changes.
type TransitionFunc func(jobType Type, from, to Status)

// Service manages job records.
type Service struct {
	store         DocumentStore
	log           *zap.Logger
	now           func() time.Time
	ttl           time.Duration
	newID         func() string
	deleteLimiter *rate.Limiter
	onTransition  TransitionFunc
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

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithIDGenerator overrides the random UUID job id source.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithDeleteLimiter paces deletions during CleanupExpiredJobs.
func WithDeleteLimiter(l *rate.Limiter) Option {
	return func(s *Service) { s.deleteLimiter = l }
}

func WithTransitionHook(fn TransitionFunc) Option {
	return func(s *Service) { s.onTransition = fn }
}

func NewService(store DocumentStore, opts ...Option) *Service {
	s := &Service{
		store: store,
		log:   zap.NewNop(),
		now:   time.Now,
		ttl:   DefaultTTL,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Prefix is the namespace holding a user's job records.
func Prefix(userID string) string {
	return userID + "/jobs/"
}

// Key is the storage key of a job record.
func Key(userID, jobID string) string {
	return Prefix(userID) + jobID + ".json"
}

func validateID(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidArgument, field)
	}
	if strings.ContainsAny(v, "/\\") || v == "." || v == ".." {
		return fmt.Errorf("%w: %s %q contains a path separator", ErrInvalidArgument, field, v)
	}
	return nil
}

// CreateJob writes a new PENDING record and returns it. Streaming meditation
// jobs start with empty streaming and download state. The worker is not
// started here.
func (s *Service) CreateJob(ctx context.Context, userID string, jobType Type, enableStreaming bool) (*Record, error) {
	if err := validateID("user_id", userID); err != nil {
		return nil, err
	}
	if !jobType.Valid() {
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidArgument, jobType)
	}

	now := s.now().UTC()
	rec := &Record{
		JobID:     s.newID(),
		UserID:    userID,
		JobType:   jobType,
		Status:    StatusPending,
		CreatedAt: NewTimestamp(now),
		UpdatedAt: NewTimestamp(now),
		ExpiresAt: ptr(NewTimestamp(now.Add(s.ttl))),
	}
	if jobType == TypeMeditation && enableStreaming {
		rec.Streaming = &StreamingInfo{Enabled: true}
		rec.Download = &DownloadInfo{}
		rec.GenerationAttempt = ptr(1)
	}

	if err := s.store.UploadJSON(ctx, Key(userID, rec.JobID), rec); err != nil {
		return nil, fmt.Errorf("write job record: %w", err)
	}
	s.log.Info("Job created",
		zap.String("user_id", userID),
		zap.String("job_id", rec.JobID),
		zap.String("job_type", string(jobType)),
		zap.Bool("streaming", rec.IsStreaming()))
	return rec, nil
}

// GetJob loads a job. An expired record is deleted as a side effect and
// reported as ErrNotFound, so a second call is also ErrNotFound.
func (s *Service) GetJob(ctx context.Context, userID, jobID string) (*Record, error) {
	if err := validateID("user_id", userID); err != nil {
		return nil, err
	}
	if err := validateID("job_id", jobID); err != nil {
		return nil, err
	}

	key := Key(userID, jobID)
	var rec Record
	if err := s.store.DownloadJSON(ctx, key, &rec); err != nil {
		if provider.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, userID, jobID)
		}
		return nil, fmt.Errorf("read job record: %w", err)
	}

	if s.IsExpired(&rec) {
		if err := s.store.Delete(ctx, key); err != nil {
			s.log.Warn("Failed to delete expired job", zap.String("key", key), zap.Error(err))
		} else {
			s.log.Debug("Deleted expired job", zap.String("key", key))
		}
		return nil, fmt.Errorf("%w: %s/%s (expired)", ErrNotFound, userID, jobID)
	}
	return &rec, nil
}

// IsExpired reports whether rec is past its lifetime. It prefers expires_at
// and falls back to created_at + TTL. A value that cannot be parsed is never
// treated as expired.
func (s *Service) IsExpired(rec *Record) bool {
	now := s.now()
	if rec.ExpiresAt != nil && !rec.ExpiresAt.IsZero() {
		t, ok := rec.ExpiresAt.Time()
		return ok && !now.Before(t)
	}
	t, ok := rec.CreatedAt.Time()
	return ok && !now.Before(t.Add(s.ttl))
}

// mutate applies fn to the current record and persists it. A missing or
// expired job is a silent no-op returning (nil, nil).
func (s *Service) mutate(ctx context.Context, userID, jobID string, fn func(*Record) error) (*Record, error) {
	rec, err := s.GetJob(ctx, userID, jobID)
	if errors.Is(err, ErrNotFound) {
		s.log.Debug("Job update dropped", zap.String("user_id", userID), zap.String("job_id", jobID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	from := rec.Status
	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.UpdatedAt = NewTimestamp(s.now())

	if err := s.store.UploadJSON(ctx, Key(userID, jobID), rec); err != nil {
		return nil, fmt.Errorf("write job record: %w", err)
	}
	if from != rec.Status {
		s.log.Info("Job status changed",
			zap.String("user_id", userID),
			zap.String("job_id", jobID),
			zap.String("from", string(from)),
			zap.String("to", string(rec.Status)))
		if s.onTransition != nil {
			s.onTransition(rec.JobType, from, rec.Status)
		}
	}
	return rec, nil
}

func setStatus(rec *Record, next Status) error {
	if !rec.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, next)
	}
	rec.Status = next
	return nil
}

// UpdateOption sets optional fields in UpdateJobStatus.
type UpdateOption func(*Record)

// WithResult sets the result payload.
func WithResult(result json.RawMessage) UpdateOption {
	return func(r *Record) { r.Result = result }
}

// WithErrorMessage sets the human-readable failure message.
func WithErrorMessage(msg string) UpdateOption {
	return func(r *Record) { r.Error = msg }
}

// UpdateJobStatus moves the job to status. Result and error are only written
// when supplied; omitting them never clears a previous value.
func (s *Service) UpdateJobStatus(ctx context.Context, userID, jobID string, status Status, opts ...UpdateOption) error {
	_, err := s.mutate(ctx, userID, jobID, func(rec *Record) error {
		if err := setStatus(rec, status); err != nil {
			return err
		}
		for _, opt := range opts {
			opt(rec)
		}
		return nil
	})
	return err
}

// ProgressOption sets optional fields in UpdateStreamingProgress.
type ProgressOption func(*StreamingInfo)

func WithSegmentsTotal(n int) ProgressOption {
	return func(si *StreamingInfo) { si.SegmentsTotal = ptr(n) }
}

func WithPlaylistURL(url string) ProgressOption {
	return func(si *StreamingInfo) { si.PlaylistURL = ptr(url) }
}

// UpdateStreamingProgress records segmentsCompleted as given; callers supply
// non-decreasing values. The first segment stamps started_at once.
func (s *Service) UpdateStreamingProgress(ctx context.Context, userID, jobID string, segmentsCompleted int, opts ...ProgressOption) error {
	_, err := s.mutate(ctx, userID, jobID, func(rec *Record) error {
		si := rec.ensureStreaming()
		si.SegmentsCompleted = segmentsCompleted
		for _, opt := range opts {
			opt(si)
		}
		if segmentsCompleted == 1 && si.StartedAt == nil {
			si.StartedAt = ptr(NewTimestamp(s.now()))
		}
		return nil
	})
	return err
}

// MarkStreamingStarted is the go-live moment: status STREAMING, playlist URL
// and started_at are overwritten.
func (s *Service) MarkStreamingStarted(ctx context.Context, userID, jobID, playlistURL string) error {
	_, err := s.mutate(ctx, userID, jobID, func(rec *Record) error {
		if err := setStatus(rec, StatusStreaming); err != nil {
			return err
		}
		si := rec.ensureStreaming()
		si.PlaylistURL = ptr(playlistURL)
		si.StartedAt = ptr(NewTimestamp(s.now()))
		return nil
	})
	return err
}

// MarkStreamingComplete completes a streaming job and makes it downloadable.
func (s *Service) MarkStreamingComplete(ctx context.Context, userID, jobID string, segmentsTotal int) error {
	_, err := s.mutate(ctx, userID, jobID, func(rec *Record) error {
		if err := setStatus(rec, StatusCompleted); err != nil {
			return err
		}
		si := rec.ensureStreaming()
		si.SegmentsCompleted = segmentsTotal
		si.SegmentsTotal = ptr(segmentsTotal)
		rec.ensureDownload().Available = true
		return nil
	})
	return err
}

// MarkDownloadReady records a (possibly refreshed) download URL regardless
// of status.
func (s *Service) MarkDownloadReady(ctx context.Context, userID, jobID, downloadURL string) error {
	_, err := s.mutate(ctx, userID, jobID, func(rec *Record) error {
		d := rec.ensureDownload()
		d.Available = true
		d.URL = ptr(downloadURL)
		return nil
	})
	return err
}

// MarkDownloadCompleted flags that the client fetched the download. It does
// not delete anything.
func (s *Service) MarkDownloadCompleted(ctx context.Context, userID, jobID string) error {
	_, err := s.mutate(ctx, userID, jobID, func(rec *Record) error {
		rec.ensureDownload().Downloaded = true
		return nil
	})
	return err
}

func (s *Service) SetTTSCacheKey(ctx context.Context, userID, jobID, key string) error {
	_, err := s.mutate(ctx, userID, jobID, func(rec *Record) error {
		rec.TTSCacheKey = ptr(key)
		return nil
	})
	return err
}

// IncrementGenerationAttempt bumps and returns the attempt counter, which
// starts at 1 when absent. A job that cannot be loaded yields 1.
func (s *Service) IncrementGenerationAttempt(ctx context.Context, userID, jobID string) (int, error) {
	next := 1
	rec, err := s.mutate(ctx, userID, jobID, func(rec *Record) error {
		current := 1
		if rec.GenerationAttempt != nil {
			current = *rec.GenerationAttempt
		}
		next = current + 1
		rec.GenerationAttempt = ptr(next)
		return nil
	})
	if err != nil || rec == nil {
		return 1, err
	}
	return next, nil
}

// CleanupExpiredJobs deletes every expired record under userID and returns
// the deleted job ids. Per-record failures are logged and skipped.
func (s *Service) CleanupExpiredJobs(ctx context.Context, userID string) ([]string, error) {
	if err := validateID("user_id", userID); err != nil {
		return nil, err
	}

	prefix := Prefix(userID)
	keys, err := s.store.ListKeys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list job records: %w", err)
	}

	deleted := []string{}
	for _, key := range keys {
		name := strings.TrimPrefix(key, prefix)
		if ok, _ := doublestar.Match("*.json", name); !ok {
			continue
		}

		var rec Record
		if err := s.store.DownloadJSON(ctx, key, &rec); err != nil {
			s.log.Warn("Skipping unreadable job record", zap.String("key", key), zap.Error(err))
			continue
		}
		if !s.IsExpired(&rec) {
			continue
		}

		if s.deleteLimiter != nil {
			if err := s.deleteLimiter.Wait(ctx); err != nil {
				return deleted, err
			}
		}
		if err := s.store.Delete(ctx, key); err != nil {
			s.log.Warn("Failed to delete expired job", zap.String("key", key), zap.Error(err))
			continue
		}
		deleted = append(deleted, strings.TrimSuffix(path.Base(key), ".json"))
	}

	if len(deleted) > 0 {
		s.log.Info("Cleaned up expired jobs", zap.String("user_id", userID), zap.Int("count", len(deleted)))
	}
	return deleted, nil
}
