// Package pipeline is the asynchronous worker that turns a created job into
// its result, driving the job record through the lifecycle as it goes.
//
// A summary job runs script generation only. A meditation job synthesizes
// speech, mixes it over background music and either uploads the finished
// audio or, when streaming, publishes HLS segments one at a time with a live
// playlist the client can start playing before generation finishes.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/stillpoint/pkg/breaker"
	"github.com/3leaps/stillpoint/pkg/hls"
	"github.com/3leaps/stillpoint/pkg/jobs"
	"github.com/3leaps/stillpoint/pkg/match"
	"github.com/3leaps/stillpoint/pkg/trigger"
	"github.com/3leaps/stillpoint/pkg/ttlcache"
)

const (
	// DefaultMusicPrefix holds the background track inventory.
	DefaultMusicPrefix = "music/"

	// DefaultMusicTTL is how long a listed inventory is reused.
	DefaultMusicTTL = 5 * time.Minute

	musicGlob = "**/*.{mp3,wav,m4a,ogg,flac}"
)

// AudioKey is where a non-streaming meditation's audio is stored.
func AudioKey(userID, jobID string) string {
	return path.Join(userID, "audio", jobID+".mp3")
}

// MediaStore is the storage surface the worker uses outside the job and HLS
// namespaces.
type MediaStore interface {
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	DownloadFile(ctx context.Context, key, dest string) error
	UploadFile(ctx context.Context, key, path, contentType string) error
}

// Deps are the collaborators a Worker drives.
type Deps struct {
	Jobs      *jobs.Service
	HLS       *hls.Service
	Media     MediaStore
	Script    ScriptGenerator
	Speech    SpeechSynthesizer
	Mixer     AudioMixer
	Segmenter Segmenter
	Breakers  *breaker.Set
}

// Worker handles trigger invocations. It is safe for concurrent use.
type Worker struct {
	Deps

	log            *zap.Logger
	scratchDir     string
	segmentSeconds int
	tracks         *match.Matcher
	music          *ttlcache.Cache[string, []string]
	onSegment      func()
}

// Option configures a Worker.
type Option func(*Worker)

func WithLogger(log *zap.Logger) Option {
	return func(w *Worker) {
		if log != nil {
			w.log = log
		}
	}
}

// WithScratchDir sets the parent of per-job temporary directories.
func WithScratchDir(dir string) Option {
	return func(w *Worker) { w.scratchDir = dir }
}

// WithSegmentSeconds sets the target HLS segment length.
func WithSegmentSeconds(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.segmentSeconds = n
		}
	}
}

// MusicMatcher selects audio files anywhere under prefix, minus excludes.
func MusicMatcher(prefix string, excludes []string) (*match.Matcher, error) {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return match.New(match.Config{Includes: []string{prefix + musicGlob}, Excludes: excludes})
}

// WithMusicPrefix selects every audio file under prefix. A prefix that is
// not a valid pattern leaves the default in place.
func WithMusicPrefix(prefix string) Option {
	return func(w *Worker) {
		if prefix == "" {
			return
		}
		if m, err := MusicMatcher(prefix, nil); err == nil {
			w.tracks = m
		}
	}
}

func WithMusicMatcher(m *match.Matcher) Option {
	return func(w *Worker) {
		if m != nil {
			w.tracks = m
		}
	}
}

// WithMusicCache shares an inventory cache across workers.
func WithMusicCache(c *ttlcache.Cache[string, []string]) Option {
	return func(w *Worker) {
		if c != nil {
			w.music = c
		}
	}
}

// WithSegmentObserver is called after each uploaded segment.
func WithSegmentObserver(fn func()) Option {
	return func(w *Worker) { w.onSegment = fn }
}

func NewWorker(d Deps, opts ...Option) *Worker {
	if d.Breakers == nil {
		d.Breakers = breaker.NewSet(breaker.DefaultSetConfig())
	}
	if d.Script == nil {
		d.Script = PassthroughScript{}
	}
	w := &Worker{
		Deps:           d,
		log:            zap.NewNop(),
		segmentSeconds: int(hls.DefaultSegmentDuration / time.Second),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.tracks == nil {
		w.tracks, _ = MusicMatcher(DefaultMusicPrefix, nil)
	}
	if w.music == nil {
		w.music = ttlcache.New[string, []string](DefaultMusicTTL)
	}
	return w
}

var _ trigger.Handler = (*Worker)(nil)

// Handle runs one job. Any failure marks the job FAILED with a message and
// is returned. A job that no longer exists or already finished is skipped.
func (w *Worker) Handle(ctx context.Context, inv trigger.Invocation) error {
	log := w.log.With(zap.String("user_id", inv.UserID), zap.String("job_id", inv.JobID))

	rec, err := w.Jobs.GetJob(ctx, inv.UserID, inv.JobID)
	if errors.Is(err, jobs.ErrNotFound) {
		log.Info("Job gone before processing")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if rec.Status.IsTerminal() {
		log.Info("Job already finished", zap.String("status", string(rec.Status)))
		return nil
	}

	start := time.Now()
	if err := w.process(ctx, log, rec, inv.Input); err != nil {
		msg := failureMessage(err)
		log.Error("Job failed", zap.String("reason", msg), zap.Error(err))
		if uerr := w.Jobs.UpdateJobStatus(ctx, rec.UserID, rec.JobID, jobs.StatusFailed, jobs.WithErrorMessage(msg)); uerr != nil {
			log.Warn("Failed to record job failure", zap.Error(uerr))
		}
		return err
	}
	log.Info("Job finished", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// failureMessage is the text stored on a FAILED job.
func failureMessage(err error) string {
	var open *breaker.OpenError
	if errors.As(err, &open) {
		return fmt.Sprintf("%s service temporarily unavailable", open.Name)
	}
	return err.Error()
}

func (w *Worker) process(ctx context.Context, log *zap.Logger, rec *jobs.Record, input json.RawMessage) error {
	if rec.Status == jobs.StatusPending {
		if err := w.Jobs.UpdateJobStatus(ctx, rec.UserID, rec.JobID, jobs.StatusProcessing); err != nil {
			return err
		}
	}

	script, err := breaker.Do(ctx, w.Breakers.AI, func(ctx context.Context) (string, error) {
		return w.Script.GenerateScript(ctx, rec.JobType, input)
	})
	if err != nil {
		return fmt.Errorf("generate script: %w", err)
	}

	if rec.JobType == jobs.TypeSummary {
		result, err := json.Marshal(map[string]string{"summary": script})
		if err != nil {
			return err
		}
		return w.Jobs.UpdateJobStatus(ctx, rec.UserID, rec.JobID, jobs.StatusCompleted, jobs.WithResult(result))
	}
	return w.meditation(ctx, log, rec, script)
}

func (w *Worker) meditation(ctx context.Context, log *zap.Logger, rec *jobs.Record, script string) error {
	if w.Speech == nil || w.Mixer == nil {
		return errors.New("meditation pipeline is not configured")
	}

	workDir, err := os.MkdirTemp(w.scratchDir, "stillpoint-job-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	voice := filepath.Join(workDir, "voice.wav")
	if err := w.voice(ctx, log, rec, script, voice); err != nil {
		return err
	}

	music, err := w.pickMusic(ctx, log, rec.JobID, workDir)
	if err != nil {
		return err
	}

	mixed := filepath.Join(workDir, "mixed.mp3")
	if err := w.Mixer.Mix(ctx, voice, music, mixed); err != nil {
		return err
	}

	if rec.IsStreaming() {
		return w.stream(ctx, log, rec, mixed, workDir)
	}

	key := AudioKey(rec.UserID, rec.JobID)
	if err := w.Media.UploadFile(ctx, key, mixed, "audio/mpeg"); err != nil {
		return fmt.Errorf("upload audio: %w", err)
	}
	result, err := json.Marshal(map[string]string{"audio_key": key})
	if err != nil {
		return err
	}
	return w.Jobs.UpdateJobStatus(ctx, rec.UserID, rec.JobID, jobs.StatusCompleted, jobs.WithResult(result))
}

// voice produces the voice track at dest. A streaming job retried after a
// failed mix reuses its cached track instead of synthesizing again.
func (w *Worker) voice(ctx context.Context, log *zap.Logger, rec *jobs.Record, script, dest string) error {
	if rec.IsStreaming() && rec.TTSCacheKey != nil && w.HLS.TTSCacheExists(ctx, rec.UserID, rec.JobID) {
		attempt, err := w.Jobs.IncrementGenerationAttempt(ctx, rec.UserID, rec.JobID)
		if err != nil {
			log.Warn("Failed to bump generation attempt", zap.Error(err))
		}
		err = w.HLS.DownloadTTSCache(ctx, rec.UserID, rec.JobID, dest)
		if err == nil {
			log.Info("Reusing cached voice track", zap.Int("attempt", attempt))
			return nil
		}
		log.Warn("Cached voice track unreadable; synthesizing", zap.Error(err))
	}

	err := w.Breakers.TTS.Execute(ctx, func(ctx context.Context) error {
		return w.Speech.Synthesize(ctx, script, dest)
	})
	if err != nil {
		return fmt.Errorf("synthesize speech: %w", err)
	}

	if rec.IsStreaming() {
		if err := w.HLS.UploadTTSCache(ctx, rec.UserID, rec.JobID, dest); err != nil {
			log.Warn("Voice track not cached", zap.Error(err))
		} else if err := w.Jobs.SetTTSCacheKey(ctx, rec.UserID, rec.JobID, hls.TTSCacheKey(rec.UserID, rec.JobID)); err != nil {
			log.Warn("Failed to record voice cache key", zap.Error(err))
		}
	}
	return nil
}

// pickMusic downloads a background track for jobID, or returns "" when the
// inventory is empty. The choice is stable per job.
func (w *Worker) pickMusic(ctx context.Context, log *zap.Logger, jobID, workDir string) (string, error) {
	if w.Media == nil {
		return "", nil
	}
	cacheKey := strings.Join(w.tracks.IncludePatterns(), ",")
	tracks, ok := w.music.Get(cacheKey)
	if !ok {
		var keys []string
		for _, prefix := range w.tracks.Prefixes() {
			listed, err := w.Media.ListKeys(ctx, prefix)
			if err != nil {
				log.Warn("Music inventory unavailable; mixing voice only", zap.Error(err))
				return "", nil
			}
			keys = append(keys, listed...)
		}
		tracks = w.tracks.Filter(keys)
		w.music.Set(cacheKey, tracks)
	}
	if len(tracks) == 0 {
		return "", nil
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	key := tracks[int(h.Sum32()%uint32(len(tracks)))]

	dest := filepath.Join(workDir, "music"+path.Ext(key))
	if err := w.Media.DownloadFile(ctx, key, dest); err != nil {
		return "", fmt.Errorf("download music %s: %w", key, err)
	}
	return dest, nil
}

// stream publishes the mix as HLS. The job goes live once the first segment
// and its playlist are stored; the playlist is rewritten after every
// segment and closed at the end.
func (w *Worker) stream(ctx context.Context, log *zap.Logger, rec *jobs.Record, mixed, workDir string) error {
	if w.Segmenter == nil {
		return errors.New("segmenter is not configured")
	}
	segDir := filepath.Join(workDir, "segments")
	if err := os.MkdirAll(segDir, 0o755); err != nil {
		return fmt.Errorf("create segment dir: %w", err)
	}

	segments, err := w.Segmenter.Segment(ctx, mixed, segDir, w.segmentSeconds)
	if err != nil {
		return err
	}
	total := len(segments)
	userID, jobID := rec.UserID, rec.JobID

	durations := make([]float64, 0, total)
	for i, seg := range segments {
		if err := w.HLS.UploadSegmentFromFile(ctx, userID, jobID, i, seg.Path); err != nil {
			return err
		}
		durations = append(durations, seg.Duration)

		live := w.HLS.GenerateLivePlaylist(ctx, userID, jobID, i+1, durations, false)
		if err := w.HLS.UploadPlaylist(ctx, userID, jobID, live); err != nil {
			return err
		}

		if i == 0 {
			playlistURL, err := w.HLS.GeneratePlaylistURL(ctx, userID, jobID)
			if err != nil {
				return fmt.Errorf("presign playlist: %w", err)
			}
			if err := w.Jobs.MarkStreamingStarted(ctx, userID, jobID, playlistURL); err != nil {
				return err
			}
			log.Info("Streaming started", zap.Int("segments_total", total))
		}

		if err := w.Jobs.UpdateStreamingProgress(ctx, userID, jobID, i+1, jobs.WithSegmentsTotal(total)); err != nil {
			return err
		}
		if w.onSegment != nil {
			w.onSegment()
		}
	}

	if err := w.HLS.FinalizePlaylist(ctx, userID, jobID, total, durations); err != nil {
		return err
	}
	return w.Jobs.MarkStreamingComplete(ctx, userID, jobID, total)
}
