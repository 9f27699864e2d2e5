// Package appctx builds the per-process application context: the breakers,
// caches and services every command shares. One Context is built per
// process and passed down explicitly; nothing here is a package global.
package appctx

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/stillpoint/internal/config"
	"github.com/3leaps/stillpoint/internal/observability"
	"github.com/3leaps/stillpoint/pkg/breaker"
	"github.com/3leaps/stillpoint/pkg/command"
	"github.com/3leaps/stillpoint/pkg/download"
	"github.com/3leaps/stillpoint/pkg/hls"
	"github.com/3leaps/stillpoint/pkg/jobs"
	"github.com/3leaps/stillpoint/pkg/pipeline"
	"github.com/3leaps/stillpoint/pkg/provider"
	"github.com/3leaps/stillpoint/pkg/provider/file"
	"github.com/3leaps/stillpoint/pkg/provider/memory"
	"github.com/3leaps/stillpoint/pkg/provider/s3"
	"github.com/3leaps/stillpoint/pkg/storage"
	"github.com/3leaps/stillpoint/pkg/trigger"
	"github.com/3leaps/stillpoint/pkg/ttlcache"
)

// Trigger modes.
const (
	TriggerLocal = "local"
	TriggerAMQP  = "amqp"
)

// Context holds the long-lived state of one process.
type Context struct {
	Config  *config.Config
	Log     *zap.Logger
	Metrics *observability.Metrics

	Breakers    *breaker.Set
	MusicCache  *ttlcache.Cache[string, []string]
	StatusCache *ttlcache.Cache[string, *jobs.Record]

	Store    *storage.Store
	Jobs     *jobs.Service
	HLS      *hls.Service
	Download *download.Service
	Worker   *pipeline.Worker

	// Trigger starts workers for new jobs. In amqp mode it is also the
	// consumer returned by AMQP.
	Trigger trigger.Trigger

	amqp   *trigger.AMQP
	runner command.Runner
}

// Option customizes construction.
type Option func(*builder)

type builder struct {
	backend provider.ReadWriter
	runner  command.Runner
	metrics *observability.Metrics
	trigger func(h trigger.Handler) (trigger.Trigger, error)
	now     func() time.Time
}

// WithBackend replaces the configured storage provider.
func WithBackend(b provider.ReadWriter) Option {
	return func(o *builder) { o.backend = b }
}

// WithRunner replaces the subprocess runner used for ffmpeg and speech.
func WithRunner(r command.Runner) Option {
	return func(o *builder) { o.runner = r }
}

// WithMetrics shares a registry instead of creating one.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *builder) { o.metrics = m }
}

// WithTrigger replaces the configured trigger. fn receives the worker.
func WithTrigger(fn func(h trigger.Handler) (trigger.Trigger, error)) Option {
	return func(o *builder) { o.trigger = fn }
}

// WithClock overrides the time source of jobs, breakers and caches.
func WithClock(now func() time.Time) Option {
	return func(o *builder) { o.now = now }
}

// New wires every service from cfg.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, opts ...Option) (*Context, error) {
	if cfg == nil {
		return nil, fmt.Errorf("appctx: config is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	b := &builder{}
	for _, opt := range opts {
		opt(b)
	}
	if b.runner == nil {
		b.runner = command.ExecRunner{}
	}
	if b.metrics == nil {
		b.metrics = observability.NewMetrics()
	}

	backend := b.backend
	if backend == nil {
		var err error
		backend, err = NewBackend(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
	}

	a := &Context{Config: cfg, Log: log, Metrics: b.metrics, runner: b.runner}

	breakerOpts := []breaker.Option{breaker.WithStateChange(a.onBreakerChange)}
	cacheOpts := []ttlcache.Option{}
	jobOpts := []jobs.Option{}
	if b.now != nil {
		breakerOpts = append(breakerOpts, breaker.WithClock(b.now))
		cacheOpts = append(cacheOpts, ttlcache.WithClock(b.now))
		jobOpts = append(jobOpts, jobs.WithClock(b.now))
	}

	a.Breakers = breaker.NewSet(breaker.SetConfig{
		AI:      breakerConfig(cfg.Breakers.AI),
		TTS:     breakerConfig(cfg.Breakers.TTS),
		Storage: breakerConfig(cfg.Breakers.Storage),
	}, breakerOpts...)
	a.Metrics.InitBreakers(a.Breakers)

	a.MusicCache = ttlcache.New[string, []string](cfg.Cache.MusicTTL, cacheOpts...)
	a.StatusCache = ttlcache.New[string, *jobs.Record](cfg.Cache.StatusTTL, cacheOpts...)

	a.Store = storage.New(backend,
		storage.WithBreaker(a.Breakers.Storage),
		storage.WithLogger(log.Named("storage")),
		storage.WithPresignExpiry(cfg.Storage.PresignExpiry))

	limiter := deleteLimiter(cfg.Cleanup)

	jobOpts = append(jobOpts,
		jobs.WithLogger(log.Named("jobs")),
		jobs.WithTTL(cfg.Jobs.TTL),
		jobs.WithTransitionHook(a.Metrics.ObserveTransition))
	if limiter != nil {
		jobOpts = append(jobOpts, jobs.WithDeleteLimiter(limiter))
	}
	a.Jobs = jobs.NewService(a.Store, jobOpts...)

	hlsOpts := []hls.Option{
		hls.WithLogger(log.Named("hls")),
		hls.WithURLExpiry(cfg.HLS.URLExpiry),
		hls.WithSegmentDuration(cfg.HLS.DefaultSegmentDuration),
	}
	if limiter != nil {
		hlsOpts = append(hlsOpts, hls.WithDeleteLimiter(limiter))
	}
	a.HLS = hls.NewService(a.Store, hlsOpts...)

	muxer := download.FFmpegMuxer{Runner: b.runner, Binary: cfg.FFmpeg.Binary, Bitrate: cfg.FFmpeg.Bitrate}
	a.Download = download.NewService(a.HLS, a.Store, muxer,
		download.WithLogger(log.Named("download")),
		download.WithURLExpiry(cfg.Storage.PresignExpiry),
		download.WithScratchDir(cfg.Pipeline.ScratchDir))

	ff := pipeline.FFmpeg{
		Runner:      b.runner,
		Binary:      cfg.FFmpeg.Binary,
		ProbeBinary: cfg.FFmpeg.ProbeBinary,
		Bitrate:     cfg.FFmpeg.Bitrate,
		MusicVolume: cfg.FFmpeg.MusicVolume,
	}
	tracks, err := pipeline.MusicMatcher(cfg.Pipeline.MusicPrefix, cfg.Pipeline.MusicExclude)
	if err != nil {
		_ = a.Store.Close()
		return nil, fmt.Errorf("pipeline.music_exclude: %w", err)
	}
	a.Worker = pipeline.NewWorker(pipeline.Deps{
		Jobs:      a.Jobs,
		HLS:       a.HLS,
		Media:     a.Store,
		Script:    pipeline.PassthroughScript{},
		Speech:    pipeline.CommandSynthesizer{Runner: b.runner, Binary: cfg.Synth.Command, Args: cfg.Synth.Args},
		Mixer:     ff,
		Segmenter: ff,
		Breakers:  a.Breakers,
	},
		pipeline.WithLogger(log.Named("worker")),
		pipeline.WithScratchDir(cfg.Pipeline.ScratchDir),
		pipeline.WithSegmentSeconds(int(cfg.HLS.DefaultSegmentDuration/time.Second)),
		pipeline.WithMusicMatcher(tracks),
		pipeline.WithMusicCache(a.MusicCache),
		pipeline.WithSegmentObserver(a.Metrics.ObserveSegment))

	trig, err := a.buildTrigger(b)
	if err != nil {
		_ = a.Store.Close()
		return nil, err
	}
	a.Trigger = trig

	log.Debug("Application context ready",
		zap.String("storage", cfg.Storage.Provider),
		zap.String("trigger", cfg.Trigger.Mode))
	return a, nil
}

func (a *Context) buildTrigger(b *builder) (trigger.Trigger, error) {
	if b.trigger != nil {
		t, err := b.trigger(a.Worker)
		if err == nil {
			if q, ok := t.(*trigger.AMQP); ok {
				a.amqp = q
			}
		}
		return t, err
	}
	switch a.Config.Trigger.Mode {
	case TriggerAMQP:
		q, err := trigger.DialAMQP(a.Config.Trigger.AMQPURL, a.Config.Trigger.Queue, a.Log.Named("amqp"))
		if err != nil {
			return nil, err
		}
		a.amqp = q
		return q, nil
	default:
		return trigger.NewLocal(a.Worker, a.Config.Trigger.LocalConcurrency, a.Log.Named("trigger")), nil
	}
}

// AMQP returns the queue trigger, or nil outside amqp mode.
func (a *Context) AMQP() *trigger.AMQP { return a.amqp }

// Runner returns the subprocess runner in use.
func (a *Context) Runner() command.Runner { return a.runner }

func (a *Context) onBreakerChange(name string, from, to breaker.State) {
	a.Metrics.ObserveBreaker(name, from, to)
	a.Log.Warn("Circuit breaker state changed",
		zap.String("breaker", name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

// Close stops the trigger and releases storage. In-flight local jobs are
// waited for.
func (a *Context) Close() error {
	var first error
	if a.Trigger != nil {
		if err := a.Trigger.Close(); err != nil {
			first = err
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NewBackend opens the storage provider named by cfg.Provider.
func NewBackend(ctx context.Context, cfg config.StorageConfig) (provider.ReadWriter, error) {
	switch cfg.Provider {
	case "s3":
		p, err := s3.New(ctx, s3.Config{
			Bucket:         cfg.Bucket,
			Region:         cfg.Region,
			Endpoint:       cfg.Endpoint,
			Profile:        cfg.Profile,
			ForcePathStyle: cfg.ForcePathStyle,
			UseIMDSRegion:  cfg.UseIMDSRegion,
			PresignExpiry:  cfg.PresignExpiry,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "file":
		p, err := file.New(file.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, err
		}
		return p, nil
	case "memory":
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
}

func breakerConfig(c config.BreakerConfig) breaker.Config {
	return breaker.Config{FailureThreshold: c.FailureThreshold, RecoveryTimeout: c.RecoveryTimeout}
}

func deleteLimiter(c config.CleanupConfig) *rate.Limiter {
	if c.DeleteRate <= 0 {
		return nil
	}
	burst := c.DeleteBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.DeleteRate), burst)
}
