package appctx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/stillpoint/internal/config"
	"github.com/3leaps/stillpoint/pkg/breaker"
	"github.com/3leaps/stillpoint/pkg/command"
	"github.com/3leaps/stillpoint/pkg/jobs"
	"github.com/3leaps/stillpoint/pkg/provider"
	"github.com/3leaps/stillpoint/pkg/provider/file"
	"github.com/3leaps/stillpoint/pkg/provider/memory"
	"github.com/3leaps/stillpoint/pkg/trigger"
)

func testConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Provider: "memory", PresignExpiry: time.Hour},
		Jobs:    config.JobsConfig{TTL: 24 * time.Hour},
		HLS:     config.HLSConfig{DefaultSegmentDuration: 5 * time.Second, URLExpiry: time.Hour},
		Breakers: config.BreakersConfig{
			AI:      config.BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute},
			TTS:     config.BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute},
			Storage: config.BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute},
		},
		Cache:    config.CacheConfig{MusicTTL: 5 * time.Minute, StatusTTL: 5 * time.Second},
		Trigger:  config.TriggerConfig{Mode: TriggerLocal, LocalConcurrency: 2},
		Pipeline: config.PipelineConfig{MusicPrefix: "music/"},
		Cleanup:  config.CleanupConfig{DeleteRate: 100, DeleteBurst: 10},
	}
}

var noRunner = command.RunnerFunc(func(ctx context.Context, name string, args ...string) (command.Result, error) {
	return command.Result{}, errors.New("subprocesses disabled in tests")
})

func TestNew_WiresServices(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(), nil, WithBackend(memory.New()), WithRunner(noRunner))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.NotNil(t, a.Jobs)
	assert.NotNil(t, a.HLS)
	assert.NotNil(t, a.Download)
	assert.NotNil(t, a.Worker)
	assert.IsType(t, &trigger.Local{}, a.Trigger)
	assert.Nil(t, a.AMQP())
	assert.Equal(t, 2, a.Breakers.Storage.Config().FailureThreshold)
	assert.Equal(t, 5*time.Minute, a.MusicCache.TTL())
	assert.Equal(t, 5*time.Second, a.StatusCache.TTL())

	rec, err := a.Jobs.CreateJob(ctx, "u1", jobs.TypeMeditation, true)
	require.NoError(t, err)
	got, err := a.Jobs.GetJob(ctx, "u1", rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)
}

func TestNew_TransitionsAreCounted(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(), nil, WithBackend(memory.New()), WithRunner(noRunner))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	rec, err := a.Jobs.CreateJob(ctx, "u1", jobs.TypeSummary, false)
	require.NoError(t, err)
	require.NoError(t, a.Jobs.UpdateJobStatus(ctx, "u1", rec.JobID, jobs.StatusProcessing))

	c := a.Metrics.JobTransitions.WithLabelValues(string(jobs.TypeSummary), string(jobs.StatusPending), string(jobs.StatusProcessing))
	assert.Equal(t, 1.0, testutil.ToFloat64(c))
}

func TestNew_StorageBreakerTripsAndReports(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	backend.SetFailFunc(func(op, key string) error {
		return provider.ErrProviderUnavailable
	})

	a, err := New(ctx, testConfig(), nil, WithBackend(backend), WithRunner(noRunner))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	checks := a.Checkers()
	require.Contains(t, checks, "storage")
	require.Contains(t, checks, "breakers")

	assert.Error(t, checks["storage"].CheckHealth(ctx))
	assert.Error(t, checks["storage"].CheckHealth(ctx))
	assert.Equal(t, breaker.StateOpen, a.Breakers.Storage.State())

	err = checks["breakers"].CheckHealth(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.BreakerState.WithLabelValues(breaker.NameStorage)))
}

func TestCheckers_HealthyOnEmptyStore(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(), nil, WithBackend(memory.New()), WithRunner(noRunner))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	for name, c := range a.Checkers() {
		assert.NoError(t, c.CheckHealth(ctx), name)
	}
}

func TestNew_CustomTrigger(t *testing.T) {
	var handler trigger.Handler
	a, err := New(context.Background(), testConfig(), nil,
		WithBackend(memory.New()),
		WithRunner(noRunner),
		WithTrigger(func(h trigger.Handler) (trigger.Trigger, error) {
			handler = h
			return trigger.NewLocal(h, 1, nil), nil
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	assert.Same(t, a.Worker, handler)
}

func TestNew_TriggerErrorIsReturned(t *testing.T) {
	_, err := New(context.Background(), testConfig(), nil,
		WithBackend(memory.New()),
		WithTrigger(func(h trigger.Handler) (trigger.Trigger, error) {
			return nil, errors.New("broker unreachable")
		}))
	assert.ErrorContains(t, err, "broker unreachable")
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestNewBackend(t *testing.T) {
	ctx := context.Background()

	b, err := NewBackend(ctx, config.StorageConfig{Provider: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &memory.Provider{}, b)

	dir := t.TempDir()
	b, err = NewBackend(ctx, config.StorageConfig{Provider: "file", BaseDir: dir})
	require.NoError(t, err)
	fp, ok := b.(*file.Provider)
	require.True(t, ok)
	assert.Equal(t, dir, fp.BaseDir())

	_, err = NewBackend(ctx, config.StorageConfig{Provider: "gcs"})
	assert.Error(t, err)
}

func TestDeleteLimiter(t *testing.T) {
	assert.Nil(t, deleteLimiter(config.CleanupConfig{}))
	l := deleteLimiter(config.CleanupConfig{DeleteRate: 5})
	require.NotNil(t, l)
	assert.Equal(t, 1, l.Burst())
}

func TestNew_RejectsBadMusicExclude(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.MusicExclude = []string{"music/[unterminated"}

	_, err := New(context.Background(), cfg, nil, WithBackend(memory.New()), WithRunner(noRunner))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "music_exclude")
}
