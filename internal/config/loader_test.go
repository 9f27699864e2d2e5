package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps discovery away from the developer's real config files.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	SetConfigFile("")
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)

		assert.Equal(t, "file", cfg.Storage.Provider)
		assert.Equal(t, time.Hour, cfg.Storage.PresignExpiry)
		assert.Equal(t, 24*time.Hour, cfg.Jobs.TTL)
		assert.Equal(t, 5*time.Second, cfg.HLS.DefaultSegmentDuration)

		assert.Equal(t, 3, cfg.Breakers.AI.FailureThreshold)
		assert.Equal(t, 3, cfg.Breakers.TTS.FailureThreshold)
		assert.Equal(t, 5, cfg.Breakers.Storage.FailureThreshold)
		assert.Equal(t, 60*time.Second, cfg.Breakers.Storage.RecoveryTimeout)

		assert.Equal(t, 5*time.Minute, cfg.Cache.MusicTTL)
		assert.Equal(t, "local", cfg.Trigger.Mode)
		assert.Equal(t, "stillpoint.jobs", cfg.Trigger.Queue)
		assert.Equal(t, "music/", cfg.Pipeline.MusicPrefix)
		assert.Empty(t, cfg.Pipeline.MusicExclude)

		assert.Same(t, cfg, GetConfig())
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("STILLPOINT_PORT", "9999")
		t.Setenv("STILLPOINT_LOG_LEVEL", "debug")
		t.Setenv("STILLPOINT_JOB_TTL", "2h")
		t.Setenv("STILLPOINT_BREAKERS_TTS_FAILURE_THRESHOLD", "7")
		t.Setenv("STILLPOINT_SYNTH_ARGS", "-v,en,-w,{output},{text}")
		t.Setenv("STILLPOINT_PIPELINE_MUSIC_EXCLUDE", "music/drafts/**,music/*.wav")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 9999, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 2*time.Hour, cfg.Jobs.TTL)
		assert.Equal(t, 7, cfg.Breakers.TTS.FailureThreshold)
		assert.Equal(t, []string{"-v", "en", "-w", "{output}", "{text}"}, cfg.Synth.Args)
		assert.Equal(t, []string{"music/drafts/**", "music/*.wav"}, cfg.Pipeline.MusicExclude)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		isolate(t)
		path := filepath.Join(t.TempDir(), "stillpoint.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
storage:
  provider: memory
hls:
  default_segment_duration: 4s
`), 0o600))
		SetConfigFile(path)
		t.Cleanup(func() { SetConfigFile("") })

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7070, cfg.Server.Port)
		assert.Equal(t, "memory", cfg.Storage.Provider)
		assert.Equal(t, 4*time.Second, cfg.HLS.DefaultSegmentDuration)
	})

	t.Run("DiscoversXDGConfig", func(t *testing.T) {
		isolate(t)
		dir := filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "stillpoint")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "stillpoint.yaml"), []byte("workers: 12\n"), 0o600))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 12, cfg.Workers)
	})

	t.Run("OverridesBeatEnv", func(t *testing.T) {
		isolate(t)
		t.Setenv("STILLPOINT_PORT", "9999")

		cfg, err := Load(ctx, map[string]any{
			"server":  map[string]any{"port": 6060},
			"trigger": map[string]any{"mode": "amqp"},
		})
		require.NoError(t, err)
		assert.Equal(t, 6060, cfg.Server.Port)
		assert.Equal(t, "amqp", cfg.Trigger.Mode)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		isolate(t)
		SetConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
		t.Cleanup(func() { SetConfigFile("") })

		_, err := Load(ctx)
		assert.Error(t, err)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		isolate(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Load(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestValidate(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		override map[string]any
		wantErr  string
	}{
		{"s3 without bucket", map[string]any{"storage": map[string]any{"provider": "s3"}}, "storage.bucket"},
		{"unknown provider", map[string]any{"storage": map[string]any{"provider": "gcs"}}, "storage.provider"},
		{"unknown trigger", map[string]any{"trigger": map[string]any{"mode": "sqs"}}, "trigger.mode"},
		{"bad profile", map[string]any{"logging": map[string]any{"profile": "PRETTY"}}, "logging.profile"},
		{"bad port", map[string]any{"server": map[string]any{"port": 70000}}, "server.port"},
		{"zero threshold", map[string]any{"breakers": map[string]any{"ai": map[string]any{"failure_threshold": 0}}}, "breakers.ai"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := Load(ctx, tt.override)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetEnvSpecs(t *testing.T) {
	isolate(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	byName := make(map[string]string, len(specs))
	for _, s := range specs {
		byName[s.Name] = s.Path
	}
	assert.Equal(t, "server.port", byName["STILLPOINT_PORT"])
	assert.Equal(t, "server.port", byName["STILLPOINT_SERVER_PORT"])
	assert.Equal(t, "trigger.amqp_url", byName["STILLPOINT_AMQP_URL"])
	assert.Equal(t, "cache.music_ttl", byName["STILLPOINT_CACHE_MUSIC_TTL"])
}

func TestGetUserConfigPaths(t *testing.T) {
	isolate(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	paths := getUserConfigPaths()
	require.NotEmpty(t, paths)
	assert.Equal(t, filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "stillpoint", "stillpoint.yaml"), paths[0])
	assert.Equal(t, "stillpoint.yaml", paths[len(paths)-1])
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"server": map[string]any{"port": 1, "host": "h"},
		"workers": 2,
	})
	assert.Equal(t, map[string]any{"server.port": 1, "server.host": "h", "workers": 2}, got)
}
