// Package config loads layered service configuration.
//
// Precedence, highest first: runtime overrides, STILLPOINT_* environment
// variables, the YAML config file, built-in defaults.
package config

import (
	"time"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
	Debug    DebugConfig    `mapstructure:"debug"`
	Workers  int            `mapstructure:"workers"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	HLS      HLSConfig      `mapstructure:"hls"`
	Breakers BreakersConfig `mapstructure:"breakers"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Trigger  TriggerConfig  `mapstructure:"trigger"`
	FFmpeg   FFmpegConfig   `mapstructure:"ffmpeg"`
	Synth    SynthConfig    `mapstructure:"synth"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// StorageConfig selects and configures the object store. Provider is one of
// s3, file or memory.
type StorageConfig struct {
	Provider       string        `mapstructure:"provider"`
	Bucket         string        `mapstructure:"bucket"`
	Region         string        `mapstructure:"region"`
	Endpoint       string        `mapstructure:"endpoint"`
	Profile        string        `mapstructure:"profile"`
	ForcePathStyle bool          `mapstructure:"force_path_style"`
	UseIMDSRegion  bool          `mapstructure:"use_imds_region"`
	BaseDir        string        `mapstructure:"base_dir"`
	PresignExpiry  time.Duration `mapstructure:"presign_expiry"`
}

type JobsConfig struct {
	TTL              time.Duration `mapstructure:"ttl"`
	StreamingDefault bool          `mapstructure:"streaming_default"`
}

type HLSConfig struct {
	DefaultSegmentDuration time.Duration `mapstructure:"default_segment_duration"`
	URLExpiry              time.Duration `mapstructure:"url_expiry"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

type BreakersConfig struct {
	AI      BreakerConfig `mapstructure:"ai"`
	TTS     BreakerConfig `mapstructure:"tts"`
	Storage BreakerConfig `mapstructure:"storage"`
}

type CacheConfig struct {
	MusicTTL  time.Duration `mapstructure:"music_ttl"`
	StatusTTL time.Duration `mapstructure:"status_ttl"`
}

// TriggerConfig selects how workers are started: local (in-process) or
// amqp (RabbitMQ queue).
type TriggerConfig struct {
	Mode             string `mapstructure:"mode"`
	AMQPURL          string `mapstructure:"amqp_url"`
	Queue            string `mapstructure:"queue"`
	LocalConcurrency int    `mapstructure:"local_concurrency"`
}

type FFmpegConfig struct {
	Binary      string  `mapstructure:"binary"`
	ProbeBinary string  `mapstructure:"probe_binary"`
	Bitrate     string  `mapstructure:"bitrate"`
	MusicVolume float64 `mapstructure:"music_volume"`
}

// SynthConfig is the speech CLI. Args may use {text} and {output}.
type SynthConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// PipelineConfig: MusicExclude holds doublestar patterns over full keys,
// e.g. "music/drafts/**".
type PipelineConfig struct {
	ScratchDir   string   `mapstructure:"scratch_dir"`
	MusicPrefix  string   `mapstructure:"music_prefix"`
	MusicExclude []string `mapstructure:"music_exclude"`
}

// CleanupConfig paces bulk deletes. DeleteRate is per second; zero
// disables pacing.
type CleanupConfig struct {
	DeleteRate  float64 `mapstructure:"delete_rate"`
	DeleteBurst int     `mapstructure:"delete_burst"`
}
