package breaker

import "time"

// Names of the per-dependency breakers.
const (
	NameAI      = "ai"
	NameTTS     = "tts"
	NameStorage = "storage"
)

// SetConfig configures the three dependency breakers.
type SetConfig struct {
	AI      Config
	TTS     Config
	Storage Config
}

// DefaultSetConfig trips generation APIs after 3 failures and storage
// after 5, each with a 60 second recovery timeout.
func DefaultSetConfig() SetConfig {
	return SetConfig{
		AI:      Config{FailureThreshold: 3, RecoveryTimeout: 60 * time.Second},
		TTS:     Config{FailureThreshold: 3, RecoveryTimeout: 60 * time.Second},
		Storage: Config{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second},
	}
}

// Set holds one breaker per external dependency.
type Set struct {
	AI      *Breaker
	TTS     *Breaker
	Storage *Breaker
}

// NewSet builds the dependency breakers. opts apply to each of them.
func NewSet(cfg SetConfig, opts ...Option) *Set {
	return &Set{
		AI:      New(NameAI, cfg.AI, opts...),
		TTS:     New(NameTTS, cfg.TTS, opts...),
		Storage: New(NameStorage, cfg.Storage, opts...),
	}
}

// All returns the breakers in a stable order.
func (s *Set) All() []*Breaker {
	return []*Breaker{s.AI, s.TTS, s.Storage}
}

// Snapshot returns the state of each breaker keyed by name.
func (s *Set) Snapshot() map[string]State {
	out := make(map[string]State, 3)
	for _, b := range s.All() {
		out[b.Name()] = b.State()
	}
	return out
}
