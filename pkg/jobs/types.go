package jobs

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a job.
//
// NOTE: These values are persisted in the job record and are part of the
// stable storage contract.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusStreaming  Status = "STREAMING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// ParseStatus accepts a persisted status value.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if st.rank() < 0 {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusStreaming:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	}
	return -1
}

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether next is reachable from s. Transitions only
// move forward and may skip intermediate states (a streaming job may go live
// straight from PENDING). Re-asserting the current status is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if next.rank() < 0 {
		return false
	}
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	// Unknown legacy values may only move to a known state.
	if s.rank() < 0 {
		return true
	}
	return next.rank() > s.rank()
}

// Type is the job category.
type Type string

const (
	TypeSummary    Type = "summary"
	TypeMeditation Type = "meditation"
)

func (t Type) Valid() bool {
	return t == TypeSummary || t == TypeMeditation
}

// StreamingInfo tracks incremental HLS delivery. Present only on jobs created
// with streaming enabled.
type StreamingInfo struct {
	Enabled           bool       `json:"enabled"`
	PlaylistURL       *string    `json:"playlist_url"`
	SegmentsCompleted int        `json:"segments_completed"`
	SegmentsTotal     *int       `json:"segments_total"`
	StartedAt         *Timestamp `json:"started_at"`
}

// DownloadInfo tracks the concatenated download artifact of a streaming job.
type DownloadInfo struct {
	Available  bool    `json:"available"`
	URL        *string `json:"url"`
	Downloaded bool    `json:"downloaded"`
}

// Record is the persisted job document.
//
// The schema is designed for backward-compatible extension (additive fields).
// Records written before streaming existed have no Streaming or Download
// sub-object; mutations backfill them on demand.
type Record struct {
	JobID     string    `json:"job_id"`
	UserID    string    `json:"user_id"`
	JobType   Type      `json:"job_type"`
	Status    Status    `json:"status"`
	CreatedAt Timestamp `json:"created_at"`
	UpdatedAt Timestamp `json:"updated_at"`

	ExpiresAt *Timestamp      `json:"expires_at,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`

	Streaming *StreamingInfo `json:"streaming,omitempty"`
	Download  *DownloadInfo  `json:"download,omitempty"`

	TTSCacheKey       *string `json:"tts_cache_key,omitempty"`
	GenerationAttempt *int    `json:"generation_attempt,omitempty"`
}

// MarshalJSON writes tts_cache_key as an explicit null on streaming records
// until a voice track is cached. Other records omit the field.
func (r Record) MarshalJSON() ([]byte, error) {
	type plain Record
	if !r.IsStreaming() || r.TTSCacheKey != nil {
		return json.Marshal(plain(r))
	}
	return json.Marshal(struct {
		plain
		TTSCacheKey *string `json:"tts_cache_key"`
	}{plain: plain(r)})
}

// IsStreaming reports whether the job delivers incremental HLS output.
func (r *Record) IsStreaming() bool {
	return r.Streaming != nil && r.Streaming.Enabled
}

// Clone returns a deep copy, so callers can decorate a record for a response
// without mutating a cached value.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.ExpiresAt != nil {
		v := *r.ExpiresAt
		out.ExpiresAt = &v
	}
	if r.Result != nil {
		out.Result = append(json.RawMessage(nil), r.Result...)
	}
	if r.Streaming != nil {
		s := *r.Streaming
		s.PlaylistURL = clonePtr(r.Streaming.PlaylistURL)
		s.SegmentsTotal = clonePtr(r.Streaming.SegmentsTotal)
		s.StartedAt = clonePtr(r.Streaming.StartedAt)
		out.Streaming = &s
	}
	if r.Download != nil {
		d := *r.Download
		d.URL = clonePtr(r.Download.URL)
		out.Download = &d
	}
	out.TTSCacheKey = clonePtr(r.TTSCacheKey)
	out.GenerationAttempt = clonePtr(r.GenerationAttempt)
	return &out
}

func (r *Record) ensureStreaming() *StreamingInfo {
	if r.Streaming == nil {
		r.Streaming = &StreamingInfo{Enabled: true}
	}
	return r.Streaming
}

func (r *Record) ensureDownload() *DownloadInfo {
	if r.Download == nil {
		r.Download = &DownloadInfo{}
	}
	return r.Download
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ptr[T any](v T) *T { return &v }
