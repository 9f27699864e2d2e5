// Package output writes job events as JSONL.
//
// Each line is a self-contained envelope whose type selects the payload
// shape, so consumers can follow a job with a line-oriented reader.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record types, versioned as stillpoint.<type>.v<version>.
const (
	TypeJob     = "stillpoint.job.v1"
	TypeDeleted = "stillpoint.deleted.v1"
	TypeError   = "stillpoint.error.v1"
	TypeSummary = "stillpoint.summary.v1"
)

// Record is the envelope for every line.
type Record struct {
	Type   string          `json:"type"`
	TS     time.Time       `json:"ts"`
	UserID string          `json:"user_id"`
	JobID  string          `json:"job_id,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// JobRecord is a status snapshot of one job.
type JobRecord struct {
	Status            string  `json:"status"`
	SegmentsCompleted int     `json:"segments_completed,omitempty"`
	SegmentsTotal     *int    `json:"segments_total,omitempty"`
	PlaylistURL       string  `json:"playlist_url,omitempty"`
	DownloadURL       string  `json:"download_url,omitempty"`
	Error             string  `json:"error,omitempty"`
	Elapsed           float64 `json:"elapsed_seconds"`
}

// DeletedRecord reports one removed job record.
type DeletedRecord struct {
	JobID string `json:"job_id"`
}

// ErrorRecord reports a failure without ending the stream.
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeNotFound    = "NOT_FOUND"
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeInternal    = "INTERNAL"
)

// SummaryRecord closes a bulk operation.
type SummaryRecord struct {
	Operation     string        `json:"operation"`
	Count         int           `json:"count"`
	Errors        int           `json:"errors"`
	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("writer is closed")

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // marshal_data, marshal_record or write
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
