// Package trigger starts the asynchronous worker for a created job.
//
// The request path creates the job record and then fires an Invocation. The
// invoker does not wait for the worker; progress is observed by polling the
// job record.
package trigger

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/3leaps/stillpoint/pkg/jobs"
)

// ErrClosed is returned by Fire after Close.
var ErrClosed = errors.New("trigger closed")

// Invocation is the payload handed to the worker.
type Invocation struct {
	UserID  string          `json:"user_id"`
	JobID   string          `json:"job_id"`
	JobType jobs.Type       `json:"job_type"`
	Input   json.RawMessage `json:"input,omitempty"`
}

// Validate checks the identifying fields.
func (inv Invocation) Validate() error {
	if inv.UserID == "" || inv.JobID == "" {
		return errors.New("invocation requires user_id and job_id")
	}
	if !inv.JobType.Valid() {
		return errors.New("invocation has unknown job_type " + string(inv.JobType))
	}
	return nil
}

// Handler runs one invocation to completion.
type Handler interface {
	Handle(ctx context.Context, inv Invocation) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inv Invocation) error

func (f HandlerFunc) Handle(ctx context.Context, inv Invocation) error {
	return f(ctx, inv)
}

// Trigger dispatches invocations to a worker.
type Trigger interface {
	Fire(ctx context.Context, inv Invocation) error
	Close() error
}
