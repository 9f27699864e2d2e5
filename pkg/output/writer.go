package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits job events. Implementations are safe for concurrent use and
// write each record as one line.
type Writer interface {
	WriteJob(ctx context.Context, jobID string, rec *JobRecord) error
	WriteDeleted(ctx context.Context, rec *DeletedRecord) error
	WriteError(ctx context.Context, rec *ErrorRecord) error
	WriteSummary(ctx context.Context, rec *SummaryRecord) error
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
type JSONLWriter struct {
	w      io.Writer
	userID string
	now    func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewJSONLWriter creates a writer whose envelopes carry userID.
func NewJSONLWriter(w io.Writer, userID string) *JSONLWriter {
	return &JSONLWriter{w: w, userID: userID, now: time.Now}
}

// WithClock replaces the envelope timestamp source.
func (jw *JSONLWriter) WithClock(now func() time.Time) *JSONLWriter {
	jw.now = now
	return jw
}

func (jw *JSONLWriter) WriteJob(ctx context.Context, jobID string, rec *JobRecord) error {
	return jw.writeRecord(ctx, TypeJob, jobID, rec)
}

func (jw *JSONLWriter) WriteDeleted(ctx context.Context, rec *DeletedRecord) error {
	return jw.writeRecord(ctx, TypeDeleted, rec.JobID, rec)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, rec *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, rec.JobID, rec)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, rec *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, "", rec)
}

// Close marks the writer closed. The underlying writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

// writeRecord holds the mutex for the whole line so records never
// interleave.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType, jobID string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	line, err := json.Marshal(Record{
		Type:   recordType,
		TS:     jw.now().UTC(),
		UserID: jw.userID,
		JobID:  jobID,
		Data:   dataBytes,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error.
	line = append(line, '\n')
	if err := writeAll(jw.w, line); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
