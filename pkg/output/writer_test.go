package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTS = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newWriter(w io.Writer) *JSONLWriter {
	return NewJSONLWriter(w, "u1").WithClock(func() time.Time { return fixedTS })
}

func decodeLine(t *testing.T, line []byte) Record {
	t.Helper()
	var rec Record
	require.NoError(t, json.Unmarshal(line, &rec))
	return rec
}

func TestJSONLWriter_WriteJob(t *testing.T) {
	var buf bytes.Buffer
	w := newWriter(&buf)

	total := 4
	err := w.WriteJob(context.Background(), "j1", &JobRecord{
		Status:            "STREAMING",
		SegmentsCompleted: 2,
		SegmentsTotal:     &total,
		PlaylistURL:       "https://example.test/playlist.m3u8",
		Elapsed:           1.5,
	})
	require.NoError(t, err)

	rec := decodeLine(t, buf.Bytes())
	assert.Equal(t, TypeJob, rec.Type)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "j1", rec.JobID)
	assert.Equal(t, fixedTS, rec.TS)

	var data JobRecord
	require.NoError(t, json.Unmarshal(rec.Data, &data))
	assert.Equal(t, "STREAMING", data.Status)
	assert.Equal(t, 2, data.SegmentsCompleted)
	require.NotNil(t, data.SegmentsTotal)
	assert.Equal(t, 4, *data.SegmentsTotal)
}

func TestJSONLWriter_WriteDeletedAndSummary(t *testing.T) {
	var buf bytes.Buffer
	w := newWriter(&buf)
	ctx := context.Background()

	require.NoError(t, w.WriteDeleted(ctx, &DeletedRecord{JobID: "old"}))
	require.NoError(t, w.WriteSummary(ctx, &SummaryRecord{
		Operation:     "cleanup",
		Count:         1,
		Duration:      2 * time.Second,
		DurationHuman: "2s",
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	deleted := decodeLine(t, []byte(lines[0]))
	assert.Equal(t, TypeDeleted, deleted.Type)
	assert.Equal(t, "old", deleted.JobID)

	summary := decodeLine(t, []byte(lines[1]))
	assert.Equal(t, TypeSummary, summary.Type)
	assert.Empty(t, summary.JobID)
	assert.NotContains(t, lines[1], `"job_id"`)

	var sum SummaryRecord
	require.NoError(t, json.Unmarshal(summary.Data, &sum))
	assert.Equal(t, 1, sum.Count)
	assert.Equal(t, 2*time.Second, sum.Duration)
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := newWriter(&buf)

	err := w.WriteError(context.Background(), &ErrorRecord{
		Code:    ErrCodeNotFound,
		Message: "job not found",
		JobID:   "j9",
	})
	require.NoError(t, err)

	rec := decodeLine(t, buf.Bytes())
	assert.Equal(t, TypeError, rec.Type)
	assert.Equal(t, "j9", rec.JobID)

	var data ErrorRecord
	require.NoError(t, json.Unmarshal(rec.Data, &data))
	assert.Equal(t, ErrCodeNotFound, data.Code)
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := newWriter(&buf)

	require.NoError(t, w.Close())

	err := w.WriteJob(context.Background(), "j1", &JobRecord{Status: "PENDING"})
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := newWriter(&buf)

	const writers = 10
	const perWriter = 100

	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_ = w.WriteJob(context.Background(), "j1", &JobRecord{
					Status:            "STREAMING",
					SegmentsCompleted: id*perWriter + j,
				})
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, writers*perWriter)
	for i, line := range lines {
		var rec Record
		assert.NoError(t, json.Unmarshal([]byte(line), &rec), "line %d: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := newWriter(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteJob(ctx, "j1", &JobRecord{Status: "PENDING"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

type failingWriter struct{ err error }

func (f *failingWriter) Write(p []byte) (int, error) { return 0, f.err }

// shortWriteWriter writes at most n bytes per call with a nil error.
type shortWriteWriter struct {
	buf bytes.Buffer
	n   int
}

func (sw *shortWriteWriter) Write(p []byte) (int, error) {
	if len(p) > sw.n {
		p = p[:sw.n]
	}
	return sw.buf.Write(p)
}

type zeroWriteWriter struct{}

func (zeroWriteWriter) Write(p []byte) (int, error) { return 0, nil }

func TestJSONLWriter_WriteFailures(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		w := newWriter(&failingWriter{err: errors.New("disk full")})
		err := w.WriteJob(context.Background(), "j1", &JobRecord{Status: "PENDING"})

		var writeErr *WriteError
		require.ErrorAs(t, err, &writeErr)
		assert.Equal(t, "write", writeErr.Op)
	})

	t.Run("short writes complete the line", func(t *testing.T) {
		sw := &shortWriteWriter{n: 7}
		w := newWriter(sw)
		require.NoError(t, w.WriteJob(context.Background(), "j1", &JobRecord{Status: "COMPLETED"}))

		lines := strings.Split(strings.TrimSpace(sw.buf.String()), "\n")
		require.Len(t, lines, 1)
		assert.Equal(t, TypeJob, decodeLine(t, []byte(lines[0])).Type)
	})

	t.Run("zero write", func(t *testing.T) {
		w := newWriter(zeroWriteWriter{})
		err := w.WriteJob(context.Background(), "j1", &JobRecord{Status: "PENDING"})
		assert.ErrorIs(t, err, io.ErrShortWrite)
	})
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestJobRecord_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(JobRecord{Status: "PENDING"})
	require.NoError(t, err)

	s := string(data)
	assert.NotContains(t, s, "playlist_url")
	assert.NotContains(t, s, "segments_total")
	assert.NotContains(t, s, "error")
	assert.Contains(t, s, "elapsed_seconds")
}

func BenchmarkJSONLWriter_WriteJob(b *testing.B) {
	w := NewJSONLWriter(io.Discard, "u1")
	rec := &JobRecord{Status: "STREAMING", SegmentsCompleted: 12, PlaylistURL: "https://example.test/p.m3u8"}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.WriteJob(ctx, "j1", rec)
	}
}
