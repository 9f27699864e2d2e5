package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/stillpoint/pkg/breaker"
	"github.com/3leaps/stillpoint/pkg/jobs"
)

func TestCLILoggerDefaultsToNop(t *testing.T) {
	require.NotNil(t, CLILogger)
	assert.NotPanics(t, func() { CLILogger.Info("before init") })

	orig := CLILogger
	defer func() { CLILogger = orig }()
	InitCLILogger("test", true)
	assert.True(t, CLILogger.Core().Enabled(zap.DebugLevel), "verbose enables debug")
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		profile string
		wantErr bool
	}{
		{"structured default", "info", "", false},
		{"console", "debug", "console", false},
		{"structured explicit", "WARN", "STRUCTURED", false},
		{"bad level", "loud", "", true},
		{"bad profile", "info", "xml", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := NewLogger("stillpoint", tt.level, tt.profile)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, log)
		})
	}
}

func TestMetrics_Observers(t *testing.T) {
	m := NewMetrics()

	m.ObserveTransition(jobs.TypeMeditation, jobs.StatusPending, jobs.StatusProcessing)
	m.ObserveTransition(jobs.TypeMeditation, jobs.StatusPending, jobs.StatusProcessing)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobTransitions.WithLabelValues("meditation", "PENDING", "PROCESSING")))

	m.ObserveBreaker("tts", breaker.StateClosed, breaker.StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("tts")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerTrips.WithLabelValues("tts", "OPEN")))

	m.ObserveCache("status", true)
	m.ObserveCache("status", false)
	m.ObserveCache("status", false)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("status", "miss")))

	m.ObserveSegment()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SegmentsUploaded))

	m.ObserveJobCreated(jobs.TypeSummary, false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsCreated.WithLabelValues("summary", "false")))

	m.ObserveHTTP(http.MethodGet, "/health", 200, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/health", "200")))
}

func TestMetrics_InitBreakers(t *testing.T) {
	m := NewMetrics()
	set := breaker.NewSet(breaker.DefaultSetConfig())
	m.InitBreakers(set)
	for _, name := range []string{breaker.NameAI, breaker.NameTTS, breaker.NameStorage} {
		assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState.WithLabelValues(name)))
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.ObserveSegment()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "stillpoint_hls_segments_uploaded_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
