package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/stillpoint/internal/errors"
	"github.com/3leaps/stillpoint/pkg/download"
	"github.com/3leaps/stillpoint/pkg/hls"
	"github.com/3leaps/stillpoint/pkg/jobs"
	"github.com/3leaps/stillpoint/pkg/trigger"
	"github.com/3leaps/stillpoint/pkg/ttlcache"
)

const maxRequestBody = 1 << 20

// CacheObserver records status-cache hits and misses.
type CacheObserver func(cache string, hit bool)

// JobsDeps are the services behind the job endpoints.
type JobsDeps struct {
	Jobs     *jobs.Service
	HLS      *hls.Service
	Download *download.Service
	Trigger  trigger.Trigger

	// StatusCache holds recent GetJob results. Optional.
	StatusCache *ttlcache.Cache[string, *jobs.Record]

	// StreamingDefault applies when a request omits enable_streaming.
	StreamingDefault bool

	OnCache   CacheObserver
	OnCreated func(jobType jobs.Type, streaming bool)
	Log       *zap.Logger
}

// JobsHandler serves /v1/users/{userID}/jobs.
type JobsHandler struct {
	d JobsDeps
}

func NewJobsHandler(d JobsDeps) *JobsHandler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &JobsHandler{d: d}
}

// Routes mounts the job endpoints on r.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Delete("/expired", h.CleanupExpired)
	r.Get("/{jobID}", h.Get)
	r.Post("/{jobID}/download", h.Download)
	r.Post("/{jobID}/downloaded", h.Downloaded)
}

// CreateJobRequest is the body of a create call.
type CreateJobRequest struct {
	JobType         jobs.Type       `json:"job_type"`
	EnableStreaming *bool           `json:"enable_streaming,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
}

// CreateJobResponse acknowledges an accepted job.
type CreateJobResponse struct {
	JobID     string      `json:"job_id"`
	Status    jobs.Status `json:"status"`
	Streaming bool        `json:"streaming"`
}

// DownloadResponse carries a presigned download URL.
type DownloadResponse struct {
	JobID       string `json:"job_id"`
	DownloadURL string `json:"download_url"`
}

// CleanupResponse lists the job ids removed by a cleanup sweep.
type CleanupResponse struct {
	Deleted []string `json:"deleted"`
	Count   int      `json:"count"`
}

// Create writes a PENDING job and fires the worker. The response does not
// wait for any generation work.
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req CreateJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		respondWithError(w, r, apperrors.NewInvalidRequest("invalid request body: %v", err))
		return
	}
	streaming := h.d.StreamingDefault
	if req.EnableStreaming != nil {
		streaming = *req.EnableStreaming
	}

	rec, err := h.d.Jobs.CreateJob(r.Context(), userID, req.JobType, streaming)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if h.d.OnCreated != nil {
		h.d.OnCreated(rec.JobType, rec.IsStreaming())
	}

	inv := trigger.Invocation{UserID: userID, JobID: rec.JobID, JobType: rec.JobType, Input: req.Input}
	if err := h.d.Trigger.Fire(r.Context(), inv); err != nil {
		h.d.Log.Error("Failed to start worker",
			zap.String("user_id", userID), zap.String("job_id", rec.JobID), zap.Error(err))
		msg := fmt.Sprintf("failed to start worker: %v", err)
		if uerr := h.d.Jobs.UpdateJobStatus(r.Context(), userID, rec.JobID, jobs.StatusFailed, jobs.WithErrorMessage(msg)); uerr != nil {
			h.d.Log.Warn("Failed to record trigger failure", zap.String("job_id", rec.JobID), zap.Error(uerr))
		}
		respondWithError(w, r, apperrors.WithMessage(apperrors.Mark(err, apperrors.ErrServiceUnavailable), "start worker"))
		return
	}

	writeJSON(w, http.StatusAccepted, CreateJobResponse{
		JobID:     rec.JobID,
		Status:    rec.Status,
		Streaming: rec.IsStreaming(),
	})
}

// Get returns the job record. For streaming jobs that have begun playback
// the playlist URL is re-signed on every read and not persisted.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, jobID := chi.URLParam(r, "userID"), chi.URLParam(r, "jobID")

	rec, err := h.load(r, userID, jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	out := rec.Clone()
	if out.IsStreaming() && (out.Status == jobs.StatusStreaming || out.Status == jobs.StatusCompleted) {
		if u, err := h.d.HLS.GeneratePlaylistURL(r.Context(), userID, jobID); err == nil {
			out.Streaming.PlaylistURL = &u
		} else {
			h.d.Log.Warn("Failed to refresh playlist URL", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *JobsHandler) load(r *http.Request, userID, jobID string) (*jobs.Record, error) {
	key := userID + "/" + jobID
	if c := h.d.StatusCache; c != nil {
		rec, ok := c.Get(key)
		if ok && h.d.Jobs.IsExpired(rec) {
			// The record may outlive its job inside the cache window.
			c.Delete(key)
			ok = false
		}
		h.observe(ok)
		if ok {
			return rec, nil
		}
	}
	rec, err := h.d.Jobs.GetJob(r.Context(), userID, jobID)
	if err != nil {
		return nil, err
	}
	if c := h.d.StatusCache; c != nil {
		c.Set(key, rec.Clone())
	}
	return rec, nil
}

func (h *JobsHandler) observe(hit bool) {
	if h.d.OnCache != nil {
		h.d.OnCache("job_status", hit)
	}
}

func (h *JobsHandler) forget(userID, jobID string) {
	if c := h.d.StatusCache; c != nil {
		c.Delete(userID + "/" + jobID)
	}
}

// Download concatenates a completed streaming job into one MP3 and returns
// a presigned URL for it. Repeat calls reuse the existing artifact.
func (h *JobsHandler) Download(w http.ResponseWriter, r *http.Request) {
	userID, jobID := chi.URLParam(r, "userID"), chi.URLParam(r, "jobID")
	ctx := r.Context()

	rec, err := h.d.Jobs.GetJob(ctx, userID, jobID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if rec.Status != jobs.StatusCompleted {
		respondWithError(w, r, apperrors.NewConflict("job %s is %s, not COMPLETED", jobID, rec.Status))
		return
	}
	if !rec.IsStreaming() {
		respondWithError(w, r, apperrors.NewConflict("job %s was not streamed; its audio is in the job result", jobID))
		return
	}

	url, err := h.d.Download.GenerateMP3AndGetURL(ctx, userID, jobID)
	if err != nil {
		if !errors.Is(err, download.ErrNoSegments) {
			h.d.Log.Error("Download generation failed", zap.String("job_id", jobID), zap.Error(err))
		}
		respondWithError(w, r, err)
		return
	}
	if err := h.d.Jobs.MarkDownloadReady(ctx, userID, jobID, url); err != nil {
		respondWithError(w, r, err)
		return
	}
	h.forget(userID, jobID)
	writeJSON(w, http.StatusOK, DownloadResponse{JobID: jobID, DownloadURL: url})
}

// Downloaded records that the client fetched the download.
func (h *JobsHandler) Downloaded(w http.ResponseWriter, r *http.Request) {
	userID, jobID := chi.URLParam(r, "userID"), chi.URLParam(r, "jobID")
	if _, err := h.d.Jobs.GetJob(r.Context(), userID, jobID); err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := h.d.Jobs.MarkDownloadCompleted(r.Context(), userID, jobID); err != nil {
		respondWithError(w, r, err)
		return
	}
	h.forget(userID, jobID)
	w.WriteHeader(http.StatusNoContent)
}

// CleanupExpired deletes every expired job record of the user.
func (h *JobsHandler) CleanupExpired(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	deleted, err := h.d.Jobs.CleanupExpiredJobs(r.Context(), userID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	for _, id := range deleted {
		h.forget(userID, id)
	}
	writeJSON(w, http.StatusOK, CleanupResponse{Deleted: deleted, Count: len(deleted)})
}
