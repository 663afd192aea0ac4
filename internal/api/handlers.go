// Package api exposes the unsubscribe pipeline over HTTP: batch enqueue,
// job queries, cancellation, queue control, and the user override of an
// email's unsubscribe status. Authentication is handled by the web tier in
// front of this service; the authenticated user arrives as a header.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/unsub-pilot/internal/domain"
	"github.com/ignite/unsub-pilot/internal/pkg/httputil"
	"github.com/ignite/unsub-pilot/internal/queue"
	"github.com/ignite/unsub-pilot/internal/service/unsubjob"
)

// userHeader carries the authenticated user ID set by the gateway.
const userHeader = "X-User-ID"

// Handlers holds the HTTP handlers for the unsubscribe API.
type Handlers struct {
	jobs      *unsubjob.Service
	scheduler *queue.Scheduler
}

// NewHandlers creates the API handlers.
func NewHandlers(jobs *unsubjob.Service, scheduler *queue.Scheduler) *Handlers {
	return &Handlers{jobs: jobs, scheduler: scheduler}
}

// requireUser extracts the user ID or writes a 401.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(userHeader)
	if id == "" {
		httputil.Error(w, http.StatusUnauthorized, "missing user identity")
		return "", false
	}
	return id, true
}

// EnqueueJobs creates unsubscribe jobs for a batch of emails.
//
//	POST /api/unsubscribe
func (h *Handlers) EnqueueJobs(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		EmailIDs []string `json:"email_ids"`
		Priority int      `json:"priority"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.EmailIDs) == 0 {
		httputil.BadRequest(w, "email_ids is required")
		return
	}

	result, err := h.jobs.Enqueue(r.Context(), user, req.EmailIDs, req.Priority)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, result)
}

// ListJobs returns the user's jobs, newest first.
//
//	GET /api/unsubscribe/jobs?status=&limit=&offset=
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	filter := unsubjob.ListFilter{
		Status: domain.JobStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}

	jobs, err := h.jobs.List(r.Context(), user, filter)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if jobs == nil {
		jobs = []domain.UnsubscribeJob{}
	}
	httputil.OK(w, map[string]any{"jobs": jobs})
}

// GetJob returns a single job.
//
//	GET /api/unsubscribe/jobs/{id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.Get(r.Context(), user, chi.URLParam(r, "id"))
	if errors.Is(err, unsubjob.ErrJobNotFound) {
		httputil.NotFound(w, "job not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, job)
}

// CancelJob cancels a job that hasn't started executing.
//
//	POST /api/unsubscribe/jobs/{id}/cancel
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	err := h.jobs.Cancel(r.Context(), user, chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, unsubjob.ErrJobNotFound):
		httputil.NotFound(w, "job not found")
	case errors.Is(err, unsubjob.ErrJobNotCancellable):
		httputil.Error(w, http.StatusConflict, "job cannot be cancelled in its current state")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.NoContent(w)
	}
}

// QueueStats returns scheduler activity plus queue depth by status.
//
//	GET /api/queue/stats
func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.jobs.Stats(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"scheduler": h.scheduler.Snapshot(),
		"counts":    counts,
	})
}

// StartQueue starts the scheduler if stopped.
//
//	POST /api/queue/start
func (h *Handlers) StartQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.Start(); err != nil {
		httputil.Error(w, http.StatusConflict, err.Error())
		return
	}
	httputil.OK(w, map[string]any{"running": true})
}

// StopQueue stops the scheduler, waiting for in-flight jobs.
//
//	POST /api/queue/stop
func (h *Handlers) StopQueue(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Stop()
	httputil.OK(w, map[string]any{"running": false})
}

// SetEmailStatus applies a user-confirmed unsubscribe status override.
//
//	PUT /api/emails/{id}/unsubscribe-status
func (h *Handlers) SetEmailStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req struct {
		Status domain.UnsubscribeStatus `json:"status"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}

	err := h.jobs.SetEmailStatus(r.Context(), user, chi.URLParam(r, "id"), req.Status)
	switch {
	case errors.Is(err, unsubjob.ErrEmailNotFound):
		httputil.NotFound(w, "email not found")
	case err != nil:
		httputil.BadRequest(w, err.Error())
	default:
		httputil.NoContent(w)
	}
}

// ResolveUnsubscribeURL finds and stores an unsubscribe link for an email.
//
//	POST /api/emails/{id}/resolve-unsubscribe
func (h *Handlers) ResolveUnsubscribeURL(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	url, err := h.jobs.ResolveUnsubscribeURL(r.Context(), user, chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, unsubjob.ErrEmailNotFound):
		httputil.NotFound(w, "email not found")
	case errors.Is(err, unsubjob.ErrNoUnsubscribeURL):
		httputil.NotFound(w, "no unsubscribe link found in message")
	case errors.Is(err, unsubjob.ErrNoMailProvider):
		httputil.Error(w, http.StatusServiceUnavailable, "mail provider not configured")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, map[string]string{"unsubscribe_url": url})
	}
}

// ArchiveEmail removes the message from the user's inbox.
//
//	POST /api/emails/{id}/archive
func (h *Handlers) ArchiveEmail(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}

	err := h.jobs.ArchiveEmail(r.Context(), user, chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, unsubjob.ErrEmailNotFound):
		httputil.NotFound(w, "email not found")
	case errors.Is(err, unsubjob.ErrNoMailProvider):
		httputil.Error(w, http.StatusServiceUnavailable, "mail provider not configured")
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.NoContent(w)
	}
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
