// Package handlers implements the relay admin api.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/blockedby/tgrelay/internal/config"
	"github.com/blockedby/tgrelay/internal/forward"
	"github.com/blockedby/tgrelay/internal/models"
)

// StatusSource reports the forwarding state
type StatusSource interface {
	Status() forward.Status
	Forwards() *models.ForwardSet
}

// BackfillRunner starts and stops background backfills
type BackfillRunner interface {
	Start(ctx context.Context) (*forward.BackfillJob, error)
	Stop()
	Current() *forward.BackfillJob
	Last() (*forward.Summary, error)
}

// ForwardsEditor edits the forward config file
type ForwardsEditor interface {
	Load() ([]models.ForwardConfig, error)
	Upsert(c models.ForwardConfig) error
	Remove(sourceID int64) error
	Toggle(sourceID int64) (models.ForwardConfig, error)
}

// CheckpointLister lists backfill checkpoints
type CheckpointLister interface {
	List() map[int64]models.Checkpoint
}

// MappingCounter counts stored message mappings
type MappingCounter interface {
	Count(ctx context.Context) (int64, error)
}

// TelegramInfo is the client state shown in the status response.
type TelegramInfo struct {
	Status string `json:"status"`
	// set while a flood wait pauses history reads or sends
	FloodWaitUntil *time.Time `json:"floodWaitUntil,omitempty"`
	PendingAlbums  int        `json:"pendingAlbums"`
}

// RelayDeps are the collaborators of RelayHandler.
// Backfill, Mappings and Telegram may be nil.
type RelayDeps struct {
	Status      StatusSource
	Backfill    BackfillRunner
	Forwards    ForwardsEditor
	Checkpoints CheckpointLister
	Mappings    MappingCounter
	Telegram    func() TelegramInfo
	StartedAt   time.Time
	// Now is the clock for month presets; defaults to time.Now.
	Now func() time.Time
}

// RelayHandler handles admin api requests
type RelayHandler struct {
	deps RelayDeps
}

// NewRelayHandler creates a new handler
func NewRelayHandler(deps RelayDeps) *RelayHandler {
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &RelayHandler{deps: deps}
}

// StatusResponse is the body of GET /api/v1/status
type StatusResponse struct {
	forward.Status
	Uptime         string               `json:"uptime"`
	ActiveForwards int                  `json:"activeForwards"`
	Mappings       *int64               `json:"mappings,omitempty"`
	Telegram       *TelegramInfo        `json:"telegram,omitempty"`
	BackfillJob    *forward.BackfillJob `json:"backfillJob,omitempty"`
}

// Status handles GET /api/v1/status
func (h *RelayHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status: h.deps.Status.Status(),
		Uptime: time.Since(h.deps.StartedAt).Truncate(time.Second).String(),
	}
	if set := h.deps.Status.Forwards(); set != nil {
		resp.ActiveForwards = len(set.Active())
	}
	if h.deps.Mappings != nil {
		if n, err := h.deps.Mappings.Count(r.Context()); err == nil {
			resp.Mappings = &n
		}
	}
	if h.deps.Telegram != nil {
		info := h.deps.Telegram()
		resp.Telegram = &info
	}
	if h.deps.Backfill != nil {
		resp.BackfillJob = h.deps.Backfill.Current()
	}
	respondJSON(w, http.StatusOK, resp)
}

// ListForwards handles GET /api/v1/forwards
func (h *RelayHandler) ListForwards(w http.ResponseWriter, _ *http.Request) {
	configs, err := h.deps.Forwards.Load()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Ensure we return empty array, not null
	if configs == nil {
		configs = []models.ForwardConfig{}
	}
	respondJSON(w, http.StatusOK, configs)
}

// CreateForwardRequest is the body of POST /api/v1/forwards.
// Period sets both dates to a whole month: current-month, previous-month or YYYY-MM.
type CreateForwardRequest struct {
	models.ForwardConfig
	Period string `json:"period,omitempty"`
}

// CreateForward handles POST /api/v1/forwards
// an entry with the same sourceID is replaced
func (h *RelayHandler) CreateForward(w http.ResponseWriter, r *http.Request) {
	var body CreateForwardRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	req := body.ForwardConfig
	if req.SourceID == 0 {
		respondError(w, http.StatusBadRequest, "sourceID is required")
		return
	}

	if body.Period != "" {
		if req.StartDate != nil || req.EndDate != nil {
			respondError(w, http.StatusBadRequest, "period cannot be combined with startDate or endDate")
			return
		}
		start, end, err := models.ParsePeriod(body.Period, h.deps.Now())
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.StartDate, req.EndDate = &start, &end
	}

	if err := h.deps.Forwards.Upsert(req); err != nil {
		if errors.Is(err, config.ErrInvalidForwards) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, req)
}

// DeleteForward handles DELETE /api/v1/forwards/{sourceID}
func (h *RelayHandler) DeleteForward(w http.ResponseWriter, r *http.Request) {
	sourceID, ok := parseSourceID(w, r)
	if !ok {
		return
	}

	if err := h.deps.Forwards.Remove(sourceID); err != nil {
		respondForwardError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"message": "forward removed",
	})
}

// ToggleForward handles POST /api/v1/forwards/{sourceID}/toggle
func (h *RelayHandler) ToggleForward(w http.ResponseWriter, r *http.Request) {
	sourceID, ok := parseSourceID(w, r)
	if !ok {
		return
	}

	c, err := h.deps.Forwards.Toggle(sourceID)
	if err != nil {
		respondForwardError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// BackfillStatus handles GET /api/v1/backfill
func (h *RelayHandler) BackfillStatus(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Backfill == nil {
		respondError(w, http.StatusServiceUnavailable, "backfill is not available")
		return
	}

	if current := h.deps.Backfill.Current(); current != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "running",
			"job":    current,
		})
		return
	}

	last, err := h.deps.Backfill.Last()
	resp := map[string]interface{}{
		"status": "idle",
		"last":   last,
	}
	if err != nil {
		resp["error"] = err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

// StartBackfill handles POST /api/v1/backfill
func (h *RelayHandler) StartBackfill(w http.ResponseWriter, r *http.Request) {
	if h.deps.Backfill == nil {
		respondError(w, http.StatusServiceUnavailable, "backfill is not available")
		return
	}

	job, err := h.deps.Backfill.Start(r.Context())
	if err != nil {
		if errors.Is(err, forward.ErrAlreadyRunning) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "running",
		"job":    job,
	})
}

// StopBackfill handles DELETE /api/v1/backfill
func (h *RelayHandler) StopBackfill(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Backfill == nil {
		respondError(w, http.StatusServiceUnavailable, "backfill is not available")
		return
	}

	h.deps.Backfill.Stop()
	respondJSON(w, http.StatusOK, map[string]string{
		"message": "backfill stopping",
	})
}

// ListCheckpoints handles GET /api/v1/checkpoints
func (h *RelayHandler) ListCheckpoints(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.deps.Checkpoints.List())
}

func parseSourceID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sourceID"), 10, 64)
	if err != nil || id == 0 {
		respondError(w, http.StatusBadRequest, "invalid sourceID")
		return 0, false
	}
	return id, true
}

func respondForwardError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, config.ErrForwardNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, config.ErrInvalidForwards):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// respondJSON is a helper function to respond with JSON
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		_ = err // Client disconnected
	}
}

// respondError is a helper function to respond with a JSON error
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
