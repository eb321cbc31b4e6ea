// Package broker implements the lock broker HTTP server: a thin JSON
// transport in front of internal/store, with no locking logic of its own.
package broker

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"gate/internal/store"
)

// Config carries the handler's dependencies.
type Config struct {
	Store  *store.Store
	Logger zerolog.Logger
}

type handler struct {
	store *store.Store
	log   zerolog.Logger
}

// NewHandler builds the broker's HTTP routing: POST /v1/locks/acquire,
// POST /v1/locks/release, POST /v1/locks/heartbeat, GET /v1/locks/status.
func NewHandler(cfg Config) http.Handler {
	h := &handler{store: cfg.Store, log: cfg.Logger}

	r := chi.NewRouter()
	r.Post("/v1/locks/acquire", h.serveAcquire)
	r.Post("/v1/locks/release", h.serveRelease)
	r.Post("/v1/locks/heartbeat", h.serveHeartbeat)
	r.Get("/v1/locks/status", h.serveStatus)
	return r
}

func (h *handler) serveAcquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, 400, "invalid_body", "Could not decode request body")
		return
	}

	if req.Path == "" || req.Owner == "" {
		respondError(w, 400, "missing_field", "path and owner are required")
		return
	}
	mode := store.Mode(req.Mode)
	if !mode.Valid() {
		respondError(w, 400, "invalid_mode", "mode must be read or write")
		return
	}

	info, err := h.store.Acquire(store.AcquireRequest{
		Path:      req.Path,
		Mode:      mode,
		Owner:     req.Owner,
		TimeoutMS: req.TimeoutMS,
		LeaseMS:   req.LeaseMS,
		MaxHoldMS: req.MaxHoldMS,
	})
	if err != nil {
		h.respondStoreError(w, err, "path", req.Path, "owner", req.Owner)
		return
	}

	respondJSON(w, 200, renderLockInfo(info))
}

func (h *handler) serveRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, 400, "invalid_body", "Could not decode request body")
		return
	}
	if req.LockID == "" || req.Owner == "" {
		respondError(w, 400, "missing_field", "lock_id and owner are required")
		return
	}

	released, err := h.store.Release(req.LockID, req.Owner)
	if err != nil {
		h.respondStoreError(w, err, "lock_id", req.LockID, "owner", req.Owner)
		return
	}
	if !released {
		respondError(w, 404, "not_found", store.ErrNotFound.Error())
		return
	}

	respondJSON(w, 200, releaseResponse{Released: released})
}

func (h *handler) serveHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, 400, "invalid_body", "Could not decode request body")
		return
	}
	if req.LockID == "" || req.Owner == "" || req.LeaseMS <= 0 {
		respondError(w, 400, "missing_field", "lock_id, owner and a positive lease_ms are required")
		return
	}

	ok, err := h.store.Heartbeat(req.LockID, req.Owner, req.LeaseMS)
	if err != nil {
		h.respondStoreError(w, err, "lock_id", req.LockID, "owner", req.Owner)
		return
	}
	if !ok {
		respondError(w, 404, "not_found", store.ErrNotFound.Error())
		return
	}

	respondJSON(w, 200, heartbeatResponse{OK: ok})
}

func (h *handler) serveStatus(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")

	snap, err := h.store.Status(path)
	if err != nil {
		h.respondStoreError(w, err, "path", path)
		return
	}

	resp := statusResponse{
		Locks: make([]lockInfoResponse, 0, len(snap.Locks)),
		Queue: make([]queueEntryResponse, 0, len(snap.Queue)),
	}
	for _, li := range snap.Locks {
		resp.Locks = append(resp.Locks, renderLockInfo(li))
	}
	for _, qe := range snap.Queue {
		resp.Queue = append(resp.Queue, renderQueueEntry(qe))
	}

	respondJSON(w, 200, resp)
}

// respondStoreError translates a store-layer sentinel error into the
// documented HTTP status. InvalidArgument and PermissionDenied are
// caller-facing and are not logged as server faults; anything unrecognized
// is logged and surfaced as a 500.
func (h *handler) respondStoreError(w http.ResponseWriter, err error, fields ...string) {
	switch {
	case errors.Is(err, store.ErrInvalidArgument), errors.Is(err, store.ErrPathInvalid):
		respondError(w, 400, "invalid_argument", err.Error())
	case errors.Is(err, store.ErrNotFound):
		respondError(w, 404, "not_found", err.Error())
	case errors.Is(err, store.ErrPermissionDenied):
		respondError(w, 403, "permission_denied", err.Error())
	case errors.Is(err, store.ErrTimedOut):
		respondError(w, 408, "timed_out", err.Error())
	case errors.Is(err, store.ErrHoldCapExceeded):
		respondError(w, 404, "hold_cap_exceeded", err.Error())
	default:
		event := h.log.Error().Err(err)
		for i := 0; i+1 < len(fields); i += 2 {
			event = event.Str(fields[i], fields[i+1])
		}
		event.Msg("unhandled store error")
		respondError(w, 500, "internal_server_error", "Internal server error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		w.WriteHeader(500)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(body)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Code: code, Message: message})
}

func formatRFC3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
