package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"hls-streamcore/internal/platform/metrics"
	"hls-streamcore/internal/streaming"

	"github.com/go-chi/chi/v5"
)

// handler exposes the Owner API's HTTP surface using go-chi, mirroring the
// orchestrator's Handler: chi.URLParam for path params, errors.Is branching
// into the right status code, slog for structured request logging.
type handler struct {
	registry *streaming.SessionRegistry
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func newHandler(registry *streaming.SessionRegistry, log *slog.Logger, m *metrics.Metrics) *handler {
	return &handler{registry: registry, log: log, metrics: m}
}

type openSessionRequest struct {
	OwnerID     string              `json:"owner_id"`
	ManifestURL string              `json:"manifest_url"`
	Headers     map[string][]string `json:"headers"`
}

type openSessionResponse struct {
	SessionID string `json:"session_id"`
}

// openSession handles POST /sessions.
func (h *handler) openSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := jsonBody(r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" || req.ManifestURL == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	id, err := h.registry.Open(r.Context(), streaming.OwnerID(req.OwnerID), req.ManifestURL, http.Header(req.Headers))
	if err != nil {
		if errors.Is(err, streaming.ErrOwnerHasActiveSession) {
			h.log.Info("session rejected, owner already active",
				slog.String("owner_id", req.OwnerID))
			w.WriteHeader(http.StatusConflict)
			writeJSON(w, openSessionResponse{SessionID: string(id)})
			return
		}
		h.log.Error("open session failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if h.metrics != nil {
		h.metrics.IncSessionsOpened()
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, openSessionResponse{SessionID: string(id)})
}

// getStatus handles GET /sessions/{session_id}.
func (h *handler) getStatus(w http.ResponseWriter, r *http.Request) {
	id := streaming.SessionID(chi.URLParam(r, "session_id"))
	session, err := h.registry.Get(id)
	if err != nil {
		h.respondSessionErr(w, err)
		return
	}
	writeJSON(w, session.Stats())
}

const playlistContentType = "application/vnd.apple.mpegurl"

// getPlaylist handles GET /sessions/{session_id}/playlist.m3u8.
func (h *handler) getPlaylist(w http.ResponseWriter, r *http.Request) {
	id := streaming.SessionID(chi.URLParam(r, "session_id"))
	session, err := h.registry.Get(id)
	if err != nil {
		h.respondSessionErr(w, err)
		return
	}
	w.Header().Set("Content-Type", playlistContentType)
	w.Write([]byte(session.Playlist()))
}

// pauseSession handles POST /sessions/{session_id}/pause.
func (h *handler) pauseSession(w http.ResponseWriter, r *http.Request) {
	id := streaming.SessionID(chi.URLParam(r, "session_id"))
	if err := h.registry.Pause(id); err != nil {
		h.respondSessionErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// resumeSession handles POST /sessions/{session_id}/resume.
func (h *handler) resumeSession(w http.ResponseWriter, r *http.Request) {
	id := streaming.SessionID(chi.URLParam(r, "session_id"))
	if err := h.registry.Resume(id); err != nil {
		h.respondSessionErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type seekRequest struct {
	TimeSeconds float64 `json:"time_seconds"`
}

// seekSession handles POST /sessions/{session_id}/seek.
func (h *handler) seekSession(w http.ResponseWriter, r *http.Request) {
	id := streaming.SessionID(chi.URLParam(r, "session_id"))
	var req seekRequest
	if err := jsonBody(r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.registry.Seek(id, req.TimeSeconds); err != nil {
		h.respondSessionErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type qualityRequest struct {
	VariantIndex int  `json:"variant_index"`
	Auto         bool `json:"auto"`
}

// setQuality handles POST /sessions/{session_id}/quality.
func (h *handler) setQuality(w http.ResponseWriter, r *http.Request) {
	id := streaming.SessionID(chi.URLParam(r, "session_id"))
	var req qualityRequest
	if err := jsonBody(r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.registry.SetQuality(id, req.VariantIndex, req.Auto); err != nil {
		h.respondSessionErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// closeSession handles DELETE /sessions/{session_id}.
func (h *handler) closeSession(w http.ResponseWriter, r *http.Request) {
	id := streaming.SessionID(chi.URLParam(r, "session_id"))
	if err := h.registry.Close(id); err != nil {
		h.respondSessionErr(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.IncSessionsEnded()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) respondSessionErr(w http.ResponseWriter, err error) {
	if errors.Is(err, streaming.ErrSessionNotFound) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.log.Error("session operation failed", slog.String("error", err.Error()))
	w.WriteHeader(http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
