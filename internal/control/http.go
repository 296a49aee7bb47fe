package control

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"transport-timemachine/internal/playback"
	"transport-timemachine/internal/transport"
)

type loadRequest struct {
	StartTime       time.Time `json:"start_time"`
	DurationMinutes int       `json:"duration_minutes"`
	TransportTypes  []string  `json:"transport_types"`
	Interpolate     *bool     `json:"interpolate"`
}

type seekRequest struct {
	FrameIndex *int       `json:"frame_index"`
	Timestamp  *time.Time `json:"timestamp"`
}

type speedRequest struct {
	Speed float64 `json:"speed"`
}

type stepRequest struct {
	Delta int `json:"delta"`
}

type scrubRequest struct {
	Progress float64 `json:"progress"`
	Phase    string  `json:"phase"`
}

type errorBody struct {
	Detail string `json:"detail"`
}

// NewRouter mounts the playback control surface and the viewer stream.
func NewRouter(svc *Service, stream http.Handler, allowedOrigins []string, log zerolog.Logger) http.Handler {
	h := &handler{svc: svc, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/playback", func(r chi.Router) {
		r.Post("/load", h.load)
		r.Post("/play", h.play)
		r.Post("/pause", h.pause)
		r.Post("/stop", h.stop)
		r.Post("/reset", h.reset)
		r.Post("/seek", h.seek)
		r.Post("/speed", h.speed)
		r.Post("/step", h.step)
		r.Post("/scrub", h.scrub)
		r.Get("/state", h.state)
		r.Method(http.MethodGet, "/stream", stream)
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	return r
}

type handler struct {
	svc *Service
	log zerolog.Logger
}

func (h *handler) load(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, errorBody{Detail: "invalid request body"})
		return
	}
	if req.StartTime.IsZero() {
		respond(w, http.StatusBadRequest, errorBody{Detail: "start_time is required"})
		return
	}

	var filters []transport.Type
	for _, raw := range req.TransportTypes {
		t, ok := transport.ParseType(raw)
		if !ok {
			respond(w, http.StatusBadRequest, errorBody{Detail: "unknown transport type " + raw})
			return
		}
		filters = append(filters, t)
	}
	interpolate := true
	if req.Interpolate != nil {
		interpolate = *req.Interpolate
	}

	duration := time.Duration(req.DurationMinutes) * time.Minute
	if err := h.svc.Load(r.Context(), req.StartTime, duration, filters, interpolate); err != nil {
		if errors.Is(err, playback.ErrEmptyChunk) {
			respond(w, http.StatusNotFound, errorBody{Detail: "no data in the requested window"})
			return
		}
		h.log.Error().Err(err).Msg("load failed")
		respond(w, http.StatusBadGateway, errorBody{Detail: "failed to load window"})
		return
	}
	respond(w, http.StatusOK, h.svc.Snapshot())
}

func (h *handler) play(w http.ResponseWriter, _ *http.Request) {
	h.respondAfter(w, h.svc.Play())
}

func (h *handler) pause(w http.ResponseWriter, _ *http.Request) {
	h.respondAfter(w, h.svc.Pause())
}

func (h *handler) stop(w http.ResponseWriter, _ *http.Request) {
	h.respondAfter(w, h.svc.Stop())
}

func (h *handler) reset(w http.ResponseWriter, _ *http.Request) {
	h.svc.Reset()
	respond(w, http.StatusOK, h.svc.Snapshot())
}

func (h *handler) seek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, errorBody{Detail: "invalid request body"})
		return
	}
	switch {
	case req.FrameIndex != nil:
		h.respondAfter(w, h.svc.Seek(*req.FrameIndex))
	case req.Timestamp != nil:
		h.respondAfter(w, h.svc.SeekToTimestamp(*req.Timestamp))
	default:
		respond(w, http.StatusBadRequest, errorBody{Detail: "frame_index or timestamp is required"})
	}
}

func (h *handler) speed(w http.ResponseWriter, r *http.Request) {
	var req speedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, errorBody{Detail: "invalid request body"})
		return
	}
	h.svc.SetSpeed(req.Speed)
	respond(w, http.StatusOK, h.svc.Snapshot())
}

func (h *handler) step(w http.ResponseWriter, r *http.Request) {
	req := stepRequest{Delta: 1}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respond(w, http.StatusBadRequest, errorBody{Detail: "invalid request body"})
			return
		}
	}
	h.svc.Step(req.Delta)
	respond(w, http.StatusOK, h.svc.Snapshot())
}

func (h *handler) scrub(w http.ResponseWriter, r *http.Request) {
	var req scrubRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, errorBody{Detail: "invalid request body"})
		return
	}
	h.svc.Scrub(req.Progress, req.Phase)
	respond(w, http.StatusOK, h.svc.Snapshot())
}

func (h *handler) state(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, h.svc.Snapshot())
}

func (h *handler) respondAfter(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		respond(w, http.StatusOK, h.svc.Snapshot())
	case errors.Is(err, playback.ErrNotLoaded):
		respond(w, http.StatusConflict, errorBody{Detail: "no chunk loaded"})
	case errors.Is(err, playback.ErrCompleted):
		respond(w, http.StatusConflict, errorBody{Detail: "playback already completed"})
	default:
		h.log.Error().Err(err).Msg("playback command failed")
		respond(w, http.StatusInternalServerError, errorBody{Detail: err.Error()})
	}
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
