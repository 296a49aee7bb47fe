package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"transport-timemachine/internal/db"
	"transport-timemachine/internal/transport"
)

const (
	defaultTimeWindow   = 30 * time.Second
	defaultChunkMinutes = 10
	maxChunkMinutes     = 60
)

// Store is the subset of the database layer the API reads from.
type Store interface {
	TimeRange(ctx context.Context) (db.TimeRangeInfo, error)
	VehiclesAt(ctx context.Context, ts time.Time, window time.Duration, types []transport.Type) ([]transport.VehicleSample, error)
	ChunkSamples(ctx context.Context, start, end time.Time, types []transport.Type) ([]transport.VehicleSample, error)
	Stats(ctx context.Context, ts time.Time) (db.StatsInfo, error)
	Routes(ctx context.Context) ([]db.RouteRow, error)
	Geometry(ctx context.Context, routeID string) (*db.GeometryRow, error)
	Stops(ctx context.Context, trackedOnly bool) ([]db.StopRow, error)
	Health(ctx context.Context) (db.DataHealth, error)
}

// Pinger is the database connectivity check for the health endpoint.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	store Store
	ping  Pinger
	log   zerolog.Logger
}

func NewHandler(store Store, ping Pinger, log zerolog.Logger) *Handler {
	return &Handler{store: store, ping: ping, log: log}
}

func (h *Handler) TimeRange(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.TimeRange(r.Context())
	if errors.Is(err, db.ErrNoData) {
		writeError(w, http.StatusNotFound, "no vehicle position data available")
		return
	}
	if err != nil {
		h.serverError(w, err, "time range query failed")
		return
	}
	writeJSON(w, http.StatusOK, timeRangeResponse{
		StartTime:               info.Start,
		EndTime:                 info.End,
		TotalDurationHours:      info.End.Sub(info.Start).Hours(),
		TotalRecords:            info.TotalRecords,
		TransportTypesAvailable: info.Types,
	})
}

func (h *Handler) Vehicles(w http.ResponseWriter, r *http.Request) {
	ts, err := parseTimestamp(r.URL.Query().Get("timestamp"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	window := defaultTimeWindow
	if raw := r.URL.Query().Get("time_window_seconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 1 || secs > 3600 {
			writeError(w, http.StatusBadRequest, "time_window_seconds must be between 1 and 3600")
			return
		}
		window = time.Duration(secs) * time.Second
	}
	types, err := parseTypes(r.URL.Query().Get("transport_types"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	vehicles, err := h.store.VehiclesAt(r.Context(), ts, window, types)
	if err != nil {
		h.serverError(w, err, "vehicles query failed")
		return
	}

	counts := make(map[string]int)
	for _, v := range vehicles {
		counts[string(v.Type)]++
	}
	if vehicles == nil {
		vehicles = []transport.VehicleSample{}
	}
	writeJSON(w, http.StatusOK, vehiclesResponse{
		Timestamp:           ts,
		TimeWindowSeconds:   int(window.Seconds()),
		Vehicles:            vehicles,
		TotalVehicles:       len(vehicles),
		TransportTypeCounts: counts,
	})
}

func (h *Handler) DataChunk(w http.ResponseWriter, r *http.Request) {
	start, err := parseTimestamp(r.URL.Query().Get("start_time"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	minutes := defaultChunkMinutes
	if raw := r.URL.Query().Get("duration_minutes"); raw != "" {
		minutes, err = strconv.Atoi(raw)
		if err != nil || minutes < 1 || minutes > maxChunkMinutes {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("duration_minutes must be between 1 and %d", maxChunkMinutes))
			return
		}
	}
	frameInterval := 30
	if raw := r.URL.Query().Get("frame_interval_seconds"); raw != "" {
		frameInterval, err = strconv.Atoi(raw)
		if err != nil || frameInterval < 1 {
			writeError(w, http.StatusBadRequest, "frame_interval_seconds must be positive")
			return
		}
	}
	types, err := parseTypes(r.URL.Query().Get("transport_types"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	end := start.Add(time.Duration(minutes) * time.Minute)
	samples, err := h.store.ChunkSamples(r.Context(), start, end, types)
	if err != nil {
		h.serverError(w, err, "data chunk query failed")
		return
	}
	if samples == nil {
		samples = []transport.VehicleSample{}
	}
	duration := end.Sub(start)
	writeJSON(w, http.StatusOK, dataChunkResponse{
		StartTime:            start,
		EndTime:              end,
		DurationSeconds:      duration.Seconds(),
		Vehicles:             samples,
		TotalVehicles:        len(samples),
		FrameCount:           int(duration.Seconds()) / frameInterval,
		RecommendedFrameRate: RecommendedFrameRate,
	})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	var ts time.Time
	if raw := r.URL.Query().Get("timestamp"); raw != "" {
		var err error
		ts, err = parseTimestamp(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	info, err := h.store.Stats(r.Context(), ts)
	if errors.Is(err, db.ErrNoData) {
		writeError(w, http.StatusNotFound, "no vehicle position data available")
		return
	}
	if err != nil {
		h.serverError(w, err, "stats query failed")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Timestamp:                 info.LastUpdated,
		ActiveVehicles:            info.ActiveVehicles,
		AverageDelayMinutes:       info.AverageDelayMins,
		TransportTypeDistribution: info.TypeDistribution,
		GeographicBounds: geographicBounds{
			MinLatitude:  info.MinLat,
			MaxLatitude:  info.MaxLat,
			MinLongitude: info.MinLon,
			MaxLongitude: info.MaxLon,
		},
	})
}

func (h *Handler) Routes(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.Routes(r.Context())
	if err != nil {
		h.serverError(w, err, "routes query failed")
		return
	}
	routes := make([]routeModel, 0, len(rows))
	for _, row := range rows {
		routes = append(routes, routeModel{
			RouteID:           row.RouteID,
			LineName:          row.LineName,
			TransportType:     row.Type,
			VehicleCount24h:   row.VehicleCount24h,
			GeometryAvailable: row.GeometryAvailable,
		})
	}
	writeJSON(w, http.StatusOK, routesResponse{Routes: routes, TotalRoutes: len(routes)})
}

func (h *Handler) Geometry(w http.ResponseWriter, r *http.Request) {
	routeID := chi.URLParam(r, "route_id")
	row, err := h.store.Geometry(r.Context(), routeID)
	if err != nil {
		h.serverError(w, err, "geometry query failed")
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no geometry for route %s", routeID))
		return
	}
	writeJSON(w, http.StatusOK, geometryResponse{
		RouteID:       row.RouteID,
		LineName:      row.LineName,
		TransportType: row.Type,
		Geometry:      row.Geometry,
		Stops:         row.Stops,
	})
}

func (h *Handler) Stops(w http.ResponseWriter, r *http.Request) {
	trackedOnly := r.URL.Query().Get("tracked_only") == "true"
	rows, err := h.store.Stops(r.Context(), trackedOnly)
	if err != nil {
		h.serverError(w, err, "stops query failed")
		return
	}
	stops := make([]stopModel, 0, len(rows))
	for _, row := range rows {
		types := row.Types
		if types == nil {
			types = []string{}
		}
		stops = append(stops, stopModel{
			StopID:         row.StopID,
			StopName:       row.StopName,
			Latitude:       row.Latitude,
			Longitude:      row.Longitude,
			IsTracked:      row.IsTracked,
			TransportTypes: types,
		})
	}
	writeJSON(w, http.StatusOK, stopsResponse{Stops: stops, TotalStops: len(stops)})
}

func (h *Handler) TransportTypes(w http.ResponseWriter, r *http.Request) {
	all := transport.AllTypes()
	names := make([]string, len(all))
	for i, t := range all {
		names[i] = string(t)
	}
	writeJSON(w, http.StatusOK, transportTypesResponse{TransportTypes: names})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "transport-timemachine-api",
	})
}

func (h *Handler) HealthDatabase(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.ping.PingContext(ctx); err != nil {
		h.log.Error().Err(err).Msg("database health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "unhealthy",
			"database": "disconnected",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"database": "connected",
	})
}

func (h *Handler) HealthData(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.Health(r.Context())
	if err != nil {
		h.serverError(w, err, "data health query failed")
		return
	}
	status := "healthy"
	if info.RecentRecords == 0 {
		status = "stale"
	}
	writeJSON(w, http.StatusOK, dataHealthResponse{
		Status:         status,
		TotalRecords:   info.TotalRecords,
		TransportTypes: info.TransportTypes,
		EarliestData:   info.EarliestData,
		LatestData:     info.LatestData,
		RecentRecords:  info.RecentRecords,
	})
}

func (h *Handler) serverError(w http.ResponseWriter, err error, msg string) {
	h.log.Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, msg)
}

func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("timestamp parameter is required")
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q, expected RFC 3339", raw)
	}
	return ts, nil
}

func parseTypes(raw string) ([]transport.Type, error) {
	if raw == "" {
		return nil, nil
	}
	var types []transport.Type
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, ok := transport.ParseType(part)
		if !ok {
			return nil, fmt.Errorf("unknown transport type %q", part)
		}
		types = append(types, t)
	}
	return types, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}
