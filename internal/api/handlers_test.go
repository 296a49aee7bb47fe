package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transport-timemachine/internal/db"
	"transport-timemachine/internal/transport"
)

type fakeStore struct {
	timeRange db.TimeRangeInfo
	rangeErr  error

	vehicles    []transport.VehicleSample
	vehiclesErr error

	lastTypes  []transport.Type
	lastWindow time.Duration
	lastStart  time.Time
	lastEnd    time.Time

	geometry *db.GeometryRow
	health   db.DataHealth
}

func (f *fakeStore) TimeRange(context.Context) (db.TimeRangeInfo, error) {
	return f.timeRange, f.rangeErr
}

func (f *fakeStore) VehiclesAt(_ context.Context, ts time.Time, window time.Duration, types []transport.Type) ([]transport.VehicleSample, error) {
	f.lastStart = ts
	f.lastWindow = window
	f.lastTypes = types
	return f.vehicles, f.vehiclesErr
}

func (f *fakeStore) ChunkSamples(_ context.Context, start, end time.Time, types []transport.Type) ([]transport.VehicleSample, error) {
	f.lastStart = start
	f.lastEnd = end
	f.lastTypes = types
	return f.vehicles, f.vehiclesErr
}

func (f *fakeStore) Stats(_ context.Context, ts time.Time) (db.StatsInfo, error) {
	return db.StatsInfo{
		ActiveVehicles:   12,
		AverageDelayMins: 1.5,
		TypeDistribution: map[string]int64{"bus": 8, "tram": 4},
		MinLat:           52.4, MaxLat: 52.6,
		MinLon: 13.1, MaxLon: 13.7,
		LastUpdated: ts,
	}, nil
}

func (f *fakeStore) Routes(context.Context) ([]db.RouteRow, error) {
	return []db.RouteRow{
		{RouteID: "u1", LineName: "U1", Type: "subway", VehicleCount24h: 42, GeometryAvailable: true},
	}, nil
}

func (f *fakeStore) Geometry(_ context.Context, routeID string) (*db.GeometryRow, error) {
	return f.geometry, nil
}

func (f *fakeStore) Stops(context.Context, bool) ([]db.StopRow, error) {
	return []db.StopRow{
		{StopID: "900003201", StopName: "S+U Berlin Hauptbahnhof", Latitude: 52.525, Longitude: 13.369, IsTracked: true, Types: []string{"suburban", "subway"}},
	}, nil
}

func (f *fakeStore) Health(context.Context) (db.DataHealth, error) { return f.health, nil }

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

func newTestRouter(store *fakeStore, ping Pinger) http.Handler {
	h := NewHandler(store, ping, zerolog.Nop())
	return NewRouter(h, []string{"*"})
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestTimeRangeEndpoint(t *testing.T) {
	start := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	store := &fakeStore{timeRange: db.TimeRangeInfo{
		Start:        start,
		End:          start.Add(48 * time.Hour),
		TotalRecords: 123456,
		Types:        []string{"bus", "subway"},
	}}
	router := newTestRouter(store, fakePinger{})

	w := get(t, router, "/api/v1/simulation/time-range")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[map[string]any](t, w)
	assert.Equal(t, float64(48), resp["total_duration_hours"])
	assert.Equal(t, float64(123456), resp["total_records"])
	assert.Equal(t, []any{"bus", "subway"}, resp["transport_types_available"])
}

func TestTimeRangeNoData(t *testing.T) {
	store := &fakeStore{rangeErr: db.ErrNoData}
	w := get(t, newTestRouter(store, fakePinger{}), "/api/v1/simulation/time-range")
	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := decode[map[string]any](t, w)
	assert.Contains(t, resp["detail"], "no vehicle position data")
}

func TestVehiclesEndpoint(t *testing.T) {
	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{vehicles: []transport.VehicleSample{
		{VehicleID: "a", Type: transport.Bus, Latitude: 52.5, Longitude: 13.4, Timestamp: ts, Status: "active"},
		{VehicleID: "b", Type: transport.Bus, Latitude: 52.51, Longitude: 13.41, Timestamp: ts, Status: "active"},
		{VehicleID: "c", Type: transport.Tram, Latitude: 52.52, Longitude: 13.42, Timestamp: ts, Status: "delayed"},
	}}
	router := newTestRouter(store, fakePinger{})

	w := get(t, router, "/api/v1/simulation/vehicles?timestamp=2026-08-30T12:00:00Z&time_window_seconds=60&transport_types=bus,tram")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[vehiclesResponse](t, w)
	assert.Equal(t, 3, resp.TotalVehicles)
	assert.Equal(t, 60, resp.TimeWindowSeconds)
	assert.Equal(t, map[string]int{"bus": 2, "tram": 1}, resp.TransportTypeCounts)

	assert.Equal(t, []transport.Type{transport.Bus, transport.Tram}, store.lastTypes)
	assert.Equal(t, time.Minute, store.lastWindow)
}

func TestVehiclesValidation(t *testing.T) {
	router := newTestRouter(&fakeStore{}, fakePinger{})

	w := get(t, router, "/api/v1/simulation/vehicles")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(t, router, "/api/v1/simulation/vehicles?timestamp=not-a-time")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(t, router, "/api/v1/simulation/vehicles?timestamp=2026-08-30T12:00:00Z&time_window_seconds=9999")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(t, router, "/api/v1/simulation/vehicles?timestamp=2026-08-30T12:00:00Z&transport_types=zeppelin")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDataChunkEndpoint(t *testing.T) {
	ts := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{vehicles: []transport.VehicleSample{
		{VehicleID: "a", Type: transport.Suburban, Latitude: 52.5, Longitude: 13.4, Timestamp: ts, Status: "active"},
	}}
	router := newTestRouter(store, fakePinger{})

	w := get(t, router, "/api/v1/simulation/data-chunk?start_time=2026-08-30T12:00:00Z&duration_minutes=10")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[dataChunkResponse](t, w)
	assert.Equal(t, float64(600), resp.DurationSeconds)
	assert.Equal(t, 1, resp.TotalVehicles)
	assert.Equal(t, 20, resp.FrameCount) // 600s / 30s default interval
	assert.Equal(t, RecommendedFrameRate, resp.RecommendedFrameRate)
	assert.Equal(t, ts, store.lastStart)
	assert.Equal(t, ts.Add(10*time.Minute), store.lastEnd)
}

func TestDataChunkDurationCap(t *testing.T) {
	router := newTestRouter(&fakeStore{}, fakePinger{})

	w := get(t, router, "/api/v1/simulation/data-chunk?start_time=2026-08-30T12:00:00Z&duration_minutes=61")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get(t, router, "/api/v1/simulation/data-chunk?start_time=2026-08-30T12:00:00Z&duration_minutes=0")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDataChunkEmptyWindowStillOK(t *testing.T) {
	router := newTestRouter(&fakeStore{}, fakePinger{})
	w := get(t, router, "/api/v1/simulation/data-chunk?start_time=2026-08-30T12:00:00Z")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[dataChunkResponse](t, w)
	assert.Equal(t, 0, resp.TotalVehicles)
	assert.NotNil(t, resp.Vehicles)
}

func TestStatsEndpoint(t *testing.T) {
	router := newTestRouter(&fakeStore{}, fakePinger{})
	w := get(t, router, "/api/v1/simulation/stats?timestamp=2026-08-30T12:00:00Z")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[statsResponse](t, w)
	assert.Equal(t, int64(12), resp.ActiveVehicles)
	assert.Equal(t, 1.5, resp.AverageDelayMinutes)
	assert.Equal(t, 52.6, resp.GeographicBounds.MaxLatitude)
}

func TestRoutesEndpoint(t *testing.T) {
	router := newTestRouter(&fakeStore{}, fakePinger{})
	w := get(t, router, "/api/v1/routes")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[routesResponse](t, w)
	require.Equal(t, 1, resp.TotalRoutes)
	assert.Equal(t, "U1", resp.Routes[0].LineName)
	assert.True(t, resp.Routes[0].GeometryAvailable)
}

func TestGeometryEndpoint(t *testing.T) {
	store := &fakeStore{geometry: &db.GeometryRow{
		RouteID:  "u1",
		LineName: "U1",
		Type:     "subway",
		Geometry: json.RawMessage(`{"type":"LineString","coordinates":[[13.4,52.5],[13.5,52.51]]}`),
	}}
	router := newTestRouter(store, fakePinger{})

	w := get(t, router, "/api/v1/routes/u1/geometry")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]any](t, w)
	assert.Equal(t, "u1", resp["route_id"])
	geom, ok := resp["geometry"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "LineString", geom["type"])
}

func TestGeometryNotFound(t *testing.T) {
	router := newTestRouter(&fakeStore{}, fakePinger{})
	w := get(t, router, "/api/v1/routes/unknown/geometry")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStopsEndpoint(t *testing.T) {
	router := newTestRouter(&fakeStore{}, fakePinger{})
	w := get(t, router, "/api/v1/stops?tracked_only=true")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[stopsResponse](t, w)
	require.Equal(t, 1, resp.TotalStops)
	assert.True(t, resp.Stops[0].IsTracked)
}

func TestTransportTypesEndpoint(t *testing.T) {
	router := newTestRouter(&fakeStore{}, fakePinger{})
	w := get(t, router, "/api/v1/transport-types")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[transportTypesResponse](t, w)
	assert.Equal(t, []string{"suburban", "subway", "ring", "tram", "bus", "ferry", "regional"}, resp.TransportTypes)
}

func TestHealthEndpoints(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{health: db.DataHealth{
		TotalRecords:   100,
		TransportTypes: 5,
		EarliestData:   &now,
		LatestData:     &now,
		RecentRecords:  10,
	}}

	router := newTestRouter(store, fakePinger{})
	assert.Equal(t, http.StatusOK, get(t, router, "/api/v1/health").Code)
	assert.Equal(t, http.StatusOK, get(t, router, "/api/v1/health/database").Code)

	w := get(t, router, "/api/v1/health/data")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[dataHealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)

	broken := newTestRouter(store, fakePinger{err: errors.New("connection refused")})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, broken, "/api/v1/health/database").Code)
}

func TestHealthDataStale(t *testing.T) {
	store := &fakeStore{health: db.DataHealth{TotalRecords: 100, RecentRecords: 0}}
	w := get(t, newTestRouter(store, fakePinger{}), "/api/v1/health/data")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[dataHealthResponse](t, w)
	assert.Equal(t, "stale", resp.Status)
}
