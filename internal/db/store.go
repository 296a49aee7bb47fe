package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"transport-timemachine/internal/transport"
)

// ErrNoData is returned when the store holds no vehicle positions at all.
var ErrNoData = errors.New("no vehicle position data available")

// Store wraps the relational schema the collectors populate. The tables are
// created externally; this layer only reads and writes them.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// TimeRangeInfo describes the span of stored history.
type TimeRangeInfo struct {
	Start        time.Time
	End          time.Time
	TotalRecords int64
	Types        []string
}

// TimeRange returns the bounds of available historical data.
func (s *Store) TimeRange(ctx context.Context) (TimeRangeInfo, error) {
	const q = `
SELECT MIN(timestamp), MAX(timestamp), COUNT(*),
       COALESCE(string_agg(DISTINCT transport_type, ',' ORDER BY transport_type), '')
FROM vehicle_positions`

	var info TimeRangeInfo
	var start, end sql.NullTime
	var types string
	if err := s.db.QueryRowContext(ctx, q).Scan(&start, &end, &info.TotalRecords, &types); err != nil {
		return TimeRangeInfo{}, fmt.Errorf("query time range: %w", err)
	}
	if !start.Valid || info.TotalRecords == 0 {
		return TimeRangeInfo{}, ErrNoData
	}
	info.Start = start.Time
	info.End = end.Time
	if types != "" {
		info.Types = strings.Split(types, ",")
	}
	return info, nil
}

func typeStrings(types []transport.Type) []string {
	norm := transport.NormalizeFilter(types)
	out := make([]string, len(norm))
	for i, t := range norm {
		out[i] = string(t)
	}
	return out
}

func scanSamples(rows *sql.Rows) ([]transport.VehicleSample, error) {
	var samples []transport.VehicleSample
	for rows.Next() {
		var v transport.VehicleSample
		var routeID, lineName, direction, status sql.NullString
		var delay sql.NullInt64
		var typ string
		if err := rows.Scan(&v.VehicleID, &routeID, &lineName, &typ,
			&v.Latitude, &v.Longitude, &v.Timestamp, &delay, &status, &direction); err != nil {
			return nil, err
		}
		v.RouteID = routeID.String
		v.LineName = lineName.String
		v.Type = transport.Type(typ)
		v.Direction = direction.String
		v.DelayMinutes = int(delay.Int64)
		v.Status = status.String
		if v.Status == "" {
			v.Status = "active"
		}
		samples = append(samples, v)
	}
	return samples, rows.Err()
}

// VehiclesAt returns the latest position per vehicle within the window
// around ts.
func (s *Store) VehiclesAt(ctx context.Context, ts time.Time, window time.Duration, types []transport.Type) ([]transport.VehicleSample, error) {
	const q = `
WITH latest_positions AS (
    SELECT DISTINCT ON (vehicle_id)
        vehicle_id, route_id, line_name, transport_type,
        latitude, longitude, timestamp, delay_minutes, status, direction
    FROM vehicle_positions
    WHERE timestamp BETWEEN $1 AND $2
      AND transport_type = ANY($3)
    ORDER BY vehicle_id, timestamp DESC
)
SELECT vehicle_id, route_id, line_name, transport_type,
       latitude, longitude, timestamp, delay_minutes, status, direction
FROM latest_positions
ORDER BY transport_type, line_name, vehicle_id`

	rows, err := s.db.QueryContext(ctx, q, ts.Add(-window), ts.Add(window), typeStrings(types))
	if err != nil {
		return nil, fmt.Errorf("query vehicles at time: %w", err)
	}
	defer rows.Close()
	return scanSamples(rows)
}

// ChunkSamples returns every sample in [start, end) for the filter set,
// ordered by timestamp.
func (s *Store) ChunkSamples(ctx context.Context, start, end time.Time, types []transport.Type) ([]transport.VehicleSample, error) {
	const q = `
SELECT vehicle_id, route_id, line_name, transport_type,
       latitude, longitude, timestamp, delay_minutes, status, direction
FROM vehicle_positions
WHERE timestamp >= $1 AND timestamp < $2
  AND transport_type = ANY($3)
ORDER BY timestamp, vehicle_id`

	rows, err := s.db.QueryContext(ctx, q, start, end, typeStrings(types))
	if err != nil {
		return nil, fmt.Errorf("query chunk samples: %w", err)
	}
	defer rows.Close()
	return scanSamples(rows)
}

// StatsInfo summarizes vehicle activity around one instant.
type StatsInfo struct {
	ActiveVehicles   int64
	AverageDelayMins float64
	TypeDistribution map[string]int64
	MinLat, MaxLat   float64
	MinLon, MaxLon   float64
	LastUpdated      time.Time
}

// Stats computes activity statistics within five minutes of ts. A zero ts
// means the latest stored instant.
func (s *Store) Stats(ctx context.Context, ts time.Time) (StatsInfo, error) {
	if ts.IsZero() {
		var latest sql.NullTime
		if err := s.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM vehicle_positions`).Scan(&latest); err != nil {
			return StatsInfo{}, fmt.Errorf("query latest timestamp: %w", err)
		}
		if !latest.Valid {
			return StatsInfo{}, ErrNoData
		}
		ts = latest.Time
	}

	const q = `
WITH latest_vehicles AS (
    SELECT DISTINCT ON (vehicle_id)
        vehicle_id, transport_type, delay_minutes, latitude, longitude
    FROM vehicle_positions
    WHERE timestamp BETWEEN $1 AND $2
    ORDER BY vehicle_id, timestamp DESC
)
SELECT COUNT(*),
       COALESCE(AVG(CASE WHEN delay_minutes > 0 THEN delay_minutes END), 0),
       COALESCE(MIN(latitude), 0), COALESCE(MAX(latitude), 0),
       COALESCE(MIN(longitude), 0), COALESCE(MAX(longitude), 0)
FROM latest_vehicles`

	window := 5 * time.Minute
	info := StatsInfo{LastUpdated: ts, TypeDistribution: map[string]int64{}}
	err := s.db.QueryRowContext(ctx, q, ts.Add(-window), ts.Add(window)).Scan(
		&info.ActiveVehicles, &info.AverageDelayMins,
		&info.MinLat, &info.MaxLat, &info.MinLon, &info.MaxLon)
	if err != nil {
		return StatsInfo{}, fmt.Errorf("query stats: %w", err)
	}

	const distQ = `
SELECT transport_type, COUNT(DISTINCT vehicle_id)
FROM vehicle_positions
WHERE timestamp BETWEEN $1 AND $2
GROUP BY transport_type`
	rows, err := s.db.QueryContext(ctx, distQ, ts.Add(-window), ts.Add(window))
	if err != nil {
		return StatsInfo{}, fmt.Errorf("query type distribution: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return StatsInfo{}, err
		}
		info.TypeDistribution[typ] = n
	}
	return info, rows.Err()
}

// RouteRow is one tracked route with recent activity.
type RouteRow struct {
	RouteID           string
	LineName          string
	Type              string
	VehicleCount24h   int64
	GeometryAvailable bool
}

// Routes lists routes with significant activity in the last 24 hours.
func (s *Store) Routes(ctx context.Context) ([]RouteRow, error) {
	const q = `
WITH route_stats AS (
    SELECT COALESCE(route_id, line_name) AS route_key,
           line_name, transport_type,
           COUNT(DISTINCT vehicle_id) AS vehicle_count_24h
    FROM vehicle_positions
    WHERE timestamp >= NOW() - INTERVAL '24 hours'
      AND line_name IS NOT NULL
    GROUP BY COALESCE(route_id, line_name), line_name, transport_type
),
geom AS (
    SELECT COALESCE(route_id, line_name) AS route_key,
           bool_or(geometry_geojson IS NOT NULL) AS has_geometry
    FROM route_geometry
    GROUP BY COALESCE(route_id, line_name)
)
SELECT rs.route_key, rs.line_name, rs.transport_type, rs.vehicle_count_24h,
       COALESCE(g.has_geometry, false)
FROM route_stats rs
LEFT JOIN geom g ON rs.route_key = g.route_key
WHERE rs.vehicle_count_24h > 10
ORDER BY rs.transport_type, rs.line_name`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()
	var routes []RouteRow
	for rows.Next() {
		var r RouteRow
		if err := rows.Scan(&r.RouteID, &r.LineName, &r.Type, &r.VehicleCount24h, &r.GeometryAvailable); err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// GeometryRow is the stored GeoJSON for one route.
type GeometryRow struct {
	RouteID  string
	LineName string
	Type     string
	Geometry json.RawMessage
	Stops    json.RawMessage
}

// Geometry returns the newest stored geometry matching the route id or line
// name, or nil when none exists.
func (s *Store) Geometry(ctx context.Context, routeID string) (*GeometryRow, error) {
	const q = `
SELECT route_id, line_name, transport_type, geometry_geojson, stops_data
FROM route_geometry
WHERE route_id = $1 OR line_name = $1
ORDER BY created_at DESC
LIMIT 1`

	var g GeometryRow
	var stops sql.NullString
	err := s.db.QueryRowContext(ctx, q, routeID).Scan(&g.RouteID, &g.LineName, &g.Type, &g.Geometry, &stops)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query route geometry: %w", err)
	}
	if stops.Valid {
		g.Stops = json.RawMessage(stops.String)
	}
	return &g, nil
}

// StopRow is one reference stop.
type StopRow struct {
	StopID    string
	StopName  string
	Latitude  float64
	Longitude float64
	IsTracked bool
	Types     []string
}

// Stops lists reference stops, optionally only the tracked ones.
func (s *Store) Stops(ctx context.Context, trackedOnly bool) ([]StopRow, error) {
	const q = `
SELECT sr.stop_id, sr.stop_name, sr.latitude, sr.longitude, sr.is_tracked,
       COALESCE(string_agg(DISTINCT de.transport_type, ','), '')
FROM stops_reference sr
LEFT JOIN departure_events de ON sr.stop_id = de.stop_id
WHERE NOT $1 OR sr.is_tracked
GROUP BY sr.stop_id, sr.stop_name, sr.latitude, sr.longitude, sr.is_tracked
ORDER BY sr.is_tracked DESC, sr.stop_name`

	rows, err := s.db.QueryContext(ctx, q, trackedOnly)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()
	var stops []StopRow
	for rows.Next() {
		var st StopRow
		var types string
		if err := rows.Scan(&st.StopID, &st.StopName, &st.Latitude, &st.Longitude, &st.IsTracked, &types); err != nil {
			return nil, err
		}
		if types != "" {
			st.Types = strings.Split(types, ",")
		}
		stops = append(stops, st)
	}
	return stops, rows.Err()
}

// InsertSamples writes a batch of vehicle positions in one transaction.
func (s *Store) InsertSamples(ctx context.Context, samples []transport.VehicleSample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert tx: %w", err)
	}
	defer tx.Rollback()

	const q = `
INSERT INTO vehicle_positions (
    timestamp, vehicle_id, route_id, line_name, transport_type,
    latitude, longitude, direction, delay_minutes, status
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, v := range samples {
		if err := v.Validate(); err != nil {
			continue
		}
		_, err := stmt.ExecContext(ctx, v.Timestamp, v.VehicleID,
			nullable(v.RouteID), nullable(v.LineName), string(v.Type),
			v.Latitude, v.Longitude, nullable(v.Direction), v.DelayMinutes, v.Status)
		if err != nil {
			return inserted, fmt.Errorf("insert position for %s: %w", v.VehicleID, err)
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert tx: %w", err)
	}
	return inserted, nil
}

// DepartureEvent is one observed departure at a tracked stop.
type DepartureEvent struct {
	Timestamp     time.Time
	StopID        string
	StopName      string
	RouteID       string
	LineName      string
	Type          transport.Type
	Direction     string
	ScheduledTime time.Time
	ActualTime    *time.Time
	DelayMinutes  int
	Status        string
	Platform      string
	TripID        string
}

// InsertDepartures writes a batch of departure events in one transaction.
func (s *Store) InsertDepartures(ctx context.Context, events []DepartureEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin departures tx: %w", err)
	}
	defer tx.Rollback()

	const q = `
INSERT INTO departure_events (
    timestamp, stop_id, stop_name, route_id, line_name, transport_type,
    direction, scheduled_time, actual_time, delay_minutes, status, platform, trip_id
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("prepare departures insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range events {
		_, err := stmt.ExecContext(ctx, d.Timestamp, d.StopID, d.StopName,
			nullable(d.RouteID), nullable(d.LineName), string(d.Type),
			nullable(d.Direction), d.ScheduledTime, d.ActualTime,
			d.DelayMinutes, d.Status, nullable(d.Platform), nullable(d.TripID))
		if err != nil {
			return 0, fmt.Errorf("insert departure at %s: %w", d.StopID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit departures tx: %w", err)
	}
	return len(events), nil
}

// RouteGeometry is one discovered route shape with its stop sequence.
type RouteGeometry struct {
	RouteID   string
	LineName  string
	Type      transport.Type
	Direction string
	TripID    string
	Geometry  json.RawMessage
	Stops     json.RawMessage
}

// UpsertRouteGeometry stores a discovered geometry, replacing any earlier
// shape for the same route and direction.
func (s *Store) UpsertRouteGeometry(ctx context.Context, g RouteGeometry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin geometry tx: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
SELECT id FROM route_geometry
WHERE route_id = $1 AND transport_type = $2 AND direction IS NOT DISTINCT FROM $3`,
		g.RouteID, string(g.Type), nullable(g.Direction)).Scan(&id)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
INSERT INTO route_geometry (
    route_id, line_name, transport_type, direction, trip_id,
    geometry_geojson, stops_data
) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			g.RouteID, g.LineName, string(g.Type), nullable(g.Direction),
			nullable(g.TripID), string(g.Geometry), string(g.Stops))
	case err == nil:
		_, err = tx.ExecContext(ctx, `
UPDATE route_geometry
SET geometry_geojson = $1, stops_data = $2, trip_id = $3, updated_at = NOW()
WHERE id = $4`,
			string(g.Geometry), string(g.Stops), nullable(g.TripID), id)
	}
	if err != nil {
		return fmt.Errorf("upsert geometry for %s: %w", g.RouteID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit geometry tx: %w", err)
	}
	return nil
}

// DeleteSamplesBefore removes positions older than cutoff and returns the
// number of rows deleted.
func (s *Store) DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM vehicle_positions WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old positions: %w", err)
	}
	return res.RowsAffected()
}

// UpdateCollectionStatus records one collector run for monitoring.
func (s *Store) UpdateCollectionStatus(ctx context.Context, collector, status string, records int, errMsg string) error {
	const q = `
INSERT INTO collection_status (collector_name, status, records_collected, error_message, last_run_at, last_success_at)
VALUES ($1, $2, $3, NULLIF($4, ''), NOW(), CASE WHEN $2 = 'ok' THEN NOW() END)
ON CONFLICT (collector_name) DO UPDATE SET
    status = EXCLUDED.status,
    records_collected = collection_status.records_collected + EXCLUDED.records_collected,
    error_message = EXCLUDED.error_message,
    last_run_at = EXCLUDED.last_run_at,
    last_success_at = COALESCE(EXCLUDED.last_success_at, collection_status.last_success_at)`

	if _, err := s.db.ExecContext(ctx, q, collector, status, records, errMsg); err != nil {
		return fmt.Errorf("update collection status: %w", err)
	}
	return nil
}

// DataHealth summarizes data availability for the health endpoint.
type DataHealth struct {
	TotalRecords   int64
	TransportTypes int64
	EarliestData   *time.Time
	LatestData     *time.Time
	RecentRecords  int64
}

// Health returns counters describing what data the store currently holds.
func (s *Store) Health(ctx context.Context) (DataHealth, error) {
	const q = `
SELECT COUNT(*), COUNT(DISTINCT transport_type),
       MIN(timestamp), MAX(timestamp),
       COUNT(*) FILTER (WHERE timestamp >= NOW() - INTERVAL '1 hour')
FROM vehicle_positions`

	var h DataHealth
	var earliest, latest sql.NullTime
	if err := s.db.QueryRowContext(ctx, q).Scan(&h.TotalRecords, &h.TransportTypes, &earliest, &latest, &h.RecentRecords); err != nil {
		return DataHealth{}, fmt.Errorf("query data health: %w", err)
	}
	if earliest.Valid {
		h.EarliestData = &earliest.Time
	}
	if latest.Valid {
		h.LatestData = &latest.Time
	}
	return h, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
