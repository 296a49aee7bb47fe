package api

import (
	"encoding/json"
	"time"

	"transport-timemachine/internal/transport"
)

// RecommendedFrameRate is advertised with every data chunk so viewers can
// size their playback loop without a separate negotiation.
const RecommendedFrameRate = 30

type timeRangeResponse struct {
	StartTime               time.Time `json:"start_time"`
	EndTime                 time.Time `json:"end_time"`
	TotalDurationHours      float64   `json:"total_duration_hours"`
	TotalRecords            int64     `json:"total_records"`
	TransportTypesAvailable []string  `json:"transport_types_available"`
}

type vehiclesResponse struct {
	Timestamp           time.Time                 `json:"timestamp"`
	TimeWindowSeconds   int                       `json:"time_window_seconds"`
	Vehicles            []transport.VehicleSample `json:"vehicles"`
	TotalVehicles       int                       `json:"total_vehicles"`
	TransportTypeCounts map[string]int            `json:"transport_type_counts"`
}

type dataChunkResponse struct {
	StartTime            time.Time                 `json:"start_time"`
	EndTime              time.Time                 `json:"end_time"`
	DurationSeconds      float64                   `json:"duration_seconds"`
	Vehicles             []transport.VehicleSample `json:"vehicles"`
	TotalVehicles        int                       `json:"total_vehicles"`
	FrameCount           int                       `json:"frame_count"`
	RecommendedFrameRate int                       `json:"recommended_frame_rate"`
}

type geographicBounds struct {
	MinLatitude  float64 `json:"min_latitude"`
	MaxLatitude  float64 `json:"max_latitude"`
	MinLongitude float64 `json:"min_longitude"`
	MaxLongitude float64 `json:"max_longitude"`
}

type statsResponse struct {
	Timestamp                 time.Time        `json:"timestamp"`
	ActiveVehicles            int64            `json:"active_vehicles"`
	AverageDelayMinutes       float64          `json:"average_delay_minutes"`
	TransportTypeDistribution map[string]int64 `json:"transport_type_distribution"`
	GeographicBounds          geographicBounds `json:"geographic_bounds"`
}

type routeModel struct {
	RouteID           string `json:"route_id"`
	LineName          string `json:"line_name"`
	TransportType     string `json:"transport_type"`
	VehicleCount24h   int64  `json:"vehicle_count_24h"`
	GeometryAvailable bool   `json:"geometry_available"`
}

type routesResponse struct {
	Routes      []routeModel `json:"routes"`
	TotalRoutes int          `json:"total_routes"`
}

type geometryResponse struct {
	RouteID       string          `json:"route_id"`
	LineName      string          `json:"line_name"`
	TransportType string          `json:"transport_type"`
	Geometry      json.RawMessage `json:"geometry"`
	Stops         json.RawMessage `json:"stops,omitempty"`
}

type stopModel struct {
	StopID         string   `json:"stop_id"`
	StopName       string   `json:"stop_name"`
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	IsTracked      bool     `json:"is_tracked"`
	TransportTypes []string `json:"transport_types"`
}

type stopsResponse struct {
	Stops      []stopModel `json:"stops"`
	TotalStops int         `json:"total_stops"`
}

type transportTypesResponse struct {
	TransportTypes []string `json:"transport_types"`
}

type dataHealthResponse struct {
	Status         string     `json:"status"`
	TotalRecords   int64      `json:"total_records"`
	TransportTypes int64      `json:"transport_types"`
	EarliestData   *time.Time `json:"earliest_data"`
	LatestData     *time.Time `json:"latest_data"`
	RecentRecords  int64      `json:"recent_records_1h"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}
