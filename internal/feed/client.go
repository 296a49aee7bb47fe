package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"transport-timemachine/internal/transport"
)

// ErrSourceUnavailable is returned once every retry against the query API
// has failed. Callers treat it as "pause and surface", not as fatal.
var ErrSourceUnavailable = errors.New("feed: source unavailable")

const (
	maxAttempts = 3
	retryDelay  = 500 * time.Millisecond
)

// Metrics is the instrumentation the client reports into. May be nil.
type Metrics interface {
	FetchObserve(d time.Duration)
}

// Client talks to the simulation query API. It implements
// playback.ChunkSource for the replay service.
type Client struct {
	baseURL       string
	frameInterval time.Duration
	http          *http.Client
	log           zerolog.Logger
	metrics       Metrics
}

// NewClient builds a query API client. frameInterval is forwarded on chunk
// requests as frame_interval_seconds; zero leaves it to the server default.
func NewClient(baseURL string, frameInterval time.Duration, log zerolog.Logger, m Metrics) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		frameInterval: frameInterval,
		http:          &http.Client{Timeout: 30 * time.Second},
		log:           log,
		metrics:       m,
	}
}

type timeRangeResponse struct {
	StartTime               time.Time `json:"start_time"`
	EndTime                 time.Time `json:"end_time"`
	TotalDurationHours      float64   `json:"total_duration_hours"`
	TotalRecords            int64     `json:"total_records"`
	TransportTypesAvailable []string  `json:"transport_types_available"`
}

// TimeRange reports the span of recorded history available for playback.
func (c *Client) TimeRange(ctx context.Context) (transport.TimeRange, error) {
	var resp timeRangeResponse
	if err := c.getJSON(ctx, "/api/v1/simulation/time-range", nil, &resp); err != nil {
		return transport.TimeRange{}, err
	}
	return transport.TimeRange{Start: resp.StartTime, End: resp.EndTime}, nil
}

type dataChunkResponse struct {
	StartTime       time.Time                 `json:"start_time"`
	EndTime         time.Time                 `json:"end_time"`
	DurationSeconds float64                   `json:"duration_seconds"`
	Vehicles        []transport.VehicleSample `json:"vehicles"`
	TotalVehicles   int                       `json:"total_vehicles"`
	FrameCount      int                       `json:"frame_count"`
}

// FetchChunk retrieves the raw samples for one playback window.
func (c *Client) FetchChunk(ctx context.Context, start time.Time, duration time.Duration, filters []transport.Type) (*transport.Chunk, error) {
	q := url.Values{}
	q.Set("start_time", start.UTC().Format(time.RFC3339))
	q.Set("duration_minutes", strconv.Itoa(int(duration.Minutes())))
	if c.frameInterval > 0 {
		q.Set("frame_interval_seconds", strconv.Itoa(int(c.frameInterval.Seconds())))
	}
	if len(filters) > 0 {
		q.Set("transport_types", joinTypes(filters))
	}

	var resp dataChunkResponse
	if err := c.getJSON(ctx, "/api/v1/simulation/data-chunk", q, &resp); err != nil {
		return nil, err
	}
	return &transport.Chunk{
		Start:    start,
		Duration: duration,
		Filters:  transport.NormalizeFilter(filters),
		Samples:  resp.Vehicles,
	}, nil
}

type vehiclesResponse struct {
	Timestamp           time.Time                 `json:"timestamp"`
	TimeWindowSeconds   int                       `json:"time_window_seconds"`
	Vehicles            []transport.VehicleSample `json:"vehicles"`
	TotalVehicles       int                       `json:"total_vehicles"`
	TransportTypeCounts map[string]int            `json:"transport_type_counts"`
}

// VehiclesAt returns the latest known position of every vehicle around ts.
func (c *Client) VehiclesAt(ctx context.Context, ts time.Time, window time.Duration, filters []transport.Type) ([]transport.VehicleSample, error) {
	q := url.Values{}
	q.Set("timestamp", ts.UTC().Format(time.RFC3339))
	q.Set("time_window_seconds", strconv.Itoa(int(window.Seconds())))
	if len(filters) > 0 {
		q.Set("transport_types", joinTypes(filters))
	}

	var resp vehiclesResponse
	if err := c.getJSON(ctx, "/api/v1/simulation/vehicles", q, &resp); err != nil {
		return nil, err
	}
	return resp.Vehicles, nil
}

func joinTypes(types []transport.Type) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
		lastErr = c.doOnce(ctx, u, out)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Err(lastErr).Str("url", u).Int("attempt", attempt).Msg("feed request failed")
	}
	return fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, path, lastErr)
}

func (c *Client) doOnce(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if c.metrics != nil {
		c.metrics.FetchObserve(time.Since(start))
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
