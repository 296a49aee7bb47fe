package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"transport-timemachine/internal/db"
	"transport-timemachine/internal/transport"
)

const (
	maxResultsPerSector = 100
	departureLookahead  = 60 // minutes
	maxDepartures       = 100
	retryAttempts       = 3
	retryDelay          = 5 * time.Second
	userAgent           = "Berlin-Transport-Timemachine/1.0"
)

// Client talks to a transport.rest deployment.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

type radarResponse struct {
	Movements []movement `json:"movements"`
}

type movement struct {
	TripID    string `json:"tripId"`
	Direction string `json:"direction"`
	Line      struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Mode    string `json:"mode"`
		Product string `json:"product"`
	} `json:"line"`
	Location struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
	Delay     *int `json:"delay"` // seconds
	Cancelled bool `json:"cancelled"`
}

// Radar returns the vehicles currently moving inside one sector.
func (c *Client) Radar(ctx context.Context, sector Sector) ([]transport.VehicleSample, error) {
	q := url.Values{}
	q.Set("north", formatCoord(sector.North))
	q.Set("south", formatCoord(sector.South))
	q.Set("west", formatCoord(sector.West))
	q.Set("east", formatCoord(sector.East))
	q.Set("results", strconv.Itoa(maxResultsPerSector))

	var resp radarResponse
	if err := c.getJSON(ctx, "/radar", q, &resp); err != nil {
		return nil, fmt.Errorf("radar %s: %w", sector.Name, err)
	}

	now := time.Now().UTC()
	samples := make([]transport.VehicleSample, 0, len(resp.Movements))
	for _, m := range resp.Movements {
		if m.Location.Latitude == 0 && m.Location.Longitude == 0 {
			continue
		}
		delayMins := 0
		if m.Delay != nil && *m.Delay > 0 {
			delayMins = *m.Delay / 60
		}
		vehicleID := m.TripID
		if vehicleID == "" {
			vehicleID = fmt.Sprintf("%s_%f_%f_%d", m.Line.Name, m.Location.Latitude, m.Location.Longitude, now.Unix())
		}
		samples = append(samples, transport.VehicleSample{
			VehicleID:    vehicleID,
			RouteID:      strings.ToLower(m.Line.ID),
			LineName:     m.Line.Name,
			Type:         ClassifyLine(m.Line.Name, m.Line.Mode, m.Line.Product),
			Latitude:     m.Location.Latitude,
			Longitude:    m.Location.Longitude,
			Timestamp:    now,
			DelayMinutes: delayMins,
			Status:       vehicleStatus(m.Cancelled, delayMins),
			Direction:    m.Direction,
		})
	}
	return samples, nil
}

type departureItem struct {
	TripID      string `json:"tripId"`
	Direction   string `json:"direction"`
	When        string `json:"when"`
	PlannedWhen string `json:"plannedWhen"`
	Delay       *int   `json:"delay"` // seconds
	Platform    string `json:"platform"`
	PlannedPlat string `json:"plannedPlatform"`
	Cancelled   bool   `json:"cancelled"`
	Line        struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Mode    string `json:"mode"`
		Product string `json:"product"`
	} `json:"line"`
}

type departuresResponse struct {
	Departures []departureItem `json:"departures"`
}

// Departures returns the upcoming departures at one tracked stop.
func (c *Client) Departures(ctx context.Context, stop TrackedStop) ([]db.DepartureEvent, error) {
	q := url.Values{}
	q.Set("duration", strconv.Itoa(departureLookahead))
	q.Set("results", strconv.Itoa(maxDepartures))

	var resp departuresResponse
	if err := c.getJSON(ctx, "/stops/"+url.PathEscape(stop.ID)+"/departures", q, &resp); err != nil {
		return nil, fmt.Errorf("departures %s: %w", stop.ID, err)
	}

	now := time.Now().UTC()
	events := make([]db.DepartureEvent, 0, len(resp.Departures))
	for _, d := range resp.Departures {
		scheduled, err := time.Parse(time.RFC3339, d.PlannedWhen)
		if err != nil {
			continue
		}
		var actual *time.Time
		if t, err := time.Parse(time.RFC3339, d.When); err == nil {
			actual = &t
		}
		delayMins := 0
		if d.Delay != nil && *d.Delay > 0 {
			delayMins = *d.Delay / 60
		} else if actual != nil {
			if diff := actual.Sub(scheduled); diff > 0 {
				delayMins = int(diff / time.Minute)
			}
		}
		platform := d.Platform
		if platform == "" {
			platform = d.PlannedPlat
		}
		events = append(events, db.DepartureEvent{
			Timestamp:     now,
			StopID:        stop.ID,
			StopName:      stop.Name,
			RouteID:       strings.ToLower(d.Line.ID),
			LineName:      d.Line.Name,
			Type:          ClassifyLine(d.Line.Name, d.Line.Mode, d.Line.Product),
			Direction:     d.Direction,
			ScheduledTime: scheduled,
			ActualTime:    actual,
			DelayMinutes:  delayMins,
			Status:        departureStatus(d.Cancelled, delayMins),
			Platform:      platform,
			TripID:        d.TripID,
		})
	}
	return events, nil
}

type journeyLeg struct {
	TripID string `json:"tripId"`
	Line   struct {
		Name string `json:"name"`
	} `json:"line"`
}

type journeysResponse struct {
	Journeys []struct {
		Legs []journeyLeg `json:"legs"`
	} `json:"journeys"`
}

// FindRouteTrip plans journeys between two stops and returns the trip id of
// the first leg served by the named line. Empty when no journey uses it.
func (c *Client) FindRouteTrip(ctx context.Context, from, to, lineName string) (string, error) {
	q := url.Values{}
	q.Set("from", from)
	q.Set("to", to)
	q.Set("results", "5")
	q.Set("stopovers", "true")

	var resp journeysResponse
	if err := c.getJSON(ctx, "/journeys", q, &resp); err != nil {
		return "", fmt.Errorf("journeys %s -> %s: %w", from, to, err)
	}
	for _, j := range resp.Journeys {
		for _, leg := range j.Legs {
			if strings.EqualFold(leg.Line.Name, lineName) && leg.TripID != "" {
				return leg.TripID, nil
			}
		}
	}
	return "", nil
}

// RouteStop is one stopover along a discovered trip.
type RouteStop struct {
	StopID    string  `json:"stop_id"`
	StopName  string  `json:"stop_name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Arrival   string  `json:"arrival,omitempty"`
	Departure string  `json:"departure,omitempty"`
}

// TripShape is the polyline and stop sequence of one trip.
type TripShape struct {
	TripID    string
	Direction string
	Polyline  json.RawMessage
	Stops     []RouteStop
}

type tripDetail struct {
	ID        string          `json:"id"`
	Direction string          `json:"direction"`
	Polyline  json.RawMessage `json:"polyline"`
	Stopovers []struct {
		Stop struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Location struct {
				Latitude  float64 `json:"latitude"`
				Longitude float64 `json:"longitude"`
			} `json:"location"`
		} `json:"stop"`
		Arrival   string `json:"arrival"`
		Departure string `json:"departure"`
	} `json:"stopovers"`
}

// Some deployments wrap the trip in a "trip" key, others return it bare.
type tripEnvelope struct {
	Trip *tripDetail `json:"trip"`
	tripDetail
}

// TripGeometry fetches one trip with its polyline geometry.
func (c *Client) TripGeometry(ctx context.Context, tripID string) (*TripShape, error) {
	q := url.Values{}
	q.Set("polyline", "true")
	q.Set("stopovers", "true")

	var env tripEnvelope
	if err := c.getJSON(ctx, "/trips/"+url.PathEscape(tripID), q, &env); err != nil {
		return nil, fmt.Errorf("trip %s: %w", tripID, err)
	}
	trip := &env.tripDetail
	if env.Trip != nil {
		trip = env.Trip
	}
	if len(trip.Polyline) == 0 {
		return nil, fmt.Errorf("trip %s: no polyline in response", tripID)
	}

	shape := &TripShape{
		TripID:    trip.ID,
		Direction: trip.Direction,
		Polyline:  trip.Polyline,
	}
	for _, so := range trip.Stopovers {
		if so.Stop.Location.Latitude == 0 && so.Stop.Location.Longitude == 0 {
			continue
		}
		shape.Stops = append(shape.Stops, RouteStop{
			StopID:    so.Stop.ID,
			StopName:  so.Stop.Name,
			Latitude:  so.Stop.Location.Latitude,
			Longitude: so.Stop.Location.Longitude,
			Arrival:   so.Arrival,
			Departure: so.Departure,
		})
	}
	return shape, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path + "?" + q.Encode()

	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn().Err(err).Str("path", path).Int("attempt", attempt).Msg("upstream request failed")
			continue
		}

		switch resp.StatusCode {
		case http.StatusOK:
			err = json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			return err
		case http.StatusTooManyRequests:
			resp.Body.Close()
			lastErr = fmt.Errorf("rate limited")
			c.log.Warn().Str("path", path).Int("attempt", attempt).Msg("upstream rate limit hit")
			// back off harder each time
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
		default:
			resp.Body.Close()
			lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
			c.log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("upstream returned error")
		}
	}
	return fmt.Errorf("after %d attempts: %w", retryAttempts, lastErr)
}

func vehicleStatus(cancelled bool, delayMins int) string {
	if cancelled {
		return "cancelled"
	}
	if delayMins > 5 {
		return "delayed"
	}
	return "active"
}

func departureStatus(cancelled bool, delayMins int) string {
	if cancelled {
		return "cancelled"
	}
	if delayMins > 5 {
		return "delayed"
	}
	return "on_time"
}

func formatCoord(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
