package collector

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"transport-timemachine/internal/db"
	"transport-timemachine/internal/transport"
)

// routePause spaces journey-planning requests to stay under upstream rate
// limits.
const routePause = 2 * time.Second

// TargetRoute is one line whose geometry the mapper discovers via journey
// planning between two stops the line serves.
type TargetRoute struct {
	Name string
	Type transport.Type
	From string // stop id
	To   string // stop id
}

// DefaultTargetRoutes returns the lines with geometry worth mapping: the
// major S-Bahn and U-Bahn lines, the Ringbahn, and sample tram and bus
// routes.
func DefaultTargetRoutes() []TargetRoute {
	return []TargetRoute{
		{Name: "S7", Type: transport.Suburban, From: "900100003", To: "900100002"},
		{Name: "S5", Type: transport.Suburban, From: "900100001", To: "900100003"},
		{Name: "S1", Type: transport.Suburban, From: "900100002", To: "900100004"},
		{Name: "S3", Type: transport.Suburban, From: "900120005", To: "900100003"},
		{Name: "S41", Type: transport.Ring, From: "900058102", To: "900245025"},
		{Name: "S42", Type: transport.Ring, From: "900245025", To: "900058102"},
		{Name: "U6", Type: transport.Subway, From: "900100001", To: "900100004"},
		{Name: "U2", Type: transport.Subway, From: "900100004", To: "900003201"},
		{Name: "M1", Type: transport.Tram, From: "900100001", To: "900100003"},
		{Name: "12", Type: transport.Tram, From: "900100003", To: "900100002"},
		{Name: "100", Type: transport.Bus, From: "900100003", To: "900003201"},
		{Name: "200", Type: transport.Bus, From: "900100003", To: "900100004"},
	}
}

// RouteMapper discovers route geometry by planning a journey on each target
// line and fetching the matched trip's polyline.
type RouteMapper struct {
	client  *Client
	store   Store
	routes  []TargetRoute
	log     zerolog.Logger
	metrics Metrics
}

func NewRouteMapper(client *Client, store Store, routes []TargetRoute, log zerolog.Logger, m Metrics) *RouteMapper {
	if len(routes) == 0 {
		routes = DefaultTargetRoutes()
	}
	return &RouteMapper{client: client, store: store, routes: routes, log: log, metrics: m}
}

// Run discovers all geometries once at startup, then refreshes on the given
// interval.
func (r *RouteMapper) Run(ctx context.Context, interval time.Duration) error {
	r.log.Info().Dur("interval", interval).Int("routes", len(r.routes)).Msg("route mapper started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := r.DiscoverAll(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("route discovery cycle failed")
		} else if err == nil {
			r.log.Info().Int("routes", n).Msg("route discovery cycle completed")
		}

		select {
		case <-ctx.Done():
			r.log.Info().Msg("route mapper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DiscoverAll walks the target routes sequentially and stores each geometry
// it can resolve. One failed route does not abort the rest.
func (r *RouteMapper) DiscoverAll(ctx context.Context) (int, error) {
	_ = r.store.UpdateCollectionStatus(ctx, "route_mapper", "running", 0, "")

	discovered := 0
	var failed []string
	for i, route := range r.routes {
		if i > 0 {
			select {
			case <-ctx.Done():
				return discovered, ctx.Err()
			case <-time.After(routePause):
			}
		}
		if err := r.discoverOne(ctx, route); err != nil {
			if ctx.Err() != nil {
				return discovered, ctx.Err()
			}
			failed = append(failed, route.Name)
			r.log.Warn().Err(err).Str("route", route.Name).Msg("route discovery failed")
			continue
		}
		discovered++
	}

	if discovered == 0 {
		_ = r.store.UpdateCollectionStatus(ctx, "route_mapper", "error", 0,
			"no route geometries discovered")
		if r.metrics != nil {
			r.metrics.CollectorErrInc("route_mapper")
		}
		return 0, nil
	}

	msg := ""
	if len(failed) > 0 {
		msg = "failed: " + strings.Join(failed, ", ")
	}
	_ = r.store.UpdateCollectionStatus(ctx, "route_mapper", "ok", discovered, msg)
	if r.metrics != nil {
		r.metrics.CollectorRunInc("route_mapper")
	}
	return discovered, nil
}

func (r *RouteMapper) discoverOne(ctx context.Context, route TargetRoute) error {
	tripID, err := r.client.FindRouteTrip(ctx, route.From, route.To, route.Name)
	if err != nil {
		return err
	}
	if tripID == "" {
		return errNoJourney(route.Name)
	}

	shape, err := r.client.TripGeometry(ctx, tripID)
	if err != nil {
		return err
	}

	stops, err := json.Marshal(shape.Stops)
	if err != nil {
		return err
	}
	return r.store.UpsertRouteGeometry(ctx, db.RouteGeometry{
		RouteID:   strings.ToLower(route.Name),
		LineName:  route.Name,
		Type:      route.Type,
		Direction: shape.Direction,
		TripID:    shape.TripID,
		Geometry:  shape.Polyline,
		Stops:     stops,
	})
}

type errNoJourney string

func (e errNoJourney) Error() string { return "no journey found serving line " + string(e) }
