package collector

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"transport-timemachine/internal/db"
	"transport-timemachine/internal/transport"
)

// Store is the subset of the database layer the collectors write to.
type Store interface {
	InsertSamples(ctx context.Context, samples []transport.VehicleSample) (int, error)
	InsertDepartures(ctx context.Context, events []db.DepartureEvent) (int, error)
	UpsertRouteGeometry(ctx context.Context, g db.RouteGeometry) error
	DeleteSamplesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	UpdateCollectionStatus(ctx context.Context, collector, status string, records int, errMsg string) error
}

// Metrics is the instrumentation the collectors report into. May be nil.
type Metrics interface {
	CollectorRunInc(name string)
	CollectorErrInc(name string)
	PositionsAdd(n int)
}

// VehicleTracker polls the radar endpoint per sector and stores positions.
type VehicleTracker struct {
	client  *Client
	store   Store
	sectors []Sector
	log     zerolog.Logger
	metrics Metrics
}

func NewVehicleTracker(client *Client, store Store, log zerolog.Logger, m Metrics) *VehicleTracker {
	return &VehicleTracker{
		client:  client,
		store:   store,
		sectors: BerlinSectors(),
		log:     log,
		metrics: m,
	}
}

// Run polls until the context is cancelled.
func (t *VehicleTracker) Run(ctx context.Context, interval time.Duration) error {
	t.log.Info().Dur("interval", interval).Int("sectors", len(t.sectors)).Msg("vehicle tracker started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := t.CollectOnce(ctx)
		if err != nil && ctx.Err() == nil {
			t.log.Error().Err(err).Msg("vehicle collection cycle failed")
		} else if err == nil {
			t.log.Info().Int("vehicles", n).Msg("vehicle collection cycle completed")
		}

		select {
		case <-ctx.Done():
			t.log.Info().Msg("vehicle tracker stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CollectOnce queries every sector concurrently and writes the deduplicated
// result set.
func (t *VehicleTracker) CollectOnce(ctx context.Context) (int, error) {
	_ = t.store.UpdateCollectionStatus(ctx, "vehicle_tracker", "running", 0, "")

	var mu sync.Mutex
	var all []transport.VehicleSample

	g, gctx := errgroup.WithContext(ctx)
	for _, sector := range t.sectors {
		sector := sector
		g.Go(func() error {
			samples, err := t.client.Radar(gctx, sector)
			if err != nil {
				// one failed sector must not abort the others
				t.log.Warn().Err(err).Str("sector", sector.Name).Msg("sector collection failed")
				return nil
			}
			mu.Lock()
			all = append(all, samples...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.fail(ctx, "vehicle_tracker", err)
		return 0, err
	}

	deduped := dedupe(all)
	inserted, err := t.store.InsertSamples(ctx, deduped)
	if err != nil {
		t.fail(ctx, "vehicle_tracker", err)
		return inserted, fmt.Errorf("store vehicle positions: %w", err)
	}

	_ = t.store.UpdateCollectionStatus(ctx, "vehicle_tracker", "ok", inserted, "")
	if t.metrics != nil {
		t.metrics.CollectorRunInc("vehicle_tracker")
		t.metrics.PositionsAdd(inserted)
	}
	return inserted, nil
}

func (t *VehicleTracker) fail(ctx context.Context, name string, err error) {
	_ = t.store.UpdateCollectionStatus(ctx, name, "error", 0, err.Error())
	if t.metrics != nil {
		t.metrics.CollectorErrInc(name)
	}
}

// dedupe drops repeated observations of the same vehicle at the same rounded
// position. Sector boxes overlap at their edges, so a vehicle near a border
// shows up in two radar responses.
func dedupe(samples []transport.VehicleSample) []transport.VehicleSample {
	type key struct {
		id       string
		lat, lon float64
	}
	seen := make(map[key]struct{}, len(samples))
	out := samples[:0]
	for _, s := range samples {
		k := key{
			id:  s.VehicleID,
			lat: math.Round(s.Latitude*1e4) / 1e4,
			lon: math.Round(s.Longitude*1e4) / 1e4,
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	return out
}

// DepartureTracker polls departures for the tracked stops.
type DepartureTracker struct {
	client  *Client
	store   Store
	stops   []TrackedStop
	log     zerolog.Logger
	metrics Metrics
}

func NewDepartureTracker(client *Client, store Store, stops []TrackedStop, log zerolog.Logger, m Metrics) *DepartureTracker {
	if len(stops) == 0 {
		stops = DefaultTrackedStops()
	}
	return &DepartureTracker{client: client, store: store, stops: stops, log: log, metrics: m}
}

func (t *DepartureTracker) Run(ctx context.Context, interval time.Duration) error {
	t.log.Info().Dur("interval", interval).Int("stops", len(t.stops)).Msg("departure tracker started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := t.CollectOnce(ctx)
		if err != nil && ctx.Err() == nil {
			t.log.Error().Err(err).Msg("departure collection cycle failed")
		} else if err == nil {
			t.log.Info().Int("departures", n).Msg("departure collection cycle completed")
		}

		select {
		case <-ctx.Done():
			t.log.Info().Msg("departure tracker stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (t *DepartureTracker) CollectOnce(ctx context.Context) (int, error) {
	_ = t.store.UpdateCollectionStatus(ctx, "departure_tracker", "running", 0, "")

	total := 0
	for _, stop := range t.stops {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		events, err := t.client.Departures(ctx, stop)
		if err != nil {
			t.log.Warn().Err(err).Str("stop", stop.Name).Msg("departure collection failed")
			continue
		}
		n, err := t.store.InsertDepartures(ctx, events)
		if err != nil {
			_ = t.store.UpdateCollectionStatus(ctx, "departure_tracker", "error", total, err.Error())
			if t.metrics != nil {
				t.metrics.CollectorErrInc("departure_tracker")
			}
			return total, fmt.Errorf("store departures for %s: %w", stop.ID, err)
		}
		total += n
	}

	_ = t.store.UpdateCollectionStatus(ctx, "departure_tracker", "ok", total, "")
	if t.metrics != nil {
		t.metrics.CollectorRunInc("departure_tracker")
	}
	return total, nil
}

// RetentionJob deletes positions older than the retention window.
type RetentionJob struct {
	store     Store
	retention time.Duration
	log       zerolog.Logger
	metrics   Metrics
}

func NewRetentionJob(store Store, retentionDays int, log zerolog.Logger, m Metrics) *RetentionJob {
	return &RetentionJob{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		log:       log,
		metrics:   m,
	}
}

func (j *RetentionJob) Run(ctx context.Context, interval time.Duration) error {
	j.log.Info().Dur("retention", j.retention).Msg("retention job started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info().Msg("retention job stopped")
			return ctx.Err()
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-j.retention)
		deleted, err := j.store.DeleteSamplesBefore(ctx, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				j.log.Error().Err(err).Msg("retention cleanup failed")
				if j.metrics != nil {
					j.metrics.CollectorErrInc("retention")
				}
			}
			continue
		}
		if j.metrics != nil {
			j.metrics.CollectorRunInc("retention")
		}
		if deleted > 0 {
			j.log.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("retention cleanup completed")
		}
	}
}
