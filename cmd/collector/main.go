package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"transport-timemachine/internal/collector"
	"transport-timemachine/internal/config"
	"transport-timemachine/internal/db"
	"transport-timemachine/internal/logging"
	"transport-timemachine/internal/metrics"
)

const (
	retentionSweepInterval = time.Hour
	routeDiscoveryInterval = time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", "console")
		boot.Fatal().Err(err).Msg("configuration error")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("service", "collector").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer conn.Close()
	if err := db.Ping(ctx, conn); err != nil {
		log.Fatal().Err(err).Msg("database unreachable")
	}

	m := metrics.NewCollector(log)
	if cfg.MetricsAddr != "" {
		srv := m.Serve(cfg.MetricsAddr)
		defer srv.Close()
	}

	store := db.NewStore(conn)
	client := collector.NewClient(cfg.UpstreamBaseURL, log)

	vehicles := collector.NewVehicleTracker(client, store, log, m)
	departures := collector.NewDepartureTracker(client, store, trackedStops(cfg.TrackedStops), log, m)
	routes := collector.NewRouteMapper(client, store, nil, log, m)
	retention := collector.NewRetentionJob(store, cfg.RetentionDays, log, m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return vehicles.Run(gctx, cfg.PollInterval) })
	g.Go(func() error { return departures.Run(gctx, cfg.DepartureInterval) })
	g.Go(func() error { return routes.Run(gctx, routeDiscoveryInterval) })
	g.Go(func() error { return retention.Run(gctx, retentionSweepInterval) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("collector exited")
	}
	log.Info().Msg("collector stopped")
}

// trackedStops parses "id" or "id:name" entries from configuration.
func trackedStops(entries []string) []collector.TrackedStop {
	var stops []collector.TrackedStop
	for _, e := range entries {
		id, name, found := strings.Cut(e, ":")
		if !found {
			name = id
		}
		stops = append(stops, collector.TrackedStop{ID: id, Name: name})
	}
	return stops
}
