package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transport-timemachine/internal/config"
	"transport-timemachine/internal/control"
	"transport-timemachine/internal/feed"
	"transport-timemachine/internal/logging"
	"transport-timemachine/internal/metrics"
	"transport-timemachine/internal/playback"
	"transport-timemachine/internal/publisher"
	"transport-timemachine/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", "console")
		boot.Fatal().Err(err).Msg("configuration error")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("service", "replay").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewCollector(log)
	if cfg.MetricsAddr != "" {
		srv := m.Serve(cfg.MetricsAddr)
		defer srv.Close()
	}

	source := feed.NewClient(cfg.SimAPIBaseURL, cfg.FrameInterval, log, m)
	cache := playback.NewCache(source, cfg.CacheCapacity, cfg.ChunkDuration, log, m)
	prefetcher := playback.NewPrefetcher(cache, time.Time{}, log, m)
	engine := playback.NewEngine(cfg.BaseFrameRate, log, playback.WithMetrics(m))
	engine.SetSpeed(cfg.SpeedMultiplier)

	hub := ws.NewHub(log)
	defer hub.Close()

	svc := control.NewService(engine, cache, prefetcher, hub, control.Options{
		FrameInterval: cfg.FrameInterval,
		ChunkDuration: cfg.ChunkDuration,
		Lookahead:     cfg.PrefetchCount,
		Interpolate:   cfg.Interpolate,
		TargetRate:    cfg.BaseFrameRate,
	}, log)

	if rng, err := source.TimeRange(ctx); err != nil {
		log.Warn().Err(err).Msg("data range unavailable at startup")
	} else {
		svc.SetDataRange(rng)
		log.Info().Time("start", rng.Start).Time("end", rng.End).Msg("recorded history available")
	}

	if cfg.NATSURL != "" {
		pub, err := publisher.New(cfg.NATSURL, log, m)
		if err != nil {
			log.Warn().Err(err).Msg("nats unavailable, notifications disabled")
		} else {
			defer pub.Close()
			engine.Notify(pub.Hooks())
		}
	}

	router := control.NewRouter(svc, hub, cfg.AllowedOrigins, log)
	srv := &http.Server{
		Addr:        cfg.ReplayListenAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ReplayListenAddr).Msg("replay service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	_ = engine.Pause()
	prefetcher.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
