package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Collector owns a private registry with every process metric. The playback
// packages accept it through their small metrics interfaces; a nil Collector
// disables instrumentation everywhere.
type Collector struct {
	reg *prometheus.Registry
	log zerolog.Logger

	EngineState    *prometheus.GaugeVec // state label
	FramesTotal    prometheus.Counter
	SeeksTotal     prometheus.Counter
	TickDuration   prometheus.Histogram
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheEntries   prometheus.Gauge
	PrefetchTotal  prometheus.Counter
	PrefetchErrs   prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	CollectorRuns    *prometheus.CounterVec // collector label
	CollectorErrs    *prometheus.CounterVec // collector label
	PositionsWritten prometheus.Counter
	FetchDuration    prometheus.Histogram
}

func NewCollector(log zerolog.Logger) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		log: log,
		EngineState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "timemachine_engine_state",
			Help: "1 for the current playback state, 0 otherwise.",
		}, []string{"state"}),
		FramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timemachine_frames_advanced_total",
			Help: "Total frames the scheduler advanced past.",
		}),
		SeeksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timemachine_seeks_total",
			Help: "Total seek operations.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "timemachine_tick_duration_seconds",
			Help:    "Duration of scheduler tick computations.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timemachine_chunk_cache_hits_total",
			Help: "Chunk cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timemachine_chunk_cache_misses_total",
			Help: "Chunk cache misses.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timemachine_chunk_cache_evictions_total",
			Help: "Chunk cache evictions.",
		}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timemachine_chunk_cache_entries",
			Help: "Chunks currently cached.",
		}),
		PrefetchTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timemachine_prefetch_total",
			Help: "Prefetch fetches issued.",
		}),
		PrefetchErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timemachine_prefetch_errors_total",
			Help: "Prefetch fetches that failed.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timemachine_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timemachine_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timemachine_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "timemachine_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		CollectorRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timemachine_collector_runs_total",
			Help: "Collector poll cycles.",
		}, []string{"collector"}),
		CollectorErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timemachine_collector_errors_total",
			Help: "Collector poll cycles that failed.",
		}, []string{"collector"}),
		PositionsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timemachine_positions_written_total",
			Help: "Vehicle position rows written to the store.",
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "timemachine_fetch_duration_seconds",
			Help:    "Duration of upstream and chunk fetches.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 15),
		}),
	}

	reg.MustRegister(
		c.EngineState, c.FramesTotal, c.SeeksTotal, c.TickDuration,
		c.CacheHits, c.CacheMisses, c.CacheEvictions, c.CacheEntries,
		c.PrefetchTotal, c.PrefetchErrs,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.CollectorRuns, c.CollectorErrs, c.PositionsWritten, c.FetchDuration,
	)
	return c
}

// The methods below satisfy the playback and publisher metrics interfaces so
// a *Collector can be handed to them directly.

func (c *Collector) CacheHit()       { c.CacheHits.Inc() }
func (c *Collector) CacheMiss()      { c.CacheMisses.Inc() }
func (c *Collector) CacheEvict()     { c.CacheEvictions.Inc() }
func (c *Collector) CacheSize(n int) { c.CacheEntries.Set(float64(n)) }

func (c *Collector) TickObserve(d time.Duration) { c.TickDuration.Observe(d.Seconds()) }
func (c *Collector) FramesAdvanced(n int)        { c.FramesTotal.Add(float64(n)) }
func (c *Collector) SeekInc()                    { c.SeeksTotal.Inc() }

var engineStates = []string{"idle", "loaded", "playing", "paused", "completed"}

func (c *Collector) SetEngineState(state string) {
	for _, s := range engineStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.EngineState.WithLabelValues(s).Set(v)
	}
}

func (c *Collector) PrefetchIssued() { c.PrefetchTotal.Inc() }
func (c *Collector) PrefetchFailed() { c.PrefetchErrs.Inc() }

func (c *Collector) FetchObserve(d time.Duration) { c.FetchDuration.Observe(d.Seconds()) }

func (c *Collector) CollectorRunInc(name string) { c.CollectorRuns.WithLabelValues(name).Inc() }
func (c *Collector) CollectorErrInc(name string) { c.CollectorErrs.WithLabelValues(name).Inc() }
func (c *Collector) PositionsAdd(n int)          { c.PositionsWritten.Add(float64(n)) }

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.log.Error().Err(err).Msg("metrics server error")
		}
	}()
	c.log.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}
