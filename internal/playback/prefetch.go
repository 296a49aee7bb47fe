package playback

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"transport-timemachine/internal/transport"
)

// PrefetchMetrics receives prefetcher instrumentation. May be nil.
type PrefetchMetrics interface {
	PrefetchIssued()
	PrefetchFailed()
}

// Prefetcher populates the chunk cache ahead of playback. It is purely
// additive: it never blocks loading or scheduling, and a failed prefetch is
// invisible to the user beyond a later on-demand cache miss.
type Prefetcher struct {
	cache   *Cache
	dataEnd time.Time
	log     zerolog.Logger
	metrics PrefetchMetrics

	mu       sync.Mutex
	inflight bool
	wg       sync.WaitGroup
}

// NewPrefetcher creates a prefetcher bounded by the known data end time.
// metrics may be nil.
func NewPrefetcher(cache *Cache, dataEnd time.Time, log zerolog.Logger, m PrefetchMetrics) *Prefetcher {
	return &Prefetcher{cache: cache, dataEnd: dataEnd, log: log, metrics: m}
}

// SetDataEnd updates the known end of available data.
func (p *Prefetcher) SetDataEnd(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dataEnd = t
}

// Schedule kicks off up to lookahead fetches for the windows immediately
// following the current one. Windows are fetched sequentially to bound load
// on the source, stopping early at the data end or on the first failure
// (logged, not retried: the next on-demand load will try again). A run
// already in flight absorbs the call.
func (p *Prefetcher) Schedule(ctx context.Context, start time.Time, duration time.Duration, filters []transport.Type, lookahead int) {
	if lookahead <= 0 {
		return
	}
	p.mu.Lock()
	if p.inflight {
		p.mu.Unlock()
		return
	}
	p.inflight = true
	end := p.dataEnd
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			p.inflight = false
			p.mu.Unlock()
		}()
		for i := 1; i <= lookahead; i++ {
			windowStart := start.Add(time.Duration(i) * duration)
			if !end.IsZero() && !windowStart.Before(end) {
				return
			}
			if ctx.Err() != nil {
				return
			}
			if p.metrics != nil {
				p.metrics.PrefetchIssued()
			}
			if _, err := p.cache.GetOrFetch(ctx, windowStart, duration, filters); err != nil {
				if p.metrics != nil {
					p.metrics.PrefetchFailed()
				}
				p.log.Warn().Err(err).Time("window_start", windowStart).Msg("prefetch failed")
				return
			}
		}
	}()
}

// Wait blocks until any in-flight run finishes. Intended for shutdown and
// tests.
func (p *Prefetcher) Wait() { p.wg.Wait() }
