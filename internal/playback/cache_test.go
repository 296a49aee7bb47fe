package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transport-timemachine/internal/transport"
)

type fakeSource struct {
	mu      sync.Mutex
	calls   int
	failing bool
}

func (s *fakeSource) FetchChunk(_ context.Context, start time.Time, duration time.Duration, filters []transport.Type) (*transport.Chunk, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.failing {
		return nil, errors.New("source down")
	}
	return &transport.Chunk{
		Start:    start,
		Duration: duration,
		Filters:  transport.NormalizeFilter(filters),
		Samples: []transport.VehicleSample{
			{VehicleID: "v1", Type: transport.Bus, Latitude: 52.5, Longitude: 13.4, Timestamp: start, Status: "active"},
		},
	}, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestCacheHitAvoidsRefetch(t *testing.T) {
	src := &fakeSource{}
	c := NewCache(src, 4, 0, zerolog.Nop(), nil)
	start := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)

	first, err := c.GetOrFetch(context.Background(), start, 10*time.Minute, nil)
	require.NoError(t, err)
	second, err := c.GetOrFetch(context.Background(), start, 10*time.Minute, nil)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, src.callCount())
}

func TestCacheKeyNormalizesFilters(t *testing.T) {
	c := NewCache(&fakeSource{}, 4, 0, zerolog.Nop(), nil)
	start := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)

	a := c.Key(start, 10*time.Minute, []transport.Type{transport.Tram, transport.Bus, transport.Bus})
	b := c.Key(start, 10*time.Minute, []transport.Type{transport.Bus, transport.Tram})
	assert.Equal(t, a, b)

	// Empty filter means all types.
	all := c.Key(start, 10*time.Minute, nil)
	explicit := c.Key(start, 10*time.Minute, transport.AllTypes())
	assert.Equal(t, all, explicit)

	other := c.Key(start, 20*time.Minute, nil)
	assert.NotEqual(t, all, other)
}

func TestCacheKeyTruncatesStart(t *testing.T) {
	c := NewCache(&fakeSource{}, 4, 10*time.Minute, zerolog.Nop(), nil)
	base := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)

	assert.Equal(t,
		c.Key(base, 10*time.Minute, nil),
		c.Key(base.Add(3*time.Minute), 10*time.Minute, nil))
	assert.NotEqual(t,
		c.Key(base, 10*time.Minute, nil),
		c.Key(base.Add(10*time.Minute), 10*time.Minute, nil))
}

func TestCacheEvictsOldestInserted(t *testing.T) {
	src := &fakeSource{}
	c := NewCache(src, 3, 0, zerolog.Nop(), nil)
	base := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	window := func(i int) time.Time { return base.Add(time.Duration(i) * 10 * time.Minute) }

	for i := 0; i < 3; i++ {
		_, err := c.GetOrFetch(context.Background(), window(i), 10*time.Minute, nil)
		require.NoError(t, err)
	}
	require.Equal(t, 3, c.Len())

	// Touch the oldest entry: FIFO eviction must ignore access recency.
	_, err := c.GetOrFetch(context.Background(), window(0), 10*time.Minute, nil)
	require.NoError(t, err)

	_, err = c.GetOrFetch(context.Background(), window(3), 10*time.Minute, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Contains(window(0), 10*time.Minute, nil), "oldest-inserted entry must go first")
	assert.True(t, c.Contains(window(1), 10*time.Minute, nil))
	assert.True(t, c.Contains(window(2), 10*time.Minute, nil))
	assert.True(t, c.Contains(window(3), 10*time.Minute, nil))
}

func TestCacheDefaultCapacity(t *testing.T) {
	src := &fakeSource{}
	c := NewCache(src, 0, 0, zerolog.Nop(), nil)
	base := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)

	for i := 0; i < DefaultCacheCapacity+2; i++ {
		start := base.Add(time.Duration(i) * 10 * time.Minute)
		_, err := c.GetOrFetch(context.Background(), start, 10*time.Minute, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, DefaultCacheCapacity, c.Len())
}

func TestCachePropagatesSourceError(t *testing.T) {
	src := &fakeSource{failing: true}
	c := NewCache(src, 4, 0, zerolog.Nop(), nil)
	start := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)

	_, err := c.GetOrFetch(context.Background(), start, 10*time.Minute, nil)
	require.Error(t, err)
	assert.Equal(t, 0, c.Len(), "failed fetches must not occupy capacity")

	// Recovery: the next call retries the source.
	src.failing = false
	_, err = c.GetOrFetch(context.Background(), start, 10*time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestCacheConcurrentFetchSameWindow(t *testing.T) {
	src := &fakeSource{}
	c := NewCache(src, 4, 0, zerolog.Nop(), nil)
	start := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	results := make([]*transport.Chunk, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.GetOrFetch(context.Background(), start, 10*time.Minute, nil)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, c.Len())
	retained, err := c.GetOrFetch(context.Background(), start, 10*time.Minute, nil)
	require.NoError(t, err)
	for i := range results {
		require.NoError(t, errs[i], fmt.Sprintf("goroutine %d", i))
		// Every caller ends up holding the single retained chunk.
		assert.Same(t, retained, results[i])
	}
}
