package playback

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transport-timemachine/internal/transport"
)

func testChunk(n int, interval time.Duration) *transport.Chunk {
	start := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	samples := make([]transport.VehicleSample, n)
	for i := range samples {
		samples[i] = transport.VehicleSample{
			VehicleID: "v1",
			Type:      transport.Subway,
			Latitude:  52.5 + float64(i)*0.001,
			Longitude: 13.4,
			Timestamp: start.Add(time.Duration(i) * interval),
			Status:    "active",
		}
	}
	return &transport.Chunk{
		Start:    start,
		Duration: time.Duration(n) * interval,
		Filters:  transport.AllTypes(),
		Samples:  samples,
	}
}

func loadedEngine(t *testing.T, frames int, opts ...Option) *Engine {
	t.Helper()
	e := NewEngine(DefaultBaseRate, zerolog.Nop(), opts...)
	require.NoError(t, e.Load(testChunk(frames, 30*time.Second), 30*time.Second, BuildOptions{}))
	return e
}

// recorder collects events thread-safely for assertions.
type recorder struct {
	mu        sync.Mutex
	frames    []FrameEvent
	seeks     []SeekEvent
	lifecycle []LifecycleEvent
	speeds    []SpeedEvent
	fatals    []error
	frameErr  error
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		Frame: func(ev FrameEvent) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.frames = append(r.frames, ev)
			return r.frameErr
		},
		Seek: func(ev SeekEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.seeks = append(r.seeks, ev)
		},
		Lifecycle: func(ev LifecycleEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.lifecycle = append(r.lifecycle, ev)
		},
		Speed: func(ev SpeedEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.speeds = append(r.speeds, ev)
		},
		Fatal: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.fatals = append(r.fatals, err)
		},
	}
}

func (r *recorder) snapshot() ([]FrameEvent, []SeekEvent, []LifecycleEvent, []SpeedEvent, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FrameEvent(nil), r.frames...),
		append([]SeekEvent(nil), r.seeks...),
		append([]LifecycleEvent(nil), r.lifecycle...),
		append([]SpeedEvent(nil), r.speeds...),
		append([]error(nil), r.fatals...)
}

func (r *recorder) waitLifecycle(t *testing.T, kind LifecycleKind, timeout time.Duration) LifecycleEvent {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, ev := range r.lifecycle {
			if ev.Kind == kind {
				r.mu.Unlock()
				return ev
			}
		}
		r.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no %s lifecycle event within %s", kind, timeout)
	return LifecycleEvent{}
}

func TestEngineLoadEmptyChunk(t *testing.T) {
	e := NewEngine(DefaultBaseRate, zerolog.Nop())
	err := e.Load(&transport.Chunk{}, 30*time.Second, BuildOptions{})
	assert.ErrorIs(t, err, ErrEmptyChunk)
	assert.Equal(t, StateIdle, e.State())

	err = e.Load(nil, 30*time.Second, BuildOptions{})
	assert.ErrorIs(t, err, ErrEmptyChunk)
}

func TestEnginePlayOnIdle(t *testing.T) {
	e := NewEngine(DefaultBaseRate, zerolog.Nop())
	assert.ErrorIs(t, e.Play(), ErrNotLoaded)
	assert.ErrorIs(t, e.Seek(0), ErrNotLoaded)
	assert.ErrorIs(t, e.Stop(), ErrNotLoaded)
}

func TestEngineLoadTransitions(t *testing.T) {
	e := loadedEngine(t, 5)
	assert.Equal(t, StateLoaded, e.State())
	assert.Equal(t, 0, e.Cursor())
	assert.Equal(t, 5, e.TotalFrames())
	assert.NotEmpty(t, e.Session())
}

func TestEngineSeekClamps(t *testing.T) {
	e := loadedEngine(t, 5)
	rec := &recorder{}
	e.Notify(rec.hooks())

	require.NoError(t, e.Seek(100))
	assert.Equal(t, 4, e.Cursor())
	require.NoError(t, e.Seek(-7))
	assert.Equal(t, 0, e.Cursor())

	_, seeks, _, _, _ := rec.snapshot()
	require.Len(t, seeks, 2)
	assert.Equal(t, 4, seeks[0].FrameIndex)
	assert.Equal(t, 0, seeks[1].FrameIndex)
}

func TestEngineSeekToTimestampTiesEarlier(t *testing.T) {
	e := loadedEngine(t, 5)
	start := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// Exactly between frame 1 (30s) and frame 2 (60s).
	require.NoError(t, e.SeekToTimestamp(start.Add(45*time.Second)))
	assert.Equal(t, 1, e.Cursor())

	// Nearer frame 3.
	require.NoError(t, e.SeekToTimestamp(start.Add(100*time.Second)))
	assert.Equal(t, 3, e.Cursor())

	// Before the range clamps to the first frame, after it to the last.
	require.NoError(t, e.SeekToTimestamp(start.Add(-time.Hour)))
	assert.Equal(t, 0, e.Cursor())
	require.NoError(t, e.SeekToTimestamp(start.Add(time.Hour)))
	assert.Equal(t, 4, e.Cursor())
}

func TestEngineSetSpeedRejectsUnsupported(t *testing.T) {
	e := loadedEngine(t, 5)
	rec := &recorder{}
	e.Notify(rec.hooks())

	e.SetSpeed(3.0)
	assert.Equal(t, 1.0, e.Speed())
	e.SetSpeed(-1)
	assert.Equal(t, 1.0, e.Speed())
	e.SetSpeed(0)
	assert.Equal(t, 1.0, e.Speed())

	e.SetSpeed(5)
	assert.Equal(t, 5.0, e.Speed())

	_, _, _, speeds, _ := rec.snapshot()
	require.Len(t, speeds, 1)
	assert.Equal(t, 5.0, speeds[0].Speed)
}

func TestEngineStepOnlyWhenStationary(t *testing.T) {
	e := loadedEngine(t, 5)
	rec := &recorder{}
	e.Notify(rec.hooks())

	e.Step(1)
	assert.Equal(t, 1, e.Cursor())
	e.Step(-1)
	assert.Equal(t, 0, e.Cursor())
	e.Step(-1)
	assert.Equal(t, 0, e.Cursor(), "step clamps at the first frame")
	e.Step(100)
	assert.Equal(t, 4, e.Cursor(), "step clamps at the last frame")

	frames, _, _, _, _ := rec.snapshot()
	assert.Len(t, frames, 4)
}

func TestEnginePauseWithoutPlayingIsNoop(t *testing.T) {
	e := loadedEngine(t, 5)
	require.NoError(t, e.Pause())
	assert.Equal(t, StateLoaded, e.State())
}

func TestEnginePlayPauseLifecycle(t *testing.T) {
	e := loadedEngine(t, 200, WithTick(2*time.Millisecond))
	rec := &recorder{}
	e.Notify(rec.hooks())

	require.NoError(t, e.Play())
	assert.Equal(t, StatePlaying, e.State())
	require.NoError(t, e.Play(), "play while playing is a no-op")

	rec.waitLifecycle(t, LifecycleStarted, time.Second)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, e.Pause())
	assert.Equal(t, StatePaused, e.State())
	rec.waitLifecycle(t, LifecyclePaused, time.Second)

	cursor := e.Cursor()
	assert.Greater(t, cursor, 0, "playback must have advanced")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, cursor, e.Cursor(), "paused engine must not advance")

	require.NoError(t, e.Play())
	rec.waitLifecycle(t, LifecycleResumed, time.Second)
	require.NoError(t, e.Pause())
}

func TestEngineFrameEventsInOrder(t *testing.T) {
	e := loadedEngine(t, 50, WithTick(2*time.Millisecond))
	rec := &recorder{}
	e.Notify(rec.hooks())
	e.SetSpeed(10)

	require.NoError(t, e.Play())
	rec.waitLifecycle(t, LifecycleStopped, 5*time.Second)

	frames, _, lifecycle, _, _ := rec.snapshot()
	require.NotEmpty(t, frames)
	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i].FrameIndex, frames[i-1].FrameIndex,
			"frame events must arrive in strictly increasing order")
	}
	last := lifecycle[len(lifecycle)-1]
	assert.Equal(t, LifecycleStopped, last.Kind)
	assert.True(t, last.Completed)
	assert.Equal(t, StateCompleted, e.State())
	assert.Equal(t, 49, e.Cursor())
}

func TestEnginePlayAfterCompleted(t *testing.T) {
	e := loadedEngine(t, 3, WithTick(2*time.Millisecond))
	rec := &recorder{}
	e.Notify(rec.hooks())
	e.SetSpeed(10)

	require.NoError(t, e.Play())
	rec.waitLifecycle(t, LifecycleStopped, 5*time.Second)

	assert.ErrorIs(t, e.Play(), ErrCompleted)

	// Seeking away from the end re-arms the sequence.
	require.NoError(t, e.Seek(0))
	assert.Equal(t, StateLoaded, e.State())
	require.NoError(t, e.Play())
	require.NoError(t, e.Pause())
}

func TestEngineAdvanceRateAdaptsToIrregularTicks(t *testing.T) {
	e := loadedEngine(t, 200)
	start := time.Now()
	e.mu.Lock()
	e.state = StatePlaying
	e.anchor = start
	e.mu.Unlock()

	// Irregular tick arrivals covering exactly one second.
	offsets := []time.Duration{
		13 * time.Millisecond, 91 * time.Millisecond, 130 * time.Millisecond,
		322 * time.Millisecond, 340 * time.Millisecond, 627 * time.Millisecond,
		811 * time.Millisecond, 997 * time.Millisecond, 1000 * time.Millisecond,
	}
	for _, off := range offsets {
		_, completed, ok := e.advanceTo(start.Add(off))
		require.True(t, ok)
		require.False(t, completed)
	}

	// One second at 30 fps: the remainder carry keeps the cumulative count
	// at floor(elapsed/period) regardless of tick spacing.
	assert.InDelta(t, 30, e.Cursor(), 1)
}

func TestEngineAdvanceStopsAtEnd(t *testing.T) {
	e := loadedEngine(t, 10)
	rec := &recorder{}
	e.Notify(rec.hooks())

	start := time.Now()
	e.mu.Lock()
	e.state = StatePlaying
	e.anchor = start
	e.mu.Unlock()

	ev, completed, ok := e.advanceTo(start.Add(time.Hour))
	require.True(t, ok)
	assert.True(t, completed)
	require.NotNil(t, ev)
	assert.Equal(t, 9, ev.FrameIndex, "cursor must clamp to the final frame")
	assert.Equal(t, StateCompleted, e.State())

	_, _, lifecycle, _, _ := rec.snapshot()
	require.NotEmpty(t, lifecycle)
	assert.Equal(t, LifecycleStopped, lifecycle[len(lifecycle)-1].Kind)
	assert.True(t, lifecycle[len(lifecycle)-1].Completed)
}

func TestEngineFatalAfterConsecutiveFailures(t *testing.T) {
	e := loadedEngine(t, 100)
	rec := &recorder{frameErr: errors.New("render broken")}
	e.Notify(rec.hooks())

	e.mu.Lock()
	e.state = StatePlaying
	e.mu.Unlock()

	ev := FrameEvent{SessionID: e.Session(), FrameIndex: 1, TotalFrames: 100}
	assert.False(t, e.deliver(ev))
	assert.False(t, e.deliver(ev))
	assert.True(t, e.deliver(ev), "third consecutive failure is fatal")

	assert.Equal(t, StatePaused, e.State())
	require.Error(t, e.Err())
	_, _, _, _, fatals := rec.snapshot()
	require.Len(t, fatals, 1)
	assert.Contains(t, fatals[0].Error(), "render broken")
}

func TestEngineFailureCountResetsOnSuccess(t *testing.T) {
	e := loadedEngine(t, 100)
	rec := &recorder{frameErr: errors.New("render broken")}
	e.Notify(rec.hooks())

	e.mu.Lock()
	e.state = StatePlaying
	e.mu.Unlock()

	ev := FrameEvent{SessionID: e.Session(), TotalFrames: 100}
	assert.False(t, e.deliver(ev))
	assert.False(t, e.deliver(ev))

	rec.mu.Lock()
	rec.frameErr = nil
	rec.mu.Unlock()
	assert.False(t, e.deliver(ev))

	rec.mu.Lock()
	rec.frameErr = errors.New("render broken")
	rec.mu.Unlock()
	assert.False(t, e.deliver(ev))
	assert.False(t, e.deliver(ev))
	assert.Equal(t, StatePlaying, e.State(), "non-consecutive failures must not be fatal")
}

func TestEngineLoadSwapsSessionAtomically(t *testing.T) {
	e := loadedEngine(t, 500, WithTick(2*time.Millisecond))
	rec := &recorder{}
	e.Notify(rec.hooks())

	require.NoError(t, e.Play())
	rec.waitLifecycle(t, LifecycleStarted, time.Second)
	firstSession := e.Session()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, e.Load(testChunk(10, 30*time.Second), 30*time.Second, BuildOptions{}))
	assert.Equal(t, StateLoaded, e.State())
	assert.Equal(t, 0, e.Cursor())
	assert.NotEqual(t, firstSession, e.Session())

	ev := rec.waitLifecycle(t, LifecycleStopped, time.Second)
	assert.Equal(t, firstSession, ev.SessionID)
	assert.False(t, ev.Completed)

	// No frame event from the old session may arrive after the swap.
	time.Sleep(20 * time.Millisecond)
	frames, _, _, _, _ := rec.snapshot()
	for _, f := range frames {
		if f.SessionID != firstSession && f.SessionID != e.Session() {
			t.Fatalf("frame event from unknown session %s", f.SessionID)
		}
	}
}

func TestEngineStopRewinds(t *testing.T) {
	e := loadedEngine(t, 10)
	require.NoError(t, e.Seek(5))
	require.NoError(t, e.Stop())
	assert.Equal(t, StateLoaded, e.State())
	assert.Equal(t, 0, e.Cursor())
}

func TestEngineReset(t *testing.T) {
	e := loadedEngine(t, 10)
	rec := &recorder{}
	e.Notify(rec.hooks())

	e.Reset()
	assert.Equal(t, StateIdle, e.State())
	assert.Equal(t, 0, e.TotalFrames())
	assert.Empty(t, e.Session())
	assert.ErrorIs(t, e.Play(), ErrNotLoaded)

	_, _, lifecycle, _, _ := rec.snapshot()
	require.Len(t, lifecycle, 1)
	assert.Equal(t, LifecycleReset, lifecycle[0].Kind)
}

func TestEngineSnapshot(t *testing.T) {
	e := loadedEngine(t, 5)
	require.NoError(t, e.Seek(2))

	st := e.Snapshot()
	assert.Equal(t, "loaded", st.State)
	assert.Equal(t, 2, st.CurrentFrameIndex)
	assert.Equal(t, 5, st.TotalFrames)
	assert.False(t, st.IsPlaying)
	assert.False(t, st.IsPaused)
	assert.Equal(t, 1.0, st.SpeedMultiplier)
	assert.InDelta(t, 0.5, st.Progress, 1e-9)
	require.NotNil(t, st.FrameTimestamp)
	assert.Equal(t, transport.AllTypes(), st.EnabledTypes)
}
