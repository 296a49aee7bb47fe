package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"transport-timemachine/internal/transport"
)

// EngineMetrics receives scheduler instrumentation. A nil value disables it.
type EngineMetrics interface {
	TickObserve(d time.Duration)
	FramesAdvanced(n int)
	SeekInc()
	SetEngineState(s string)
}

// DefaultBaseRate is the frame advance rate at speed 1.
const DefaultBaseRate = 30

// fatalFailureThreshold is the number of consecutive failed frame
// deliveries after which playback pauses with a surfaced error.
const fatalFailureThreshold = 3

var allowedSpeeds = map[float64]struct{}{0.5: {}, 1: {}, 2: {}, 5: {}, 10: {}}

// Engine owns the frame cursor, the playback speed, the play/pause/seek
// state machine and the scheduling loop that advances frames against wall
// clock. One loop goroutine runs per engine at most; loading a new chunk
// swaps the frame sequence wholesale, never mutating one a running loop is
// iterating.
type Engine struct {
	baseRate int
	tick     time.Duration
	log      zerolog.Logger
	metrics  EngineMetrics

	mu          sync.Mutex
	session     string
	state       State
	frames      []Frame
	chunk       *transport.Chunk
	cursor      int
	speed       float64
	anchor      time.Time // consumed wall-clock point; remainder carries over
	hooks       []Hooks
	cancel      context.CancelFunc
	done        chan struct{}
	consecFails int
	lastErr     error
}

// Option configures an Engine.
type Option func(*Engine)

// WithTick overrides the scheduler tick interval.
func WithTick(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tick = d
		}
	}
}

// WithMetrics attaches scheduler instrumentation.
func WithMetrics(m EngineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an idle engine advancing baseRate frames per second at
// speed 1.
func NewEngine(baseRate int, log zerolog.Logger, opts ...Option) *Engine {
	if baseRate <= 0 {
		baseRate = DefaultBaseRate
	}
	e := &Engine{
		baseRate: baseRate,
		tick:     50 * time.Millisecond,
		log:      log,
		state:    StateIdle,
		speed:    1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Notify registers a typed subscription on the engine. Registration order is
// delivery order.
func (e *Engine) Notify(h Hooks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, h)
}

// Load builds the frame sequence for chunk and makes it the active session,
// cursor at zero. A chunk yielding no frames fails with ErrEmptyChunk and
// leaves the previous session untouched.
func (e *Engine) Load(chunk *transport.Chunk, interval time.Duration, opts BuildOptions) error {
	frames := BuildFrames(chunk, interval, opts)
	if len(frames) == 0 {
		return ErrEmptyChunk
	}

	e.haltLoop()

	e.mu.Lock()
	wasPlaying := e.state == StatePlaying
	oldSession := e.session
	e.frames = frames
	e.chunk = chunk
	e.cursor = 0
	e.session = uuid.NewString()
	e.state = StateLoaded
	e.consecFails = 0
	e.lastErr = nil
	hooks := e.snapshotHooksLocked()
	e.mu.Unlock()

	if wasPlaying {
		emitLifecycle(hooks, LifecycleEvent{SessionID: oldSession, Kind: LifecycleStopped})
	}
	e.setStateMetric(StateLoaded)
	e.log.Info().
		Time("window_start", chunk.Start).
		Dur("window", chunk.Duration).
		Int("frames", len(frames)).
		Msg("chunk loaded")
	return nil
}

// Play starts (or resumes) the scheduling loop. It is a no-op while already
// playing, rejects an idle engine with ErrNotLoaded and a finished sequence
// with ErrCompleted.
func (e *Engine) Play() error {
	e.mu.Lock()
	switch e.state {
	case StateIdle:
		e.mu.Unlock()
		return ErrNotLoaded
	case StatePlaying:
		e.mu.Unlock()
		return nil
	case StateCompleted:
		e.mu.Unlock()
		return ErrCompleted
	}
	resumed := e.state == StatePaused
	e.state = StatePlaying
	e.anchor = time.Now()
	e.consecFails = 0
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel = cancel
	e.done = done
	session := e.session
	hooks := e.snapshotHooksLocked()
	e.mu.Unlock()

	go e.run(ctx, done)

	kind := LifecycleStarted
	if resumed {
		kind = LifecycleResumed
	}
	emitLifecycle(hooks, LifecycleEvent{SessionID: session, Kind: kind})
	e.setStateMetric(StatePlaying)
	return nil
}

// Pause halts scheduling without moving the cursor. The loop observes the
// cancellation at its next tick boundary, never mid-frame. Pausing a
// non-playing engine is a no-op.
func (e *Engine) Pause() error {
	e.mu.Lock()
	if e.state != StatePlaying {
		e.mu.Unlock()
		return nil
	}
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.state = StatePaused
	session := e.session
	hooks := e.snapshotHooksLocked()
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	emitLifecycle(hooks, LifecycleEvent{SessionID: session, Kind: LifecyclePaused})
	e.setStateMetric(StatePaused)
	return nil
}

// Stop halts scheduling and rewinds the cursor to zero, returning to Loaded.
func (e *Engine) Stop() error {
	e.haltLoop()

	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		return ErrNotLoaded
	}
	e.cursor = 0
	e.state = StateLoaded
	session := e.session
	hooks := e.snapshotHooksLocked()
	e.mu.Unlock()

	emitLifecycle(hooks, LifecycleEvent{SessionID: session, Kind: LifecycleStopped})
	e.setStateMetric(StateLoaded)
	return nil
}

// Reset discards the session entirely and returns to Idle.
func (e *Engine) Reset() {
	e.haltLoop()

	e.mu.Lock()
	session := e.session
	e.frames = nil
	e.chunk = nil
	e.cursor = 0
	e.session = ""
	e.state = StateIdle
	e.lastErr = nil
	hooks := e.snapshotHooksLocked()
	e.mu.Unlock()

	emitLifecycle(hooks, LifecycleEvent{SessionID: session, Kind: LifecycleReset})
	e.setStateMetric(StateIdle)
}

// Seek moves the cursor to the given frame index, clamped to the valid
// range. The play/pause state is untouched, except that seeking away from a
// completed sequence re-arms it to Loaded. The jump is reported through the
// Seek hook, out of band of the per-frame stream.
func (e *Engine) Seek(index int) error {
	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		return ErrNotLoaded
	}
	if index < 0 {
		index = 0
	}
	if index > len(e.frames)-1 {
		index = len(e.frames) - 1
	}
	e.cursor = index
	if e.state == StateCompleted {
		e.state = StateLoaded
	}
	if e.state == StatePlaying {
		// Do not fold pre-seek elapsed time into the next advance.
		e.anchor = time.Now()
	}
	ev := SeekEvent{
		SessionID:  e.session,
		FrameIndex: index,
		TargetTime: e.frames[index].Timestamp,
	}
	hooks := e.snapshotHooksLocked()
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SeekInc()
	}
	for _, h := range hooks {
		if h.Seek != nil {
			h.Seek(ev)
		}
	}
	return nil
}

// SeekToTimestamp seeks to the frame whose timestamp is closest to t, ties
// broken toward the earlier frame.
func (e *Engine) SeekToTimestamp(t time.Time) error {
	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		return ErrNotLoaded
	}
	idx := closestFrame(e.frames, t)
	e.mu.Unlock()
	return e.Seek(idx)
}

func closestFrame(frames []Frame, t time.Time) int {
	best := 0
	bestDist := time.Duration(1<<63 - 1)
	for i := range frames {
		d := frames[i].Timestamp.Sub(t)
		if d < 0 {
			d = -d
		}
		// Strict less keeps the earlier frame on ties.
		if d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}

// SetSpeed changes the speed multiplier. Values outside the supported
// discrete set are rejected silently: no state change, no error.
func (e *Engine) SetSpeed(speed float64) {
	if _, ok := allowedSpeeds[speed]; !ok {
		return
	}
	e.mu.Lock()
	if speed == e.speed {
		e.mu.Unlock()
		return
	}
	e.speed = speed
	if e.state == StatePlaying {
		e.anchor = time.Now()
	}
	session := e.session
	hooks := e.snapshotHooksLocked()
	e.mu.Unlock()

	for _, h := range hooks {
		if h.Speed != nil {
			h.Speed(SpeedEvent{SessionID: session, Speed: speed})
		}
	}
}

// Step moves the cursor by delta frames without entering Playing. Only
// meaningful from Loaded or Paused; ignored otherwise.
func (e *Engine) Step(delta int) {
	e.mu.Lock()
	if e.state != StateLoaded && e.state != StatePaused {
		e.mu.Unlock()
		return
	}
	target := e.cursor + delta
	if target < 0 {
		target = 0
	}
	if target > len(e.frames)-1 {
		target = len(e.frames) - 1
	}
	e.cursor = target
	ev := e.frameEventLocked()
	hooks := e.snapshotHooksLocked()
	e.mu.Unlock()

	for _, h := range hooks {
		if h.Frame == nil {
			continue
		}
		if err := h.Frame(ev); err != nil {
			e.log.Warn().Err(err).Msg("frame hook failed on step")
		}
	}
}

// run is the scheduling loop. Cancellation is only observed at tick
// boundaries, so a pause always lands between frames.
func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			tickStart := time.Now()
			ev, completed, ok := e.advanceTo(now)
			if !ok {
				return
			}
			if ev != nil {
				if fatal := e.deliver(*ev); fatal {
					return
				}
			}
			if e.metrics != nil {
				e.metrics.TickObserve(time.Since(tickStart))
			}
			if completed {
				return
			}
		}
	}
}

// advanceTo moves the cursor according to wall-clock time elapsed since the
// last consumed instant: floor(elapsed / framePeriod) frames, never past the
// end of the sequence. The un-consumed remainder carries into the next tick,
// which keeps the average rate at baseRate*speed even when ticks fire
// irregularly. It returns the frame event to deliver (nil when no frame was
// consumed), whether the sequence completed, and whether the loop should
// keep running.
func (e *Engine) advanceTo(now time.Time) (*FrameEvent, bool, bool) {
	e.mu.Lock()
	if e.state != StatePlaying {
		e.mu.Unlock()
		return nil, false, false
	}
	period := time.Duration(float64(time.Second) / (float64(e.baseRate) * e.speed))
	n := int(now.Sub(e.anchor) / period)
	if n <= 0 {
		e.mu.Unlock()
		return nil, false, true
	}
	e.anchor = e.anchor.Add(time.Duration(n) * period)

	completed := false
	remaining := len(e.frames) - 1 - e.cursor
	if n >= remaining {
		n = remaining
		completed = true
	}
	e.cursor += n

	var lifecycleHooks []Hooks
	session := e.session
	if completed {
		e.state = StateCompleted
		if e.cancel != nil {
			e.cancel()
		}
		e.cancel, e.done = nil, nil
		lifecycleHooks = e.snapshotHooksLocked()
	}
	ev := e.frameEventLocked()
	e.mu.Unlock()

	if e.metrics != nil && n > 0 {
		e.metrics.FramesAdvanced(n)
	}
	if completed {
		emitLifecycle(lifecycleHooks, LifecycleEvent{SessionID: session, Kind: LifecycleStopped, Completed: true})
		e.setStateMetric(StateCompleted)
	}
	return &ev, completed, true
}

// deliver pushes a frame event to every subscriber. Per-tick failures are
// counted; after fatalFailureThreshold consecutive failing ticks playback is
// paused and the error surfaced through the Fatal hooks.
func (e *Engine) deliver(ev FrameEvent) bool {
	e.mu.Lock()
	hooks := e.snapshotHooksLocked()
	e.mu.Unlock()

	var tickErr error
	for _, h := range hooks {
		if h.Frame == nil {
			continue
		}
		if err := h.Frame(ev); err != nil && tickErr == nil {
			tickErr = err
		}
	}

	e.mu.Lock()
	if tickErr == nil {
		e.consecFails = 0
		e.mu.Unlock()
		return false
	}
	e.consecFails++
	fails := e.consecFails
	if fails < fatalFailureThreshold || e.state != StatePlaying {
		e.mu.Unlock()
		e.log.Warn().Err(tickErr).Int("consecutive", fails).Msg("frame delivery failed")
		return false
	}
	err := fmt.Errorf("frame delivery failed %d consecutive times: %w", fails, tickErr)
	e.lastErr = err
	e.state = StatePaused
	if e.cancel != nil {
		e.cancel()
	}
	e.cancel, e.done = nil, nil
	session := e.session
	e.mu.Unlock()

	e.log.Error().Err(err).Msg("playback paused after repeated delivery failures")
	emitLifecycle(hooks, LifecycleEvent{SessionID: session, Kind: LifecyclePaused})
	for _, h := range hooks {
		if h.Fatal != nil {
			h.Fatal(err)
		}
	}
	e.setStateMetric(StatePaused)
	return true
}

// haltLoop stops a running scheduling loop and waits for it to exit. Safe to
// call when no loop is running. Must not be called with mu held.
func (e *Engine) haltLoop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (e *Engine) frameEventLocked() FrameEvent {
	total := len(e.frames)
	progress := 1.0
	if total > 1 {
		progress = float64(e.cursor) / float64(total-1)
	}
	f := &e.frames[e.cursor]
	return FrameEvent{
		SessionID:    e.session,
		FrameIndex:   e.cursor,
		TotalFrames:  total,
		Timestamp:    f.Timestamp,
		VehicleCount: len(f.Vehicles),
		Progress:     progress,
		Frame:        f,
	}
}

func (e *Engine) snapshotHooksLocked() []Hooks {
	out := make([]Hooks, len(e.hooks))
	copy(out, e.hooks)
	return out
}

func emitLifecycle(hooks []Hooks, ev LifecycleEvent) {
	for _, h := range hooks {
		if h.Lifecycle != nil {
			h.Lifecycle(ev)
		}
	}
}

func (e *Engine) setStateMetric(s State) {
	if e.metrics != nil {
		e.metrics.SetEngineState(s.String())
	}
}

// State returns the current machine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cursor returns the current frame index.
func (e *Engine) Cursor() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// TotalFrames returns the length of the active frame sequence.
func (e *Engine) TotalFrames() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames)
}

// Speed returns the current speed multiplier.
func (e *Engine) Speed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

// Progress returns the cursor position as a fraction of the sequence.
func (e *Engine) Progress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.frames) <= 1 {
		if len(e.frames) == 1 {
			return 1
		}
		return 0
	}
	return float64(e.cursor) / float64(len(e.frames)-1)
}

// Session returns the active session identifier, empty when idle.
func (e *Engine) Session() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Err returns the fatal error that paused playback, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// CurrentFrame returns the frame under the cursor, or nil when idle. Frames
// are immutable, so the pointer is safe to share.
func (e *Engine) CurrentFrame() *Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.frames) == 0 {
		return nil
	}
	return &e.frames[e.cursor]
}

// FrameRange returns the time span covered by the active frame sequence.
func (e *Engine) FrameRange() (transport.TimeRange, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.frames) == 0 {
		return transport.TimeRange{}, false
	}
	return transport.TimeRange{
		Start: e.frames[0].Timestamp,
		End:   e.frames[len(e.frames)-1].Timestamp,
	}, true
}

// Status is a point-in-time snapshot of the session state.
type Status struct {
	SessionID         string           `json:"session_id,omitempty"`
	State             string           `json:"state"`
	CurrentFrameIndex int              `json:"current_frame_index"`
	TotalFrames       int              `json:"total_frames"`
	IsPlaying         bool             `json:"is_playing"`
	IsPaused          bool             `json:"is_paused"`
	SpeedMultiplier   float64          `json:"speed_multiplier"`
	Progress          float64          `json:"progress"`
	FrameTimestamp    *time.Time       `json:"frame_timestamp,omitempty"`
	EnabledTypes      []transport.Type `json:"enabled_transport_types,omitempty"`
}

// Snapshot returns the externally visible playback state.
func (e *Engine) Snapshot() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		SessionID:         e.session,
		State:             e.state.String(),
		CurrentFrameIndex: e.cursor,
		TotalFrames:       len(e.frames),
		IsPlaying:         e.state == StatePlaying,
		IsPaused:          e.state == StatePaused,
		SpeedMultiplier:   e.speed,
	}
	if len(e.frames) > 0 {
		ts := e.frames[e.cursor].Timestamp
		st.FrameTimestamp = &ts
		if len(e.frames) > 1 {
			st.Progress = float64(e.cursor) / float64(len(e.frames)-1)
		} else {
			st.Progress = 1
		}
	}
	if e.chunk != nil {
		st.EnabledTypes = e.chunk.Filters
	}
	return st
}
