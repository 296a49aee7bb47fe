package playback

import (
	"sync"
	"time"

	"transport-timemachine/internal/transport"
)

// Origin tags who produced a timeline update. Threading the origin through
// the call is what breaks the engine→display→engine cycle; the drag flag is
// only an additional display gate.
type Origin int

const (
	OriginUser Origin = iota
	OriginEngine
)

func (o Origin) String() string {
	if o == OriginUser {
		return "user"
	}
	return "engine"
}

// Seeker is the slice of the engine the timeline drives.
type Seeker interface {
	SeekToTimestamp(t time.Time) error
}

// DefaultScrubInterval is the minimum spacing between downstream seeks.
const DefaultScrubInterval = 50 * time.Millisecond

// Timeline is the bidirectional binding between playback progress and an
// externally driven scrub input. User scrubs map progress to a timestamp and
// seek the engine, coalesced to the latest value at a bounded rate. Engine
// progress updates a display callback, suppressed while the user is
// dragging so the handle does not fight the pointer.
type Timeline struct {
	seeker      Seeker
	rng         transport.TimeRange
	minInterval time.Duration
	display     func(progress float64, origin Origin)

	mu         sync.Mutex
	dragging   bool
	lastSeek   time.Time
	pending    float64
	hasPending bool
	timer      *time.Timer
}

// NewTimeline binds a seeker over the given data range. display may be nil.
func NewTimeline(seeker Seeker, rng transport.TimeRange, display func(progress float64, origin Origin)) *Timeline {
	return &Timeline{
		seeker:      seeker,
		rng:         rng,
		minInterval: DefaultScrubInterval,
		display:     display,
	}
}

// SetMinInterval overrides the scrub coalescing interval.
func (t *Timeline) SetMinInterval(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d > 0 {
		t.minInterval = d
	}
}

// SetRange replaces the data range the progress axis maps onto.
func (t *Timeline) SetRange(rng transport.TimeRange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rng = rng
}

// TimestampAt maps progress in [0,1] to an absolute timestamp in the range.
func (t *Timeline) TimestampAt(progress float64) time.Time {
	t.mu.Lock()
	rng := t.rng
	t.mu.Unlock()
	progress = clamp01(progress)
	return rng.Start.Add(time.Duration(progress * float64(rng.Duration())))
}

// ProgressAt maps an absolute timestamp to progress in [0,1].
func (t *Timeline) ProgressAt(ts time.Time) float64 {
	t.mu.Lock()
	rng := t.rng
	t.mu.Unlock()
	total := rng.Duration()
	if total <= 0 {
		return 0
	}
	return clamp01(float64(rng.Clamp(ts).Sub(rng.Start)) / float64(total))
}

// BeginDrag marks the start of a user drag gesture. Engine-driven display
// updates are gated off until EndDrag.
func (t *Timeline) BeginDrag() {
	t.mu.Lock()
	t.dragging = true
	t.mu.Unlock()
}

// EndDrag marks the end of a user drag gesture and flushes any scrub value
// still pending.
func (t *Timeline) EndDrag() {
	t.mu.Lock()
	t.dragging = false
	hasPending := t.hasPending
	pending := t.pending
	t.hasPending = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	if hasPending {
		t.applyScrub(pending)
	}
}

// Dragging reports whether a user drag gesture is in progress.
func (t *Timeline) Dragging() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dragging
}

// OnUserScrub handles one scrub input. Events arriving faster than the
// minimum interval are coalesced to the latest value, not queued: the seek
// rate downstream stays bounded no matter how fast the pointer moves.
func (t *Timeline) OnUserScrub(progress float64) {
	progress = clamp01(progress)
	now := time.Now()

	t.mu.Lock()
	wait := t.minInterval - now.Sub(t.lastSeek)
	if wait <= 0 {
		t.lastSeek = now
		t.hasPending = false
		t.mu.Unlock()
		t.applyScrub(progress)
		return
	}
	t.pending = progress
	if !t.hasPending {
		t.hasPending = true
		t.timer = time.AfterFunc(wait, t.flushPending)
	}
	t.mu.Unlock()

	if t.display != nil {
		// Echo the handle position immediately; only the seek is deferred.
		t.display(progress, OriginUser)
	}
}

func (t *Timeline) flushPending() {
	t.mu.Lock()
	if !t.hasPending {
		t.mu.Unlock()
		return
	}
	progress := t.pending
	t.hasPending = false
	t.timer = nil
	t.lastSeek = time.Now()
	t.mu.Unlock()
	t.applyScrub(progress)
}

func (t *Timeline) applyScrub(progress float64) {
	target := t.TimestampAt(progress)
	if err := t.seeker.SeekToTimestamp(target); err != nil {
		return
	}
	if t.display != nil {
		t.display(progress, OriginUser)
	}
}

// OnEngineProgress propagates engine-driven progress to the display. While a
// drag is in progress engine updates are discarded, and the origin tag lets
// the display layer ignore echoes regardless of timing.
func (t *Timeline) OnEngineProgress(progress float64) {
	t.mu.Lock()
	dragging := t.dragging
	t.mu.Unlock()
	if dragging || t.display == nil {
		return
	}
	t.display(clamp01(progress), OriginEngine)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
