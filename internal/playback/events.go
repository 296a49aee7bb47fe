package playback

import "time"

// State is the engine's position in its play/pause/seek machine.
type State int

const (
	StateIdle State = iota
	StateLoaded
	StatePlaying
	StatePaused
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoaded:
		return "loaded"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

// FrameEvent is the regular per-frame notification, delivered in strictly
// increasing frame-index order within one session.
type FrameEvent struct {
	SessionID    string
	FrameIndex   int
	TotalFrames  int
	Timestamp    time.Time
	VehicleCount int
	Progress     float64
	Frame        *Frame
}

// SeekEvent is the out-of-band notification for a jump, distinct from the
// per-frame stream so a timeline binding can tell user-driven jumps from
// organic advance.
type SeekEvent struct {
	SessionID  string
	FrameIndex int
	TargetTime time.Time
}

// LifecycleKind labels a playback lifecycle transition.
type LifecycleKind string

const (
	LifecycleStarted LifecycleKind = "started"
	LifecyclePaused  LifecycleKind = "paused"
	LifecycleResumed LifecycleKind = "resumed"
	LifecycleStopped LifecycleKind = "stopped"
	LifecycleReset   LifecycleKind = "reset"
)

// LifecycleEvent reports a transition. Completed is set on the stopped event
// emitted when the cursor ran off the end of the sequence.
type LifecycleEvent struct {
	SessionID string
	Kind      LifecycleKind
	Completed bool
}

// SpeedEvent reports an accepted speed change.
type SpeedEvent struct {
	SessionID string
	Speed     float64
}

// Hooks is a typed subscription point on the engine. Each component
// interested in playback registers its own Hooks value; there is no shared
// event bus. Nil fields are skipped. Frame may return an error: per-tick
// errors are counted by the engine and three consecutive failures pause
// playback fatally, reported through Fatal.
type Hooks struct {
	Frame     func(FrameEvent) error
	Seek      func(SeekEvent)
	Lifecycle func(LifecycleEvent)
	Speed     func(SpeedEvent)
	Fatal     func(error)
}
