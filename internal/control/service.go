package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"transport-timemachine/internal/playback"
	"transport-timemachine/internal/transport"
)

// Broadcaster receives every outbound viewer notification.
type Broadcaster interface {
	Broadcast(v any)
}

// Options carries the playback defaults applied when a load request leaves
// them unset.
type Options struct {
	FrameInterval time.Duration
	ChunkDuration time.Duration
	Lookahead     int
	Interpolate   bool
	TargetRate    int
}

type window struct {
	start       time.Time
	duration    time.Duration
	filters     []transport.Type
	interpolate bool
}

// Service drives one playback engine over successive chunk windows: loading,
// chaining on completion, scrub handling, and viewer notifications.
type Service struct {
	engine    *playback.Engine
	cache     *playback.Cache
	prefetch  *playback.Prefetcher
	timeline  *playback.Timeline
	hub       Broadcaster
	log       zerolog.Logger
	opts      Options
	dataRange transport.TimeRange

	mu  sync.Mutex
	cur *window
}

func NewService(engine *playback.Engine, cache *playback.Cache, prefetch *playback.Prefetcher,
	hub Broadcaster, opts Options, log zerolog.Logger) *Service {

	s := &Service{
		engine:   engine,
		cache:    cache,
		prefetch: prefetch,
		hub:      hub,
		log:      log,
		opts:     opts,
	}
	s.timeline = playback.NewTimeline(engine, transport.TimeRange{}, s.displayProgress)
	engine.Notify(s.viewerHooks())
	engine.Notify(playback.Hooks{Lifecycle: s.onLifecycle})
	return s
}

// SetDataRange records the span of available history, bounding both the
// prefetcher and chunk chaining.
func (s *Service) SetDataRange(rng transport.TimeRange) {
	s.mu.Lock()
	s.dataRange = rng
	s.mu.Unlock()
	s.prefetch.SetDataEnd(rng.End)
}

// Load fetches the requested window and makes it the active session.
func (s *Service) Load(ctx context.Context, start time.Time, duration time.Duration, filters []transport.Type, interpolate bool) error {
	if duration <= 0 {
		duration = s.opts.ChunkDuration
	}
	filters = transport.NormalizeFilter(filters)

	chunk, err := s.cache.GetOrFetch(ctx, start, duration, filters)
	if err != nil {
		return fmt.Errorf("load window at %s: %w", start.Format(time.RFC3339), err)
	}
	err = s.engine.Load(chunk, s.opts.FrameInterval, playback.BuildOptions{
		Interpolate: interpolate,
		TargetRate:  s.opts.TargetRate,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cur = &window{start: start, duration: duration, filters: filters, interpolate: interpolate}
	s.mu.Unlock()

	if rng, ok := s.engine.FrameRange(); ok {
		s.timeline.SetRange(rng)
	}
	s.prefetch.Schedule(context.WithoutCancel(ctx), start, duration, filters, s.opts.Lookahead)
	return nil
}

func (s *Service) Play() error  { return s.engine.Play() }
func (s *Service) Pause() error { return s.engine.Pause() }
func (s *Service) Stop() error  { return s.engine.Stop() }
func (s *Service) Reset()       { s.engine.Reset() }

func (s *Service) Seek(index int) error              { return s.engine.Seek(index) }
func (s *Service) SeekToTimestamp(t time.Time) error { return s.engine.SeekToTimestamp(t) }
func (s *Service) SetSpeed(speed float64)            { s.engine.SetSpeed(speed) }
func (s *Service) Step(delta int)                    { s.engine.Step(delta) }
func (s *Service) Snapshot() playback.Status         { return s.engine.Snapshot() }
func (s *Service) Timeline() *playback.Timeline      { return s.timeline }

// Scrub applies one slider update. Phase "start" and "end" bracket a drag;
// anything else is a mid-drag (or single-shot) position.
func (s *Service) Scrub(progress float64, phase string) {
	switch phase {
	case "start":
		s.timeline.BeginDrag()
		s.timeline.OnUserScrub(progress)
	case "end":
		s.timeline.OnUserScrub(progress)
		s.timeline.EndDrag()
	default:
		s.timeline.OnUserScrub(progress)
	}
}

// onLifecycle chains to the next window after the cursor runs off the end of
// the loaded sequence.
func (s *Service) onLifecycle(ev playback.LifecycleEvent) {
	if ev.Kind != playback.LifecycleStopped || !ev.Completed {
		return
	}
	go s.advanceWindow()
}

func (s *Service) advanceWindow() {
	s.mu.Lock()
	cur := s.cur
	rng := s.dataRange
	s.mu.Unlock()
	if cur == nil {
		return
	}

	next := cur.start.Add(cur.duration)
	if !rng.End.IsZero() && !next.Before(rng.End) {
		s.log.Info().Time("end", rng.End).Msg("playback reached end of recorded data")
		s.hub.Broadcast(map[string]any{"type": "playback_finished"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Load(ctx, next, cur.duration, cur.filters, cur.interpolate); err != nil {
		s.log.Error().Err(err).Time("next", next).Msg("chaining to next window failed")
		s.hub.Broadcast(map[string]any{"type": "error", "detail": "failed to load next window"})
		return
	}
	if err := s.Play(); err != nil {
		s.log.Error().Err(err).Msg("resume after chaining failed")
	}
}

func (s *Service) displayProgress(progress float64, origin playback.Origin) {
	s.hub.Broadcast(map[string]any{
		"type":     "timeline",
		"progress": progress,
		"origin":   origin.String(),
	})
}

func (s *Service) viewerHooks() playback.Hooks {
	return playback.Hooks{
		Frame: func(ev playback.FrameEvent) error {
			s.timeline.OnEngineProgress(ev.Progress)
			s.hub.Broadcast(map[string]any{
				"type":          "frame",
				"session_id":    ev.SessionID,
				"frame_index":   ev.FrameIndex,
				"total_frames":  ev.TotalFrames,
				"timestamp":     ev.Timestamp,
				"vehicle_count": ev.VehicleCount,
				"progress":      ev.Progress,
				"vehicles":      ev.Frame.Vehicles,
			})
			return nil
		},
		Seek: func(ev playback.SeekEvent) {
			s.hub.Broadcast(map[string]any{
				"type":        "seek",
				"session_id":  ev.SessionID,
				"frame_index": ev.FrameIndex,
				"target_time": ev.TargetTime,
			})
		},
		Lifecycle: func(ev playback.LifecycleEvent) {
			s.hub.Broadcast(map[string]any{
				"type":       "lifecycle",
				"session_id": ev.SessionID,
				"event":      string(ev.Kind),
				"completed":  ev.Completed,
			})
		},
		Speed: func(ev playback.SpeedEvent) {
			s.hub.Broadcast(map[string]any{
				"type":       "speed",
				"session_id": ev.SessionID,
				"speed":      ev.Speed,
			})
		},
		Fatal: func(err error) {
			s.hub.Broadcast(map[string]any{
				"type":   "fatal",
				"detail": err.Error(),
			})
		},
	}
}
