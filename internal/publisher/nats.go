package publisher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"transport-timemachine/internal/playback"
)

// Metrics is the instrumentation the publisher reports into. May be nil.
type Metrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// Publisher mirrors playback notifications onto NATS subjects of the form
// playback.<session>.<kind> so external consumers (dashboards, recorders)
// can follow a replay without talking to the replay service directly.
type Publisher struct {
	nc      *nats.Conn
	log     zerolog.Logger
	metrics Metrics
}

func New(url string, log zerolog.Logger, m Metrics) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("transport-timemachine"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn().Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info().Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info().Msg("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &Publisher{nc: nc, log: log, metrics: m}, nil
}

func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// Hooks returns the playback subscription that feeds this publisher.
func (p *Publisher) Hooks() playback.Hooks {
	return playback.Hooks{
		Frame: func(ev playback.FrameEvent) error {
			p.publish(ev.SessionID, "frame", frameMessage{
				FrameIndex:   ev.FrameIndex,
				TotalFrames:  ev.TotalFrames,
				Timestamp:    ev.Timestamp,
				VehicleCount: ev.VehicleCount,
				Progress:     ev.Progress,
			})
			return nil
		},
		Seek: func(ev playback.SeekEvent) {
			p.publish(ev.SessionID, "seek", seekMessage{TargetTime: ev.TargetTime})
		},
		Lifecycle: func(ev playback.LifecycleEvent) {
			p.publish(ev.SessionID, "lifecycle", lifecycleMessage{
				Event:     string(ev.Kind),
				Completed: ev.Completed,
			})
		},
		Speed: func(ev playback.SpeedEvent) {
			p.publish(ev.SessionID, "speed", speedMessage{Speed: ev.Speed})
		},
	}
}

type frameMessage struct {
	FrameIndex   int       `json:"frame_index"`
	TotalFrames  int       `json:"total_frames"`
	Timestamp    time.Time `json:"timestamp"`
	VehicleCount int       `json:"vehicle_count"`
	Progress     float64   `json:"progress"`
}

type seekMessage struct {
	TargetTime time.Time `json:"target_time"`
}

type lifecycleMessage struct {
	Event     string `json:"event"`
	Completed bool   `json:"completed"`
}

type speedMessage struct {
	Speed float64 `json:"speed"`
}

func (p *Publisher) publish(session, kind string, msg any) {
	subject := fmt.Sprintf("playback.%s.%s", subjectToken(session), kind)
	b, err := json.Marshal(msg)
	if err != nil {
		p.log.Error().Err(err).Str("subject", subject).Msg("marshal notification")
		return
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("nats publish failed")
	}
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
