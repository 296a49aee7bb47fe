package playback

import (
	"sort"
	"time"

	"transport-timemachine/internal/transport"
)

// PositionedVehicle is one vehicle inside a frame: an interpolated position
// plus the display metadata carried through from the sample.
type PositionedVehicle struct {
	VehicleID    string
	RouteID      string
	LineName     string
	Type         transport.Type
	Latitude     float64
	Longitude    float64
	Opacity      float64
	DelayMinutes int
	Status       string
	Direction    string
}

// Frame is one discrete displayable instant of the playback sequence.
// Synthetic frames are derived by interpolation and carry no identity of
// their own; they are recomputed on every load.
type Frame struct {
	Timestamp time.Time
	Vehicles  map[string]PositionedVehicle
	Synthetic bool
}

// BuildOptions controls frame building.
type BuildOptions struct {
	// Interpolate enables synthetic frames between real ones.
	Interpolate bool
	// TargetRate is the render rate synthetic density is derived from.
	// The number of synthetic frames between two real frames is
	// max(1, TargetRate/2).
	TargetRate int
}

// DefaultTargetRate matches the recommended_frame_rate the query API reports.
const DefaultTargetRate = 30

// BuildFrames converts a raw chunk into the ordered frame sequence for
// playback. It is a pure function of its inputs: the same chunk and interval
// always produce the same sequence.
//
// Samples are grouped by timestamp rounded to the nearest multiple of
// interval; each group becomes one real frame. When two samples for the same
// vehicle land in one group, the later one wins. With interpolation enabled
// and at least two real frames, synthetic frames are inserted between each
// adjacent pair: vehicles present on both sides move on the straight line
// between their endpoints, vehicles present on only one side fade out (or in)
// across the half of the gap nearest to them.
func BuildFrames(chunk *transport.Chunk, interval time.Duration, opts BuildOptions) []Frame {
	if chunk == nil || len(chunk.Samples) == 0 {
		return nil
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	// Sort by original timestamp so that later re-reports of the same
	// vehicle overwrite earlier ones within a bucket.
	samples := make([]transport.VehicleSample, len(chunk.Samples))
	copy(samples, chunk.Samples)
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})

	buckets := make(map[int64]*Frame)
	var order []int64
	for _, s := range samples {
		ts := s.Timestamp.Round(interval)
		key := ts.UnixNano()
		f, ok := buckets[key]
		if !ok {
			f = &Frame{Timestamp: ts, Vehicles: make(map[string]PositionedVehicle)}
			buckets[key] = f
			order = append(order, key)
		}
		f.Vehicles[s.VehicleID] = fromSample(s)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	real := make([]Frame, 0, len(order))
	for _, key := range order {
		real = append(real, *buckets[key])
	}

	if !opts.Interpolate || len(real) < 2 {
		return real
	}

	rate := opts.TargetRate
	if rate <= 0 {
		rate = DefaultTargetRate
	}
	k := rate / 2
	if k < 1 {
		k = 1
	}

	out := make([]Frame, 0, len(real)+(len(real)-1)*k)
	for i := 0; i < len(real)-1; i++ {
		out = append(out, real[i])
		out = append(out, interpolatePair(real[i], real[i+1], k)...)
	}
	out = append(out, real[len(real)-1])
	return out
}

func fromSample(s transport.VehicleSample) PositionedVehicle {
	return PositionedVehicle{
		VehicleID:    s.VehicleID,
		RouteID:      s.RouteID,
		LineName:     s.LineName,
		Type:         s.Type,
		Latitude:     s.Latitude,
		Longitude:    s.Longitude,
		Opacity:      1,
		DelayMinutes: s.DelayMinutes,
		Status:       s.Status,
		Direction:    s.Direction,
	}
}

// interpolatePair produces k synthetic frames strictly between a and b.
func interpolatePair(a, b Frame, k int) []Frame {
	span := b.Timestamp.Sub(a.Timestamp)
	frames := make([]Frame, 0, k)
	for j := 1; j <= k; j++ {
		p := float64(j) / float64(k+1)
		f := Frame{
			Timestamp: a.Timestamp.Add(time.Duration(p * float64(span))),
			Vehicles:  make(map[string]PositionedVehicle),
			Synthetic: true,
		}
		for id, va := range a.Vehicles {
			vb, inBoth := b.Vehicles[id]
			if inBoth {
				// Metadata tracks the nearer real frame.
				v := va
				if p >= 0.5 {
					v = vb
				}
				v.Latitude = va.Latitude + (vb.Latitude-va.Latitude)*p
				v.Longitude = va.Longitude + (vb.Longitude-va.Longitude)*p
				v.Opacity = 1
				f.Vehicles[id] = v
				continue
			}
			// Leaving the tracked area or signal lost: fade out over the
			// first half of the gap, then drop.
			if p < 0.5 {
				v := va
				v.Opacity = 1 - 2*p
				f.Vehicles[id] = v
			}
		}
		for id, vb := range b.Vehicles {
			if _, inBoth := a.Vehicles[id]; inBoth {
				continue
			}
			// Newly appeared: fade in over the second half of the gap.
			if p > 0.5 {
				v := vb
				v.Opacity = 2*p - 1
				f.Vehicles[id] = v
			}
		}
		frames = append(frames, f)
	}
	return frames
}
