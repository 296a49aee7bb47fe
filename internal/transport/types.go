package transport

import (
	"fmt"
	"sort"
	"time"
)

// Type is one of the transport products reported by the upstream feed.
type Type string

const (
	Suburban Type = "suburban" // S-Bahn
	Subway   Type = "subway"   // U-Bahn
	Ring     Type = "ring"     // Ringbahn
	Tram     Type = "tram"
	Bus      Type = "bus"
	Ferry    Type = "ferry"
	Regional Type = "regional"
)

// AllTypes returns every known transport type in canonical order.
func AllTypes() []Type {
	return []Type{Suburban, Subway, Ring, Tram, Bus, Ferry, Regional}
}

// ParseType maps a string to a known transport type.
func ParseType(s string) (Type, bool) {
	switch Type(s) {
	case Suburban, Subway, Ring, Tram, Bus, Ferry, Regional:
		return Type(s), true
	}
	return "", false
}

// NormalizeFilter deduplicates and sorts a filter set so that equal sets
// always compare (and key) identically. An empty or nil input means "all
// types" and normalizes to the same sorted set an explicit full filter does.
func NormalizeFilter(types []Type) []Type {
	if len(types) == 0 {
		types = AllTypes()
	}
	seen := make(map[Type]struct{}, len(types))
	out := make([]Type, 0, len(types))
	for _, t := range types {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// VehicleSample is one reported position of one vehicle at one instant.
type VehicleSample struct {
	VehicleID    string    `json:"vehicle_id"`
	RouteID      string    `json:"route_id,omitempty"`
	LineName     string    `json:"line_name,omitempty"`
	Type         Type      `json:"transport_type"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Timestamp    time.Time `json:"timestamp"`
	DelayMinutes int       `json:"delay_minutes"`
	Status       string    `json:"status"`
	Direction    string    `json:"direction,omitempty"`
}

// Validate checks the coordinate invariants.
func (s VehicleSample) Validate() error {
	if s.VehicleID == "" {
		return fmt.Errorf("sample without vehicle_id")
	}
	if s.Latitude < -90 || s.Latitude > 90 {
		return fmt.Errorf("vehicle %s: latitude %f out of range", s.VehicleID, s.Latitude)
	}
	if s.Longitude < -180 || s.Longitude > 180 {
		return fmt.Errorf("vehicle %s: longitude %f out of range", s.VehicleID, s.Longitude)
	}
	return nil
}

// Chunk is the raw result of one time-windowed query: the samples falling in
// [Start, Start+Duration), tagged with the filter set that produced them.
// A chunk is immutable once fetched.
type Chunk struct {
	Start    time.Time
	Duration time.Duration
	Filters  []Type
	Samples  []VehicleSample
}

// End returns the exclusive upper bound of the chunk window.
func (c *Chunk) End() time.Time { return c.Start.Add(c.Duration) }

// TimeRange is the span of available historical data.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Duration returns End-Start, or zero for an empty range.
func (r TimeRange) Duration() time.Duration {
	if r.End.Before(r.Start) {
		return 0
	}
	return r.End.Sub(r.Start)
}

// Contains reports whether t falls inside the range (inclusive bounds).
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Clamp constrains t to the range.
func (r TimeRange) Clamp(t time.Time) time.Time {
	if t.Before(r.Start) {
		return r.Start
	}
	if t.After(r.End) {
		return r.End
	}
	return t
}
