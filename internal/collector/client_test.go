package collector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transport-timemachine/internal/transport"
)

const radarBody = `{
  "movements": [
    {
      "tripId": "trip|1",
      "direction": "S Spandau",
      "line": {"id": "s9", "name": "S9", "mode": "train", "product": "suburban"},
      "location": {"latitude": 52.521, "longitude": 13.411},
      "delay": 120
    },
    {
      "tripId": "trip|2",
      "direction": "Hermannplatz",
      "line": {"id": "u8", "name": "U8", "mode": "train", "product": "subway"},
      "location": {"latitude": 52.502, "longitude": 13.419}
    },
    {
      "tripId": "trip|3",
      "line": {"id": "x", "name": "X", "product": "bus"},
      "location": {"latitude": 0, "longitude": 0}
    }
  ]
}`

func TestClientRadarParsesMovements(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/radar", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "52.55", q.Get("north"))
		assert.Equal(t, "100", q.Get("results"))
		w.Write([]byte(radarBody))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	sector := BerlinSectors()[0]
	samples, err := c.Radar(context.Background(), sector)
	require.NoError(t, err)

	// The zero-coordinate movement is dropped.
	require.Len(t, samples, 2)

	s9 := samples[0]
	assert.Equal(t, "trip|1", s9.VehicleID)
	assert.Equal(t, transport.Suburban, s9.Type)
	assert.Equal(t, "S9", s9.LineName)
	assert.Equal(t, 2, s9.DelayMinutes)
	assert.Equal(t, "active", s9.Status)
	assert.Equal(t, "S Spandau", s9.Direction)
	require.NoError(t, s9.Validate())

	u8 := samples[1]
	assert.Equal(t, transport.Subway, u8.Type)
	assert.Equal(t, 0, u8.DelayMinutes)
}

func TestClientDeparturesParses(t *testing.T) {
	planned := "2026-08-30T12:10:00Z"
	actual := "2026-08-30T12:13:00Z"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stops/900003201/departures", r.URL.Path)
		w.Write([]byte(`{
  "departures": [
    {
      "tripId": "trip|9",
      "direction": "Flughafen BER",
      "plannedWhen": "` + planned + `",
      "when": "` + actual + `",
      "platform": "2",
      "line": {"id": "re7", "name": "RE7", "product": "regional"}
    },
    {
      "tripId": "trip|10",
      "plannedWhen": "",
      "line": {"id": "u5", "name": "U5", "product": "subway"}
    }
  ]
}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	stop := TrackedStop{ID: "900003201", Name: "S+U Berlin Hauptbahnhof"}
	events, err := c.Departures(context.Background(), stop)
	require.NoError(t, err)

	// The entry without a scheduled time is skipped.
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "900003201", ev.StopID)
	assert.Equal(t, transport.Regional, ev.Type)
	assert.Equal(t, 3, ev.DelayMinutes, "delay derives from when minus plannedWhen")
	assert.Equal(t, "2", ev.Platform)
	require.NotNil(t, ev.ActualTime)
	assert.Equal(t, "trip|9", ev.TripID)
}

func TestClientStopsAfterRetriesExhausted(t *testing.T) {
	if testing.Short() {
		t.Skip("retry delays")
	}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, zerolog.Nop())
	_, err := c.Radar(context.Background(), BerlinSectors()[0])
	require.Error(t, err)
	assert.Equal(t, int32(retryAttempts), calls.Load())
}

func TestDedupeDropsRepeatedObservations(t *testing.T) {
	now := time.Now()
	mk := func(id string, lat, lon float64) transport.VehicleSample {
		return transport.VehicleSample{VehicleID: id, Type: transport.Bus, Latitude: lat, Longitude: lon, Timestamp: now, Status: "active"}
	}
	in := []transport.VehicleSample{
		mk("a", 52.50001, 13.40001),
		mk("a", 52.50001, 13.40001), // exact duplicate from an overlapping sector
		mk("a", 52.51, 13.41),       // same vehicle, clearly moved
		mk("b", 52.50001, 13.40001), // different vehicle, same spot
	}

	out := dedupe(in)
	require.Len(t, out, 3)
	assert.Equal(t, "a", out[0].VehicleID)
	assert.Equal(t, "a", out[1].VehicleID)
	assert.Equal(t, 52.51, out[1].Latitude)
	assert.Equal(t, "b", out[2].VehicleID)
}
