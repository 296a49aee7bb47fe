package collector

// Sector is one radar query window. The city is covered by fixed boxes so a
// single radar call never hits the upstream result cap for a whole city.
type Sector struct {
	Name  string
	North float64
	South float64
	West  float64
	East  float64
}

// BerlinSectors covers the city in nine boxes.
func BerlinSectors() []Sector {
	return []Sector{
		{Name: "central", North: 52.55, South: 52.48, West: 13.35, East: 13.45},
		{Name: "east", North: 52.55, South: 52.48, West: 13.45, East: 13.55},
		{Name: "west", North: 52.55, South: 52.48, West: 13.25, East: 13.35},
		{Name: "north", North: 52.60, South: 52.55, West: 13.30, East: 13.50},
		{Name: "south", North: 52.48, South: 52.42, West: 13.30, East: 13.50},
		{Name: "northeast", North: 52.60, South: 52.55, West: 13.50, East: 13.70},
		{Name: "southeast", North: 52.48, South: 52.42, West: 13.50, East: 13.70},
		{Name: "northwest", North: 52.60, South: 52.55, West: 13.10, East: 13.30},
		{Name: "southwest", North: 52.48, South: 52.40, West: 13.10, East: 13.30},
	}
}

// TrackedStop is one station whose departures are recorded.
type TrackedStop struct {
	ID   string
	Name string
}

// DefaultTrackedStops lists the major interchanges monitored when no
// explicit stop list is configured.
func DefaultTrackedStops() []TrackedStop {
	return []TrackedStop{
		{ID: "900003201", Name: "S+U Berlin Hauptbahnhof"},
		{ID: "900100003", Name: "S+U Alexanderplatz"},
		{ID: "900023201", Name: "S+U Zoologischer Garten"},
		{ID: "900100001", Name: "S+U Friedrichstr."},
		{ID: "900100020", Name: "S+U Potsdamer Platz"},
		{ID: "900120005", Name: "S Ostbahnhof"},
		{ID: "900007102", Name: "S+U Gesundbrunnen"},
		{ID: "900058101", Name: "S Südkreuz"},
		{ID: "900017101", Name: "S+U Warschauer Str."},
	}
}
