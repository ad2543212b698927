// Package cities is the static city registry: coordinates, timezone,
// resolution unit, and the authoritative station each venue resolves
// against for a given city. The two venues sometimes resolve against
// different airports for the same city, so stations are tracked per venue.
package cities

import "github.com/brendanplayford/weatherbot/internal/model"

// City is one configured market city.
type City struct {
	Key        string
	Name       string
	Timezone   string // IANA timezone
	Lat, Lon   float64
	Unit       model.Unit
	CountryISO string

	// StructuredStation is the METAR station the structured venue's
	// daily CLI report resolves against (usually a major airport).
	StructuredStation string
	// NarrativeStation is the crowd-observation (WU) station id the
	// narrative venue resolves against; may equal StructuredStation
	// but is tracked separately for dual-station cities.
	NarrativeStation string

	StructuredEventPrefix string
	NarrativeSeriesSlug   string
}

// Registry is the static set of supported cities. Additional cities are
// added here, not derived at runtime.
var Registry = map[string]*City{
	"nyc": {
		Key: "nyc", Name: "New York City", Timezone: "America/New_York",
		Lat: 40.6413, Lon: -73.7781, Unit: model.UnitF, CountryISO: "US",
		StructuredStation: "KJFK", NarrativeStation: "KJFK",
		StructuredEventPrefix: "KXHIGHNY", NarrativeSeriesSlug: "highest-temperature-in-nyc",
	},
	"lax": {
		Key: "lax", Name: "Los Angeles", Timezone: "America/Los_Angeles",
		Lat: 33.9425, Lon: -118.4081, Unit: model.UnitF, CountryISO: "US",
		StructuredStation: "KLAX", NarrativeStation: "KLAX",
		StructuredEventPrefix: "KXHIGHLAX", NarrativeSeriesSlug: "highest-temperature-in-los-angeles",
	},
	"chi": {
		Key: "chi", Name: "Chicago", Timezone: "America/Chicago",
		Lat: 41.9742, Lon: -87.9073, Unit: model.UnitF, CountryISO: "US",
		StructuredStation: "KORD", NarrativeStation: "KMDW",
		StructuredEventPrefix: "KXHIGHCHI", NarrativeSeriesSlug: "highest-temperature-in-chicago",
	},
	"mia": {
		Key: "mia", Name: "Miami", Timezone: "America/New_York",
		Lat: 25.7617, Lon: -80.1918, Unit: model.UnitF, CountryISO: "US",
		StructuredStation: "KMIA", NarrativeStation: "KMIA",
		StructuredEventPrefix: "KXHIGHMIA", NarrativeSeriesSlug: "highest-temperature-in-miami",
	},
	"aus": {
		Key: "aus", Name: "Austin", Timezone: "America/Chicago",
		Lat: 30.1975, Lon: -97.6664, Unit: model.UnitF, CountryISO: "US",
		StructuredStation: "KAUS", NarrativeStation: "KAUS",
		StructuredEventPrefix: "KXHIGHAUS", NarrativeSeriesSlug: "highest-temperature-in-austin",
	},
	"phil": {
		Key: "phil", Name: "Philadelphia", Timezone: "America/New_York",
		Lat: 39.8729, Lon: -75.2437, Unit: model.UnitF, CountryISO: "US",
		StructuredStation: "KPHL", NarrativeStation: "KPHL",
		StructuredEventPrefix: "KXHIGHPHIL", NarrativeSeriesSlug: "highest-temperature-in-philadelphia",
	},
	"den": {
		Key: "den", Name: "Denver", Timezone: "America/Denver",
		Lat: 39.8561, Lon: -104.6737, Unit: model.UnitF, CountryISO: "US",
		StructuredStation: "KDEN", NarrativeStation: "KDEN",
		StructuredEventPrefix: "KXHIGHDEN", NarrativeSeriesSlug: "highest-temperature-in-denver",
	},
}

// Get returns a city by key, or nil if unknown.
func Get(key string) *City { return Registry[key] }

// All returns every configured city in registry key order is not guaranteed;
// callers that need determinism should sort by Key.
func All() []*City {
	out := make([]*City, 0, len(Registry))
	for _, c := range Registry {
		out = append(out, c)
	}
	return out
}

// StationForVenue returns the station id this city resolves against for
// the given venue.
func (c *City) StationForVenue(v model.Venue) string {
	if v == model.VenueStructured {
		return c.StructuredStation
	}
	return c.NarrativeStation
}

// DualStation reports whether the two venues resolve against different
// airports for this city — the observation service must not let a WU
// reading for one venue's station leak into the other's running high.
func (c *City) DualStation() bool {
	return c.StructuredStation != c.NarrativeStation
}
