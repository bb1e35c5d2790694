package geo

import (
	"math"
	"strconv"
)

// Position is a resolved geographic location of a connection.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Resolve validates the geolocation hints supplied at connect time. Both
// values must be present and parse as finite floats. Resolution happens once
// per connection; a false result means the connection joins without a marker.
func Resolve(rawLat, rawLng string) (Position, bool) {
	lat, ok := parseCoordinate(rawLat)
	if !ok {
		return Position{}, false
	}

	lng, ok := parseCoordinate(rawLng)
	if !ok {
		return Position{}, false
	}

	return Position{Lat: lat, Lng: lng}, true
}

func parseCoordinate(raw string) (float64, bool) {
	if raw == "" {
		return 0, false
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}

	return v, true
}
