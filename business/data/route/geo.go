package route

import "math"

// earthRadiusMeters is the mean Earth radius used for great-circle distance
const earthRadiusMeters = 6371000.0

const degreesToRadians = math.Pi / 180.0

// DistanceMeters calculates the great-circle (haversine) distance between two
// coordinate pairs, rounded to whole meters. Callers are responsible for
// rejecting NaN and zero-pair coordinates before calling.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * degreesToRadians
	lat2Rad := lat2 * degreesToRadians
	diffLat := (lat2 - lat1) * degreesToRadians
	diffLon := (lon2 - lon1) * degreesToRadians

	sinLat := math.Sin(diffLat / 2)
	sinLon := math.Sin(diffLon / 2)
	a := sinLat*sinLat + math.Cos(lat1Rad)*math.Cos(lat2Rad)*sinLon*sinLon
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return math.Round(earthRadiusMeters * c)
}

// WithinRange returns true when sample is within radiusMeters of stop. This
// is the sole arrival test, no heading or trajectory matching is applied.
func WithinRange(sample *VehicleSample, stop *Stop, radiusMeters float64) bool {
	return DistanceMeters(sample.Latitude, sample.Longitude, stop.Latitude, stop.Longitude) <= radiusMeters
}

// CoordinatesJitter returns true when two coordinate pairs differ by less
// than epsilonDegrees on both axes, indicating GPS jitter rather than
// movement.
func CoordinatesJitter(lat1, lon1, lat2, lon2, epsilonDegrees float64) bool {
	return math.Abs(lat1-lat2) < epsilonDegrees && math.Abs(lon1-lon2) < epsilonDegrees
}

// finiteCoordinate returns true when both values are finite numbers inside
// the valid coordinate range
func finiteCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
