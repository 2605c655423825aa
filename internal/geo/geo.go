// Package geo provides great-circle distance on a spherical Earth.
package geo

import "math"

// EarthRadius is the mean Earth radius in meters.
const EarthRadius = 6371000.0

// Distance returns the haversine distance in meters between two points
// given in decimal degrees.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	latRad1 := lat1 * math.Pi / 180
	lonRad1 := lon1 * math.Pi / 180
	latRad2 := lat2 * math.Pi / 180
	lonRad2 := lon2 * math.Pi / 180

	dlat := latRad2 - latRad1
	dlon := lonRad2 - lonRad1

	a := math.Sin(dlat/2)*math.Sin(dlat/2) + math.Cos(latRad1)*math.Cos(latRad2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadius * c
}

// Within reports whether (lat, lon) lies inside the circle. A point exactly
// on the boundary counts as inside.
func Within(lat, lon, centerLat, centerLon, radius float64) bool {
	return Distance(lat, lon, centerLat, centerLon) <= radius
}

// Offset returns the point reached by moving north and east by the given
// number of meters. It is accurate for short distances only.
func Offset(lat, lon, northMeters, eastMeters float64) (float64, float64) {
	dLat := northMeters / EarthRadius * 180 / math.Pi
	dLon := eastMeters / (EarthRadius * math.Cos(lat*math.Pi/180)) * 180 / math.Pi
	return lat + dLat, lon + dLon
}
