// Package geo evaluates whether an observed position lies inside a
// session's circular fence.
package geo

import "math"

const (
	EarthRadiusMeters   = 6371000.0
	DefaultRadiusMeters = 30.0
)

// DistanceMeters returns the haversine great-circle distance between two
// points given in decimal degrees.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// WithinFence reports whether the observed point is at most radius meters
// from the anchor. A non-positive radius means DefaultRadiusMeters.
func WithinFence(obsLat, obsLon, anchorLat, anchorLon, radius float64) bool {
	return DistanceMeters(obsLat, obsLon, anchorLat, anchorLon) <= effectiveRadius(radius)
}

// ValidCoordinate rejects NaN, infinities and out of range degrees.
func ValidCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

type Fence struct {
	Latitude     float64
	Longitude    float64
	RadiusMeters float64
}

// Radius is the radius the fence is evaluated with.
func (f Fence) Radius() float64 {
	return effectiveRadius(f.RadiusMeters)
}

// Check returns whether the point is inside and how far it is from the anchor.
func (f Fence) Check(lat, lon float64) (bool, float64) {
	distance := DistanceMeters(lat, lon, f.Latitude, f.Longitude)
	return distance <= f.Radius(), distance
}

func effectiveRadius(radius float64) float64 {
	if radius <= 0 || math.IsNaN(radius) {
		return DefaultRadiusMeters
	}
	return radius
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
