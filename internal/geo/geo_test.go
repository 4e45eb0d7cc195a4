package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	anchorLat = 12.9716
	anchorLon = 77.5946
)

// metersNorth shifts a latitude by roughly the given distance.
func metersNorth(lat, meters float64) float64 {
	return lat + (meters/EarthRadiusMeters)*180/math.Pi
}

func TestDistanceMeters(t *testing.T) {
	assert.Zero(t, DistanceMeters(anchorLat, anchorLon, anchorLat, anchorLon))

	north := metersNorth(anchorLat, 200)
	assert.InDelta(t, 200, DistanceMeters(north, anchorLon, anchorLat, anchorLon), 0.5)

	// one degree of longitude on the equator
	assert.InDelta(t, 111195, DistanceMeters(0, 0, 0, 1), 1)
}

func TestDistanceIsSymmetric(t *testing.T) {
	points := [][2]float64{
		{anchorLat, anchorLon},
		{48.8566, 2.3522},
		{-33.8688, 151.2093},
		{0, 179.9},
		{0, -179.9},
	}
	for _, a := range points {
		for _, b := range points {
			assert.InDelta(t, DistanceMeters(a[0], a[1], b[0], b[1]), DistanceMeters(b[0], b[1], a[0], a[1]), 1e-6)
		}
	}
}

func TestWithinFence(t *testing.T) {
	tests := []struct {
		name   string
		meters float64
		radius float64
		want   bool
	}{
		{name: "at anchor", meters: 0, radius: 30, want: true},
		{name: "inside", meters: 25, radius: 30, want: true},
		{name: "outside", meters: 200, radius: 30, want: false},
		{name: "default radius inside", meters: 20, radius: 0, want: true},
		{name: "default radius outside", meters: 45, radius: 0, want: false},
		{name: "wide fence", meters: 200, radius: 250, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lat := metersNorth(anchorLat, tt.meters)
			assert.Equal(t, tt.want, WithinFence(lat, anchorLon, anchorLat, anchorLon, tt.radius))
		})
	}
}

func TestWithinFenceMonotonicInRadius(t *testing.T) {
	lat := metersNorth(anchorLat, 120)
	inside := false
	for radius := 10.0; radius <= 500; radius += 10 {
		got := WithinFence(lat, anchorLon, anchorLat, anchorLon, radius)
		if inside {
			assert.True(t, got, "radius %v turned an inside point outside", radius)
		}
		inside = inside || got
	}
	assert.True(t, inside)
}

func TestFenceCheck(t *testing.T) {
	fence := Fence{Latitude: anchorLat, Longitude: anchorLon}
	assert.Equal(t, DefaultRadiusMeters, fence.Radius())

	ok, distance := fence.Check(anchorLat, anchorLon)
	assert.True(t, ok)
	assert.Zero(t, distance)

	ok, distance = fence.Check(metersNorth(anchorLat, 200), anchorLon)
	assert.False(t, ok)
	assert.InDelta(t, 200, distance, 0.5)
}

func TestValidCoordinate(t *testing.T) {
	assert.True(t, ValidCoordinate(anchorLat, anchorLon))
	assert.True(t, ValidCoordinate(-90, 180))
	assert.False(t, ValidCoordinate(91, 0))
	assert.False(t, ValidCoordinate(0, -181))
	assert.False(t, ValidCoordinate(math.NaN(), 0))
	assert.False(t, ValidCoordinate(0, math.Inf(1)))
}
