// Package geo provides the great-circle math and PostGIS encoding used to
// price travel distance and to group jobs into clusters.
package geo

import (
	"math"
)

// EarthRadiusMiles is the mean Earth radius used by HaversineMiles.
const EarthRadiusMiles = 3958.8

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point lies inside WGS84 bounds.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// HaversineMiles returns the great-circle distance between a and b in miles.
func HaversineMiles(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusMiles * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Nearest returns the index of the candidate closest to from and its
// distance. Ties keep the earliest candidate. It returns -1 when candidates
// is empty.
func Nearest(from Point, candidates []Point) (int, float64) {
	best, bestDist := -1, math.Inf(1)
	for i, c := range candidates {
		if d := HaversineMiles(from, c); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return -1, 0
	}
	return best, bestDist
}

// Centroid returns the arithmetic mean of points. Job clusters span a few
// miles, so a planar mean is accurate enough.
func Centroid(points []Point) Point {
	if len(points) == 0 {
		return Point{}
	}
	var c Point
	for _, p := range points {
		c.Lat += p.Lat
		c.Lon += p.Lon
	}
	n := float64(len(points))
	return Point{Lat: c.Lat / n, Lon: c.Lon / n}
}

// MilesToMeters converts statute miles to meters for PostGIS geography queries.
func MilesToMeters(miles float64) float64 {
	return miles * 1609.344
}
