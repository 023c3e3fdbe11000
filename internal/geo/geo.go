// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geo

import (
	"math"
)

const (
	EarthRadius    = 6371000.0 // meters
	TruncPrecision = 4
)

// Coordinate represents a geographic coordinate in degrees.
type Coordinate struct {
	Lat float64
	Lon float64
}

// Haversine returns the great-circle distance in meters between two points given in degrees.
// We are using the Haversine formula to calculate the distance between two points on a sphere
// (in our case: Earth).
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)
	rLat1 := toRadians(lat1)
	rLat2 := toRadians(lat2)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLon/2)*math.Sin(dLon/2)

	// Rounding errors can push h slightly above 1 for antipodal points.
	h = math.Min(1, h)
	return 2 * EarthRadius * math.Asin(math.Sqrt(h))
}

// DistanceTo returns the great-circle distance in meters between c and other.
func (c Coordinate) DistanceTo(other Coordinate) float64 {
	return Haversine(c.Lat, c.Lon, other.Lat, other.Lon)
}

// Valid checks if the coordinate is valid according to the EPSG logic
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Truncate cuts x down to the given number of decimal places.
func Truncate(x float64, precision int) float64 {
	p := math.Pow(10, float64(precision))
	return math.Trunc(x*p) / p
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
