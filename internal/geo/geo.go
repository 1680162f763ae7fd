package geo

import (
	"context"
	"errors"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371000.0

// ErrUnavailable is returned when a provider cannot produce coordinates.
var ErrUnavailable = errors.New("geolocation unavailable")

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the point lies within the degree ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) {
		return false
	}
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

// Distance returns the haversine distance between a and b in meters.
func Distance(a, b Point) float64 {
	φ1 := a.Latitude * math.Pi / 180
	φ2 := b.Latitude * math.Pi / 180
	Δφ := (b.Latitude - a.Latitude) * math.Pi / 180
	Δλ := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(Δφ/2)*math.Sin(Δφ/2) + math.Cos(φ1)*math.Cos(φ2)*math.Sin(Δλ/2)*math.Sin(Δλ/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// Provider returns the current device location.
type Provider interface {
	CurrentLocation(ctx context.Context) (Point, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (Point, error)

// CurrentLocation calls f.
func (f ProviderFunc) CurrentLocation(ctx context.Context) (Point, error) { return f(ctx) }

// Fixed returns a provider reporting p. A nil or out-of-range point yields ErrUnavailable,
// which is how a request without device coordinates surfaces.
func Fixed(p *Point) Provider {
	return ProviderFunc(func(ctx context.Context) (Point, error) {
		if err := ctx.Err(); err != nil {
			return Point{}, err
		}
		if p == nil || !p.Valid() {
			return Point{}, ErrUnavailable
		}
		return *p, nil
	})
}
