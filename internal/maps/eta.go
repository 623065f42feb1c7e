package maps

import (
	"context"
	"errors"

	"github.com/example/ridehail/internal/geo"
	"github.com/example/ridehail/internal/models"
)

// ErrNoResult is returned when a provider answers but has nothing for the query.
var ErrNoResult = errors.New("maps: no result")

// ETAClient is the interface used by the matcher to get ETAs.
type ETAClient interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Router resolves road geometry between two points.
type Router interface {
	Route(ctx context.Context, from, to models.Coord) (*Route, error)
}

// Geocoder resolves free text to the first matching place.
type Geocoder interface {
	Search(ctx context.Context, query string) (*models.Place, error)
}

type Route struct {
	DistanceKm  float64        `json:"distance_km"`
	DurationSec float64        `json:"duration_sec"`
	Geometry    []models.Coord `json:"geometry"`
}

// EstimateSeconds is the naive ETA: straight-line distance at speedMps.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return geo.Between(from, to) * 1000 / speedMps
}
