package pricing

import (
	"github.com/example/ridehail/internal/geo"
	"github.com/example/ridehail/internal/models"
)

const (
	BaseFare        = 100.0
	PerKm           = 50.0
	AverageSpeedKmh = 40.0
	Currency        = "دج"
)

// EstimatePrice is the linear fare for a trip of distanceKm.
func EstimatePrice(distanceKm float64) float64 {
	return BaseFare + PerKm*distanceKm
}

// EstimateDurationMin assumes a constant average city speed.
func EstimateDurationMin(distanceKm float64) float64 {
	return distanceKm / AverageSpeedKmh * 60
}

// Quote is what the passenger sees once a route is chosen.
type Quote struct {
	DistanceKm  float64        `json:"distance"`
	DurationMin float64        `json:"duration"`
	Price       float64        `json:"price"`
	Currency    string         `json:"currency"`
	Route       []models.Coord `json:"route,omitempty"`
}

// QuoteFor prices the straight-line trip between two points.
func QuoteFor(from, to models.Coord) Quote {
	d := geo.Between(from, to)
	return Quote{
		DistanceKm:  d,
		DurationMin: EstimateDurationMin(d),
		Price:       EstimatePrice(d),
		Currency:    Currency,
	}
}
