package matcher

import (
	"context"
	"sort"

	"github.com/example/ridehail/internal/geo"
	"github.com/example/ridehail/internal/maps"
	"github.com/example/ridehail/internal/models"
)

type Geo interface {
	Nearby(lat, lon float64, limit int) []models.Driver
}

// Service ranks nearby online drivers for the passenger's candidate preview.
type Service struct {
	Geo             Geo
	DefaultSpeedMps float64
	TopN            int
	ETAClient       maps.ETAClient       // optional OSRM client
	ETACache        *maps.Cache[float64] // optional ETA cache
}

// Candidates returns nearby drivers ordered by cost = eta + 30*(5 - rating).
func (s *Service) Candidates(ctx context.Context, pickup models.Coord) []models.Candidate {
	topN := s.TopN
	if topN <= 0 {
		topN = 10
	}
	cands := s.Geo.Nearby(pickup.Lat, pickup.Lon, topN)
	out := make([]models.Candidate, 0, len(cands))
	for _, d := range cands {
		etaSec := s.eta(ctx, d.Loc, pickup)
		out = append(out, models.Candidate{
			DriverID:   d.ID,
			ETA:        etaSec,
			DistanceKm: geo.Between(d.Loc, pickup),
			Rating:     d.Rating,
			Cost:       etaSec + 30.0*(5.0-d.Rating),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Cost < out[j].Cost })
	return out
}

// Best is the top-ranked candidate, if any.
func (s *Service) Best(ctx context.Context, pickup models.Coord) (models.Candidate, bool) {
	c := s.Candidates(ctx, pickup)
	if len(c) == 0 {
		return models.Candidate{}, false
	}
	return c[0], true
}

func (s *Service) eta(ctx context.Context, from, to models.Coord) float64 {
	if s.ETACache != nil {
		if v, ok := s.ETACache.Get(from, to); ok {
			return v
		}
	}
	if s.ETAClient != nil {
		if v, err := s.ETAClient.EstimateSeconds(ctx, from, to); err == nil {
			if s.ETACache != nil {
				s.ETACache.Set(from, to, v)
			}
			return v
		}
		// fallback to naive estimator
	}
	return maps.EstimateSeconds(from, to, s.DefaultSpeedMps)
}
