package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ridehail/internal/maps"
	"github.com/example/ridehail/internal/models"
)

type fakeGeo struct{ drivers []models.Driver }

func (f *fakeGeo) Nearby(lat, lon float64, limit int) []models.Driver { return f.drivers }

type failingETA struct{ calls int }

func (f *failingETA) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	f.calls++
	return 0, errors.New("osrm down")
}

func TestChooseHigherRatingIfETAEqual(t *testing.T) {
	g := &fakeGeo{drivers: []models.Driver{
		{ID: "A", Loc: models.Coord{Lat: 0, Lon: 0}, Rating: 4.0, Online: true},
		{ID: "B", Loc: models.Coord{Lat: 0, Lon: 0}, Rating: 5.0, Online: true},
	}}
	s := &Service{Geo: g, DefaultSpeedMps: 10, TopN: 2}
	best, ok := s.Best(context.Background(), models.Coord{Lat: 0, Lon: 0})
	if !ok {
		t.Fatal("no candidate")
	}
	if best.DriverID != "B" {
		t.Fatalf("expected B, got %s", best.DriverID)
	}
}

func TestCloserDriverWinsAtEqualRating(t *testing.T) {
	g := &fakeGeo{drivers: []models.Driver{
		{ID: "far", Loc: models.Coord{Lat: 36.78, Lon: 3.05}, Rating: 4.5, Online: true},
		{ID: "near", Loc: models.Coord{Lat: 36.751, Lon: 3.05}, Rating: 4.5, Online: true},
	}}
	s := &Service{Geo: g, DefaultSpeedMps: 10}
	c := s.Candidates(context.Background(), models.Coord{Lat: 36.75, Lon: 3.05})
	if len(c) != 2 || c[0].DriverID != "near" {
		t.Fatalf("unexpected ranking %+v", c)
	}
	if c[0].DistanceKm >= c[1].DistanceKm {
		t.Fatalf("distance not reported: %+v", c)
	}
}

func TestETAFallbackAndCache(t *testing.T) {
	g := &fakeGeo{drivers: []models.Driver{{ID: "A", Loc: models.Coord{Lat: 0, Lon: 0.01}, Rating: 5, Online: true}}}
	eta := &failingETA{}
	cache := maps.NewCache[float64](time.Minute)
	s := &Service{Geo: g, DefaultSpeedMps: 10, ETAClient: eta, ETACache: cache}
	best, ok := s.Best(context.Background(), models.Coord{})
	if !ok || best.ETA <= 0 {
		t.Fatalf("expected naive ETA fallback, got %+v", best)
	}
	if eta.calls != 1 {
		t.Fatalf("expected one ETA call, got %d", eta.calls)
	}

	cache.Set(models.Coord{Lat: 0, Lon: 0.01}, models.Coord{}, 7)
	best, _ = s.Best(context.Background(), models.Coord{})
	if best.ETA != 7 || eta.calls != 1 {
		t.Fatalf("expected cached ETA 7 without client call, got %+v calls=%d", best, eta.calls)
	}
}

func TestNoCandidates(t *testing.T) {
	s := &Service{Geo: &fakeGeo{}}
	if _, ok := s.Best(context.Background(), models.Coord{}); ok {
		t.Fatal("expected no candidate")
	}
}
