package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/ridehail/internal/models"
)

const earthRadiusKm = 6371.0

// Geo is the minimal interface required by the matcher and handlers.
type Geo interface {
	Nearby(lat, lon float64, limit int) []models.Driver
	Upsert(d models.Driver)
	Remove(id string)
}

// Sink applies published driver fixes directly to an index. It stands in for the Kafka
// consumer when the server runs without one.
type Sink struct {
	Index Geo
}

func (s Sink) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	if !loc.Online {
		s.Index.Remove(loc.DriverID)
		return nil
	}
	s.Index.Upsert(models.Driver{ID: loc.DriverID, Loc: loc.Loc, Rating: loc.Rating, Online: true, Updated: loc.Updated})
	return nil
}

type Index struct {
	mu       sync.RWMutex
	drivers  map[string]models.Driver
	radiusKm float64
}

// NewIndex builds an in-memory index. Nearby only reports drivers within radiusKm
// (no limit when radiusKm <= 0).
func NewIndex(radiusKm float64) *Index {
	return &Index{drivers: make(map[string]models.Driver), radiusKm: radiusKm}
}

func (g *Index) Upsert(d models.Driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
}

func (g *Index) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, id)
}

// naive scan; in prod use geo-hash or H3
func (g *Index) Nearby(lat, lon float64, limit int) []models.Driver {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online {
			continue
		}
		dist := DistanceKm(lat, lon, d.Loc.Lat, d.Loc.Lon)
		if g.radiusKm > 0 && dist > g.radiusKm {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.Driver, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].d)
	}
	return out
}

// DistanceKm is the great-circle (haversine) distance in kilometers.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// Between is DistanceKm for two coordinates.
func Between(a, b models.Coord) float64 {
	return DistanceKm(a.Lat, a.Lon, b.Lat, b.Lon)
}

// WithinRadius reports whether p lies at most radiusKm from center.
func WithinRadius(center, p models.Coord, radiusKm float64) bool {
	return Between(center, p) <= radiusKm
}

// Bearing returns the initial bearing from a to b in degrees [0, 360).
func Bearing(a, b models.Coord) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	if deg < 0 {
		deg += 360
	}
	return deg
}

// Nearest returns the index of the point closest to origin that is within radiusKm.
// ok is false when no point qualifies.
func Nearest(origin models.Coord, points []models.Coord, radiusKm float64) (idx int, distKm float64, ok bool) {
	idx = -1
	for i, p := range points {
		d := Between(origin, p)
		if d > radiusKm {
			continue
		}
		if idx == -1 || d < distKm {
			idx, distKm = i, d
		}
	}
	return idx, distKm, idx != -1
}
