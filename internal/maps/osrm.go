package maps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ridehail/internal/models"
)

// OSRMClient performs route/eta lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
	cache    *Cache[*Route]
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 2 * time.Second},
		cache:    NewCache[*Route](5 * time.Minute),
	}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry struct {
			Coordinates [][2]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// Route queries OSRM /route with full GeoJSON geometry.
func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord) (*Route, error) {
	if r, ok := o.cache.Get(from, to); ok {
		return r, nil
	}
	// OSRM route query: /route/v1/driving/{lon1},{lat1};{lon2},{lat2}
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	out, err := o.get(ctx, url)
	if err != nil {
		return nil, err
	}
	best := out.Routes[0]
	r := &Route{
		DistanceKm:  best.Distance / 1000,
		DurationSec: best.Duration,
		Geometry:    make([]models.Coord, 0, len(best.Geometry.Coordinates)),
	}
	for _, c := range best.Geometry.Coordinates {
		r.Geometry = append(r.Geometry, models.Coord{Lat: c[1], Lon: c[0]})
	}
	o.cache.Set(from, to, r)
	return r, nil
}

// EstimateSeconds queries OSRM /route between points and returns duration in seconds.
func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	if r, ok := o.cache.Get(from, to); ok {
		return r.DurationSec, nil
	}
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	out, err := o.get(ctx, url)
	if err != nil {
		return 0, err
	}
	return out.Routes[0].Duration, nil
}

func (o *OSRMClient) get(ctx context.Context, url string) (*osrmResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("osrm: unexpected status %d", resp.StatusCode)
	}
	var out osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return nil, fmt.Errorf("osrm %s: %w", out.Code, ErrNoResult)
	}
	return &out, nil
}
