package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridehail/internal/models"
)

// RedisGeo keeps driver positions in a Redis GEO set and per-driver metadata in a hash.
// It is shared by every API instance and fed by the location consumer.
type RedisGeo struct {
	client   *redis.Client
	key      string
	radiusKm float64
	timeout  time.Duration
}

func NewRedisGeo(client *redis.Client, key string, radiusKm float64) *RedisGeo {
	return &RedisGeo{client: client, key: key, radiusKm: radiusKm, timeout: time.Second}
}

func (r *RedisGeo) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

func (r *RedisGeo) Upsert(d models.Driver) {
	ctx, cancel := r.ctx()
	defer cancel()
	updated := d.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID})
	pipe.HSet(ctx, MetaKey(d.ID), map[string]interface{}{
		"rating":  strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"online":  strconv.FormatBool(d.Online),
		"updated": updated.Format(time.RFC3339),
	})
	_, _ = pipe.Exec(ctx)
}

func (r *RedisGeo) Remove(id string) {
	ctx, cancel := r.ctx()
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, id)
	pipe.HSet(ctx, MetaKey(id), "online", "false")
	_, _ = pipe.Exec(ctx)
}

// Nearby returns online drivers within the radius, closest first. Metadata for all hits is
// fetched in one pipeline round trip.
func (r *RedisGeo) Nearby(lat, lon float64, limit int) []models.Driver {
	ctx, cancel := r.ctx()
	defer cancel()
	hits, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius: r.radiusKm, Unit: "km", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil || len(hits) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(hits))
	for i, h := range hits {
		metas[i] = pipe.HGetAll(ctx, MetaKey(h.Name))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]models.Driver, 0, len(hits))
	for i, h := range hits {
		m, err := metas[i].Result()
		if err != nil || m["online"] != "true" {
			continue
		}
		d := models.Driver{ID: h.Name, Loc: models.Coord{Lat: h.Latitude, Lon: h.Longitude}, Online: true}
		if f, err := strconv.ParseFloat(m["rating"], 64); err == nil {
			d.Rating = f
		}
		if t, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
			d.Updated = t
		}
		out = append(out, d)
	}
	return out
}

// MetaKey is the hash holding rating/online flags for one driver.
func MetaKey(id string) string { return "driver:meta:" + id }
