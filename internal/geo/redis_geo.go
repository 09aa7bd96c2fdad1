package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

// Redis implements Index on top of Redis GEO commands. All entries
// live in a single sorted set under key, shared by every service
// instance.
type Redis struct {
	client *redis.Client
	key    string
}

func NewRedis(addr, password, key string) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Redis{client: c, key: key}
}

func (r *Redis) Upsert(ctx context.Context, driverID string, lng, lat float64) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: driverID, Longitude: lng, Latitude: lat}).Err()
}

// Remove evicts a driver from the index. GEO members are plain sorted
// set members, so ZREM is the eviction primitive.
func (r *Redis) Remove(ctx context.Context, driverID string) error {
	return r.client.ZRem(ctx, r.key, driverID).Err()
}

func (r *Redis) Position(ctx context.Context, driverID string) (models.Coord, bool, error) {
	pos, err := r.client.GeoPos(ctx, r.key, driverID).Result()
	if err != nil {
		return models.Coord{}, false, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.Coord{}, false, nil
	}
	return models.Coord{Lat: pos[0].Latitude, Lng: pos[0].Longitude}, true, nil
}

func (r *Redis) Search(ctx context.Context, lng, lat, radiusKm float64, limit int) ([]models.DriverWithDistance, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]models.DriverWithDistance, 0, len(res))
	for _, g := range res {
		out = append(out, models.DriverWithDistance{
			DriverID:   g.Name,
			DistanceKm: g.Dist,
			Coord:      models.Coord{Lat: g.Latitude, Lng: g.Longitude},
		})
	}
	return out, nil
}

func (r *Redis) Close() error { return r.client.Close() }
