package routing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

// Route is a computed path between two coordinates. Geometry is a
// sequence of (lng, lat) pairs; the fallback degrades it to the two
// endpoints.
type Route struct {
	DistanceMeters  float64 `json:"distance_meters"`
	DistanceKm      float64 `json:"distance_km"`
	DurationSeconds float64 `json:"duration_seconds"`
	Geometry        [][2]float64 `json:"geometry,omitempty"`
	Steps           []Step       `json:"steps,omitempty"`
}

type Step struct {
	Instruction     string  `json:"instruction"`
	StreetName      string  `json:"street_name"`
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Estimator is the interface the trip service depends on.
type Estimator interface {
	GetRoute(ctx context.Context, from, to models.Coord, profile string) Route
}

// routeClient is a remote routing backend. Implementations return an
// error on any failure; the Service recovers with the closed-form
// fallback so callers never see an upstream outage.
type routeClient interface {
	Route(ctx context.Context, from, to models.Coord, profile string) (Route, error)
}

// Assumed average city speed for the fallback estimate.
const fallbackSpeedKmh = 30.0

// Service wraps a remote routing backend with a TTL cache and a
// haversine fallback.
type Service struct {
	client routeClient // nil disables the remote path entirely
	osrm   *OSRMClient // auxiliary nearest-road/health queries, may be nil
	cache  *Cache
	logger *slog.Logger
}

func NewService(client routeClient, osrm *OSRMClient, cacheTTL time.Duration, logger *slog.Logger) *Service {
	var c *Cache
	if cacheTTL > 0 {
		c = NewCache(cacheTTL)
	}
	return &Service{client: client, osrm: osrm, cache: c, logger: logger}
}

// GetRoute returns the remote route when available and falls back to a
// great-circle estimate otherwise. It never fails.
func (s *Service) GetRoute(ctx context.Context, from, to models.Coord, profile string) Route {
	if s.cache != nil {
		if r, ok := s.cache.Get(from, to, profile); ok {
			return r
		}
	}
	if s.client != nil {
		r, err := s.client.Route(ctx, from, to, profile)
		if err == nil {
			if s.cache != nil {
				s.cache.Set(from, to, profile, r)
			}
			return r
		}
		s.logger.Warn("remote routing failed, using haversine fallback", "error", err)
	}
	observability.RoutingFallbacks.Inc()
	return Fallback(from, to)
}

// FindNearestRoad snaps a coordinate to the road network. Best effort:
// the input is echoed back when no backend is available or the query
// fails.
func (s *Service) FindNearestRoad(ctx context.Context, c models.Coord) models.Coord {
	if s.osrm == nil {
		return c
	}
	snapped, err := s.osrm.Nearest(ctx, c)
	if err != nil {
		s.logger.Warn("nearest road lookup failed", "error", err)
		return c
	}
	return snapped
}

// HealthCheck reports remote backend reachability. A fallback-only
// service is always healthy.
func (s *Service) HealthCheck(ctx context.Context) bool {
	if s.osrm == nil {
		return true
	}
	return s.osrm.Health(ctx)
}

// Fallback computes a straight-line route: haversine distance with an
// assumed average speed and two-point geometry.
func Fallback(from, to models.Coord) Route {
	km := geo.HaversineKm(from.Lat, from.Lng, to.Lat, to.Lng)
	durationMin := math.Ceil(km / fallbackSpeedKmh * 60)
	return Route{
		DistanceMeters:  km * 1000,
		DistanceKm:      km,
		DurationSeconds: durationMin * 60,
		Geometry:        [][2]float64{{from.Lng, from.Lat}, {to.Lng, to.Lat}},
	}
}

// Cache is a tiny in-memory TTL cache for route lookups keyed by the
// endpoint coordinates and profile.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	r  Route
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func cacheKey(a, b models.Coord, profile string) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f|%s", a.Lat, a.Lng, b.Lat, b.Lng, profile)
}

func (c *Cache) Get(a, b models.Coord, profile string) (Route, bool) {
	k := cacheKey(a, b, profile)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.r, true
}

func (c *Cache) Set(a, b models.Coord, profile string, r Route) {
	k := cacheKey(a, b, profile)
	c.mu.Lock()
	c.store[k] = cacheEntry{r: r, ts: time.Now()}
	c.mu.Unlock()
}
