// README: Fleet GEO index in Redis mirroring presence writes for nearby-agent queries.
package presence

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"proptrack/internal/types"
)

const agentGeoKey = "presence:agents"

// GeoIndexedStore decorates a Store: every upsert is mirrored into a Redis
// GEO set so the fleet can be searched by distance. Offline agents leave the
// set. Index failures never fail the primary write.
type GeoIndexedStore struct {
	Store
	redis  *redis.Client
	logger *slog.Logger
}

func NewGeoIndexedStore(inner Store, rdb *redis.Client, logger *slog.Logger) *GeoIndexedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeoIndexedStore{Store: inner, redis: rdb, logger: logger.With("component", "presence_geo_index")}
}

func (s *GeoIndexedStore) Upsert(ctx context.Context, r Record) error {
	if err := s.Store.Upsert(ctx, r); err != nil {
		return err
	}
	var err error
	switch {
	case r.WorkStatus == WorkOffline:
		err = s.redis.ZRem(ctx, agentGeoKey, string(r.AgentID)).Err()
	case r.Location != nil:
		err = s.redis.GeoAdd(ctx, agentGeoKey, &redis.GeoLocation{
			Name:      string(r.AgentID),
			Longitude: r.Location.Longitude,
			Latitude:  r.Location.Latitude,
		}).Err()
	}
	if err != nil {
		s.logger.Warn("geo index update failed", "agent_id", r.AgentID, "error", err)
	}
	return nil
}

// IndexedAgent is one GEOSEARCH hit.
type IndexedAgent struct {
	AgentID        types.ID    `json:"agent_id"`
	Position       types.Point `json:"position"`
	DistanceMeters float64     `json:"distance_m"`
}

// Nearby returns indexed agents within radiusMeters of p, closest first.
func (s *GeoIndexedStore) Nearby(ctx context.Context, p types.Point, radiusMeters float64) ([]IndexedAgent, error) {
	results, err := s.redis.GeoSearchLocation(ctx, agentGeoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lng,
			Latitude:   p.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, types.StoreError("geo search agents", err)
	}
	out := make([]IndexedAgent, len(results))
	for i, r := range results {
		out[i] = IndexedAgent{
			AgentID:        types.ID(r.Name),
			Position:       types.Point{Lat: r.Latitude, Lng: r.Longitude},
			DistanceMeters: r.Dist,
		}
	}
	return out, nil
}
