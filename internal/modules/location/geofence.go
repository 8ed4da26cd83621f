// README: Geofence verification: is the device within a radius of a target point.
package location

import (
	"context"
	"log/slog"

	"proptrack/internal/types"
)

// DefaultRadiusMeters is the geofence radius used when callers pass none.
const DefaultRadiusMeters = 100.0

// GeofenceResult carries the evidence behind a verification.
type GeofenceResult struct {
	Within         bool       `json:"within"`
	DistanceMeters float64    `json:"distance_m"`
	RadiusMeters   float64    `json:"radius_m"`
	Sample         Coordinate `json:"sample"`
}

type GeofenceVerifier struct {
	source Source
	opts   Options
	logger *slog.Logger
}

func NewGeofenceVerifier(source Source, opts Options, logger *slog.Logger) *GeofenceVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeofenceVerifier{source: source, opts: opts, logger: logger}
}

// Check samples a fresh position and measures it against target. Source
// failures are returned unchanged.
func (v *GeofenceVerifier) Check(ctx context.Context, target types.Point, radiusMeters float64) (GeofenceResult, error) {
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}
	current, err := v.source.CurrentPosition(ctx, v.opts)
	if err != nil {
		return GeofenceResult{RadiusMeters: radiusMeters}, err
	}
	dist := DistanceMeters(current.Point(), target)
	return GeofenceResult{
		Within:         dist <= radiusMeters,
		DistanceMeters: dist,
		RadiusMeters:   radiusMeters,
		Sample:         current,
	}, nil
}

// IsWithinRadius fails closed: when no position can be obtained the answer is false.
func (v *GeofenceVerifier) IsWithinRadius(ctx context.Context, target types.Point, radiusMeters float64) bool {
	res, err := v.Check(ctx, target, radiusMeters)
	if err != nil {
		v.logger.Warn("geofence check without position", "target_lat", target.Lat, "target_lng", target.Lng, "error", err)
		return false
	}
	return res.Within
}
