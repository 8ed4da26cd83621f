// README: Location sample value object and persisted history snapshot.
package location

import (
	"time"

	"proptrack/internal/types"
)

// Coordinate is one position fix produced by a Source. It is a value; callers
// never mutate a sample after it has been returned.
type Coordinate struct {
	Latitude       float64   `json:"lat"`
	Longitude      float64   `json:"lng"`
	AccuracyMeters float64   `json:"accuracy_m"`
	SampledAt      time.Time `json:"sampled_at"`
}

func (c Coordinate) Point() types.Point {
	return types.Point{Lat: c.Latitude, Lng: c.Longitude}
}

// Valid reports whether the fix is inside coordinate ranges with a
// non-negative accuracy.
func (c Coordinate) Valid() bool {
	return c.Point().Valid() && c.AccuracyMeters >= 0
}

// Snapshot is one row of an agent's location trail.
type Snapshot struct {
	ID         int64      `json:"id"`
	AgentID    types.ID   `json:"agent_id"`
	Position   Coordinate `json:"position"`
	WorkStatus string     `json:"work_status"`
	RecordedAt time.Time  `json:"recorded_at"`
}
