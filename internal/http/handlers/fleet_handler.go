// README: Fleet monitoring handlers (admin): presence snapshot, nearby agents and location trails.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"proptrack/internal/modules/location"
	"proptrack/internal/modules/presence"
	"proptrack/internal/types"
)

const (
	defaultNearbyRadiusM = 1000.0
	defaultTrailWindow   = 24 * time.Hour
	maxTrailLimit        = 1000
)

// NearbyIndex is the Redis GEO search over agent positions.
type NearbyIndex interface {
	Nearby(ctx context.Context, p types.Point, radiusMeters float64) ([]presence.IndexedAgent, error)
}

// TrailReader is the Postgres location history.
type TrailReader interface {
	ListByAgent(ctx context.Context, agentID types.ID, since time.Time, limit int) ([]location.Snapshot, error)
}

type FleetHandler struct {
	fleet *presence.Aggregator
	index NearbyIndex
	trail TrailReader
}

// NewFleetHandler accepts a nil index (nearby queries then scan the
// aggregator) and a nil trail (trail queries answer 501).
func NewFleetHandler(fleet *presence.Aggregator, index NearbyIndex, trail TrailReader) *FleetHandler {
	return &FleetHandler{fleet: fleet, index: index, trail: trail}
}

func (h *FleetHandler) Presence(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"agents": h.fleet.Snapshot()})
}

type nearbyAgent struct {
	AgentID        types.ID            `json:"agent_id"`
	Position       types.Point         `json:"position"`
	DistanceMeters float64             `json:"distance_m"`
	WorkStatus     presence.WorkStatus `json:"work_status,omitempty"`
}

func (h *FleetHandler) Nearby(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(c, http.StatusBadRequest, "lat and lng are required")
		return
	}
	p := types.Point{Lat: lat, Lng: lng}
	if !p.Valid() {
		writeError(c, http.StatusBadRequest, "invalid coordinate")
		return
	}
	radius := defaultNearbyRadiusM
	if v := c.Query("radius_m"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r <= 0 {
			writeError(c, http.StatusBadRequest, "radius_m must be a positive number")
			return
		}
		radius = r
	}

	out := make([]nearbyAgent, 0)
	if h.index != nil {
		hits, err := h.index.Nearby(c.Request.Context(), p, radius)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		for _, hit := range hits {
			n := nearbyAgent{AgentID: hit.AgentID, Position: hit.Position, DistanceMeters: hit.DistanceMeters}
			if r, ok := h.fleet.Get(hit.AgentID); ok {
				n.WorkStatus = r.WorkStatus
			}
			out = append(out, n)
		}
	} else {
		for _, hit := range h.fleet.Nearby(p, radius) {
			out = append(out, nearbyAgent{
				AgentID:        hit.AgentID,
				Position:       hit.Location.Point(),
				DistanceMeters: hit.DistanceMeters,
				WorkStatus:     hit.WorkStatus,
			})
		}
	}
	writeJSON(c, http.StatusOK, gin.H{"agents": out, "radius_m": radius})
}

// Trail lists an agent's recorded positions, newest first.
func (h *FleetHandler) Trail(c *gin.Context) {
	if h.trail == nil {
		writeError(c, http.StatusNotImplemented, "location history not configured")
		return
	}
	since := time.Now().Add(-defaultTrailWindow)
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(c, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxTrailLimit {
			writeError(c, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	agentID := types.ID(c.Param("id"))
	snaps, err := h.trail.ListByAgent(c.Request.Context(), agentID, since, limit)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	if snaps == nil {
		snaps = []location.Snapshot{}
	}
	writeJSON(c, http.StatusOK, gin.H{"agent_id": agentID, "since": since, "points": snaps})
}
