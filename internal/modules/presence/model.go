// README: Presence record: one per agent, last known location and work status.
package presence

import (
	"time"

	"proptrack/internal/modules/location"
	"proptrack/internal/types"
)

type WorkStatus string

const (
	WorkAvailable WorkStatus = "available"
	WorkBusy      WorkStatus = "busy"
	WorkOffline   WorkStatus = "offline"
)

func (s WorkStatus) IsValid() bool {
	switch s {
	case WorkAvailable, WorkBusy, WorkOffline:
		return true
	}
	return false
}

// Record is keyed by AgentID. Location is nil only when no fix was ever
// obtained for the agent.
type Record struct {
	AgentID    types.ID             `json:"agent_id"`
	Location   *location.Coordinate `json:"location,omitempty"`
	WorkStatus WorkStatus           `json:"work_status"`
	LastSeen   time.Time            `json:"last_seen"`
}
