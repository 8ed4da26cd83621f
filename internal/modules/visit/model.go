// README: Visit aggregate: one physical site visit bracketed by check-in and check-out.
package visit

import (
	"time"

	"proptrack/internal/modules/location"
	"proptrack/internal/types"
)

type Type string

const (
	TypeInspection  Type = "inspection"
	TypeMaintenance Type = "maintenance"
	TypeShowing     Type = "showing"
	TypeEmergency   Type = "emergency"
)

func (t Type) IsValid() bool {
	switch t {
	case TypeInspection, TypeMaintenance, TypeShowing, TypeEmergency:
		return true
	}
	return false
}

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Visit is created active by check-in and completed exactly once by
// check-out. CheckOutLocation and CheckOutTime are nil iff the visit is active.
type Visit struct {
	ID               types.ID             `json:"id"`
	AgentID          types.ID             `json:"agent_id"`
	PropertyID       types.ID             `json:"property_id"`
	CheckInLocation  location.Coordinate  `json:"check_in_location"`
	CheckInTime      time.Time            `json:"check_in_time"`
	CheckOutLocation *location.Coordinate `json:"check_out_location,omitempty"`
	CheckOutTime     *time.Time           `json:"check_out_time,omitempty"`
	VisitType        Type                 `json:"visit_type"`
	Notes            *string              `json:"notes,omitempty"`
	Photos           []string             `json:"photos,omitempty"`
	Status           Status               `json:"status"`
}

// AllowedTransitions represents the visit state flow as code. Completed is terminal.
var AllowedTransitions = map[Status][]Status{
	StatusActive: {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Event is the notify intent emitted on check-in and check-out. Delivery is
// up to the sink.
type Event struct {
	Kind       EventKind `json:"kind"`
	VisitID    types.ID  `json:"visit_id"`
	AgentID    types.ID  `json:"agent_id"`
	PropertyID types.ID  `json:"property_id"`
	VisitType  Type      `json:"visit_type"`
	At         time.Time `json:"at"`
}

type EventKind string

const (
	EventCheckedIn  EventKind = "checked_in"
	EventCheckedOut EventKind = "checked_out"
)

func (v *Visit) clone() *Visit {
	if v == nil {
		return nil
	}
	c := *v
	if v.CheckOutLocation != nil {
		loc := *v.CheckOutLocation
		c.CheckOutLocation = &loc
	}
	if v.CheckOutTime != nil {
		ts := *v.CheckOutTime
		c.CheckOutTime = &ts
	}
	if v.Notes != nil {
		n := *v.Notes
		c.Notes = &n
	}
	if v.Photos != nil {
		c.Photos = append([]string(nil), v.Photos...)
	}
	return &c
}
