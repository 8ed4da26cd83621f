// README: Base handler utilities (JSON helpers, error mapping, response shapes).
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"proptrack/internal/maps"
	"proptrack/internal/modules/location"
	"proptrack/internal/modules/presence"
	"proptrack/internal/modules/tracking"
	"proptrack/internal/modules/visit"
	"proptrack/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeDomainError maps module errors onto HTTP statuses. Unknown errors are
// not echoed to the client.
func writeDomainError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		writeJSON(c, status, errorResponse{Error: "internal error", Code: "internal"})
		return
	}
	writeJSON(c, status, errorResponse{Error: err.Error(), Code: errorCode(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, visit.ErrBadRequest),
		errors.Is(err, location.ErrInvalidCoordinate),
		errors.Is(err, presence.ErrInvalidWorkStatus),
		errors.Is(err, maps.ErrNoAddress):
		return http.StatusBadRequest
	case errors.Is(err, visit.ErrNotFound), errors.Is(err, maps.ErrNoMatch):
		return http.StatusNotFound
	case errors.Is(err, visit.ErrVisitAlreadyActive),
		errors.Is(err, visit.ErrNoActiveVisit),
		errors.Is(err, tracking.ErrSessionClosed),
		errors.Is(err, presence.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, location.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, location.ErrUnavailable), errors.Is(err, types.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, location.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// errorCode is the stable machine-readable name clients switch on.
func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, location.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, location.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, location.ErrTimeout):
		return "timeout"
	case errors.Is(err, types.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, visit.ErrVisitAlreadyActive):
		return "visit_already_active"
	case errors.Is(err, visit.ErrNoActiveVisit):
		return "no_active_visit"
	case errors.Is(err, visit.ErrNotFound), errors.Is(err, maps.ErrNoMatch):
		return "not_found"
	case statusFor(err) == http.StatusBadRequest:
		return "bad_request"
	}
	return "internal"
}

type stateResponse struct {
	AgentID           string               `json:"agent_id"`
	IsTracking        bool                 `json:"is_tracking"`
	WorkStatus        string               `json:"work_status"`
	CurrentLocation   *location.Coordinate `json:"current_location"`
	LastSeen          *time.Time           `json:"last_seen,omitempty"`
	TrackingError     *string              `json:"tracking_error"`
	TrackingErrorCode string               `json:"tracking_error_code,omitempty"`
	ActiveVisit       *visit.Visit         `json:"active_visit"`
}

func toStateResponse(agentID types.ID, st tracking.State) stateResponse {
	resp := stateResponse{
		AgentID:         string(agentID),
		IsTracking:      st.IsTracking,
		WorkStatus:      string(st.WorkStatus),
		CurrentLocation: st.CurrentLocation,
		ActiveVisit:     st.ActiveVisit,
	}
	if !st.LastSeen.IsZero() {
		ts := st.LastSeen
		resp.LastSeen = &ts
	}
	if st.TrackingError != nil {
		msg := st.TrackingError.Error()
		resp.TrackingError = &msg
		resp.TrackingErrorCode = errorCode(st.TrackingError)
	}
	return resp
}
