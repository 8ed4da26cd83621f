// README: Tracking handlers for the caller's own session (start/stop, device fixes, state).
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"proptrack/internal/http/middleware"
	"proptrack/internal/modules/location"
	"proptrack/internal/modules/presence"
	"proptrack/internal/modules/tracking"
	"proptrack/internal/types"
)

type TrackingHandler struct {
	sessions *tracking.Manager
}

func NewTrackingHandler(sessions *tracking.Manager) *TrackingHandler {
	return &TrackingHandler{sessions: sessions}
}

// openSession opens the caller's session or writes the error response.
func openSession(c *gin.Context, sessions *tracking.Manager) (*tracking.Session, bool) {
	uid := middleware.CallerUID(c)
	if uid == "" {
		writeError(c, http.StatusUnauthorized, "unauthenticated")
		return nil, false
	}
	s, err := sessions.Open(c.Request.Context(), types.ID(uid))
	if err != nil {
		writeDomainError(c, err)
		return nil, false
	}
	return s, true
}

type startTrackingReq struct {
	WorkStatus string `json:"work_status"`
}

func (h *TrackingHandler) Start(c *gin.Context) {
	var req startTrackingReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	// Empty resumes the status remembered while stopped.
	status := presence.WorkStatus(req.WorkStatus)
	s, ok := openSession(c, h.sessions)
	if !ok {
		return
	}
	if err := s.StartTracking(c.Request.Context(), status); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toStateResponse(s.AgentID(), s.State()))
}

func (h *TrackingHandler) Stop(c *gin.Context) {
	s, ok := openSession(c, h.sessions)
	if !ok {
		return
	}
	if err := s.StopTracking(c.Request.Context()); err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toStateResponse(s.AgentID(), s.State()))
}

// positionReq carries either a fix or a device-side failure.
type positionReq struct {
	Lat       *float64   `json:"lat"`
	Lng       *float64   `json:"lng"`
	Accuracy  float64    `json:"accuracy_m"`
	SampledAt *time.Time `json:"sampled_at"`
	Error     string     `json:"error"`
}

func (h *TrackingHandler) ReportPosition(c *gin.Context) {
	var req positionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	s, ok := openSession(c, h.sessions)
	if !ok {
		return
	}

	var err error
	switch {
	case req.Error == "permission_denied":
		err = s.ReportFailure(location.ErrPermissionDenied)
	case req.Error == "unavailable":
		err = s.ReportFailure(location.ErrUnavailable)
	case req.Error != "":
		writeError(c, http.StatusBadRequest, "error must be permission_denied or unavailable")
		return
	case req.Lat == nil || req.Lng == nil:
		writeError(c, http.StatusBadRequest, "missing lat/lng")
		return
	default:
		fix := location.Coordinate{Latitude: *req.Lat, Longitude: *req.Lng, AccuracyMeters: req.Accuracy}
		if req.SampledAt != nil {
			fix.SampledAt = *req.SampledAt
		}
		err = s.ReportPosition(fix)
	}
	if err != nil {
		writeDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *TrackingHandler) State(c *gin.Context) {
	s, ok := openSession(c, h.sessions)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, toStateResponse(s.AgentID(), s.State()))
}
