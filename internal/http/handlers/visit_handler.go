// README: Visit handlers for check-in, check-out and geofence verification.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"proptrack/internal/modules/location"
	"proptrack/internal/modules/tracking"
	"proptrack/internal/modules/visit"
	"proptrack/internal/types"
)

// Geocoder resolves a property address for verification.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (types.Point, error)
}

type VisitHandler struct {
	sessions *tracking.Manager
	geocoder Geocoder
}

// NewVisitHandler accepts a nil geocoder; address-based verification is then rejected.
func NewVisitHandler(sessions *tracking.Manager, geocoder Geocoder) *VisitHandler {
	return &VisitHandler{sessions: sessions, geocoder: geocoder}
}

type checkInReq struct {
	PropertyID string `json:"property_id"`
	VisitType  string `json:"visit_type"`
}

func (h *VisitHandler) CheckIn(c *gin.Context) {
	var req checkInReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.PropertyID == "" || req.VisitType == "" {
		writeError(c, http.StatusBadRequest, "missing fields")
		return
	}
	s, ok := openSession(c, h.sessions)
	if !ok {
		return
	}
	v, err := s.CheckIn(c.Request.Context(), types.ID(req.PropertyID), visit.Type(req.VisitType))
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, v)
}

type checkOutReq struct {
	Notes  *string  `json:"notes"`
	Photos []string `json:"photos"`
}

func (h *VisitHandler) CheckOut(c *gin.Context) {
	var req checkOutReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	s, ok := openSession(c, h.sessions)
	if !ok {
		return
	}
	v, err := s.CheckOut(c.Request.Context(), req.Notes, req.Photos)
	if err != nil {
		writeDomainError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, v)
}

type verifyReq struct {
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	Address string   `json:"address"`
	RadiusM float64  `json:"radius_m"`
}

type verifyResp struct {
	location.GeofenceResult
	Target types.Point `json:"target"`
	Reason string      `json:"reason,omitempty"`
}

// Verify answers whether the caller stands within radius of the target. A
// missing position answers within=false with a reason; it is not an error.
func (h *VisitHandler) Verify(c *gin.Context) {
	var req verifyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.RadiusM < 0 {
		writeError(c, http.StatusBadRequest, "radius_m must not be negative")
		return
	}

	var target types.Point
	switch {
	case req.Lat != nil && req.Lng != nil:
		target = types.Point{Lat: *req.Lat, Lng: *req.Lng}
		if !target.Valid() {
			writeError(c, http.StatusBadRequest, "invalid target coordinate")
			return
		}
	case req.Address != "":
		if h.geocoder == nil {
			writeError(c, http.StatusBadRequest, "address lookup is not configured")
			return
		}
		p, err := h.geocoder.Geocode(c.Request.Context(), req.Address)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		target = p
	default:
		writeError(c, http.StatusBadRequest, "lat/lng or address is required")
		return
	}

	s, ok := openSession(c, h.sessions)
	if !ok {
		return
	}
	res, err := s.CheckAtProperty(c.Request.Context(), target, req.RadiusM)
	resp := verifyResp{GeofenceResult: res, Target: target}
	if err != nil {
		resp.Within = false
		resp.Reason = errorCode(err)
	}
	writeJSON(c, http.StatusOK, resp)
}
