// README: HTTP cases; walks one agent through a visit against a live API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type driveConfig struct {
	BaseURL  string
	Agent    string
	Token    string
	Property string
	Lat      float64
	Lng      float64
	Timeout  time.Duration
}

func (c driveConfig) bearer() string {
	if c.Token != "" {
		return c.Token
	}
	return c.Agent
}

type apiState struct {
	IsTracking        bool      `json:"is_tracking"`
	WorkStatus        string    `json:"work_status"`
	TrackingErrorCode string    `json:"tracking_error_code"`
	ActiveVisit       *apiVisit `json:"active_visit"`
}

type apiVisit struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type apiVerify struct {
	Within   bool    `json:"within"`
	Distance float64 `json:"distance_m"`
	Reason   string  `json:"reason"`
}

func driveCases(cfg driveConfig) []TestCase {
	base := strings.TrimRight(cfg.BaseURL, "/") + "/api"
	fix := map[string]any{"lat": cfg.Lat, "lng": cfg.Lng, "accuracy_m": 5}
	var visitID string

	return []TestCase{
		{Name: "report position", Run: func(ctx context.Context, r *Runner) Result {
			return expectStatus(r.do(ctx, cfg, http.MethodPut, base+"/agents/me/position", fix, nil), http.StatusNoContent)
		}},
		{Name: "start tracking", Run: func(ctx context.Context, r *Runner) Result {
			var st apiState
			res := expectStatus(r.do(ctx, cfg, http.MethodPost, base+"/agents/me/tracking/start", map[string]any{"work_status": "available"}, &st), http.StatusOK)
			if res.Status == StatusPass && (!st.IsTracking || st.WorkStatus != "available") {
				return fail("state %+v", st)
			}
			return res
		}},
		{Name: "verify at property", Run: func(ctx context.Context, r *Runner) Result {
			var v apiVerify
			res := expectStatus(r.do(ctx, cfg, http.MethodPost, base+"/visits/verify", map[string]any{"lat": cfg.Lat, "lng": cfg.Lng}, &v), http.StatusOK)
			if res.Status == StatusPass && !v.Within {
				return fail("not within: distance=%.1f reason=%s", v.Distance, v.Reason)
			}
			return res
		}},
		{Name: "check in", Run: func(ctx context.Context, r *Runner) Result {
			var v apiVisit
			body := map[string]any{"property_id": cfg.Property, "visit_type": "inspection"}
			res := expectStatus(r.do(ctx, cfg, http.MethodPost, base+"/visits/check-in", body, &v), http.StatusCreated)
			if res.Status != StatusPass {
				return res
			}
			if v.Status != "active" {
				return fail("visit status %s", v.Status)
			}
			visitID = v.ID
			return pass("visit=" + v.ID)
		}},
		{Name: "second check in rejected", Run: func(ctx context.Context, r *Runner) Result {
			body := map[string]any{"property_id": cfg.Property, "visit_type": "inspection"}
			return expectStatus(r.do(ctx, cfg, http.MethodPost, base+"/visits/check-in", body, nil), http.StatusConflict)
		}},
		{Name: "state shows busy", Run: func(ctx context.Context, r *Runner) Result {
			deadline := time.Now().Add(2 * time.Second)
			for {
				var st apiState
				res := expectStatus(r.do(ctx, cfg, http.MethodGet, base+"/agents/me/state", nil, &st), http.StatusOK)
				if res.Status != StatusPass {
					return res
				}
				if st.WorkStatus == "busy" && st.ActiveVisit != nil && st.ActiveVisit.ID == visitID {
					return pass("")
				}
				if time.Now().After(deadline) {
					return fail("state %+v", st)
				}
				time.Sleep(100 * time.Millisecond)
			}
		}},
		{Name: "check out", Run: func(ctx context.Context, r *Runner) Result {
			var v apiVisit
			res := expectStatus(r.do(ctx, cfg, http.MethodPost, base+"/visits/check-out", map[string]any{"notes": "fieldsim run"}, &v), http.StatusOK)
			if res.Status == StatusPass && v.Status != "completed" {
				return fail("visit status %s", v.Status)
			}
			return res
		}},
		{Name: "stop tracking", Run: func(ctx context.Context, r *Runner) Result {
			var st apiState
			res := expectStatus(r.do(ctx, cfg, http.MethodPost, base+"/agents/me/tracking/stop", nil, &st), http.StatusOK)
			if res.Status == StatusPass && st.IsTracking {
				return fail("still tracking")
			}
			return res
		}},
	}
}

type httpOutcome struct {
	status  int
	latency time.Duration
	err     error
}

// do sends body as JSON and decodes a 2xx response into out when non-nil.
func (r *Runner) do(ctx context.Context, cfg driveConfig, method, url string, body, out any) httpOutcome {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return httpOutcome{err: err}
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return httpOutcome{err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cfg.bearer())

	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return httpOutcome{err: err}
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	if out != nil && resp.StatusCode/100 == 2 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return httpOutcome{status: resp.StatusCode, latency: latency, err: fmt.Errorf("decode: %w", err)}
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return httpOutcome{status: resp.StatusCode, latency: latency}
}

func expectStatus(o httpOutcome, want int) Result {
	if o.err != nil {
		return Result{Status: StatusFail, Latency: o.latency, Note: o.err.Error()}
	}
	if o.status != want {
		return Result{Status: StatusFail, Latency: o.latency, Note: fmt.Sprintf("status=%d want=%d", o.status, want)}
	}
	return Result{Status: StatusPass, Latency: o.latency, Note: fmt.Sprintf("status=%d", o.status)}
}
