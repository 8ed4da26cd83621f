// README: In-process scenarios; each case builds a fresh agent over memory stores.
package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"proptrack/internal/modules/location"
	"proptrack/internal/modules/presence"
	"proptrack/internal/modules/tracking"
	"proptrack/internal/modules/visit"
	"proptrack/internal/types"
)

var property = types.Point{Lat: -17.8, Lng: 31.05}

// fixPolicy accepts the device's latest report for an hour, so scenarios
// never wait on a fresh fix.
var fixPolicy = location.Options{Timeout: 2 * time.Second, MaxAge: time.Hour}

type fieldEnv struct {
	presence *presence.MemoryStore
	visits   *visit.MemoryStore
	session  *tracking.Session
}

func newFieldEnv(ctx context.Context, r *Runner, agentID types.ID, src location.Source, interval time.Duration) (*fieldEnv, error) {
	env := &fieldEnv{presence: presence.NewMemoryStore(), visits: visit.NewMemoryStore()}
	s, err := tracking.NewSession(ctx, tracking.Deps{
		Presence: env.presence,
		Visits:   env.visits,
		Source:   src,
		Logger:   r.logger,
	}, tracking.Options{
		AgentID:         agentID,
		Interval:        interval,
		TrackSample:     fixPolicy,
		ActionSample:    fixPolicy,
		GeofenceRadiusM: 100,
	})
	if err != nil {
		return nil, err
	}
	env.session = s
	return env, nil
}

func (e *fieldEnv) record(ctx context.Context) (*presence.Record, error) {
	return e.presence.Get(ctx, e.session.AgentID())
}

func (e *fieldEnv) awaitStatus(ctx context.Context, want presence.WorkStatus) error {
	return eventually(ctx, func() bool {
		rec, err := e.record(ctx)
		return err == nil && rec.WorkStatus == want
	}, fmt.Sprintf("presence never became %s", want))
}

func eventually(ctx context.Context, cond func() bool, msg string) error {
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			return errors.New(msg)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

func reportedAt(p types.Point) *location.ReportedSource {
	src := location.NewReportedSource()
	_ = src.Report(location.Coordinate{Latitude: p.Lat, Longitude: p.Lng, AccuracyMeters: 5, SampledAt: time.Now()})
	return src
}

func scenarioCases() []TestCase {
	return []TestCase{
		{Name: "visit lifecycle", Run: runVisitLifecycle},
		{Name: "double check-in rejected", Run: runDoubleCheckIn},
		{Name: "check-out without visit", Run: runCheckOutWithoutVisit},
		{Name: "permission denied blocks start", Run: runPermissionDenied},
		{Name: "missed sample keeps tracking", Run: runMissedSample},
		{Name: "geofence boundary", Run: runGeofence},
	}
}

func runVisitLifecycle(ctx context.Context, r *Runner) Result {
	env, err := newFieldEnv(ctx, r, "agent-lifecycle", reportedAt(property), time.Hour)
	if err != nil {
		return fail("session: %v", err)
	}
	defer env.session.Close(ctx)
	s := env.session

	if err := s.StartTracking(ctx, presence.WorkAvailable); err != nil {
		return fail("start: %v", err)
	}
	rec, err := env.record(ctx)
	if err != nil || rec.WorkStatus != presence.WorkAvailable || rec.Location == nil {
		return fail("after start record=%+v err=%v", rec, err)
	}

	v, err := s.CheckIn(ctx, "prop-1", visit.TypeInspection)
	if err != nil {
		return fail("check-in: %v", err)
	}
	if v.Status != visit.StatusActive {
		return fail("check-in status %s", v.Status)
	}
	if err := env.awaitStatus(ctx, presence.WorkBusy); err != nil {
		return fail("%v", err)
	}
	if err := eventually(ctx, func() bool {
		st := s.State()
		return st.ActiveVisit != nil && st.ActiveVisit.ID == v.ID
	}, "active visit never surfaced in session state"); err != nil {
		return fail("%v", err)
	}

	notes := "fixed leak"
	done, err := s.CheckOut(ctx, &notes, nil)
	if err != nil {
		return fail("check-out: %v", err)
	}
	if done.Status != visit.StatusCompleted || done.CheckOutTime == nil || done.Notes == nil || *done.Notes != notes {
		return fail("check-out visit %+v", done)
	}
	if err := env.awaitStatus(ctx, presence.WorkAvailable); err != nil {
		return fail("%v", err)
	}
	if err := eventually(ctx, func() bool { return s.State().ActiveVisit == nil }, "active visit not cleared"); err != nil {
		return fail("%v", err)
	}

	if err := s.StopTracking(ctx); err != nil {
		return fail("stop: %v", err)
	}
	rec, err = env.record(ctx)
	if err != nil || rec.WorkStatus != presence.WorkOffline || rec.Location == nil {
		return fail("after stop record=%+v err=%v", rec, err)
	}
	return pass(fmt.Sprintf("visit %s completed", done.ID))
}

func runDoubleCheckIn(ctx context.Context, r *Runner) Result {
	env, err := newFieldEnv(ctx, r, "agent-double", reportedAt(property), time.Hour)
	if err != nil {
		return fail("session: %v", err)
	}
	defer env.session.Close(ctx)

	first, err := env.session.CheckIn(ctx, "prop-1", visit.TypeShowing)
	if err != nil {
		return fail("first check-in: %v", err)
	}
	if _, err := env.session.CheckIn(ctx, "prop-2", visit.TypeShowing); !errors.Is(err, visit.ErrVisitAlreadyActive) {
		return fail("second check-in err=%v", err)
	}
	active, err := env.visits.FindActive(ctx, "agent-double")
	if err != nil || active == nil || active.ID != first.ID {
		return fail("active visit changed: %+v err=%v", active, err)
	}
	return pass("")
}

func runCheckOutWithoutVisit(ctx context.Context, r *Runner) Result {
	env, err := newFieldEnv(ctx, r, "agent-idle", reportedAt(property), time.Hour)
	if err != nil {
		return fail("session: %v", err)
	}
	defer env.session.Close(ctx)

	if _, err := env.session.CheckOut(ctx, nil, nil); !errors.Is(err, visit.ErrNoActiveVisit) {
		return fail("check-out err=%v", err)
	}
	return pass("")
}

func runPermissionDenied(ctx context.Context, r *Runner) Result {
	src := location.NewReportedSource()
	if err := src.ReportFailure(location.ErrPermissionDenied); err != nil {
		return fail("report failure: %v", err)
	}
	env, err := newFieldEnv(ctx, r, "agent-denied", src, time.Hour)
	if err != nil {
		return fail("session: %v", err)
	}
	defer env.session.Close(ctx)

	if err := env.session.StartTracking(ctx, presence.WorkAvailable); !errors.Is(err, location.ErrPermissionDenied) {
		return fail("start err=%v", err)
	}
	st := env.session.State()
	if st.IsTracking || !errors.Is(st.TrackingError, location.ErrPermissionDenied) {
		return fail("state %+v", st)
	}
	if _, err := env.record(ctx); !errors.Is(err, presence.ErrNotFound) {
		return fail("presence written without a fix: %v", err)
	}
	return pass("")
}

// scriptedSource fails the sample numbers in failOn with ErrTimeout and
// records what was published before each call.
type scriptedSource struct {
	failOn map[int]bool
	before func(n int)

	mu    sync.Mutex
	calls int
}

func (s *scriptedSource) CurrentPosition(ctx context.Context, _ location.Options) (location.Coordinate, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if s.before != nil {
		s.before(n)
	}
	if s.failOn[n] {
		return location.Coordinate{}, location.ErrTimeout
	}
	return location.Coordinate{
		Latitude:  property.Lat + float64(n)*0.0001,
		Longitude: property.Lng,
		SampledAt: time.Now(),
	}, nil
}

func (s *scriptedSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type observation struct {
	seen    time.Time
	lastErr error
}

func runMissedSample(ctx context.Context, r *Runner) Result {
	var (
		mu  sync.Mutex
		obs = map[int]observation{}
		env *fieldEnv
	)
	src := &scriptedSource{failOn: map[int]bool{3: true}}
	src.before = func(n int) {
		mu.Lock()
		e := env
		mu.Unlock()
		if e == nil {
			return
		}
		o := observation{lastErr: e.session.State().TrackingError}
		if rec, err := e.record(ctx); err == nil {
			o.seen = rec.LastSeen
		}
		mu.Lock()
		obs[n] = o
		mu.Unlock()
	}

	built, err := newFieldEnv(ctx, r, "agent-missed", src, 40*time.Millisecond)
	if err != nil {
		return fail("session: %v", err)
	}
	mu.Lock()
	env = built
	mu.Unlock()
	defer env.session.Close(ctx)

	if err := env.session.StartTracking(ctx, presence.WorkAvailable); err != nil {
		return fail("start: %v", err)
	}
	if err := eventually(ctx, func() bool { return src.count() >= 5 }, "ticks stopped after the missed sample"); err != nil {
		return fail("%v", err)
	}
	if err := env.session.StopTracking(ctx); err != nil {
		return fail("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	// Before call n the store holds what sample n-1 published.
	if !obs[3].seen.After(obs[2].seen) {
		return fail("sample #2 did not advance last_seen")
	}
	if !obs[4].seen.Equal(obs[3].seen) {
		return fail("failed sample #3 moved last_seen")
	}
	if !errors.Is(obs[4].lastErr, location.ErrTimeout) {
		return fail("tracking error after #3 = %v, want timeout", obs[4].lastErr)
	}
	if !obs[5].seen.After(obs[4].seen) {
		return fail("sample #4 did not advance last_seen")
	}
	if obs[5].lastErr != nil {
		return fail("tracking error not cleared by #4: %v", obs[5].lastErr)
	}
	return pass(fmt.Sprintf("%d samples", src.count()))
}

func runGeofence(ctx context.Context, r *Runner) Result {
	env, err := newFieldEnv(ctx, r, "agent-fence", reportedAt(property), time.Hour)
	if err != nil {
		return fail("session: %v", err)
	}
	defer env.session.Close(ctx)
	s := env.session

	if !s.VerifyAtProperty(ctx, property, 0) {
		return fail("not within default radius of own position")
	}
	// 0.01 deg latitude is roughly 1.1 km.
	away := types.Point{Lat: property.Lat + 0.01, Lng: property.Lng}
	if s.VerifyAtProperty(ctx, away, 100) {
		return fail("within 100 m of a point 1.1 km away")
	}
	if !s.VerifyAtProperty(ctx, away, 2000) {
		return fail("not within 2 km of a point 1.1 km away")
	}
	res, err := s.CheckAtProperty(ctx, away, 100)
	if err != nil {
		return fail("check: %v", err)
	}
	return pass(fmt.Sprintf("%.0f m from target", res.DistanceMeters))
}
