// README: Visit ledger unit tests with in-memory store, stub position source and presence fakes.
package visit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"proptrack/internal/logging"
	"proptrack/internal/modules/location"
	"proptrack/internal/modules/presence"
	"proptrack/internal/types"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type stubSource struct {
	mu  sync.Mutex
	c   location.Coordinate
	err error
}

func (s *stubSource) CurrentPosition(context.Context, location.Options) (location.Coordinate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c, s.err
}

func (s *stubSource) set(c location.Coordinate, err error) {
	s.mu.Lock()
	s.c, s.err = c, err
	s.mu.Unlock()
}

type fakePresence struct {
	mu       sync.Mutex
	statuses []presence.WorkStatus
	reported []error
	fail     error
}

func (p *fakePresence) SetWorkStatus(_ context.Context, ws presence.WorkStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.statuses = append(p.statuses, ws)
	return nil
}

func (p *fakePresence) ReportError(err error) {
	p.mu.Lock()
	p.reported = append(p.reported, err)
	p.mu.Unlock()
}

func (p *fakePresence) last() presence.WorkStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.statuses) == 0 {
		return ""
	}
	return p.statuses[len(p.statuses)-1]
}

type fakeSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *fakeSink) Publish(_ context.Context, e Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) kinds() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventKind, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

// brokenStore fails every call the way an unreachable backend would.
type brokenStore struct{ *MemoryStore }

var errBackend = errors.New("rpc error: code = Unavailable")

func (brokenStore) FindActive(context.Context, types.ID) (*Visit, error) { return nil, errBackend }

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var property = location.Coordinate{Latitude: -17.8, Longitude: 31.05, AccuracyMeters: 4}

type harness struct {
	ledger   *Ledger
	store    *MemoryStore
	source   *stubSource
	presence *fakePresence
	sink     *fakeSink
}

func newHarness() *harness {
	h := &harness{
		store:    NewMemoryStore(),
		source:   &stubSource{c: property},
		presence: &fakePresence{},
		sink:     &fakeSink{},
	}
	h.ledger = NewLedger(h.store, h.source, LedgerOptions{
		Sample:   location.DefaultOptions(),
		Presence: h.presence,
		Events:   h.sink,
		Logger:   logging.Discard(),
	})
	return h
}

func strPtr(s string) *string { return &s }

// ---------------------------------------------------------------------------
// Check-in
// ---------------------------------------------------------------------------

func TestCheckIn_CreatesActiveVisit(t *testing.T) {
	h := newHarness()
	v, err := h.ledger.CheckIn(context.Background(), "agent-1", "prop-1", TypeInspection)
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if v.ID == "" {
		t.Error("expected store-assigned id")
	}
	if v.Status != StatusActive || v.CheckOutTime != nil || v.CheckOutLocation != nil {
		t.Errorf("unexpected visit state: %+v", v)
	}
	if v.CheckInLocation.Latitude != property.Latitude {
		t.Errorf("check-in location = %+v", v.CheckInLocation)
	}
	if h.presence.last() != presence.WorkBusy {
		t.Errorf("presence = %q, want busy", h.presence.last())
	}
	if kinds := h.sink.kinds(); len(kinds) != 1 || kinds[0] != EventCheckedIn {
		t.Errorf("events = %v", kinds)
	}
}

func TestCheckIn_TwiceIsRejected(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	first, err := h.ledger.CheckIn(ctx, "agent-1", "prop-1", TypeInspection)
	if err != nil {
		t.Fatalf("first check-in: %v", err)
	}

	_, err = h.ledger.CheckIn(ctx, "agent-1", "prop-2", TypeShowing)
	if !errors.Is(err, ErrVisitAlreadyActive) {
		t.Fatalf("expected ErrVisitAlreadyActive, got %v", err)
	}

	stored, err := h.store.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusActive || stored.PropertyID != "prop-1" {
		t.Fatalf("first visit modified: %+v", stored)
	}
	if len(h.sink.kinds()) != 1 {
		t.Errorf("rejected check-in emitted an event")
	}
}

func TestCheckIn_OtherAgentsAreIndependent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	if _, err := h.ledger.CheckIn(ctx, "agent-1", "prop-1", TypeInspection); err != nil {
		t.Fatalf("agent-1: %v", err)
	}
	if _, err := h.ledger.CheckIn(ctx, "agent-2", "prop-1", TypeInspection); err != nil {
		t.Fatalf("agent-2: %v", err)
	}
}

func TestCheckIn_BadRequest(t *testing.T) {
	h := newHarness()
	cases := []struct {
		name     string
		agent    types.ID
		property types.ID
		vt       Type
	}{
		{"missing agent", "", "prop-1", TypeInspection},
		{"missing property", "agent-1", "", TypeInspection},
		{"unknown type", "agent-1", "prop-1", "audit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.ledger.CheckIn(context.Background(), tc.agent, tc.property, tc.vt)
			if !errors.Is(err, ErrBadRequest) {
				t.Fatalf("expected ErrBadRequest, got %v", err)
			}
		})
	}
}

func TestCheckIn_PositionFailurePropagates(t *testing.T) {
	h := newHarness()
	h.source.set(location.Coordinate{}, location.ErrPermissionDenied)

	_, err := h.ledger.CheckIn(context.Background(), "agent-1", "prop-1", TypeMaintenance)
	if !errors.Is(err, location.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	active, _ := h.store.FindActive(context.Background(), "agent-1")
	if active != nil {
		t.Fatalf("visit created without a position: %+v", active)
	}
	if h.presence.last() != "" {
		t.Error("presence touched on failed check-in")
	}
}

func TestCheckIn_PresenceFailureIsReportedNotReturned(t *testing.T) {
	h := newHarness()
	h.presence.fail = types.StoreError("upsert presence", errors.New("deadline exceeded"))

	v, err := h.ledger.CheckIn(context.Background(), "agent-1", "prop-1", TypeEmergency)
	if err != nil {
		t.Fatalf("check-in should succeed once the visit is committed, got %v", err)
	}
	if v == nil || v.Status != StatusActive {
		t.Fatalf("visit = %+v", v)
	}
	h.presence.mu.Lock()
	defer h.presence.mu.Unlock()
	if len(h.presence.reported) != 1 || !errors.Is(h.presence.reported[0], types.ErrStoreUnavailable) {
		t.Fatalf("reported = %v", h.presence.reported)
	}
}

func TestCheckIn_StoreFailure(t *testing.T) {
	store := brokenStore{NewMemoryStore()}
	ledger := NewLedger(store, &stubSource{c: property}, LedgerOptions{Logger: logging.Discard()})

	_, err := ledger.CheckIn(context.Background(), "agent-1", "prop-1", TypeInspection)
	if !errors.Is(err, types.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if !errors.Is(err, errBackend) {
		t.Fatalf("cause lost: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Check-out
// ---------------------------------------------------------------------------

func TestCheckOut_CompletesVisit(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	v, err := h.ledger.CheckIn(ctx, "agent-1", "prop-1", TypeInspection)
	if err != nil {
		t.Fatalf("check-in: %v", err)
	}

	out, err := h.ledger.CheckOut(ctx, v, CheckOutInput{Notes: strPtr("fixed leak"), Photos: []string{"photos/1.jpg"}})
	if err != nil {
		t.Fatalf("check-out: %v", err)
	}
	if out.Status != StatusCompleted || out.CheckOutTime == nil || out.CheckOutLocation == nil {
		t.Fatalf("unexpected visit state: %+v", out)
	}
	if out.Notes == nil || *out.Notes != "fixed leak" {
		t.Errorf("notes = %v", out.Notes)
	}

	stored, _ := h.store.Get(ctx, v.ID)
	if stored.Status != StatusCompleted || len(stored.Photos) != 1 {
		t.Errorf("stored = %+v", stored)
	}
	if h.presence.last() != presence.WorkAvailable {
		t.Errorf("presence = %q, want available", h.presence.last())
	}
	if kinds := h.sink.kinds(); len(kinds) != 2 || kinds[1] != EventCheckedOut {
		t.Errorf("events = %v", kinds)
	}

	// A fresh check-in is allowed once the previous visit is completed.
	if _, err := h.ledger.CheckIn(ctx, "agent-1", "prop-2", TypeShowing); err != nil {
		t.Fatalf("check-in after check-out: %v", err)
	}
}

func TestCheckOut_TwiceIsRejected(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	v, _ := h.ledger.CheckIn(ctx, "agent-1", "prop-1", TypeInspection)
	done, err := h.ledger.CheckOut(ctx, v, CheckOutInput{Notes: strPtr("first")})
	if err != nil {
		t.Fatalf("first check-out: %v", err)
	}

	// v is the caller's stale copy that still says active.
	_, err = h.ledger.CheckOut(ctx, v, CheckOutInput{Notes: strPtr("second")})
	if !errors.Is(err, ErrNoActiveVisit) {
		t.Fatalf("expected ErrNoActiveVisit, got %v", err)
	}
	stored, _ := h.store.Get(ctx, v.ID)
	if *stored.Notes != "first" || !stored.CheckOutTime.Equal(*done.CheckOutTime) {
		t.Fatalf("completed visit mutated: %+v", stored)
	}
	if len(h.sink.kinds()) != 2 {
		t.Errorf("rejected check-out emitted an event")
	}
}

func TestCheckOut_UnknownVisit(t *testing.T) {
	h := newHarness()
	_, err := h.ledger.CheckOut(context.Background(), &Visit{ID: "ghost"}, CheckOutInput{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, err = h.ledger.CheckOut(context.Background(), nil, CheckOutInput{})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for nil visit, got %v", err)
	}
}

func TestCheckOut_PositionFailureLeavesVisitActive(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	v, _ := h.ledger.CheckIn(ctx, "agent-1", "prop-1", TypeInspection)

	h.source.set(location.Coordinate{}, location.ErrTimeout)
	if _, err := h.ledger.CheckOut(ctx, v, CheckOutInput{}); !errors.Is(err, location.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	stored, _ := h.store.Get(ctx, v.ID)
	if stored.Status != StatusActive || stored.CheckOutTime != nil {
		t.Fatalf("visit changed on failed check-out: %+v", stored)
	}
}

// ---------------------------------------------------------------------------
// Active visit
// ---------------------------------------------------------------------------

func TestWatchActive_FollowsTransitions(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []*Visit
	err := h.ledger.WatchActive(ctx, "agent-1", func(v *Visit) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	latest := func() (*Visit, int) {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 {
			return nil, 0
		}
		return seen[len(seen)-1], len(seen)
	}
	waitFor(t, func() bool { _, n := latest(); return n >= 1 })

	v, _ := h.ledger.CheckIn(ctx, "agent-1", "prop-1", TypeInspection)
	waitFor(t, func() bool { cur, _ := latest(); return cur != nil && cur.ID == v.ID })

	if _, err := h.ledger.CheckOut(ctx, v, CheckOutInput{}); err != nil {
		t.Fatalf("check-out: %v", err)
	}
	waitFor(t, func() bool { cur, n := latest(); return n >= 2 && cur == nil })

	active, err := h.ledger.ActiveVisit(ctx, "agent-1")
	if err != nil || active != nil {
		t.Fatalf("active = %+v, %v", active, err)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusActive, StatusCompleted, true},
		{StatusCompleted, StatusActive, false},
		{StatusCompleted, StatusCompleted, false},
		{StatusActive, StatusActive, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
