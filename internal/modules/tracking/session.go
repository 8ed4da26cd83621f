// README: Per-agent tracking session: composes publisher, ledger, geofence and fleet view behind one entry point.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proptrack/internal/livefeed"
	"proptrack/internal/modules/location"
	"proptrack/internal/modules/presence"
	"proptrack/internal/modules/visit"
	"proptrack/internal/types"
)

var (
	ErrSessionClosed = errors.New("tracking session closed")
	// ErrNoDeviceFeed is returned by ReportPosition and ReportFailure when
	// the session's source is not fed by the device.
	ErrNoDeviceFeed = errors.New("position source does not accept device reports")
	ErrMissingDeps  = errors.New("tracking session: missing dependency")
)

// Deps are the collaborators a session is built from.
type Deps struct {
	Presence presence.Store
	Visits   visit.Store
	Source   location.Source
	// Aggregator is optional; without one the session runs a private view
	// of the presence store.
	Aggregator *presence.Aggregator
	History    presence.History
	Events     visit.EventSink
	Logger     *slog.Logger
}

type Options struct {
	AgentID       types.ID
	AutoStart     bool
	InitialStatus presence.WorkStatus
	Interval      time.Duration
	// TrackSample is the policy for periodic presence samples.
	TrackSample location.Options
	// ActionSample is the policy for check-in, check-out and verification.
	ActionSample    location.Options
	GeofenceRadiusM float64
}

// State is the reactive view of one agent's session.
type State struct {
	CurrentLocation *location.Coordinate
	TrackingError   error
	IsTracking      bool
	ActiveVisit     *visit.Visit
	WorkStatus      presence.WorkStatus
	LastSeen        time.Time
}

type Session struct {
	agentID   types.ID
	opts      Options
	source    location.Source
	publisher *presence.Publisher
	ledger    *visit.Ledger
	verifier  *location.GeofenceVerifier
	logger    *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	unsubAgg func()

	mu     sync.Mutex
	state  State
	feed   *livefeed.Feed[State]
	closed bool
}

// NewSession wires a session for one agent and subscribes it to the fleet
// view and the agent's active visit. Subscriptions outlive ctx and end on
// Close. An auto-start failure does not fail construction; it shows up in
// State().TrackingError.
func NewSession(ctx context.Context, deps Deps, opts Options) (*Session, error) {
	if opts.AgentID == "" || deps.Presence == nil || deps.Visits == nil || deps.Source == nil {
		return nil, ErrMissingDeps
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tracking_session", "agent_id", string(opts.AgentID))
	if opts.InitialStatus == "" {
		opts.InitialStatus = presence.WorkAvailable
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		agentID: opts.AgentID,
		opts:    opts,
		source:  deps.Source,
		logger:  logger,
		ctx:     subCtx,
		cancel:  cancel,
		feed:    livefeed.New[State](),
		state:   State{WorkStatus: presence.WorkOffline},
	}
	s.publisher = presence.NewPublisher(opts.AgentID, deps.Source, deps.Presence, presence.PublisherOptions{
		Interval: opts.Interval,
		Sample:   opts.TrackSample,
		History:  deps.History,
		Logger:   deps.Logger,
		OnChange: s.onPublisher,
	})
	s.ledger = visit.NewLedger(deps.Visits, deps.Source, visit.LedgerOptions{
		Sample:   opts.ActionSample,
		Presence: s.publisher,
		Events:   deps.Events,
		Logger:   deps.Logger,
	})
	s.verifier = location.NewGeofenceVerifier(deps.Source, opts.ActionSample, deps.Logger)

	agg := deps.Aggregator
	if agg == nil {
		agg = presence.NewAggregator(deps.Presence)
		if err := agg.Run(subCtx); err != nil {
			cancel()
			return nil, fmt.Errorf("fleet view: %w", err)
		}
	}
	s.unsubAgg = agg.Subscribe(s.onFleet)
	if r, ok := agg.Get(opts.AgentID); ok {
		s.onFleet([]presence.Record{r})
	}

	if err := s.ledger.WatchActive(subCtx, opts.AgentID, s.onActiveVisit); err != nil {
		s.unsubAgg()
		cancel()
		return nil, err
	}

	if opts.AutoStart {
		if err := s.publisher.Start(ctx, opts.InitialStatus); err != nil {
			logger.Warn("auto-start failed", "error", err)
		}
	}
	return s, nil
}

func (s *Session) AgentID() types.ID { return s.agentID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe delivers the current state and every later change until cancel
// is called or the session closes. A slow subscriber only sees the newest state.
func (s *Session) Subscribe(fn func(State)) (cancel func()) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.feed.Subscribe(ctx, s.state, fn)
	s.mu.Unlock()
	return cancel
}

func (s *Session) StartTracking(ctx context.Context, status presence.WorkStatus) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.publisher.Start(ctx, status)
}

func (s *Session) StopTracking(ctx context.Context) error {
	return s.publisher.Stop(ctx)
}

// SetWorkStatus changes availability without touching the visit lifecycle.
func (s *Session) SetWorkStatus(ctx context.Context, status presence.WorkStatus) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.publisher.SetWorkStatus(ctx, status)
}

func (s *Session) CheckIn(ctx context.Context, propertyID types.ID, visitType visit.Type) (*visit.Visit, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	v, err := s.ledger.CheckIn(ctx, s.agentID, propertyID, visitType)
	if err != nil {
		return nil, err
	}
	s.update(func(st *State) { st.ActiveVisit = v })
	return v, nil
}

// CheckOut completes the agent's active visit. The store is asked when the
// session has not observed one yet.
func (s *Session) CheckOut(ctx context.Context, notes *string, photos []string) (*visit.Visit, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	active := s.State().ActiveVisit
	if active == nil {
		var err error
		active, err = s.ledger.ActiveVisit(ctx, s.agentID)
		if err != nil {
			return nil, err
		}
		if active == nil {
			return nil, visit.ErrNoActiveVisit
		}
	}
	v, err := s.ledger.CheckOut(ctx, active, visit.CheckOutInput{Notes: notes, Photos: photos})
	if err != nil {
		return nil, err
	}
	s.update(func(st *State) {
		if st.ActiveVisit != nil && st.ActiveVisit.ID == v.ID {
			st.ActiveVisit = nil
		}
	})
	return v, nil
}

// VerifyAtProperty fails closed: any position failure answers false.
func (s *Session) VerifyAtProperty(ctx context.Context, target types.Point, radiusMeters float64) bool {
	return s.verifier.IsWithinRadius(ctx, target, s.radius(radiusMeters))
}

// CheckAtProperty is VerifyAtProperty with the evidence and the position error.
func (s *Session) CheckAtProperty(ctx context.Context, target types.Point, radiusMeters float64) (location.GeofenceResult, error) {
	return s.verifier.Check(ctx, target, s.radius(radiusMeters))
}

func (s *Session) ReportPosition(c location.Coordinate) error {
	rs, ok := s.source.(*location.ReportedSource)
	if !ok {
		return ErrNoDeviceFeed
	}
	return rs.Report(c)
}

func (s *Session) ReportFailure(err error) error {
	rs, ok := s.source.(*location.ReportedSource)
	if !ok {
		return ErrNoDeviceFeed
	}
	return rs.ReportFailure(err)
}

// Close stops tracking and ends every subscription. It is safe to call more
// than once; only the first call writes the offline record.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.publisher.Stop(ctx)
	s.unsubAgg()
	s.cancel()
	s.logger.Info("session closed")
	return err
}

func (s *Session) radius(r float64) float64 {
	if r > 0 {
		return r
	}
	return s.opts.GeofenceRadiusM
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) onPublisher(st presence.PublisherStatus) {
	s.update(func(state *State) {
		state.IsTracking = st.Tracking
		state.TrackingError = st.LastError
		state.WorkStatus = st.WorkStatus
		state.LastSeen = st.LastSeen
	})
}

func (s *Session) onFleet(recs []presence.Record) {
	for _, r := range recs {
		if r.AgentID != s.agentID {
			continue
		}
		if r.Location == nil {
			return
		}
		loc := *r.Location
		s.update(func(st *State) { st.CurrentLocation = &loc })
		return
	}
}

func (s *Session) onActiveVisit(v *visit.Visit) {
	s.update(func(st *State) { st.ActiveVisit = v })
}

func (s *Session) update(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	s.feed.Publish(s.state)
}
