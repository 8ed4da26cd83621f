// README: Presence publisher: samples position on a fixed interval and keeps the agent's record current.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proptrack/internal/modules/location"
	"proptrack/internal/types"
)

// DefaultInterval balances battery and network cost against staleness for a
// mobile field agent.
const DefaultInterval = 120 * time.Second

var (
	ErrInvalidWorkStatus = errors.New("invalid work status")
	// ErrStopped is returned by Start when Stop won the race against the
	// first sample.
	ErrStopped = errors.New("tracking stopped before the first sample completed")

	errStale = errors.New("stale sample")
)

// History receives every successfully published sample.
type History interface {
	AppendSnapshot(ctx context.Context, snap location.Snapshot) error
}

// Ticker is the subset of time.Ticker the publisher uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) Ticker { return timeTicker{t: time.NewTicker(d)} }

type PublisherOptions struct {
	Interval time.Duration
	Sample   location.Options
	History  History
	Logger   *slog.Logger
	// OnChange is called after every state change, outside the publisher's locks.
	OnChange func(PublisherStatus)
}

// PublisherStatus is a read-only view of the publisher.
type PublisherStatus struct {
	Tracking     bool
	WorkStatus   WorkStatus
	LastLocation *location.Coordinate
	LastSeen     time.Time
	LastError    error
}

type runState int

const (
	stateStopped runState = iota
	stateStarting
	stateTracking
)

// Publisher owns one agent's presence record. States: Stopped and Tracking,
// with a transient Starting while the first sample is in flight.
type Publisher struct {
	agentID types.ID
	source  location.Source
	store   Store
	opts    PublisherOptions
	logger  *slog.Logger

	mu         sync.Mutex
	state      runState
	gen        uint64
	workStatus WorkStatus
	// nextStatus is the availability the next Start publishes when the
	// caller does not name one.
	nextStatus WorkStatus
	last       *location.Coordinate
	lastSeen   time.Time
	lastErr    error
	ticker     Ticker
	cancel     context.CancelFunc

	// writeMu orders store writes so a late tick can never land after the
	// offline write.
	writeMu sync.Mutex

	now       func() time.Time
	newTicker func(time.Duration) Ticker
}

func NewPublisher(agentID types.ID, source location.Source, store Store, opts PublisherOptions) *Publisher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		agentID:    agentID,
		source:     source,
		store:      store,
		opts:       opts,
		logger:     logger.With("component", "presence_publisher", "agent_id", string(agentID)),
		workStatus: WorkOffline,
		nextStatus: WorkAvailable,
		now:        time.Now,
		newTicker:  newTimeTicker,
	}
}

// Start samples once and, on success, publishes the record and begins
// periodic sampling. An empty status uses the one remembered by
// SetWorkStatus, available by default. Calling Start while already tracking
// is a no-op.
func (p *Publisher) Start(ctx context.Context, status WorkStatus) error {
	if status != "" && (!status.IsValid() || status == WorkOffline) {
		return fmt.Errorf("%w: %q", ErrInvalidWorkStatus, status)
	}

	p.mu.Lock()
	if p.state != stateStopped {
		p.mu.Unlock()
		return nil
	}
	if status == "" {
		status = p.nextStatus
	}
	p.state = stateStarting
	p.gen++
	gen := p.gen
	p.workStatus = status
	p.nextStatus = status
	p.mu.Unlock()

	c, err := p.source.CurrentPosition(ctx, p.opts.Sample)
	if err == nil {
		err = p.publish(ctx, gen, c)
	}
	if err != nil {
		if errors.Is(err, errStale) {
			return ErrStopped
		}
		p.mu.Lock()
		if p.gen == gen {
			p.state = stateStopped
			p.workStatus = WorkOffline
			p.lastErr = err
		}
		p.mu.Unlock()
		p.logger.Warn("tracking start failed", "error", err)
		p.notify()
		return err
	}

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return ErrStopped
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := p.newTicker(p.opts.Interval)
	p.state = stateTracking
	p.lastErr = nil
	p.ticker = t
	p.cancel = cancel
	p.mu.Unlock()

	go p.loop(loopCtx, gen, t)

	p.logger.Info("tracking started", "work_status", string(status), "interval", p.opts.Interval.String())
	p.notify()
	return nil
}

// Stop cancels the timer before returning and writes exactly one offline
// record using the cached location. Stopping a stopped publisher is a no-op.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state == stateStopped {
		p.mu.Unlock()
		return nil
	}
	p.state = stateStopped
	p.gen++
	if p.ticker != nil {
		p.ticker.Stop()
		p.ticker = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()

	err := p.writeOffline(ctx)
	if err != nil {
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		p.logger.Error("offline write failed", "error", err)
	} else {
		p.logger.Info("tracking stopped")
	}
	p.notify()
	return err
}

// SetWorkStatus changes the published availability. While tracking the
// change is written immediately; otherwise it is only remembered for the
// next Start and Status keeps reporting offline. Offline is reserved for Stop.
func (p *Publisher) SetWorkStatus(ctx context.Context, status WorkStatus) error {
	if !status.IsValid() || status == WorkOffline {
		return fmt.Errorf("%w: %q", ErrInvalidWorkStatus, status)
	}

	err := p.writeStatus(ctx, status)
	if err != nil {
		p.setError(err)
		return err
	}
	p.notify()
	return nil
}

func (p *Publisher) writeStatus(ctx context.Context, status WorkStatus) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	p.nextStatus = status
	switch p.state {
	case stateStopped:
		p.mu.Unlock()
		return nil
	case stateStarting:
		// The first sample's write carries it.
		p.workStatus = status
		p.mu.Unlock()
		return nil
	}
	p.workStatus = status
	seen := p.nextSeenLocked()
	rec := Record{AgentID: p.agentID, Location: p.last, WorkStatus: status, LastSeen: seen}
	p.mu.Unlock()

	if err := p.store.Upsert(ctx, rec); err != nil {
		return types.StoreError("upsert presence", err)
	}
	p.mu.Lock()
	p.lastSeen = seen
	p.mu.Unlock()
	return nil
}

// ReportError records an error in the caller-visible slot without changing state.
func (p *Publisher) ReportError(err error) {
	p.setError(err)
}

func (p *Publisher) Status() PublisherStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PublisherStatus{
		Tracking:   p.state == stateTracking,
		WorkStatus: p.workStatus,
		LastSeen:   p.lastSeen,
		LastError:  p.lastErr,
	}
	if p.last != nil {
		c := *p.last
		st.LastLocation = &c
	}
	return st
}

func (p *Publisher) loop(ctx context.Context, gen uint64, t Ticker) {
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			p.tick(ctx, gen)
		}
	}
}

// tick runs one sample. Samples are sequential: the loop does not read the
// ticker again until this returns.
func (p *Publisher) tick(ctx context.Context, gen uint64) {
	if !p.current(gen) {
		return
	}
	c, err := p.source.CurrentPosition(ctx, p.opts.Sample)
	if err != nil {
		if p.current(gen) {
			p.logger.Warn("periodic sample failed", "error", err)
			p.setError(err)
		}
		return
	}
	if err := p.publish(ctx, gen, c); err != nil {
		if !errors.Is(err, errStale) {
			p.logger.Warn("periodic publish failed", "error", err)
			p.setError(err)
		}
		return
	}
	p.mu.Lock()
	p.lastErr = nil
	p.mu.Unlock()
	p.notify()
}

// publish writes a fresh sample unless the generation moved on.
func (p *Publisher) publish(ctx context.Context, gen uint64, c location.Coordinate) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	if p.gen != gen || p.state == stateStopped {
		p.mu.Unlock()
		return errStale
	}
	p.last = &c
	seen := p.nextSeenLocked()
	status := p.workStatus
	p.mu.Unlock()

	loc := c
	if err := p.store.Upsert(ctx, Record{AgentID: p.agentID, Location: &loc, WorkStatus: status, LastSeen: seen}); err != nil {
		return types.StoreError("upsert presence", err)
	}

	p.mu.Lock()
	p.lastSeen = seen
	p.mu.Unlock()

	if p.opts.History != nil {
		snap := location.Snapshot{AgentID: p.agentID, Position: c, WorkStatus: string(status), RecordedAt: seen}
		if err := p.opts.History.AppendSnapshot(ctx, snap); err != nil {
			p.logger.Warn("location history append failed", "error", err)
		}
	}
	p.logger.Debug("presence published", "lat", c.Latitude, "lng", c.Longitude, "work_status", string(status))
	return nil
}

func (p *Publisher) writeOffline(ctx context.Context) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	p.workStatus = WorkOffline
	seen := p.nextSeenLocked()
	rec := Record{AgentID: p.agentID, Location: p.last, WorkStatus: WorkOffline, LastSeen: seen}
	p.mu.Unlock()

	if err := p.store.Upsert(ctx, rec); err != nil {
		return types.StoreError("upsert presence offline", err)
	}
	p.mu.Lock()
	p.lastSeen = seen
	p.mu.Unlock()
	return nil
}

// nextSeenLocked keeps lastSeen non-decreasing even if the clock steps back.
func (p *Publisher) nextSeenLocked() time.Time {
	now := p.now()
	if now.Before(p.lastSeen) {
		return p.lastSeen
	}
	return now
}

func (p *Publisher) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen == gen && p.state == stateTracking
}

func (p *Publisher) setError(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	p.notify()
}

func (p *Publisher) notify() {
	if p.opts.OnChange != nil {
		p.opts.OnChange(p.Status())
	}
}
