// README: Visit ledger: check-in/check-out lifecycle with the one-active-visit-per-agent guard.
package visit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proptrack/internal/modules/location"
	"proptrack/internal/modules/presence"
	"proptrack/internal/types"
)

var (
	ErrVisitAlreadyActive = errors.New("agent already has an active visit")
	ErrNoActiveVisit      = errors.New("visit is not active")
	ErrBadRequest         = errors.New("bad request")
)

// PresenceUpdater is the slice of the presence publisher the ledger drives.
type PresenceUpdater interface {
	SetWorkStatus(ctx context.Context, status presence.WorkStatus) error
	ReportError(err error)
}

// EventSink receives the notify intent for check-in and check-out.
type EventSink interface {
	Publish(ctx context.Context, e Event) error
}

type LedgerOptions struct {
	// Sample is the position policy for check-in and check-out.
	Sample   location.Options
	Presence PresenceUpdater
	Events   EventSink
	Logger   *slog.Logger
}

type CheckOutInput struct {
	Notes  *string
	Photos []string
}

type Ledger struct {
	store  Store
	source location.Source
	opts   LedgerOptions
	logger *slog.Logger

	// mu serializes check-in and check-out issued through this ledger.
	mu  sync.Mutex
	now func() time.Time
}

func NewLedger(store Store, source location.Source, opts LedgerOptions) *Ledger {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  store,
		source: source,
		opts:   opts,
		logger: logger.With("component", "visit_ledger"),
		now:    time.Now,
	}
}

func (l *Ledger) CheckIn(ctx context.Context, agentID, propertyID types.ID, visitType Type) (*Visit, error) {
	if agentID == "" || propertyID == "" {
		return nil, fmt.Errorf("%w: agent and property are required", ErrBadRequest)
	}
	if !visitType.IsValid() {
		return nil, fmt.Errorf("%w: unknown visit type %q", ErrBadRequest, visitType)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	active, err := l.store.FindActive(ctx, agentID)
	if err != nil {
		return nil, types.StoreError("find active visit", err)
	}
	if active != nil {
		return nil, fmt.Errorf("%w: %s", ErrVisitAlreadyActive, active.ID)
	}

	pos, err := l.source.CurrentPosition(ctx, l.opts.Sample)
	if err != nil {
		return nil, err
	}

	v := &Visit{
		AgentID:         agentID,
		PropertyID:      propertyID,
		CheckInLocation: pos,
		CheckInTime:     l.now(),
		VisitType:       visitType,
		Status:          StatusActive,
	}
	id, err := l.store.Create(ctx, v)
	if err != nil {
		return nil, types.StoreError("create visit", err)
	}
	v.ID = id

	logger := l.logger.With("agent_id", string(agentID), "visit_id", string(id))
	logger.Info("checked in", "property_id", string(propertyID), "visit_type", string(visitType))
	l.afterCommit(ctx, logger, presence.WorkBusy, Event{
		Kind:       EventCheckedIn,
		VisitID:    id,
		AgentID:    agentID,
		PropertyID: propertyID,
		VisitType:  visitType,
		At:         v.CheckInTime,
	})
	return v, nil
}

// CheckOut completes v. The stored visit is the source of truth: a visit that
// is no longer active is rejected without any write.
func (l *Ledger) CheckOut(ctx context.Context, v *Visit, in CheckOutInput) (*Visit, error) {
	if v == nil || v.ID == "" {
		return nil, fmt.Errorf("%w: visit is required", ErrBadRequest)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cur, err := l.store.Get(ctx, v.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, types.StoreError("get visit", err)
	}
	if !CanTransition(cur.Status, StatusCompleted) {
		return nil, fmt.Errorf("%w: %s is %s", ErrNoActiveVisit, cur.ID, cur.Status)
	}

	pos, err := l.source.CurrentPosition(ctx, l.opts.Sample)
	if err != nil {
		return nil, err
	}

	now := l.now()
	cur.CheckOutLocation = &pos
	cur.CheckOutTime = &now
	cur.Notes = in.Notes
	cur.Photos = in.Photos
	cur.Status = StatusCompleted
	if err := l.store.Update(ctx, cur); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, types.StoreError("update visit", err)
	}

	logger := l.logger.With("agent_id", string(cur.AgentID), "visit_id", string(cur.ID))
	logger.Info("checked out", "duration", now.Sub(cur.CheckInTime).String())
	l.afterCommit(ctx, logger, presence.WorkAvailable, Event{
		Kind:       EventCheckedOut,
		VisitID:    cur.ID,
		AgentID:    cur.AgentID,
		PropertyID: cur.PropertyID,
		VisitType:  cur.VisitType,
		At:         now,
	})
	return cur, nil
}

func (l *Ledger) ActiveVisit(ctx context.Context, agentID types.ID) (*Visit, error) {
	v, err := l.store.FindActive(ctx, agentID)
	if err != nil {
		return nil, types.StoreError("find active visit", err)
	}
	return v, nil
}

// WatchActive reports the agent's active visit (nil for none) on every change
// until ctx is done.
func (l *Ledger) WatchActive(ctx context.Context, agentID types.ID, fn func(*Visit)) error {
	if err := l.store.WatchActive(ctx, agentID, fn); err != nil {
		return types.StoreError("watch active visit", err)
	}
	return nil
}

// afterCommit runs the side effects of a committed visit write. Their
// failures are logged and never returned: the visit already exists and a
// caller retry would duplicate it.
func (l *Ledger) afterCommit(ctx context.Context, logger *slog.Logger, status presence.WorkStatus, e Event) {
	if l.opts.Presence != nil {
		if err := l.opts.Presence.SetWorkStatus(ctx, status); err != nil {
			logger.Warn("presence status update failed", "work_status", string(status), "error", err)
			l.opts.Presence.ReportError(err)
		}
	}
	if l.opts.Events != nil {
		if err := l.opts.Events.Publish(ctx, e); err != nil {
			logger.Warn("visit event publish failed", "kind", string(e.Kind), "error", err)
		}
	}
}
