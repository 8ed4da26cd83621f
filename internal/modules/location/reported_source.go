// README: Position source fed by fixes the agent's device pushes to the service.
package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// maxClockSkew bounds how far ahead of the server a device's SampledAt may be.
const maxClockSkew = time.Minute

// ReportedSource turns device-pushed fixes into the Source contract. The
// device reports either a fix or a failure (permission denied / unavailable);
// CurrentPosition serves a fresh-enough cached fix or waits for the next report.
type ReportedSource struct {
	mu         sync.Mutex
	last       *Coordinate
	receivedAt time.Time
	seq        uint64
	failure    error
	// changed is closed and replaced on every report so waiters wake up.
	changed chan struct{}
	now     func() time.Time
}

func NewReportedSource() *ReportedSource {
	return &ReportedSource{
		changed: make(chan struct{}),
		now:     time.Now,
	}
}

// Report records a fix from the device. A zero SampledAt is stamped with the
// receive time; one further ahead than maxClockSkew is rejected. Fixes older
// than the cached one are ignored.
func (s *ReportedSource) Report(c Coordinate) error {
	if !c.Valid() {
		return fmt.Errorf("%w: lat=%f lng=%f accuracy=%f", ErrInvalidCoordinate, c.Latitude, c.Longitude, c.AccuracyMeters)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if c.SampledAt.IsZero() {
		c.SampledAt = now
	}
	if c.SampledAt.After(now.Add(maxClockSkew)) {
		return fmt.Errorf("%w: sampled_at %s is ahead of server time", ErrInvalidCoordinate, c.SampledAt.Format(time.RFC3339))
	}
	if s.last != nil && c.SampledAt.Before(s.last.SampledAt) {
		return nil
	}
	s.last = &c
	s.receivedAt = now
	s.seq++
	s.failure = nil
	s.broadcastLocked()
	return nil
}

// ReportFailure records a device-side failure. It stays in effect until the
// next fix arrives.
func (s *ReportedSource) ReportFailure(err error) error {
	if !errors.Is(err, ErrPermissionDenied) && !errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("unsupported device failure: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.failure = err
	s.seq++
	s.broadcastLocked()
	return nil
}

// CurrentPosition implements Source.
func (s *ReportedSource) CurrentPosition(ctx context.Context, opts Options) (Coordinate, error) {
	timeout := opts.timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.mu.Lock()
	startSeq := s.seq
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.last != nil && (s.seq > startSeq || s.now().Sub(s.receivedAt) <= opts.MaxAge) && s.failure == nil {
			c := *s.last
			s.mu.Unlock()
			return c, nil
		}
		if s.failure != nil {
			err := s.failure
			s.mu.Unlock()
			return Coordinate{}, err
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Coordinate{}, fmt.Errorf("%w: no fix within %s", ErrTimeout, timeout)
		}
	}
}

// Last returns the most recent fix, if any, without waiting.
func (s *ReportedSource) Last() (Coordinate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Coordinate{}, false
	}
	return *s.last, true
}

func (s *ReportedSource) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
