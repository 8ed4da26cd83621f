// README: In-memory visit store with per-agent live views of the active visit.
package visit

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"proptrack/internal/livefeed"
	"proptrack/internal/types"
)

type MemoryStore struct {
	mu     sync.RWMutex
	visits map[types.ID]*Visit
	feeds  map[types.ID]*livefeed.Feed[*Visit]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		visits: make(map[types.ID]*Visit),
		feeds:  make(map[types.ID]*livefeed.Feed[*Visit]),
	}
}

func (s *MemoryStore) Create(ctx context.Context, v *Visit) (types.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := v.clone()
	c.ID = types.ID(uuid.NewString())
	s.visits[c.ID] = c
	s.publishLocked(c.AgentID)
	return c.ID, nil
}

func (s *MemoryStore) Update(ctx context.Context, v *Visit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.visits[v.ID]
	if !ok {
		return ErrNotFound
	}
	next := cur.clone()
	next.CheckOutLocation = v.CheckOutLocation
	next.CheckOutTime = v.CheckOutTime
	next.Notes = v.Notes
	next.Photos = v.Photos
	next.Status = v.Status
	s.visits[v.ID] = next.clone()
	s.publishLocked(cur.AgentID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id types.ID) (*Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.visits[id]
	if !ok {
		return nil, ErrNotFound
	}
	return v.clone(), nil
}

func (s *MemoryStore) FindActive(ctx context.Context, agentID types.ID) (*Visit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeLocked(agentID).clone(), nil
}

func (s *MemoryStore) WatchActive(ctx context.Context, agentID types.ID, fn func(*Visit)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedLocked(agentID).Subscribe(ctx, s.activeLocked(agentID).clone(), fn)
	return nil
}

// activeLocked returns the newest active visit for the agent.
func (s *MemoryStore) activeLocked(agentID types.ID) *Visit {
	var found *Visit
	for _, v := range s.visits {
		if v.AgentID != agentID || v.Status != StatusActive {
			continue
		}
		if found == nil || v.CheckInTime.After(found.CheckInTime) {
			found = v
		}
	}
	return found
}

func (s *MemoryStore) feedLocked(agentID types.ID) *livefeed.Feed[*Visit] {
	f, ok := s.feeds[agentID]
	if !ok {
		f = livefeed.New[*Visit]()
		s.feeds[agentID] = f
	}
	return f
}

func (s *MemoryStore) publishLocked(agentID types.ID) {
	if f, ok := s.feeds[agentID]; ok {
		f.Publish(s.activeLocked(agentID).clone())
	}
}
