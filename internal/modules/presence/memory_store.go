// README: In-memory presence store with live watch support.
package presence

import (
	"context"
	"sort"
	"sync"

	"proptrack/internal/livefeed"
	"proptrack/internal/types"
)

type MemoryStore struct {
	mu      sync.RWMutex
	records map[types.ID]Record
	feed    *livefeed.Feed[[]Record]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[types.ID]Record),
		feed:    livefeed.New[[]Record](),
	}
}

func (s *MemoryStore) Upsert(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Location == nil {
		if prev, ok := s.records[r.AgentID]; ok {
			r.Location = prev.Location
		}
	} else {
		loc := *r.Location
		r.Location = &loc
	}
	s.records[r.AgentID] = r
	s.feed.Publish(s.snapshotLocked())
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, agentID types.ID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) Watch(ctx context.Context, fn func([]Record)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.feed.Subscribe(ctx, s.snapshotLocked(), fn)
	return nil
}

func (s *MemoryStore) snapshotLocked() []Record {
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
