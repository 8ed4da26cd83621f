// README: Presence aggregator: read-side projection of the whole fleet for monitoring views.
package presence

import (
	"context"
	"sort"
	"sync"

	"proptrack/internal/modules/location"
	"proptrack/internal/types"
)

// NearbyAgent is an aggregator hit for a point query.
type NearbyAgent struct {
	Record
	DistanceMeters float64 `json:"distance_m"`
}

// Aggregator keeps the latest snapshot of every presence record. It never
// writes to the store.
type Aggregator struct {
	store Store

	mu      sync.RWMutex
	records map[types.ID]Record
	subs    map[int]func([]Record)
	nextSub int
}

func NewAggregator(store Store) *Aggregator {
	return &Aggregator{
		store:   store,
		records: make(map[types.ID]Record),
		subs:    make(map[int]func([]Record)),
	}
}

// Run subscribes to the full collection until ctx is done. It returns once
// the subscription is live; an empty fleet is a valid snapshot.
func (a *Aggregator) Run(ctx context.Context) error {
	return a.store.Watch(ctx, a.apply)
}

func (a *Aggregator) apply(recs []Record) {
	next := make(map[types.ID]Record, len(recs))
	for _, r := range recs {
		next[r.AgentID] = r
	}

	a.mu.Lock()
	a.records = next
	subs := make([]func([]Record), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	snap := a.snapshotLocked()
	a.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// Snapshot returns every known record sorted by agent id.
func (a *Aggregator) Snapshot() []Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked()
}

func (a *Aggregator) Get(agentID types.ID) (Record, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.records[agentID]
	return r, ok
}

// Subscribe calls fn after every change with the full sorted snapshot.
func (a *Aggregator) Subscribe(fn func([]Record)) (cancel func()) {
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, id)
			a.mu.Unlock()
		})
	}
}

// Nearby lists agents within radiusMeters of p, closest first. Offline agents
// and records without a location are skipped.
func (a *Aggregator) Nearby(p types.Point, radiusMeters float64) []NearbyAgent {
	a.mu.RLock()
	out := make([]NearbyAgent, 0)
	for _, r := range a.records {
		if r.WorkStatus == WorkOffline || r.Location == nil {
			continue
		}
		d := location.DistanceMeters(p, r.Location.Point())
		if d <= radiusMeters {
			out = append(out, NearbyAgent{Record: r, DistanceMeters: d})
		}
	}
	a.mu.RUnlock()

	location.SortByDistance(out, func(n NearbyAgent) float64 { return n.DistanceMeters })
	return out
}

func (a *Aggregator) snapshotLocked() []Record {
	out := make([]Record, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
