// README: Presence store contract; Firestore in production, memory for dev and tests.
package presence

import (
	"context"
	"errors"

	"proptrack/internal/types"
)

var ErrNotFound = errors.New("presence record not found")

type Store interface {
	// Upsert writes the record keyed by AgentID. A nil Location leaves any
	// stored location untouched.
	Upsert(ctx context.Context, r Record) error
	Get(ctx context.Context, agentID types.ID) (*Record, error)
	// Watch calls fn with the full collection on subscription and after every
	// change until ctx is done. It returns once the subscription is live.
	Watch(ctx context.Context, fn func([]Record)) error
}
