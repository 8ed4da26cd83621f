// README: Visit store contract; Firestore in production, memory for dev and tests.
package visit

import (
	"context"
	"errors"

	"proptrack/internal/types"
)

var ErrNotFound = errors.New("visit not found")

type Store interface {
	// Create persists v and returns the store-assigned id.
	Create(ctx context.Context, v *Visit) (types.ID, error)
	// Update overwrites the check-out fields and status of an existing visit.
	Update(ctx context.Context, v *Visit) error
	Get(ctx context.Context, id types.ID) (*Visit, error)
	// FindActive returns the agent's active visit, or nil when there is none.
	FindActive(ctx context.Context, agentID types.ID) (*Visit, error)
	// WatchActive calls fn with the agent's active visit (nil for none) on
	// subscription and after every change until ctx is done.
	WatchActive(ctx context.Context, agentID types.ID, fn func(*Visit)) error
}
