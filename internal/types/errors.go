// README: Store failure classification shared by every persistence adapter.
package types

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable marks any failure of the persistent store.
var ErrStoreUnavailable = errors.New("store unavailable")

// StoreError wraps err so that errors.Is(err, ErrStoreUnavailable) holds while
// the backend error stays reachable. Already-classified errors pass through.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
