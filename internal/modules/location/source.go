// README: Position source contract and its failure taxonomy.
package location

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied: the device refused location access.
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrUnavailable: no signal or no location provider on the device.
	ErrUnavailable = errors.New("location unavailable")
	// ErrTimeout: no fix arrived before the deadline.
	ErrTimeout = errors.New("location request timed out")

	ErrInvalidCoordinate = errors.New("invalid coordinate")
)

const (
	defaultTimeout = 10 * time.Second
)

// Options mirror the device geolocation request parameters.
type Options struct {
	HighAccuracy bool
	// Timeout bounds the wait for a fix. Zero means defaultTimeout; the wait
	// is never unbounded.
	Timeout time.Duration
	// MaxAge is how old a cached fix may be and still be returned.
	MaxAge time.Duration
}

// DefaultOptions is the policy used for check-in, check-out and verification.
func DefaultOptions() Options {
	return Options{HighAccuracy: true, Timeout: defaultTimeout, MaxAge: 0}
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return defaultTimeout
	}
	return o.Timeout
}

// Source produces the current position of one device. Implementations return
// either a Coordinate or an error matching exactly one of ErrPermissionDenied,
// ErrUnavailable or ErrTimeout.
type Source interface {
	CurrentPosition(ctx context.Context, opts Options) (Coordinate, error)
}

// IsSourceError reports whether err belongs to the position failure taxonomy.
func IsSourceError(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}
