package es

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrConcurrencyConflict indicates the expected version did not match the
	// stream on append. Callers recover by reloading the aggregate and retrying.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrStoreUnavailable indicates a storage query or append could not complete.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrFeedFatal indicates the live change feed failed or ended.
	// The feed subscription cannot be resumed; the process must re-subscribe
	// from persisted watermarks.
	ErrFeedFatal = errors.New("change feed fatal")
)

// ConsumerApplyError reports that one consumer failed to apply one event.
// Delivery to other consumers is unaffected.
type ConsumerApplyError struct {
	Err      error
	Consumer string
	EventID  uuid.UUID
	Position Position
}

func (e *ConsumerApplyError) Error() string {
	return fmt.Sprintf("consumer %q failed to apply event %s at position %s: %v",
		e.Consumer, e.EventID, e.Position, e.Err)
}

func (e *ConsumerApplyError) Unwrap() error {
	return e.Err
}

// Unavailable wraps a storage error so that errors.Is(err, ErrStoreUnavailable) holds.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrStoreUnavailable, op, err)
}

// FeedFatal wraps a feed error so that errors.Is(err, ErrFeedFatal) holds.
func FeedFatal(err error) error {
	if errors.Is(err, ErrFeedFatal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFeedFatal, err)
}
