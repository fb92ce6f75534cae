package reconcile

import (
	"errors"
	"fmt"

	"zalachat/sync/internal/timeline"
)

// Re-exported store signals so callers only deal with this package.
var (
	ErrDuplicateMessage = timeline.ErrDuplicateMessage
	ErrNotFound         = timeline.ErrNotFound
)

var (
	// ErrStaleConversation marks an event addressed to a conversation
	// other than the engine's. Dropped by the active-timeline filter.
	ErrStaleConversation = errors.New("event for inactive conversation")

	// ErrConversationClosed marks an operation on an engine whose
	// conversation was left or dissolved.
	ErrConversationClosed = errors.New("conversation closed")
)

// TransientError wraps a network-path failure (send, hydrate, upload).
// Local state is preserved; the caller is expected to surface a retry
// affordance.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable network failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
