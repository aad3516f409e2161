package engine

import "errors"

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
	ErrStale       = errors.New("task dropped: waited too long in queue")
)

// IsRejected reports whether err means the task was never run because the
// engine refused it at enqueue time.
func IsRejected(err error) bool {
	return errors.Is(err, ErrQueueFull) || errors.Is(err, ErrOverlapSkip) ||
		errors.Is(err, ErrDisabled) || errors.Is(err, ErrStopped) || errors.Is(err, ErrStopping)
}
