package errors

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalid          = errors.New("invalid")
	ErrUnavailable      = errors.New("service unavailable")
	ErrQueueFull        = errors.New("queue full")
	ErrCircuitOpen      = errors.New("circuit breaker open")
	ErrPipelineDisabled = errors.New("pipeline disabled")
	ErrShedLowPriority  = errors.New("low priority task shed")
	ErrNotInitialized   = errors.New("not initialized")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCapacity reports whether err is a synchronous admission rejection rather
// than a processing failure.
func IsCapacity(err error) bool {
	return errors.Is(err, ErrQueueFull) || errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrShedLowPriority)
}
