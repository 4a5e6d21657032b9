package errcode

const (
	ErrUnknown = 20000000 + iota
	ErrInvalid
	ErrNotFound
	ErrInternal
	ErrQueueFull
	ErrCircuitOpen
	ErrPipelineDisabled
	ErrShedLowPriority
	ErrModelUnavailable
	ErrStoreUnavailable
	ErrTooMany
)
