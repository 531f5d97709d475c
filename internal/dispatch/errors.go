package dispatch

import "errors"

var (
	ErrStopped   = errors.New("dispatcher stopped")
	ErrStopping  = errors.New("dispatcher stopping")
	ErrQueueFull = errors.New("dispatch queue full")

	// ErrAccountHalted means the account tripped its circuit breaker; its
	// jobs are skipped without invoking the driver until an external reset.
	ErrAccountHalted = errors.New("account halted")
	// ErrRateLimited means running the job now would exceed the hourly cap
	// or the minimum inter-send cooldown.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrUnknownAccount means the job references an alias outside the registry.
	ErrUnknownAccount = errors.New("unknown account")
)
