package domain

import "errors"

// Sentinel errors for lineup, queue and cache operations
var (
	// ErrFetch wraps a failure of a lineup's fetch function
	ErrFetch = errors.New("lineup fetch failed")

	// ErrFetchInFlight indicates a fetch-more was requested while another fetch is loading
	ErrFetchInFlight = errors.New("lineup fetch already in flight")

	// ErrStaleResponse indicates a fetch resolved after a reset or newer fetch superseded it
	ErrStaleResponse = errors.New("stale lineup response discarded")

	// ErrInvariantViolation indicates order/position bookkeeping desynchronized
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrNotFound indicates the requested entity is not present in the cache
	ErrNotFound = errors.New("entity not found")

	// ErrEmptyQueue indicates a queue operation needs at least one entry
	ErrEmptyQueue = errors.New("queue is empty")
)
