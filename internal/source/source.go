// Package source adapts backends into lineup fetch functions and cache
// retrieve functions. The backend is a black box returning entity lists.
package source

import "errors"

var (
	// ErrUnknownLineup indicates the backend has no lineup by that name
	ErrUnknownLineup = errors.New("unknown lineup")

	// ErrServerOffline indicates the backend could not be reached
	ErrServerOffline = errors.New("backend unreachable")
)
