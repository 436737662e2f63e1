package store

import "errors"

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a session ID is already taken.
	ErrConflict = errors.New("store: conflict")
	// ErrActiveSession is returned when the owner already has an unexpired
	// active session.
	ErrActiveSession = errors.New("store: owner has an active session")
)
