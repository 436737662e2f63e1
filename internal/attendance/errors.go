package attendance

import "errors"

var (
	ErrNotFound            = errors.New("attendance: session not found")
	ErrNotOwner            = errors.New("attendance: caller does not own the session")
	ErrActiveSessionExists = errors.New("attendance: owner already has an active session")
	ErrInvalidInput        = errors.New("attendance: invalid input")
)
