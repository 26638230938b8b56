package models

import "errors"

var (
	// ErrInvalidTransition is an illegal state change; nothing was mutated.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConflict means a precondition failed at commit time; the caller must refresh.
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when the actor does not own the resource or lacks the role.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTransientStore is an infrastructure failure; the whole operation is safe to retry.
	ErrTransientStore = errors.New("transient store error")
	// ErrStreamGap signals possibly missed change events and forces a resync.
	ErrStreamGap    = errors.New("stream gap")
	ErrInvalidInput = errors.New("invalid input")
)
