// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the registry already tracks a different running task for the session.
var ErrConflict = errors.New("conflict: another task is already running")

// ErrValidation indicates invalid input.
var ErrValidation = errors.New("validation")

// ErrBusy indicates a dispatch was rejected because a task is already connecting or streaming.
var ErrBusy = errors.New("session busy: a task is already in flight")

// ErrInvalidTransition indicates an operation that the current session phase does not accept.
var ErrInvalidTransition = errors.New("invalid transition for current phase")
