package core

import "errors"

// Errors shared by the store, the aggregator and their callers.
var (
	// ErrUnauthenticated is returned when an operation needs a session and
	// none is present.
	ErrUnauthenticated = errors.New("user not authenticated")

	// ErrConnectivity marks transient backend failures. Callers decide
	// whether to retry.
	ErrConnectivity = errors.New("backend unavailable")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("expense not found")

	// ErrForbidden is returned when the session user does not own the
	// referenced record or user scope.
	ErrForbidden = errors.New("operation not permitted for current user")
)

var (
	// ErrUserExists is returned when registering a username already taken.
	ErrUserExists = errors.New("user already exists")

	// ErrUserNotFound is returned when no user has the requested username.
	ErrUserNotFound = errors.New("user not found")
)
