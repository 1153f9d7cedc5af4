package session

import "errors"

// ErrValidation marks malformed input surfaced synchronously to the caller.
var ErrValidation = errors.New("validation error")

// ErrNotFound marks a session lookup that found nothing.
var ErrNotFound = errors.New("not found")
