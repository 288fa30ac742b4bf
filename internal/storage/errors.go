package storage

import "errors"

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a unique key (token, enrollment code, message id) is already taken.
var ErrConflict = errors.New("conflict")
