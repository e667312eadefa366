// Package store provides run persistence: a sqlite-backed store for the
// daemon and an in-memory store for tests and ephemeral use. Both
// implement the validation.Store port.
package store

import "errors"

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = errors.New("run not found")
