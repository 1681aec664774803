// Package input defines the interface and implementations for event sources.
package input

import "errors"

// ErrUnusable reports that an input can produce no further data: for a
// file tailer, the path disappeared and the rotation grace window expired.
// The engine retires glob-discovered inputs on this error.
var ErrUnusable = errors.New("input no longer usable")

// Input is a pollable source of raw lines. Pull returns up to max lines
// with trailing newlines stripped; a nil slice with a nil error means no
// data is currently available. Pull must not block.
type Input interface {
	// Name returns a human-readable identifier for logging.
	Name() string

	// Pull returns up to max pending lines.
	Pull(max int) ([]string, error)

	// Close releases the input's resources.
	Close() error
}
