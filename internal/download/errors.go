package download

import "errors"

var (
	// ErrAlreadyStarted is returned by Start on a download that is
	// already in flight.
	ErrAlreadyStarted = errors.New("download already started")

	// ErrFinished is returned by Start on a download that has reached a
	// terminal state. Finished downloads cannot be restarted; use
	// Duplicate to retry the same request under a new identity.
	ErrFinished = errors.New("download already finished")

	ErrEmptyStackID = errors.New("stack id must not be empty")
	ErrEmptyStack   = errors.New("stack must contain at least one download")

	// ErrStackActive is returned by PerformStack when the given stack id
	// still has outstanding downloads.
	ErrStackActive = errors.New("stack id already has outstanding downloads")
)
