package pipeline

import "errors"

// Sentinel errors for the failure kinds a run can hit. Worker goroutines
// wrap these with the failing stage and command; the first fault observed
// unwinds the whole pipeline.
var (
	ErrInputIO   = errors.New("input read failed")
	ErrSpawn     = errors.New("cannot launch child")
	ErrChildIO   = errors.New("child pipe failed")
	ErrChildExit = errors.New("child exited non-zero")
	ErrOutputIO  = errors.New("cannot write output")
	ErrCanceled  = errors.New("canceled by signal")
)
