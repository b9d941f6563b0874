package pipeline

import "errors"

// ErrNotFound is returned by stores when a run or session does not exist.
// Callers treat it as a soft failure, not a fault.
var ErrNotFound = errors.New("not found")

// ErrStaleState is returned when a transition's expected from-state no
// longer matches the persisted row.
var ErrStaleState = errors.New("run state changed since read")
