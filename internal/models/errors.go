package models

import (
	"errors"
	"fmt"
)

// ErrNotFound reports a rehydration by id that found no row, or an empty
// required membership list (an entity that never finished being created).
var ErrNotFound = errors.New("not found")

// ErrStorageUnavailable reports a transient failure of the underlying store.
// It is propagated, never retried internally.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrAlreadyClaimed reports that another caller won the admission-control
// race for a Run; the losing caller must not dispatch it.
var ErrAlreadyClaimed = errors.New("run already claimed")

// ValidationError reports a malformed identity or variation tuple, naming
// the offending slot. It is fatal to the construction call that raised it.
type ValidationError struct {
	Slot   Slot
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("slot %s: %s", e.Slot, e.Reason)
}

// RunErrorType categorizes per-Run failures for the execution report.
type RunErrorType string

const (
	// Build phase (per replicate group)
	ErrBuildFailed RunErrorType = "build_failed"

	// Command construction phase
	ErrCommandConstruction RunErrorType = "command_construction_failed"

	// Process phase
	ErrProcessSpawn RunErrorType = "process_spawn_failed"
	ErrProcessExit  RunErrorType = "process_nonzero_exit"

	// Batch submission phase
	ErrBatchSubmit RunErrorType = "batch_submission_failed"

	// Catch-all
	ErrInternal RunErrorType = "internal_error"
)

// RunError is the per-Run failure record surfaced through the scheduler
// report. Failures local to one Run never propagate past the task boundary.
type RunError struct {
	Type    RunErrorType
	Message string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}
