package render

import (
	"github.com/cockroachdb/errors"
)

// Error kinds. Every error surfaced by this package is marked with exactly one
// of these so callers can tell unrecoverable setup failures apart from
// programmer errors without inspecting messages.
var (
	// ErrInitialization marks failures to create a required Vulkan object.
	// These are unrecoverable; the process is expected to exit.
	ErrInitialization = errors.New("vulkan object creation failed")

	// ErrFrame marks per-frame acquire/record/submit/present failures. This
	// minimal design treats them as fatal rather than recreating the swapchain.
	ErrFrame = errors.New("frame submission failed")

	// ErrOutOfRange marks a frame index outside [0, FramesInFlight).
	ErrOutOfRange = errors.New("frame index out of range")

	// ErrState marks use of a handle that was never initialized or was
	// already torn down.
	ErrState = errors.New("handle not initialized")
)

func initFailure(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrInitialization)
}

func initFailuref(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrInitialization)
}

func frameFailure(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrFrame)
}

func rangeError(what string, index, limit int) error {
	return errors.Mark(errors.Newf("%s: frame index %d outside [0, %d)", what, index, limit), ErrOutOfRange)
}

func stateError(what string) error {
	return errors.Mark(errors.Newf("%s: not initialized", what), ErrState)
}
