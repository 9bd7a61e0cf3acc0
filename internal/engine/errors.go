package engine

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// PanicError is a panic recovered at the per-device boundary. A bug in one
// device's reconciliation fails that device's cycle and nothing else.
type PanicError struct {
	// Device is the switch whose work panicked.
	Device string

	// Stage is the step that panicked ("bring-up", "reconcile", "counters").
	Stage string

	// Value is the recovered panic value.
	Value any

	// Stack is the goroutine stack at the point of recovery.
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic during %s (device=%s): %v", e.Stage, e.Device, e.Value)
}

// IsPanic reports whether err is a recovered panic.
// Uses errors.As to handle wrapped errors.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}

// recoverDevice converts a panic in device work into a PanicError stored in
// *errp. Call it deferred:
//
//	defer recoverDevice(name, "reconcile", &err)
func recoverDevice(device, stage string, errp *error) {
	if r := recover(); r != nil {
		*errp = &PanicError{Device: device, Stage: stage, Value: r, Stack: debug.Stack()}
	}
}
