package ir

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes reconciliation failures.
type ErrorCode string

const (
	// ErrSourceUnavailable: policy store or config file unreachable.
	// The cycle (or device) is skipped and retried next cycle.
	ErrSourceUnavailable ErrorCode = "SOURCE_UNAVAILABLE"

	// ErrSchemaMismatch: unknown table/field/action/param name, or a value
	// that does not fit the schema. Aborts the device's install pass.
	ErrSchemaMismatch ErrorCode = "SCHEMA_MISMATCH"

	// ErrDeviceUnreachable: RPC or connection failure. Aborts the device's
	// cycle; the device reverts to Unsynced.
	ErrDeviceUnreachable ErrorCode = "DEVICE_UNREACHABLE"

	// ErrMastershipDenied: another controller holds write mastership.
	// Fatal at bring-up; the device is excluded for the run.
	ErrMastershipDenied ErrorCode = "MASTERSHIP_DENIED"
)

// Error is a classified failure with enough context (device, table, row)
// to diagnose without re-running.
type Error struct {
	Code    ErrorCode
	Message string

	// Device is the switch name. Filled in at the device boundary when the
	// producer (e.g. the compiler) does not know it.
	Device string

	// Table is the P4 table name, when relevant.
	Table string

	// Class and RowID identify the intent record, when relevant.
	// RowID 0 means no specific row.
	Class IntentClass
	RowID int64

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	var ctx []string
	if e.Device != "" {
		ctx = append(ctx, "device="+e.Device)
	}
	if e.Table != "" {
		ctx = append(ctx, "table="+e.Table)
	}
	if e.RowID != 0 {
		class := e.Class
		if class == "" {
			class = "row"
		}
		ctx = append(ctx, fmt.Sprintf("%s=%d", class, e.RowID))
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, ", "))
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies err under code. Returns nil if err is nil.
func WrapError(code ErrorCode, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// ForRecord returns a copy of e carrying the record's class, row and table.
func (e *Error) ForRecord(rec IntentRecord) *Error {
	c := *e
	c.Class = rec.Class
	c.RowID = rec.RowID
	if c.Table == "" {
		c.Table = rec.Table
	}
	return &c
}

// WithDevice attaches the device name to the first classified error in
// err's chain if it does not carry one yet. Errors are created per call and
// never shared, so the device is set in place. When that error sits under
// other wrapping, whose message is already rendered, the result also
// carries the device on the outside.
func WithDevice(err error, device string) error {
	var e *Error
	if !errors.As(err, &e) || e.Device != "" {
		return err
	}
	e.Device = device
	if _, direct := err.(*Error); direct {
		return err
	}
	return &deviceError{device: device, err: err}
}

// deviceError appends a device to an error chain rendered before the
// device was known.
type deviceError struct {
	device string
	err    error
}

func (d *deviceError) Error() string {
	return d.err.Error() + " (device=" + d.device + ")"
}

func (d *deviceError) Unwrap() error {
	return d.err
}

// CodeOf returns the code of the first classified error in err's chain,
// or "" if there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err's chain contains a classified error with code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
