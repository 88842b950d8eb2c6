// Package errdefs defines the error taxonomy shared by the trainers and their
// collaborators. Every error carries the offending parameter name and the value
// that was received so that callers can map it to a useful message or exit code.
package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel kinds for use with errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrData          = errors.New("data error")
	ErrDevice        = errors.New("device error")
	ErrState         = errors.New("invalid trainer state")
)

// ConfigurationError reports an invalid or incompatible hyperparameter.
type ConfigurationError struct {
	Param  string
	Value  interface{}
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s=%v: %s", e.Param, e.Value, e.Reason)
}

// Is reports whether target is ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// DataError reports a malformed or empty dataset split, or mismatched arrays.
type DataError struct {
	Param  string
	Value  interface{}
	Reason string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("data error: %s=%v: %s", e.Param, e.Value, e.Reason)
}

func (e *DataError) Is(target error) bool { return target == ErrData }

// DeviceError reports an unavailable device or a failed visibility change.
type DeviceError struct {
	Param  string
	Value  interface{}
	Reason string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error: %s=%v: %s", e.Param, e.Value, e.Reason)
}

func (e *DeviceError) Is(target error) bool { return target == ErrDevice }

// StateError reports a lifecycle method called out of order.
type StateError struct {
	Operation string
	Current   fmt.Stringer
	Expected  fmt.Stringer
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s in state %s (expected %s)", e.Operation, e.Current, e.Expected)
}

func (e *StateError) Is(target error) bool { return target == ErrState }

// Configuration is shorthand for building a *ConfigurationError.
func Configuration(param string, value interface{}, format string, args ...interface{}) error {
	return &ConfigurationError{Param: param, Value: value, Reason: fmt.Sprintf(format, args...)}
}

// Data is shorthand for building a *DataError.
func Data(param string, value interface{}, format string, args ...interface{}) error {
	return &DataError{Param: param, Value: value, Reason: fmt.Sprintf(format, args...)}
}

// Device is shorthand for building a *DeviceError.
func Device(param string, value interface{}, format string, args ...interface{}) error {
	return &DeviceError{Param: param, Value: value, Reason: fmt.Sprintf(format, args...)}
}
