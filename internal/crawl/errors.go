package crawl

import (
	"errors"
	"fmt"
)

// ErrNoRoute is returned when a directions response carries no features.
var ErrNoRoute = errors.New("no route in response")

// ConfigurationError reports a missing or contradictory job option. It is
// raised before any input is loaded or any request is planned.
type ConfigurationError struct {
	Option string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return "configuration error"
	}
	if e.Option == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Option, e.Reason)
}

// InputDataError reports an unusable input CSV: unreadable, empty, or missing
// a required column.
type InputDataError struct {
	Path   string
	Reason string
	Err    error
}

func (e *InputDataError) Error() string {
	if e == nil {
		return "input data error"
	}
	msg := e.Reason
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	if e.Path == "" {
		return "input data error: " + msg
	}
	return fmt.Sprintf("input data error: %s: %s", e.Path, msg)
}

func (e *InputDataError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsInputDataError reports whether err is or wraps an InputDataError.
func IsInputDataError(err error) bool {
	var ie *InputDataError
	return errors.As(err, &ie)
}
