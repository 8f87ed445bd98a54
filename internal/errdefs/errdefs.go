// Package errdefs holds the error kinds shared by the head, model and loader
// packages. Callers match kinds with errors.Is.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration reports an invalid or contradictory configuration.
	ErrConfiguration = errors.New("configuration error")
	// ErrLoad reports a missing or unreadable persisted artifact.
	ErrLoad = errors.New("load error")
	// ErrUnknownModelType reports a backbone model type with no registered implementation.
	ErrUnknownModelType = errors.New("unknown model type")
	// ErrStructuredOutput is returned when a forward pass asks for the
	// backbone's structured output mode, which headed models do not support.
	ErrStructuredOutput = errors.New("structured output mode is not supported by headed models")
)

type kindError struct {
	kind error
	msg  string
}

func (e kindError) Error() string {
	return e.kind.Error() + ": " + e.msg
}

func (e kindError) Unwrap() error {
	return e.kind
}

// Configf returns an error of kind ErrConfiguration.
func Configf(format string, args ...any) error {
	return kindError{kind: ErrConfiguration, msg: fmt.Sprintf(format, args...)}
}

// Loadf returns an error of kind ErrLoad.
func Loadf(format string, args ...any) error {
	return kindError{kind: ErrLoad, msg: fmt.Sprintf(format, args...)}
}

// UnknownModelType returns an error of kind ErrUnknownModelType naming the
// offending tag and the tags that are available.
func UnknownModelType(modelType string, known []string) error {
	return kindError{
		kind: ErrUnknownModelType,
		msg:  fmt.Sprintf("%q (registered: %v)", modelType, known),
	}
}
