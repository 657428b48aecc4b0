package monitor

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning = errors.New("monitor already running")
	ErrNotRunning     = errors.New("monitor not running")
)

// ConfigurationError rejects a Start. The scheduler stays stopped.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Err.Error()
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// FailureKind classifies a transient extraction failure.
type FailureKind string

const (
	FailureTimeout         FailureKind = "timeout"
	FailureNavigation      FailureKind = "navigation"
	FailureElementNotFound FailureKind = "element_not_found"
	FailureLogin           FailureKind = "login"
	FailureBrowser         FailureKind = "browser"
	FailurePanic           FailureKind = "panic"
	FailureUnknown         FailureKind = "unknown"
)

// ExtractionError is the typed failure extractors return.
type ExtractionError struct {
	Kind FailureKind
	// Step names the extraction stage that failed (e.g. "login", "read value").
	Step string
	Err  error
}

func (e *ExtractionError) Error() string {
	msg := string(e.Kind)
	if e.Step != "" {
		msg = e.Step + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// NewExtractionError wraps err with a kind and step.
func NewExtractionError(kind FailureKind, step string, err error) *ExtractionError {
	return &ExtractionError{Kind: kind, Step: step, Err: err}
}
