package model

import "errors"

// Error kinds from spec.md §7, used with errors.Is/errors.As throughout the
// compiler and runtime. Each concrete error wraps one of these sentinels
// with fmt.Errorf("...: %w", Err...) so callers can classify failures
// without string matching, the same convention the teacher repo uses for
// every wrapped error (e.g. common/clients/cas.go, coordinator.go).
var (
	ErrResolution        = errors.New("resolution error")
	ErrParse             = errors.New("parse error")
	ErrValidation        = errors.New("validation error")
	ErrConnection        = errors.New("connection error")
	ErrBuild             = errors.New("build error")
	ErrTransport         = errors.New("transport error")
	ErrExecution         = errors.New("execution error")
	ErrInvariantViolated = errors.New("invariant violation")
)
