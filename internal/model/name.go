// Package model holds the static data model of a compiled flow: the types
// produced by the parser and consumed, transformed, and emitted by the
// compiler pipeline.
package model

import (
	"fmt"
	"strings"
)

// Name is a nonempty identifier used as an alias, process name, or IO port
// name. It must never contain '/' since routes are built by joining names
// with '/'.
type Name string

// Validate checks the Name invariant.
func (n Name) Validate() error {
	if n == "" {
		return fmt.Errorf("%w: name must not be empty", ErrValidation)
	}
	if strings.Contains(string(n), "/") {
		return fmt.Errorf("%w: name %q must not contain '/'", ErrValidation, n)
	}
	return nil
}

func (n Name) String() string { return string(n) }
