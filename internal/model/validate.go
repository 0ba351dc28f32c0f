package model

import (
	"fmt"
	"strings"
)

// Validator checks structural invariants of a loaded Process tree before it
// reaches the compiler. It mirrors the teacher's PatchValidator shape (one
// type, one exported ValidateX entry point, small per-field helpers) but
// checks flow-graph invariants instead of JSON-patch operations.
type Validator struct{}

// NewValidator creates a Validator.
func NewValidator() *Validator { return &Validator{} }

// ValidateProcess recursively checks name/route invariants across a Process
// tree (spec.md §3 Name invariant: "never contains '/'").
func (v *Validator) ValidateProcess(p *Process) error {
	if p == nil {
		return fmt.Errorf("%w: nil process", ErrValidation)
	}
	if p.Function != nil {
		return v.validateFunction(p.Function)
	}
	if p.Flow != nil {
		return v.validateFlow(p.Flow)
	}
	return fmt.Errorf("%w: process is neither flow nor function", ErrValidation)
}

func (v *Validator) validateFunction(f *FunctionDefinition) error {
	if err := f.Name.Validate(); err != nil {
		return fmt.Errorf("function: %w", err)
	}
	seen := map[Name]struct{}{}
	for _, in := range f.Inputs {
		if err := in.Name.Validate(); err != nil {
			return fmt.Errorf("function %q input: %w", f.Name, err)
		}
		if _, dup := seen[in.Name]; dup {
			return fmt.Errorf("%w: function %q has duplicate input name %q", ErrValidation, f.Name, in.Name)
		}
		seen[in.Name] = struct{}{}
	}
	return nil
}

func (v *Validator) validateFlow(fl *FlowDefinition) error {
	if err := fl.Name.Validate(); err != nil {
		return fmt.Errorf("flow: %w", err)
	}
	aliases := map[Name]struct{}{}
	for _, ref := range fl.Processes {
		if strings.HasPrefix(ref.Source, "context://") {
			// spec.md line 92 / Open Question at spec.md line 298:
			// references into the context:// namespace must not be
			// aliased, so they carry no Name to validate or dedup.
			if ref.Alias != "" {
				return fmt.Errorf("%w: flow %q process reference to %q must not be aliased", ErrValidation, fl.Name, ref.Source)
			}
			continue
		}
		if err := ref.Alias.Validate(); err != nil {
			return fmt.Errorf("flow %q process reference: %w", fl.Name, err)
		}
		if _, dup := aliases[ref.Alias]; dup {
			return fmt.Errorf("%w: flow %q declares duplicate alias %q", ErrValidation, fl.Name, ref.Alias)
		}
		aliases[ref.Alias] = struct{}{}
	}
	for alias, child := range fl.Children {
		if err := v.ValidateProcess(child); err != nil {
			return fmt.Errorf("flow %q child %q: %w", fl.Name, alias, err)
		}
	}
	return nil
}
