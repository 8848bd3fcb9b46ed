// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors defines the transport-neutral error kinds used across the
// workflow service. Handlers match these with errors.As and map them to
// HTTP problem responses; the core packages return them as plain values.
package errors

import (
	"fmt"
	"time"
)

// MalformedIdentifierError indicates an identifier that fails format rules
// (blank, illegal characters, or over the length limit).
type MalformedIdentifierError struct {
	// Field names the identifier that failed (e.g. "namespace", "executionId")
	Field string

	// Value is the rejected identifier
	Value string

	// Reason explains which rule was violated
	Reason string
}

// Error implements the error interface.
func (e *MalformedIdentifierError) Error() string {
	return fmt.Sprintf("malformed %s %q: %s", e.Field, e.Value, e.Reason)
}

// ParseError indicates a workflow document that could not be parsed.
type ParseError struct {
	// Message describes what went wrong, including position where available
	Message string

	// Cause is the underlying decoder error
	Cause error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("parse error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("parse error: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ParseError) Unwrap() error {
	return e.Cause
}

// InvalidRevisionError aggregates domain invariant violations found in a
// revision (blank fields, unknown step types, zero version, excessive step
// nesting). Violations are collected, never reported one at a time.
type InvalidRevisionError struct {
	// Violations lists every invariant that failed
	Violations []string
}

// Error implements the error interface.
func (e *InvalidRevisionError) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("invalid revision: %s", e.Violations[0])
	}
	return fmt.Sprintf("invalid revision: %d violations: %v", len(e.Violations), e.Violations)
}

// AlreadyExistsError indicates a uniqueness conflict on create.
type AlreadyExistsError struct {
	// Resource is the type of resource (e.g. "workflow")
	Resource string

	// ID is the conflicting identifier
	ID string
}

// Error implements the error interface.
func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Resource, e.ID)
}

// NotFoundError indicates a workflow, revision or execution that does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g. "workflow", "revision", "execution")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ActiveConflictError indicates a mutation attempted on an active revision,
// or a workflow delete while a revision is still active.
type ActiveConflictError struct {
	// Resource is the type of resource (e.g. "revision", "workflow")
	Resource string

	// ID is the identifier of the active resource
	ID string

	// Operation names the rejected operation (e.g. "delete", "update")
	Operation string
}

// Error implements the error interface.
func (e *ActiveConflictError) Error() string {
	return fmt.Sprintf("cannot %s %s %s: revision is active", e.Operation, e.Resource, e.ID)
}

// OptimisticLockConflictError indicates a stale updatedAt token on a
// compare-and-swap mutation. Both stamps are carried so callers can report
// the expected and actual values.
type OptimisticLockConflictError struct {
	// Expected is the token presented by the caller
	Expected time.Time

	// Actual is the token currently stored
	Actual time.Time
}

// Error implements the error interface.
func (e *OptimisticLockConflictError) Error() string {
	return fmt.Sprintf("optimistic lock conflict: expected updatedAt %s, found %s",
		e.Expected.UTC().Format(time.RFC3339Nano), e.Actual.UTC().Format(time.RFC3339Nano))
}

// ParamError describes one invalid input parameter. It is the element type of
// the invalidParams array on validation problem responses.
type ParamError struct {
	// Name is the parameter name
	Name string `json:"name"`

	// Reason explains why the parameter was rejected
	Reason string `json:"reason"`

	// Provided is the value the caller sent (nil for missing parameters).
	// It is carried for the API response and never logged.
	Provided any `json:"provided"`
}

// Error implements the error interface.
func (e *ParamError) Error() string {
	return fmt.Sprintf("parameter %s: %s", e.Name, e.Reason)
}

// ParameterValidationError aggregates every parameter error found in one
// validation pass. Validation never short-circuits, so the slice holds all
// missing, unknown and type errors together.
type ParameterValidationError struct {
	// Params lists the per-parameter failures
	Params []ParamError
}

// Error implements the error interface.
func (e *ParameterValidationError) Error() string {
	return fmt.Sprintf("parameter validation failed: %d invalid parameter(s)", len(e.Params))
}
