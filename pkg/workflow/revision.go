// Package workflow provides the workflow document model: immutable revisions,
// typed input parameters, and the polymorphic step tree with its registry.
//
// A workflow is identified by (namespace, id); each stored version of it is a
// Revision. Revisions are parsed from YAML or JSON documents by the document
// subpackage and executed by the engine, which drives the step tree through
// the Runner capability carried on the ExecutionContext.
package workflow

import (
	"fmt"
	"regexp"
	"time"

	"github.com/fmeurisse/maestro-sub002/pkg/errors"
)

// Identifier format limits.
const (
	// MaxIDPartLength is the maximum length of a namespace or workflow id.
	MaxIDPartLength = 100

	// MaxNameLength is the maximum length of a revision name.
	MaxNameLength = 255

	// MaxDescriptionLength is the maximum length of a revision description.
	MaxDescriptionLength = 1000

	// MaxStepDepth caps step tree nesting.
	MaxStepDepth = 32
)

var idPartPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateIDPart checks a workflow namespace or id against the format rules:
// non-blank, alphanumeric plus '-' and '_', at most 100 characters.
func ValidateIDPart(field, value string) error {
	if value == "" {
		return &errors.MalformedIdentifierError{Field: field, Value: value, Reason: "must not be blank"}
	}
	if len(value) > MaxIDPartLength {
		return &errors.MalformedIdentifierError{
			Field: field, Value: value,
			Reason: fmt.Sprintf("must be at most %d characters", MaxIDPartLength),
		}
	}
	if !idPartPattern.MatchString(value) {
		return &errors.MalformedIdentifierError{
			Field: field, Value: value,
			Reason: "must contain only letters, digits, '-' and '_'",
		}
	}
	return nil
}

// WorkflowID identifies a workflow as the pair (namespace, id).
type WorkflowID struct {
	Namespace string `yaml:"namespace" json:"namespace"`
	ID        string `yaml:"id" json:"id"`
}

// Validate checks both identifier parts against the format rules.
func (w WorkflowID) Validate() error {
	if err := ValidateIDPart("namespace", w.Namespace); err != nil {
		return err
	}
	return ValidateIDPart("id", w.ID)
}

// String returns the canonical "namespace/id" form.
func (w WorkflowID) String() string {
	return w.Namespace + "/" + w.ID
}

// RevisionID identifies one revision of a workflow.
type RevisionID struct {
	WorkflowID `yaml:",inline"`
	Version    int `yaml:"version" json:"version"`
}

// Validate checks the identifier parts and requires a positive version.
func (r RevisionID) Validate() error {
	if err := r.WorkflowID.Validate(); err != nil {
		return err
	}
	if r.Version < 1 {
		return &errors.MalformedIdentifierError{
			Field: "version", Value: fmt.Sprintf("%d", r.Version),
			Reason: "must be a positive integer",
		}
	}
	return nil
}

// String returns the canonical "namespace/id/version" form.
func (r RevisionID) String() string {
	return fmt.Sprintf("%s/%s/%d", r.Namespace, r.ID, r.Version)
}

// ParameterDefinition describes one typed input parameter of a workflow.
type ParameterDefinition struct {
	// Name is the parameter identifier
	Name string `yaml:"name" json:"name"`

	// Type names a registered parameter type (STRING, INTEGER, FLOAT, BOOLEAN, ...)
	Type string `yaml:"type" json:"type"`

	// Required marks the parameter as mandatory
	Required bool `yaml:"required,omitempty" json:"required"`

	// Default provides a fallback value for absent optional parameters
	Default any `yaml:"default,omitempty" json:"default,omitempty"`
}

// Revision is one immutable version of a workflow.
//
// Identity fields (Namespace, ID, Version, CreatedAt) never change after
// insert. Name, Description, Parameters and Steps may only change while the
// revision is inactive. Active is always mutable; UpdatedAt is bumped on
// every mutation and doubles as the optimistic-lock token.
type Revision struct {
	Namespace   string                `yaml:"namespace" json:"namespace"`
	ID          string                `yaml:"id" json:"id"`
	Version     int                   `yaml:"version,omitempty" json:"version,omitempty"`
	Name        string                `yaml:"name" json:"name"`
	Description string                `yaml:"description" json:"description"`
	Parameters  []ParameterDefinition `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Steps       []Step                `yaml:"-" json:"-"`
	Active      bool                  `yaml:"active,omitempty" json:"active"`
	CreatedAt   time.Time             `yaml:"createdAt,omitempty" json:"createdAt,omitempty"`
	UpdatedAt   time.Time             `yaml:"updatedAt,omitempty" json:"updatedAt,omitempty"`
}

// WorkflowID returns the (namespace, id) pair.
func (r *Revision) WorkflowID() WorkflowID {
	return WorkflowID{Namespace: r.Namespace, ID: r.ID}
}

// RevisionID returns the full (namespace, id, version) identifier.
func (r *Revision) RevisionID() RevisionID {
	return RevisionID{WorkflowID: r.WorkflowID(), Version: r.Version}
}

// Validate checks the revision against the domain invariants and returns an
// InvalidRevisionError aggregating every violation found, never just the
// first one. Version 0 is accepted: it marks a revision whose version has
// not been assigned by the store yet.
func (r *Revision) Validate() error {
	var violations []string

	if err := ValidateIDPart("namespace", r.Namespace); err != nil {
		violations = append(violations, err.Error())
	}
	if err := ValidateIDPart("id", r.ID); err != nil {
		violations = append(violations, err.Error())
	}
	if r.Version < 0 {
		violations = append(violations, fmt.Sprintf("version must not be negative, got %d", r.Version))
	}
	if r.Name == "" {
		violations = append(violations, "name must not be blank")
	} else if len(r.Name) > MaxNameLength {
		violations = append(violations, fmt.Sprintf("name must be at most %d characters", MaxNameLength))
	}
	if r.Description == "" {
		violations = append(violations, "description must not be blank")
	} else if len(r.Description) > MaxDescriptionLength {
		violations = append(violations, fmt.Sprintf("description must be at most %d characters", MaxDescriptionLength))
	}

	seen := make(map[string]bool, len(r.Parameters))
	for i, p := range r.Parameters {
		if p.Name == "" {
			violations = append(violations, fmt.Sprintf("parameters[%d]: name must not be blank", i))
			continue
		}
		if seen[p.Name] {
			violations = append(violations, fmt.Sprintf("parameters[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		if p.Type == "" {
			violations = append(violations, fmt.Sprintf("parameter %q: type must not be blank", p.Name))
		}
	}

	if len(r.Steps) == 0 {
		violations = append(violations, "steps must not be empty")
	}
	for i, s := range r.Steps {
		if depth := stepDepth(s); depth > MaxStepDepth {
			violations = append(violations,
				fmt.Sprintf("steps[%d]: nesting depth %d exceeds maximum %d", i, depth, MaxStepDepth))
		}
	}

	if len(violations) > 0 {
		return &errors.InvalidRevisionError{Violations: violations}
	}
	return nil
}

// stepDepth measures the nesting depth of a step tree.
func stepDepth(s Step) int {
	max := 0
	for _, child := range childSteps(s) {
		if d := stepDepth(child); d > max {
			max = d
		}
	}
	return max + 1
}

// childSteps returns the direct children of a composite step.
func childSteps(s Step) []Step {
	switch t := s.(type) {
	case *Sequence:
		return t.Steps
	case *If:
		children := []Step{t.Then}
		if t.Else != nil {
			children = append(children, t.Else)
		}
		return children
	default:
		return nil
	}
}

// RevisionWithSource pairs a parsed revision with the author's original
// document text. The source is preserved byte for byte; only the metadata
// fields (version, createdAt, updatedAt, active) are ever rewritten in it.
type RevisionWithSource struct {
	Revision
	Source string
}
