// Package document converts workflow documents (YAML or JSON) to and from
// the revision model, and performs the line-oriented metadata surgery that
// keeps authored source text faithful.
//
// The store never re-serializes a user's document from the parsed model; it
// stores the original text and only patches the version, createdAt,
// updatedAt and active lines through UpdateMetadata.
package document

import (
	stderrors "errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fmeurisse/maestro-sub002/pkg/errors"
	"github.com/fmeurisse/maestro-sub002/pkg/workflow"
	"github.com/fmeurisse/maestro-sub002/pkg/workflow/params"
)

// Option configures a Parse call.
type Option func(*parseOptions)

type parseOptions struct {
	registry   *workflow.Registry
	paramTypes *params.Registry
	validate   bool
}

// WithRegistry parses steps against a specific step type registry instead of
// the process-wide default.
func WithRegistry(r *workflow.Registry) Option {
	return func(o *parseOptions) { o.registry = r }
}

// WithParamTypes validates parameter types against a specific registry
// instead of the process-wide default.
func WithParamTypes(r *params.Registry) Option {
	return func(o *parseOptions) { o.paramTypes = r }
}

// WithValidation enables the domain invariant check after parsing. All
// violations are aggregated into a single InvalidRevisionError.
func WithValidation() Option {
	return func(o *parseOptions) { o.validate = true }
}

// doc is the wire shape of a revision document.
type doc struct {
	Namespace   string                          `yaml:"namespace"`
	ID          string                          `yaml:"id"`
	Version     int                             `yaml:"version,omitempty"`
	Name        string                          `yaml:"name"`
	Description string                          `yaml:"description"`
	Parameters  []workflow.ParameterDefinition  `yaml:"parameters,omitempty"`
	Steps       []map[string]any                `yaml:"steps"`
	Active      bool                            `yaml:"active,omitempty"`
	CreatedAt   time.Time                       `yaml:"createdAt,omitempty"`
	UpdatedAt   time.Time                       `yaml:"updatedAt,omitempty"`
}

// Parse decodes a YAML or JSON workflow document into a revision. Steps with
// no explicit id are assigned one ("step-<ordinal>") in document order.
func Parse(data []byte, opts ...Option) (*workflow.Revision, error) {
	o := parseOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = workflow.DefaultRegistry()
	}
	if o.paramTypes == nil {
		o.paramTypes = params.DefaultRegistry()
	}

	var d doc
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, &errors.ParseError{Message: "invalid workflow document", Cause: err}
	}

	steps := make([]workflow.Step, 0, len(d.Steps))
	for _, fields := range d.Steps {
		step, err := o.registry.Decode(fields)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	rev := &workflow.Revision{
		Namespace:   d.Namespace,
		ID:          d.ID,
		Version:     d.Version,
		Name:        d.Name,
		Description: d.Description,
		Parameters:  d.Parameters,
		Steps:       steps,
		Active:      d.Active,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}

	assignStepIDs(rev.Steps)

	if o.validate {
		if err := validateRevision(rev, o.paramTypes); err != nil {
			return nil, err
		}
	}

	return rev, nil
}

// Serialize encodes a revision back into YAML. Round-trip holds:
// Parse(Serialize(rev)) yields rev for every valid revision.
func Serialize(rev *workflow.Revision, opts ...Option) ([]byte, error) {
	o := parseOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = workflow.DefaultRegistry()
	}

	steps := make([]map[string]any, 0, len(rev.Steps))
	for _, step := range rev.Steps {
		fields, err := o.registry.Encode(step)
		if err != nil {
			return nil, err
		}
		steps = append(steps, fields)
	}

	d := doc{
		Namespace:   rev.Namespace,
		ID:          rev.ID,
		Version:     rev.Version,
		Name:        rev.Name,
		Description: rev.Description,
		Parameters:  rev.Parameters,
		Steps:       steps,
		Active:      rev.Active,
		CreatedAt:   rev.CreatedAt,
		UpdatedAt:   rev.UpdatedAt,
	}

	out, err := yaml.Marshal(&d)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize revision: %w", err)
	}
	return out, nil
}

// assignStepIDs fills in missing step ids with "step-<ordinal>" counted in
// pre-order over the whole tree.
func assignStepIDs(steps []workflow.Step) {
	ordinal := 0
	var walk func(s workflow.Step)
	walk = func(s workflow.Step) {
		ordinal++
		switch t := s.(type) {
		case *workflow.Sequence:
			if t.ID == "" {
				t.ID = fmt.Sprintf("step-%d", ordinal)
			}
			for _, child := range t.Steps {
				walk(child)
			}
		case *workflow.If:
			if t.ID == "" {
				t.ID = fmt.Sprintf("step-%d", ordinal)
			}
			walk(t.Then)
			if t.Else != nil {
				walk(t.Else)
			}
		case *workflow.LogTask:
			if t.ID == "" {
				t.ID = fmt.Sprintf("step-%d", ordinal)
			}
		}
	}
	for _, s := range steps {
		walk(s)
	}
}

// validateRevision runs the model invariant check and adds parameter type
// resolution on top, keeping everything in one aggregated error.
func validateRevision(rev *workflow.Revision, paramTypes *params.Registry) error {
	var violations []string

	if err := rev.Validate(); err != nil {
		var invalid *errors.InvalidRevisionError
		if stderrors.As(err, &invalid) {
			violations = append(violations, invalid.Violations...)
		} else {
			return err
		}
	}

	for _, p := range rev.Parameters {
		if p.Type == "" {
			continue // already reported by Validate
		}
		if _, ok := paramTypes.Get(p.Type); !ok {
			violations = append(violations, fmt.Sprintf("parameter %q: unknown type %q", p.Name, p.Type))
		}
	}

	if len(violations) > 0 {
		return &errors.InvalidRevisionError{Violations: violations}
	}
	return nil
}
