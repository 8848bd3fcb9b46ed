package params

import (
	"fmt"

	"github.com/fmeurisse/maestro-sub002/pkg/errors"
	"github.com/fmeurisse/maestro-sub002/pkg/workflow"
)

// Result is the outcome of one validation pass: every error found in the
// input, plus the canonical values for every parameter that resolved
// (including applied defaults).
type Result struct {
	Errors    []errors.ParamError
	Validated map[string]any
}

// Valid reports whether the pass found no errors.
func (r Result) Valid() bool {
	return len(r.Errors) == 0
}

// Err returns the aggregated ParameterValidationError, or nil when valid.
func (r Result) Err() error {
	if r.Valid() {
		return nil
	}
	return &errors.ParameterValidationError{Params: r.Errors}
}

// Validate checks the provided parameters against a revision's schema.
//
// Every schema entry is resolved: provided values are coerced through their
// declared type, absent required parameters are reported missing, and absent
// optional parameters with a default get the default. Provided keys outside
// the schema are reported unknown. All errors are collected; validation
// never short-circuits. Parameter values are never logged here or anywhere
// downstream, only names.
func Validate(provided map[string]any, schema []workflow.ParameterDefinition, registry *Registry) Result {
	if registry == nil {
		registry = DefaultRegistry()
	}

	result := Result{Validated: make(map[string]any, len(schema))}
	inSchema := make(map[string]bool, len(schema))

	for _, def := range schema {
		inSchema[def.Name] = true

		paramType, ok := registry.Get(def.Type)
		if !ok {
			result.Errors = append(result.Errors, errors.ParamError{
				Name:     def.Name,
				Reason:   fmt.Sprintf("unknown parameter type %q", def.Type),
				Provided: provided[def.Name],
			})
			continue
		}

		value, wasProvided := provided[def.Name]
		switch {
		case wasProvided:
			canonical, err := paramType.ValidateAndConvert(value)
			if err != nil {
				result.Errors = append(result.Errors, errors.ParamError{
					Name:     def.Name,
					Reason:   err.Error(),
					Provided: value,
				})
				continue
			}
			result.Validated[def.Name] = canonical
		case def.Required:
			result.Errors = append(result.Errors, errors.ParamError{
				Name:     def.Name,
				Reason:   "required parameter missing",
				Provided: nil,
			})
		case def.Default != nil:
			canonical, err := paramType.ValidateAndConvert(def.Default)
			if err != nil {
				result.Errors = append(result.Errors, errors.ParamError{
					Name:     def.Name,
					Reason:   fmt.Sprintf("default value: %s", err.Error()),
					Provided: nil,
				})
				continue
			}
			result.Validated[def.Name] = canonical
		}
	}

	for name, value := range provided {
		if !inSchema[name] {
			result.Errors = append(result.Errors, errors.ParamError{
				Name:     name,
				Reason:   "unknown parameter",
				Provided: value,
			})
		}
	}

	return result
}
