package params

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmeurisse/maestro-sub002/pkg/errors"
	"github.com/fmeurisse/maestro-sub002/pkg/workflow"
)

func TestValidateMissingRequired(t *testing.T) {
	schema := []workflow.ParameterDefinition{
		{Name: "u", Type: TypeString, Required: true},
	}

	result := Validate(map[string]any{}, schema, nil)

	assert.False(t, result.Valid())
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "u", result.Errors[0].Name)
	assert.Equal(t, "required parameter missing", result.Errors[0].Reason)
	assert.Nil(t, result.Errors[0].Provided)
}

func TestValidateCoercion(t *testing.T) {
	schema := []workflow.ParameterDefinition{
		{Name: "n", Type: TypeInteger, Required: true},
	}

	result := Validate(map[string]any{"n": "42"}, schema, nil)
	require.True(t, result.Valid())
	assert.Equal(t, int64(42), result.Validated["n"])

	result = Validate(map[string]any{"n": "3.14"}, schema, nil)
	assert.False(t, result.Valid())
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "must be an integer", result.Errors[0].Reason)
	assert.Equal(t, "3.14", result.Errors[0].Provided)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	schema := []workflow.ParameterDefinition{
		{Name: "a", Type: TypeString, Required: true},
		{Name: "b", Type: TypeInteger, Required: true},
	}
	provided := map[string]any{
		"b":     "oops",
		"extra": 1,
	}

	result := Validate(provided, schema, nil)

	assert.False(t, result.Valid())
	require.Len(t, result.Errors, 3)

	reasons := map[string]string{}
	for _, e := range result.Errors {
		reasons[e.Name] = e.Reason
	}
	assert.Equal(t, "required parameter missing", reasons["a"])
	assert.Equal(t, "must be an integer", reasons["b"])
	assert.Equal(t, "unknown parameter", reasons["extra"])
}

func TestValidateAppliesDefaults(t *testing.T) {
	schema := []workflow.ParameterDefinition{
		{Name: "region", Type: TypeString, Default: "eu-west-1"},
		{Name: "count", Type: TypeInteger, Default: "5"},
		{Name: "opt", Type: TypeString},
	}

	result := Validate(map[string]any{}, schema, nil)

	require.True(t, result.Valid())
	assert.Equal(t, "eu-west-1", result.Validated["region"])
	assert.Equal(t, int64(5), result.Validated["count"])
	_, present := result.Validated["opt"]
	assert.False(t, present, "optional parameters without defaults stay absent")
}

func TestValidateProvidedValueBeatsDefault(t *testing.T) {
	schema := []workflow.ParameterDefinition{
		{Name: "region", Type: TypeString, Default: "eu-west-1"},
	}

	result := Validate(map[string]any{"region": "us-east-1"}, schema, nil)

	require.True(t, result.Valid())
	assert.Equal(t, "us-east-1", result.Validated["region"])
}

func TestValidateInvalidDefault(t *testing.T) {
	schema := []workflow.ParameterDefinition{
		{Name: "count", Type: TypeInteger, Default: "many"},
	}

	result := Validate(map[string]any{}, schema, nil)

	assert.False(t, result.Valid())
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Reason, "default value")
}

func TestValidateUnknownType(t *testing.T) {
	schema := []workflow.ParameterDefinition{
		{Name: "x", Type: "DURATION"},
	}

	result := Validate(map[string]any{"x": "5s"}, schema, nil)

	assert.False(t, result.Valid())
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Reason, "unknown parameter type")
}

func TestResultErr(t *testing.T) {
	ok := Result{}
	assert.NoError(t, ok.Err())

	bad := Result{Errors: []errors.ParamError{{Name: "x", Reason: "nope"}}}
	err := bad.Err()
	require.Error(t, err)

	var validationErr *errors.ParameterValidationError
	require.True(t, stderrors.As(err, &validationErr))
	assert.Len(t, validationErr.Params, 1)
}
