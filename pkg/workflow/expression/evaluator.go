// Package expression evaluates step conditions against a run's input
// parameters.
//
// The condition language is intentionally small: a bare parameter name is
// looked up and tested for truthiness, and the equality form
// ${name} == 'literal' compares string representations. Anything richer is
// compiled with expr-lang and cached, so workflow authors can still write
// full boolean expressions when they need them.
package expression

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var (
	namePattern     = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	refPattern      = regexp.MustCompile(`^\$\{\s*([A-Za-z0-9_-]+)\s*\}$`)
	equalityPattern = regexp.MustCompile(`^\$\{\s*([A-Za-z0-9_-]+)\s*\}\s*==\s*'([^']*)'$`)
	placeholder     = regexp.MustCompile(`\$\{([A-Za-z0-9_-]+)\}`)
)

var (
	cacheMu sync.RWMutex
	cache   = map[string]*vm.Program{}
)

// Evaluate evaluates a condition against the input parameters.
//
// The minimal forms never error: unknown parameter names are falsy and the
// truthiness rules of Truthy apply. Expressions outside the minimal grammar
// are handed to expr-lang; their compile or runtime errors are returned and
// fail the enclosing step.
func Evaluate(condition string, params map[string]any) (bool, error) {
	trimmed := strings.TrimSpace(condition)
	if trimmed == "" {
		return false, nil
	}

	if m := equalityPattern.FindStringSubmatch(trimmed); m != nil {
		value, ok := params[m[1]]
		if !ok {
			return false, nil
		}
		return stringify(value) == m[2], nil
	}

	if m := refPattern.FindStringSubmatch(trimmed); m != nil {
		return Truthy(params[m[1]]), nil
	}

	if namePattern.MatchString(trimmed) {
		return Truthy(params[trimmed]), nil
	}

	return evaluateExpr(trimmed, params)
}

// evaluateExpr compiles (with caching) and runs an expr-lang expression.
func evaluateExpr(expression string, params map[string]any) (bool, error) {
	program, err := compile(expression)
	if err != nil {
		return false, fmt.Errorf("failed to compile expression: %w", err)
	}

	env := make(map[string]any, len(params)+1)
	for k, v := range params {
		env[k] = v
	}
	env["inputs"] = params

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("expression evaluation failed: %w", err)
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression must return boolean, got %T (%v)", result, result)
	}
	return boolResult, nil
}

// compile compiles an expression and caches the result.
func compile(expression string) (*vm.Program, error) {
	cacheMu.RLock()
	if prog, ok := cache[expression]; ok {
		cacheMu.RUnlock()
		return prog, nil
	}
	cacheMu.RUnlock()

	prog, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	cacheMu.Lock()
	cache[expression] = prog
	cacheMu.Unlock()

	return prog, nil
}

// Truthy applies the condition language's truthiness rules: nil is falsy,
// booleans are themselves, numeric zero is falsy, the strings
// true/1/yes/on and false/0/no/off (case-insensitive, trimmed) parse as
// booleans, the empty string is falsy, and any other value is truthy.
func Truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		switch s {
		case "":
			return false
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		default:
			return true
		}
	case int:
		return v != 0
	case int32:
		return v != 0
	case int64:
		return v != 0
	case float32:
		return v != 0
	case float64:
		return v != 0
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f != 0
		}
		return v.String() != ""
	default:
		return true
	}
}

// Interpolate replaces ${name} placeholders with the string representation of
// the named input parameter. Unknown names are left untouched.
func Interpolate(s string, params map[string]any) string {
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		if value, ok := params[name]; ok {
			return stringify(value)
		}
		return match
	})
}

// stringify renders a parameter value for comparison and interpolation.
func stringify(value any) string {
	if value == nil {
		return ""
	}
	return fmt.Sprintf("%v", value)
}
