// Package params implements the typed parameter system: an extensible
// registry of parameter types with coercion rules, and the validator that
// checks caller-supplied inputs against a revision's parameter schema.
package params

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
)

// Built-in parameter type identifiers.
const (
	TypeString  = "STRING"
	TypeInteger = "INTEGER"
	TypeFloat   = "FLOAT"
	TypeBoolean = "BOOLEAN"
)

// Type is one entry of the parameter type registry. ValidateAndConvert
// either coerces a provided value into its canonical form or returns an
// error whose message is the per-parameter rejection reason.
type Type interface {
	ID() string
	ValidateAndConvert(value any) (any, error)
}

// Registry maps type identifiers to parameter types. Like the step type
// registry it is populated once at startup and read-only afterwards;
// duplicate registrations are logged and the first one wins.
type Registry struct {
	mu     sync.Mutex
	logger *slog.Logger
	types  map[string]Type
}

// NewRegistry creates an empty parameter type registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger, types: make(map[string]Type)}
}

// Register adds a parameter type. Registration is idempotent: a duplicate
// identifier is logged and the first registration wins.
func (r *Registry) Register(t Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[t.ID()]; exists {
		r.logger.Warn("duplicate parameter type registration ignored", slog.String("type", t.ID()))
		return
	}
	r.types[t.ID()] = t
}

// Get looks up a parameter type by identifier.
func (r *Registry) Get(id string) (Type, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.types[id]
	return t, ok
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry with the built-in
// parameter types registered.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(slog.Default())
		RegisterBuiltins(defaultRegistry)
	})
	return defaultRegistry
}

// RegisterBuiltins registers the built-in parameter types on a registry.
func RegisterBuiltins(r *Registry) {
	r.Register(stringType{})
	r.Register(integerType{})
	r.Register(floatType{})
	r.Register(booleanType{})
}

// stringType accepts any non-null value as-is.
type stringType struct{}

func (stringType) ID() string { return TypeString }

func (stringType) ValidateAndConvert(value any) (any, error) {
	if value == nil {
		return nil, fmt.Errorf("must not be null")
	}
	return value, nil
}

// integerType coerces integers and numeric strings to int64. Floats are
// rejected: silently truncating them would lose precision.
type integerType struct{}

func (integerType) ID() string { return TypeInteger }

func (integerType) ValidateAndConvert(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, fmt.Errorf("must not be null")
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("must be an integer")
		}
		return int64(v), nil
	case float32, float64:
		return nil, fmt.Errorf("must be an integer")
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("must be an integer")
		}
		return n, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("must be an integer")
		}
		return n, nil
	default:
		return nil, fmt.Errorf("must be an integer")
	}
}

// floatType widens integers and parses numeric strings to float64.
type floatType struct{}

func (floatType) ID() string { return TypeFloat }

func (floatType) ValidateAndConvert(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, fmt.Errorf("must not be null")
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("must be a number")
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("must be a number")
		}
		return f, nil
	default:
		return nil, fmt.Errorf("must be a number")
	}
}

// booleanType accepts booleans and the strings "true"/"false"
// (case-insensitive, trimmed). Integers 0/1 are rejected.
type booleanType struct{}

func (booleanType) ID() string { return TypeBoolean }

func (booleanType) ValidateAndConvert(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, fmt.Errorf("must not be null")
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		default:
			return nil, fmt.Errorf("must be a boolean")
		}
	default:
		return nil, fmt.Errorf("must be a boolean")
	}
}
