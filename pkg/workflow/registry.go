package workflow

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fmeurisse/maestro-sub002/pkg/errors"
)

// StepDecoder builds a step from its type-tagged generic form. Decoders for
// composite types decode their children through the registry.
type StepDecoder func(r *Registry, fields map[string]any) (Step, error)

// Registry maps step type discriminators to decoders. It is populated once
// at startup (built-ins plus any discovered extensions) and read-only
// afterwards, so lookups do not synchronize.
type Registry struct {
	mu     sync.Mutex
	logger *slog.Logger
	types  map[string]StepDecoder
}

// NewRegistry creates an empty step type registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger, types: make(map[string]StepDecoder)}
}

// Register adds a step type. Registration is idempotent: a duplicate name is
// logged and the first registration wins.
func (r *Registry) Register(name string, dec StepDecoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[name]; exists {
		r.logger.Warn("duplicate step type registration ignored", slog.String("type", name))
		return
	}
	r.types[name] = dec
}

// Registered reports whether a step type name is known.
func (r *Registry) Registered(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.types[name]
	return ok
}

// TypeNames returns the registered discriminators.
func (r *Registry) TypeNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	return names
}

// Decode builds a step from its generic form using the "type" discriminator.
func (r *Registry) Decode(fields map[string]any) (Step, error) {
	raw, ok := fields["type"]
	if !ok {
		return nil, &errors.ParseError{Message: "step is missing the type discriminator"}
	}
	name, ok := raw.(string)
	if !ok || name == "" {
		return nil, &errors.ParseError{Message: fmt.Sprintf("step type must be a non-empty string, got %v", raw)}
	}

	r.mu.Lock()
	dec, ok := r.types[name]
	r.mu.Unlock()
	if !ok {
		return nil, &errors.ParseError{Message: fmt.Sprintf("unknown step type %q", name)}
	}
	return dec(r, fields)
}

// Encode serializes a step into its type-tagged generic form.
func (r *Registry) Encode(step Step) (map[string]any, error) {
	enc, ok := step.(Encoder)
	if !ok {
		return nil, fmt.Errorf("step type %q is not encodable", step.Type())
	}
	return enc.Encode()
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry with the built-in step
// types registered.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(slog.Default())
		RegisterBuiltins(defaultRegistry)
	})
	return defaultRegistry
}

// RegisterBuiltins registers the built-in step types on a registry.
func RegisterBuiltins(r *Registry) {
	r.Register(TypeSequence, decodeSequence)
	r.Register(TypeIf, decodeIf)
	r.Register(TypeLogTask, decodeLogTask)
}

func decodeSequence(r *Registry, fields map[string]any) (Step, error) {
	id, err := optionalStringField(fields, "id")
	if err != nil {
		return nil, err
	}
	rawSteps, ok := fields["steps"]
	if !ok {
		return nil, &errors.ParseError{Message: "Sequence step requires a steps list"}
	}
	list, ok := rawSteps.([]any)
	if !ok {
		return nil, &errors.ParseError{Message: fmt.Sprintf("Sequence steps must be a list, got %T", rawSteps)}
	}
	children := make([]Step, 0, len(list))
	for i, item := range list {
		childFields, ok := item.(map[string]any)
		if !ok {
			return nil, &errors.ParseError{Message: fmt.Sprintf("Sequence steps[%d] must be a mapping, got %T", i, item)}
		}
		child, err := r.Decode(childFields)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return &Sequence{ID: id, Steps: children}, nil
}

func decodeIf(r *Registry, fields map[string]any) (Step, error) {
	id, err := optionalStringField(fields, "id")
	if err != nil {
		return nil, err
	}
	condition, err := requiredStringField(fields, "condition", TypeIf)
	if err != nil {
		return nil, err
	}

	rawThen, ok := fields["ifTrue"]
	if !ok {
		return nil, &errors.ParseError{Message: "If step requires an ifTrue branch"}
	}
	thenFields, ok := rawThen.(map[string]any)
	if !ok {
		return nil, &errors.ParseError{Message: fmt.Sprintf("If ifTrue must be a mapping, got %T", rawThen)}
	}
	then, err := r.Decode(thenFields)
	if err != nil {
		return nil, err
	}

	step := &If{ID: id, Condition: condition, Then: then}

	if rawElse, ok := fields["ifFalse"]; ok && rawElse != nil {
		elseFields, ok := rawElse.(map[string]any)
		if !ok {
			return nil, &errors.ParseError{Message: fmt.Sprintf("If ifFalse must be a mapping, got %T", rawElse)}
		}
		elseStep, err := r.Decode(elseFields)
		if err != nil {
			return nil, err
		}
		step.Else = elseStep
	}
	return step, nil
}

func decodeLogTask(r *Registry, fields map[string]any) (Step, error) {
	id, err := optionalStringField(fields, "id")
	if err != nil {
		return nil, err
	}
	message, err := requiredStringField(fields, "message", TypeLogTask)
	if err != nil {
		return nil, err
	}
	return &LogTask{ID: id, Message: message}, nil
}

func optionalStringField(fields map[string]any, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", &errors.ParseError{Message: fmt.Sprintf("step field %q must be a string, got %T", key, raw)}
	}
	return s, nil
}

func requiredStringField(fields map[string]any, key, stepType string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", &errors.ParseError{Message: fmt.Sprintf("%s step requires field %q", stepType, key)}
	}
	s, ok := raw.(string)
	if !ok {
		return "", &errors.ParseError{Message: fmt.Sprintf("step field %q must be a string, got %T", key, raw)}
	}
	return s, nil
}
