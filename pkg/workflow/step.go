package workflow

import (
	"context"
	"log/slog"
)

// StepStatus is the outcome of one step execution.
type StepStatus string

const (
	// StepCompleted means the step finished its work.
	StepCompleted StepStatus = "COMPLETED"

	// StepFailed means the step returned an error or panicked.
	StepFailed StepStatus = "FAILED"

	// StepSkipped marks a step that was deliberately not run. The store
	// accepts it but no built-in step produces it; steps after a sequence
	// failure are omitted from the trace instead.
	StepSkipped StepStatus = "SKIPPED"
)

// Step is a node in the workflow tree: either a leaf performing work or a
// composite orchestrating children.
//
// Execute returns the step outcome, the context to thread into subsequent
// steps, and the step's output value (recorded as outputData and woven into
// the context by the executor). A non-nil error marks the step FAILED.
// Composite steps must run their children through the Runner carried by the
// ExecutionContext so that every step, nested or not, is checkpointed.
type Step interface {
	StepID() string
	Type() string
	Execute(ctx context.Context, ec ExecutionContext) (StepStatus, ExecutionContext, any, error)
}

// Encoder is implemented by steps that can serialize themselves into the
// type-tagged generic form used by the document codec. The returned map must
// carry the "type" discriminator.
type Encoder interface {
	Encode() (map[string]any, error)
}

// Runner is the narrow executor capability threaded through the
// ExecutionContext. It lives in the model layer so composite steps can drive
// their children through the engine's checkpointing executor without the
// model depending on the engine.
type Runner interface {
	// ExecuteAndPersist runs one step inside the failure guard and persists
	// its result before returning.
	ExecuteAndPersist(ctx context.Context, step Step, ec ExecutionContext) (StepStatus, ExecutionContext, error)

	// ExecuteSequence runs steps in order, stopping on the first FAILED step.
	ExecuteSequence(ctx context.Context, steps []Step, ec ExecutionContext) (StepStatus, ExecutionContext, error)
}

// ExecutionContext is the immutable carrier of input parameters and step
// outputs threaded through a run, plus the Runner and log sink the steps
// need. New contexts are produced by WithStepOutput; existing ones are never
// mutated.
type ExecutionContext struct {
	inputs  map[string]any
	outputs map[string]any
	runner  Runner
	logger  *slog.Logger
}

// NewExecutionContext builds the initial context for a run.
func NewExecutionContext(inputs map[string]any, runner Runner, logger *slog.Logger) ExecutionContext {
	in := make(map[string]any, len(inputs))
	for k, v := range inputs {
		in[k] = v
	}
	if logger == nil {
		logger = slog.Default()
	}
	return ExecutionContext{
		inputs:  in,
		outputs: map[string]any{},
		runner:  runner,
		logger:  logger,
	}
}

// InputParameter looks up one input parameter by name.
func (ec ExecutionContext) InputParameter(name string) (any, bool) {
	v, ok := ec.inputs[name]
	return v, ok
}

// InputParameters returns a copy of the input parameter map.
func (ec ExecutionContext) InputParameters() map[string]any {
	out := make(map[string]any, len(ec.inputs))
	for k, v := range ec.inputs {
		out[k] = v
	}
	return out
}

// StepOutput looks up the recorded output of a previously executed step.
func (ec ExecutionContext) StepOutput(stepID string) (any, bool) {
	v, ok := ec.outputs[stepID]
	return v, ok
}

// StepOutputs returns a copy of the step output map.
func (ec ExecutionContext) StepOutputs() map[string]any {
	out := make(map[string]any, len(ec.outputs))
	for k, v := range ec.outputs {
		out[k] = v
	}
	return out
}

// WithStepOutput returns a new context with the given step output recorded.
// The receiver is left untouched.
func (ec ExecutionContext) WithStepOutput(stepID string, value any) ExecutionContext {
	outputs := make(map[string]any, len(ec.outputs)+1)
	for k, v := range ec.outputs {
		outputs[k] = v
	}
	outputs[stepID] = value
	return ExecutionContext{
		inputs:  ec.inputs,
		outputs: outputs,
		runner:  ec.runner,
		logger:  ec.logger,
	}
}

// Runner returns the executor capability carried by this context.
func (ec ExecutionContext) Runner() Runner {
	return ec.runner
}

// Logger returns the log sink carried by this context.
func (ec ExecutionContext) Logger() *slog.Logger {
	return ec.logger
}
