package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fmeurisse/maestro-sub002/pkg/workflow/expression"
)

// Built-in step type discriminators.
const (
	TypeSequence = "Sequence"
	TypeIf       = "If"
	TypeLogTask  = "LogTask"
)

// Sequence runs its children in order, stopping on the first FAILED child.
type Sequence struct {
	ID    string
	Steps []Step
}

// StepID returns the step identifier.
func (s *Sequence) StepID() string { return s.ID }

// Type returns the type discriminator.
func (s *Sequence) Type() string { return TypeSequence }

// Execute walks the children through the executor so each one is
// checkpointed. On a child failure it reports FAILED with the last good
// context; children after the failure are never run.
func (s *Sequence) Execute(ctx context.Context, ec ExecutionContext) (StepStatus, ExecutionContext, any, error) {
	status, next, err := ec.Runner().ExecuteSequence(ctx, s.Steps, ec)
	if err != nil {
		return StepFailed, next, nil, err
	}
	if status == StepFailed {
		return StepFailed, next, nil, fmt.Errorf("sequence %q aborted on failed step", s.ID)
	}
	return status, next, nil, nil
}

// Encode implements Encoder.
func (s *Sequence) Encode() (map[string]any, error) {
	children := make([]any, 0, len(s.Steps))
	for _, child := range s.Steps {
		enc, ok := child.(Encoder)
		if !ok {
			return nil, fmt.Errorf("step type %q is not encodable", child.Type())
		}
		fields, err := enc.Encode()
		if err != nil {
			return nil, err
		}
		children = append(children, fields)
	}
	return map[string]any{
		"type":  TypeSequence,
		"id":    s.ID,
		"steps": children,
	}, nil
}

// If evaluates a condition against the input parameters and runs the selected
// branch. A false condition with no else branch completes without doing
// anything.
type If struct {
	ID        string
	Condition string
	Then      Step
	Else      Step
}

// StepID returns the step identifier.
func (s *If) StepID() string { return s.ID }

// Type returns the type discriminator.
func (s *If) Type() string { return TypeIf }

// Execute evaluates the condition and delegates the chosen branch to the
// executor so the branch is checkpointed as its own step.
func (s *If) Execute(ctx context.Context, ec ExecutionContext) (StepStatus, ExecutionContext, any, error) {
	result, err := expression.Evaluate(s.Condition, ec.InputParameters())
	if err != nil {
		return StepFailed, ec, nil, fmt.Errorf("condition %q: %w", s.Condition, err)
	}

	output := map[string]any{"condition": s.Condition, "result": result}

	branch := s.Then
	if !result {
		branch = s.Else
	}
	if branch == nil {
		return StepCompleted, ec, output, nil
	}

	status, next, err := ec.Runner().ExecuteAndPersist(ctx, branch, ec)
	if err != nil {
		return StepFailed, next, nil, err
	}
	if status == StepFailed {
		return StepFailed, next, nil, fmt.Errorf("branch step %q failed", branch.StepID())
	}
	return status, next, output, nil
}

// Encode implements Encoder.
func (s *If) Encode() (map[string]any, error) {
	thenEnc, ok := s.Then.(Encoder)
	if !ok {
		return nil, fmt.Errorf("step type %q is not encodable", s.Then.Type())
	}
	thenFields, err := thenEnc.Encode()
	if err != nil {
		return nil, err
	}
	fields := map[string]any{
		"type":      TypeIf,
		"id":        s.ID,
		"condition": s.Condition,
		"ifTrue":    thenFields,
	}
	if s.Else != nil {
		elseEnc, ok := s.Else.(Encoder)
		if !ok {
			return nil, fmt.Errorf("step type %q is not encodable", s.Else.Type())
		}
		elseFields, err := elseEnc.Encode()
		if err != nil {
			return nil, err
		}
		fields["ifFalse"] = elseFields
	}
	return fields, nil
}

// LogTask emits its message to the execution's log sink. Occurrences of
// ${name} in the message are replaced with the corresponding input parameter.
type LogTask struct {
	ID      string
	Message string
}

// StepID returns the step identifier.
func (s *LogTask) StepID() string { return s.ID }

// Type returns the type discriminator.
func (s *LogTask) Type() string { return TypeLogTask }

// Execute writes the interpolated message to the sink.
func (s *LogTask) Execute(ctx context.Context, ec ExecutionContext) (StepStatus, ExecutionContext, any, error) {
	msg := expression.Interpolate(s.Message, ec.InputParameters())
	ec.Logger().Info(msg, slog.String("step_id", s.ID))
	return StepCompleted, ec, map[string]any{"message": msg}, nil
}

// Encode implements Encoder.
func (s *LogTask) Encode() (map[string]any, error) {
	return map[string]any{
		"type":    TypeLogTask,
		"id":      s.ID,
		"message": s.Message,
	}, nil
}
