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

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	maestrolog "github.com/fmeurisse/maestro-sub002/internal/log"
	"github.com/fmeurisse/maestro-sub002/internal/store"
	"github.com/fmeurisse/maestro-sub002/pkg/workflow"
)

// stepExecutor is the workflow.Runner for one execution. It owns the step
// index counter, so checkpoints come out dense and in completion order:
// children of a composite step are persisted before the composite itself.
//
// An executor is confined to the goroutine driving its execution; it is not
// safe for concurrent use.
type stepExecutor struct {
	executionID string
	executions  *store.ExecutionStore
	logger      *slog.Logger
	now         func() time.Time
	nextIndex   int
}

func newStepExecutor(executionID string, executions *store.ExecutionStore, logger *slog.Logger, now func() time.Time) *stepExecutor {
	return &stepExecutor{
		executionID: executionID,
		executions:  executions,
		logger:      logger,
		now:         now,
	}
}

// ExecuteAndPersist runs one step inside the failure guard and persists its
// checkpoint before returning. A step failure (error or panic) is captured in
// the returned status, never as the error return; the error return is
// reserved for infrastructure problems such as a failed checkpoint write or a
// cancelled context.
func (e *stepExecutor) ExecuteAndPersist(ctx context.Context, step workflow.Step, ec workflow.ExecutionContext) (workflow.StepStatus, workflow.ExecutionContext, error) {
	if err := ctx.Err(); err != nil {
		return workflow.StepFailed, ec, err
	}

	startedAt := e.now().UTC()
	status, next, output, err := e.executeGuarded(ctx, step, ec)
	completedAt := e.now().UTC()

	result := &store.StepResult{
		ExecutionID: e.executionID,
		StepID:      step.StepID(),
		StepType:    step.Type(),
		Status:      status,
		InputData:   ec.InputParameters(),
		StartedAt:   startedAt,
		CompletedAt: completedAt,
	}
	if err != nil {
		result.ErrorMessage = err.Error()
		result.ErrorDetails = errorDetails(err)
	}
	if status == workflow.StepCompleted && output != nil {
		result.OutputData = outputMap(output)
		next = next.WithStepOutput(step.StepID(), output)
	}

	// Children persisted their own rows during Execute, so a composite's
	// index is claimed here, after its subtree.
	result.StepIndex = e.nextIndex
	e.nextIndex++

	if saveErr := e.executions.SaveStepResult(ctx, result); saveErr != nil {
		return workflow.StepFailed, next, fmt.Errorf("failed to checkpoint step %q: %w", step.StepID(), saveErr)
	}

	stepLogger := maestrolog.WithStepContext(e.logger, e.executionID, step.StepID())
	if status == workflow.StepFailed {
		stepLogger.Warn("step failed",
			slog.String("step_type", step.Type()),
			slog.String("error", result.ErrorMessage),
		)
	} else {
		stepLogger.Debug("step finished",
			slog.String("step_type", step.Type()),
			slog.String("status", string(status)),
		)
	}
	stepsTotal.WithLabelValues(step.Type(), string(status)).Inc()

	return status, next, nil
}

// ExecuteSequence runs steps in order, stopping at the first FAILED step.
// Steps after the failure are never run and leave no trace rows.
func (e *stepExecutor) ExecuteSequence(ctx context.Context, steps []workflow.Step, ec workflow.ExecutionContext) (workflow.StepStatus, workflow.ExecutionContext, error) {
	for _, step := range steps {
		status, next, err := e.ExecuteAndPersist(ctx, step, ec)
		if err != nil {
			return workflow.StepFailed, next, err
		}
		ec = next
		if status == workflow.StepFailed {
			return workflow.StepFailed, ec, nil
		}
	}
	return workflow.StepCompleted, ec, nil
}

// executeGuarded invokes the step with a panic guard. A panicking step is
// reported as FAILED with the panic value and stack captured, and never takes
// the execution down.
func (e *stepExecutor) executeGuarded(ctx context.Context, step workflow.Step, ec workflow.ExecutionContext) (status workflow.StepStatus, next workflow.ExecutionContext, output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			status = workflow.StepFailed
			next = ec
			output = nil
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return step.Execute(ctx, ec)
}

// panicError wraps a recovered panic so it travels the normal error path.
type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string {
	return fmt.Sprintf("step panicked: %v", p.value)
}

// errorDetails builds the structured error payload persisted alongside a
// failed step.
func errorDetails(err error) map[string]any {
	if p, ok := err.(*panicError); ok {
		return map[string]any{
			"errorType":  "panic",
			"stackTrace": p.stack,
		}
	}
	return map[string]any{
		"errorType": fmt.Sprintf("%T", err),
	}
}

// outputMap normalizes a step output into the stored map form. Steps emit
// maps already; anything else is wrapped under "value".
func outputMap(output any) map[string]any {
	if m, ok := output.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": output}
}
