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

// Package engine runs workflow revisions: it validates the input parameters,
// creates the execution record, walks the step tree through a checkpointing
// executor and settles the final status.
package engine

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/fmeurisse/maestro-sub002/internal/ident"
	maestrolog "github.com/fmeurisse/maestro-sub002/internal/log"
	"github.com/fmeurisse/maestro-sub002/internal/store"
	"github.com/fmeurisse/maestro-sub002/pkg/workflow"
	"github.com/fmeurisse/maestro-sub002/pkg/workflow/params"
)

// Engine executes workflow revisions against the stores.
type Engine struct {
	revisions  *store.RevisionStore
	executions *store.ExecutionStore
	paramTypes *params.Registry
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an engine. A nil paramTypes falls back to the built-in
// parameter type registry.
func New(revisions *store.RevisionStore, executions *store.ExecutionStore, paramTypes *params.Registry, logger *slog.Logger) *Engine {
	if paramTypes == nil {
		paramTypes = params.DefaultRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		revisions:  revisions,
		executions: executions,
		paramTypes: paramTypes,
		logger:     logger,
		now:        time.Now,
	}
}

// Run executes one revision synchronously and returns the settled execution
// record. Parameter validation failures and a missing revision surface as
// errors before any execution row exists; once the row is created, a failing
// workflow is a successful Run returning an execution with status FAILED.
func (e *Engine) Run(ctx context.Context, id workflow.RevisionID, provided map[string]any) (*store.Execution, error) {
	rev, err := e.revisions.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	validation := params.Validate(provided, rev.Parameters, e.paramTypes)
	if err := validation.Err(); err != nil {
		return nil, err
	}

	executionID, err := ident.New()
	if err != nil {
		return nil, err
	}
	exec := &store.Execution{
		ExecutionID:     executionID,
		Revision:        id,
		InputParameters: validation.Validated,
		Status:          store.StatusRunning,
	}
	if err := e.executions.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	logger := maestrolog.WithExecutionContext(e.logger, executionID, id.String())
	logger.Info("execution started",
		slog.Int("steps", len(rev.Steps)),
		slog.Int("parameters", len(validation.Validated)),
	)

	start := e.now()
	finalStatus, errorMessage := e.walk(ctx, rev, executionID, validation.Validated, logger)
	executionDuration.Observe(e.now().Sub(start).Seconds())
	executionsTotal.WithLabelValues(string(finalStatus)).Inc()

	if err := e.executions.UpdateExecutionStatus(ctx, executionID, finalStatus, errorMessage); err != nil {
		return nil, err
	}

	logger.Info("execution finished", slog.String("status", string(finalStatus)))
	return e.executions.FindByID(ctx, executionID)
}

// walk drives the root steps through the executor and maps the outcome to a
// terminal execution status.
func (e *Engine) walk(ctx context.Context, rev *workflow.Revision, executionID string, inputs map[string]any, logger *slog.Logger) (store.ExecutionStatus, string) {
	// The executor attaches its own step context per checkpoint, so it gets
	// the base logger; the execution context logger carries execution_id for
	// the steps themselves.
	executor := newStepExecutor(executionID, e.executions, e.logger, e.now)
	ec := workflow.NewExecutionContext(inputs, executor, logger)

	status, _, err := executor.ExecuteSequence(ctx, rev.Steps, ec)
	switch {
	case err != nil && (stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)):
		return store.StatusCancelled, "execution cancelled"
	case err != nil:
		return store.StatusFailed, err.Error()
	case status == workflow.StepFailed:
		return store.StatusFailed, "execution aborted on failed step"
	default:
		return store.StatusCompleted, ""
	}
}

// SweepOrphans fails RUNNING and PENDING executions untouched since the
// cutoff. The daemon calls this once at startup; an execution that was alive
// when the previous process died can never make progress again.
func (e *Engine) SweepOrphans(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := e.executions.SweepOrphans(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Warn("swept orphaned executions", slog.Int("count", n))
	}
	return n, nil
}
