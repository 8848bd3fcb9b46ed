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

package store

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmeurisse/maestro-sub002/internal/ident"
	"github.com/fmeurisse/maestro-sub002/pkg/errors"
	"github.com/fmeurisse/maestro-sub002/pkg/workflow"
)

func newTestExecutionStore(t *testing.T) *ExecutionStore {
	t.Helper()
	return NewExecutionStore(openTestDB(t))
}

func testRevisionID() workflow.RevisionID {
	return workflow.RevisionID{
		WorkflowID: workflow.WorkflowID{Namespace: "ns", ID: "wf"},
		Version:    1,
	}
}

func createTestExecution(t *testing.T, s *ExecutionStore, status ExecutionStatus) *Execution {
	t.Helper()
	executionID, err := ident.New()
	require.NoError(t, err)

	exec := &Execution{
		ExecutionID:     executionID,
		Revision:        testRevisionID(),
		InputParameters: map[string]any{"user": "ada"},
		Status:          status,
	}
	require.NoError(t, s.CreateExecution(context.Background(), exec))
	return exec
}

func TestCreateAndFindExecution(t *testing.T) {
	s := newTestExecutionStore(t)
	exec := createTestExecution(t, s, StatusRunning)

	got, err := s.FindByID(context.Background(), exec.ExecutionID)
	require.NoError(t, err)

	assert.Equal(t, exec.ExecutionID, got.ExecutionID)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, testRevisionID(), got.Revision)
	assert.Equal(t, map[string]any{"user": "ada"}, got.InputParameters)
	assert.Nil(t, got.CompletedAt)
	assert.False(t, got.StartedAt.IsZero())
}

func TestCreateExecutionRejectsBadID(t *testing.T) {
	s := newTestExecutionStore(t)

	err := s.CreateExecution(context.Background(), &Execution{
		ExecutionID: "not-a-nanoid",
		Revision:    testRevisionID(),
	})
	var malformed *errors.MalformedIdentifierError
	require.True(t, stderrors.As(err, &malformed))
}

func TestFindByIDMalformed(t *testing.T) {
	s := newTestExecutionStore(t)

	_, err := s.FindByID(context.Background(), "short")
	var malformed *errors.MalformedIdentifierError
	require.True(t, stderrors.As(err, &malformed))
}

func TestFindByIDUnknown(t *testing.T) {
	s := newTestExecutionStore(t)

	unknown, err := ident.New()
	require.NoError(t, err)

	_, err = s.FindByID(context.Background(), unknown)
	var notFound *errors.NotFoundError
	require.True(t, stderrors.As(err, &notFound))
}

func TestTerminalStatusAbsorbs(t *testing.T) {
	s := newTestExecutionStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s, StatusRunning)

	require.NoError(t, s.UpdateExecutionStatus(ctx, exec.ExecutionID, StatusCompleted, ""))

	got, err := s.FindByID(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.CompletedAt.Before(got.StartedAt))

	// a late write cannot move the execution out of its terminal state
	require.NoError(t, s.UpdateExecutionStatus(ctx, exec.ExecutionID, StatusFailed, "late failure"))

	got, err = s.FindByID(ctx, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func TestUpdateStatusUnknownExecution(t *testing.T) {
	s := newTestExecutionStore(t)

	unknown, err := ident.New()
	require.NoError(t, err)

	err = s.UpdateExecutionStatus(context.Background(), unknown, StatusFailed, "boom")
	var notFound *errors.NotFoundError
	require.True(t, stderrors.As(err, &notFound))
}

func TestStepResultsOrderedByIndex(t *testing.T) {
	s := newTestExecutionStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s, StatusRunning)

	now := time.Now().UTC()
	// inserted out of order on purpose
	for _, idx := range []int{2, 0, 1} {
		err := s.SaveStepResult(ctx, &StepResult{
			ExecutionID: exec.ExecutionID,
			StepIndex:   idx,
			StepID:      "step",
			StepType:    workflow.TypeLogTask,
			Status:      workflow.StepCompleted,
			OutputData:  map[string]any{"message": "hi"},
			StartedAt:   now,
			CompletedAt: now,
		})
		require.NoError(t, err)
	}

	results, err := s.FindStepResultsByExecutionID(ctx, exec.ExecutionID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, result := range results {
		assert.Equal(t, i, result.StepIndex)
		assert.True(t, ident.ValidResultID(result.ResultID))
	}
}

func TestSaveStepResultResultID(t *testing.T) {
	s := newTestExecutionStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s, StatusRunning)

	now := time.Now().UTC()
	supplied := &StepResult{
		ResultID:    "caller-supplied-id",
		ExecutionID: exec.ExecutionID,
		StepIndex:   0,
		StepID:      "step",
		StepType:    workflow.TypeLogTask,
		Status:      workflow.StepCompleted,
		StartedAt:   now,
		CompletedAt: now,
	}
	require.NoError(t, s.SaveStepResult(ctx, supplied))

	results, err := s.FindStepResultsByExecutionID(ctx, exec.ExecutionID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "caller-supplied-id", results[0].ResultID)

	err = s.SaveStepResult(ctx, &StepResult{
		ResultID:    "not a valid id!",
		ExecutionID: exec.ExecutionID,
		StepIndex:   1,
		StepID:      "step",
		StepType:    workflow.TypeLogTask,
		Status:      workflow.StepCompleted,
		StartedAt:   now,
		CompletedAt: now,
	})
	var malformed *errors.MalformedIdentifierError
	require.True(t, stderrors.As(err, &malformed))
}

func TestSaveStepResultFailureFields(t *testing.T) {
	s := newTestExecutionStore(t)
	ctx := context.Background()
	exec := createTestExecution(t, s, StatusRunning)

	now := time.Now().UTC()
	err := s.SaveStepResult(ctx, &StepResult{
		ExecutionID:  exec.ExecutionID,
		StepIndex:    0,
		StepID:       "bad",
		StepType:     workflow.TypeLogTask,
		Status:       workflow.StepFailed,
		ErrorMessage: "boom",
		ErrorDetails: map[string]any{"errorType": "panic", "stackTrace": "trace"},
		StartedAt:    now,
		CompletedAt:  now,
	})
	require.NoError(t, err)

	results, err := s.FindStepResultsByExecutionID(ctx, exec.ExecutionID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, workflow.StepFailed, results[0].Status)
	assert.Equal(t, "boom", results[0].ErrorMessage)
	assert.Equal(t, "panic", results[0].ErrorDetails["errorType"])
	assert.Nil(t, results[0].OutputData)
}

func TestFindByWorkflowPagination(t *testing.T) {
	s := newTestExecutionStore(t)
	ctx := context.Background()
	id := workflow.WorkflowID{Namespace: "ns", ID: "wf"}

	for i := 0; i < 5; i++ {
		createTestExecution(t, s, StatusCompleted)
	}
	createTestExecution(t, s, StatusFailed)

	page, err := s.FindByWorkflow(ctx, id, nil, 4, 0)
	require.NoError(t, err)
	assert.Len(t, page, 4)

	rest, err := s.FindByWorkflow(ctx, id, nil, 4, 4)
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	failed := StatusFailed
	onlyFailed, err := s.FindByWorkflow(ctx, id, &failed, 10, 0)
	require.NoError(t, err)
	assert.Len(t, onlyFailed, 1)

	count, err := s.CountByWorkflow(ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, count)

	count, err = s.CountByWorkflow(ctx, id, &failed)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFindByWorkflowBounds(t *testing.T) {
	s := newTestExecutionStore(t)
	ctx := context.Background()
	id := workflow.WorkflowID{Namespace: "ns", ID: "wf"}

	var malformed *errors.MalformedIdentifierError

	_, err := s.FindByWorkflow(ctx, id, nil, 0, 0)
	require.True(t, stderrors.As(err, &malformed))

	_, err = s.FindByWorkflow(ctx, id, nil, 101, 0)
	require.True(t, stderrors.As(err, &malformed))

	_, err = s.FindByWorkflow(ctx, id, nil, 10, -1)
	require.True(t, stderrors.As(err, &malformed))
}

func TestSweepOrphans(t *testing.T) {
	s := newTestExecutionStore(t)
	ctx := context.Background()

	running := createTestExecution(t, s, StatusRunning)
	pending := createTestExecution(t, s, StatusPending)
	done := createTestExecution(t, s, StatusRunning)
	require.NoError(t, s.UpdateExecutionStatus(ctx, done.ExecutionID, StatusCompleted, ""))

	n, err := s.SweepOrphans(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, executionID := range []string{running.ExecutionID, pending.ExecutionID} {
		got, err := s.FindByID(ctx, executionID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Equal(t, "execution orphaned by daemon restart", got.ErrorMessage)
		require.NotNil(t, got.CompletedAt)
	}

	got, err := s.FindByID(ctx, done.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}
