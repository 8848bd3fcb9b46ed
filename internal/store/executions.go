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
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/fmeurisse/maestro-sub002/internal/ident"
	"github.com/fmeurisse/maestro-sub002/pkg/errors"
	"github.com/fmeurisse/maestro-sub002/pkg/workflow"
)

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusCancelled ExecutionStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Execution is one run of a workflow revision.
type Execution struct {
	ExecutionID     string              `json:"executionId"`
	Revision        workflow.RevisionID `json:"revision"`
	InputParameters map[string]any      `json:"inputParameters"`
	Status          ExecutionStatus     `json:"status"`
	ErrorMessage    string              `json:"errorMessage,omitempty"`
	StartedAt       time.Time           `json:"startedAt"`
	CompletedAt     *time.Time          `json:"completedAt,omitempty"`
	LastUpdatedAt   time.Time           `json:"lastUpdatedAt"`
}

// StepResult is one checkpoint: the persisted outcome of a single step
// execution. Rows are append-only; step indices are dense per execution.
type StepResult struct {
	ResultID     string              `json:"resultId"`
	ExecutionID  string              `json:"executionId"`
	StepIndex    int                 `json:"stepIndex"`
	StepID       string              `json:"stepId"`
	StepType     string              `json:"stepType"`
	Status       workflow.StepStatus `json:"status"`
	InputData    map[string]any      `json:"inputData,omitempty"`
	OutputData   map[string]any      `json:"outputData,omitempty"`
	ErrorMessage string              `json:"errorMessage,omitempty"`
	ErrorDetails map[string]any      `json:"errorDetails,omitempty"`
	StartedAt    time.Time           `json:"startedAt"`
	CompletedAt  time.Time           `json:"completedAt"`
}

// ExecutionStore persists executions and their step result checkpoints.
type ExecutionStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewExecutionStore creates an execution store on an open database.
func NewExecutionStore(db *DB) *ExecutionStore {
	return &ExecutionStore{db: db.db, now: time.Now}
}

// CreateExecution inserts a new execution row. The caller supplies the
// execution id (a 21-character NanoID); StartedAt and LastUpdatedAt are set
// here.
func (s *ExecutionStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if !ident.ValidExecutionID(exec.ExecutionID) {
		return &errors.MalformedIdentifierError{
			Field: "executionId", Value: exec.ExecutionID,
			Reason: "must be a 21-character URL-safe id",
		}
	}
	if err := exec.Revision.Validate(); err != nil {
		return err
	}

	now := s.now().UTC()
	exec.StartedAt = now
	exec.LastUpdatedAt = now
	if exec.Status == "" {
		exec.Status = StatusPending
	}

	inputs := exec.InputParameters
	if inputs == nil {
		inputs = map[string]any{}
	}
	inputJSON, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("failed to encode input parameters: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions
			(execution_id, namespace, workflow_id, version, input_parameters, status, error_message, started_at, completed_at, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, NULL, ?)`,
		exec.ExecutionID, exec.Revision.Namespace, exec.Revision.ID, exec.Revision.Version,
		string(inputJSON), string(exec.Status), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// UpdateExecutionStatus transitions an execution to a new status. Terminal
// states absorb: once an execution is COMPLETED, FAILED or CANCELLED the
// update is a silent no-op, so a late engine write cannot overwrite a
// concurrent cancellation. Reaching a terminal status sets completedAt.
func (s *ExecutionStore) UpdateExecutionStatus(ctx context.Context, executionID string, status ExecutionStatus, errorMessage string) error {
	now := s.now().UTC()

	var completedAt any
	if status.Terminal() {
		completedAt = now.UnixNano()
	}

	var errMsg any
	if errorMessage != "" {
		errMsg = errorMessage
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = ?, error_message = ?, completed_at = ?, last_updated_at = ?
		WHERE execution_id = ? AND status NOT IN (?, ?, ?)`,
		string(status), errMsg, completedAt, now.UnixNano(),
		executionID, string(StatusCompleted), string(StatusFailed), string(StatusCancelled),
	)
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Either unknown or already terminal; only the former is an error
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM workflow_executions WHERE execution_id = ?`, executionID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check execution existence: %w", err)
		}
		if exists == 0 {
			return &errors.NotFoundError{Resource: "execution", ID: executionID}
		}
	}
	return nil
}

// FindByID reads a single execution.
func (s *ExecutionStore) FindByID(ctx context.Context, executionID string) (*Execution, error) {
	if !ident.ValidExecutionID(executionID) {
		return nil, &errors.MalformedIdentifierError{
			Field: "executionId", Value: executionID,
			Reason: "must be a 21-character URL-safe id",
		}
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, namespace, workflow_id, version, input_parameters, status, error_message, started_at, completed_at, last_updated_at
		FROM workflow_executions
		WHERE execution_id = ?`,
		executionID,
	)
	exec, err := scanExecution(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	return exec, err
}

// FindByWorkflow lists the executions of a workflow ordered by startedAt
// descending, optionally filtered by status, with offset pagination. The
// limit must be within 1..100 and the offset non-negative.
func (s *ExecutionStore) FindByWorkflow(ctx context.Context, id workflow.WorkflowID, status *ExecutionStatus, limit, offset int) ([]*Execution, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 100 {
		return nil, &errors.MalformedIdentifierError{
			Field: "limit", Value: fmt.Sprintf("%d", limit),
			Reason: "must be between 1 and 100",
		}
	}
	if offset < 0 {
		return nil, &errors.MalformedIdentifierError{
			Field: "offset", Value: fmt.Sprintf("%d", offset),
			Reason: "must not be negative",
		}
	}

	query := `
		SELECT execution_id, namespace, workflow_id, version, input_parameters, status, error_message, started_at, completed_at, last_updated_at
		FROM workflow_executions
		WHERE namespace = ? AND workflow_id = ?`
	args := []any{id.Namespace, id.ID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// CountByWorkflow counts the executions matching a FindByWorkflow query,
// ignoring pagination.
func (s *ExecutionStore) CountByWorkflow(ctx context.Context, id workflow.WorkflowID, status *ExecutionStatus) (int, error) {
	if err := id.Validate(); err != nil {
		return 0, err
	}

	query := `SELECT COUNT(*) FROM workflow_executions WHERE namespace = ? AND workflow_id = ?`
	args := []any{id.Namespace, id.ID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}

// SaveStepResult appends one step result checkpoint. The result id is
// assigned here unless the caller supplies a well-formed one. Indices are
// dense per execution; inserting a duplicate index is a bug in the caller
// and surfaces as a constraint error.
func (s *ExecutionStore) SaveStepResult(ctx context.Context, result *StepResult) error {
	if result.ResultID == "" {
		resultID, err := ident.New()
		if err != nil {
			return fmt.Errorf("failed to generate result id: %w", err)
		}
		result.ResultID = resultID
	} else if !ident.ValidResultID(result.ResultID) {
		return &errors.MalformedIdentifierError{
			Field: "resultId", Value: result.ResultID,
			Reason: fmt.Sprintf("must be 1-%d characters over [A-Za-z0-9_-]", ident.MaxIDLength),
		}
	}

	encode := func(m map[string]any) (any, error) {
		if m == nil {
			return nil, nil
		}
		b, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}

	inputJSON, err := encode(result.InputData)
	if err != nil {
		return fmt.Errorf("failed to encode step input: %w", err)
	}
	outputJSON, err := encode(result.OutputData)
	if err != nil {
		return fmt.Errorf("failed to encode step output: %w", err)
	}
	detailsJSON, err := encode(result.ErrorDetails)
	if err != nil {
		return fmt.Errorf("failed to encode error details: %w", err)
	}

	var errMsg any
	if result.ErrorMessage != "" {
		errMsg = result.ErrorMessage
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_step_results
			(result_id, execution_id, step_index, step_id, step_type, status, input_data, output_data, error_message, error_details, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ResultID, result.ExecutionID, result.StepIndex, result.StepID, result.StepType,
		string(result.Status), inputJSON, outputJSON, errMsg, detailsJSON,
		result.StartedAt.UnixNano(), result.CompletedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert step result: %w", err)
	}
	return nil
}

// FindStepResultsByExecutionID returns every checkpoint of an execution
// ordered by step index.
func (s *ExecutionStore) FindStepResultsByExecutionID(ctx context.Context, executionID string) ([]*StepResult, error) {
	if !ident.ValidExecutionID(executionID) {
		return nil, &errors.MalformedIdentifierError{
			Field: "executionId", Value: executionID,
			Reason: "must be a 21-character URL-safe id",
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT result_id, execution_id, step_index, step_id, step_type, status, input_data, output_data, error_message, error_details, started_at, completed_at
		FROM execution_step_results
		WHERE execution_id = ?
		ORDER BY step_index ASC`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list step results: %w", err)
	}
	defer rows.Close()

	var results []*StepResult
	for rows.Next() {
		var r StepResult
		var status string
		var inputJSON, outputJSON, errMsg, detailsJSON sql.NullString
		var startedAtNanos, completedAtNanos int64

		err := rows.Scan(
			&r.ResultID, &r.ExecutionID, &r.StepIndex, &r.StepID, &r.StepType, &status,
			&inputJSON, &outputJSON, &errMsg, &detailsJSON, &startedAtNanos, &completedAtNanos,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}

		r.Status = workflow.StepStatus(status)
		r.ErrorMessage = errMsg.String
		r.StartedAt = time.Unix(0, startedAtNanos).UTC()
		r.CompletedAt = time.Unix(0, completedAtNanos).UTC()

		if inputJSON.Valid {
			if err := json.Unmarshal([]byte(inputJSON.String), &r.InputData); err != nil {
				return nil, fmt.Errorf("failed to decode step input: %w", err)
			}
		}
		if outputJSON.Valid {
			if err := json.Unmarshal([]byte(outputJSON.String), &r.OutputData); err != nil {
				return nil, fmt.Errorf("failed to decode step output: %w", err)
			}
		}
		if detailsJSON.Valid {
			if err := json.Unmarshal([]byte(detailsJSON.String), &r.ErrorDetails); err != nil {
				return nil, fmt.Errorf("failed to decode error details: %w", err)
			}
		}

		results = append(results, &r)
	}
	return results, rows.Err()
}

// SweepOrphans marks RUNNING and PENDING executions last touched before the
// cutoff as FAILED. The daemon runs this at startup so executions stranded
// by a crash do not stay RUNNING forever. Returns the number of executions
// swept.
func (s *ExecutionStore) SweepOrphans(ctx context.Context, olderThan time.Time) (int, error) {
	now := s.now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = ?, error_message = ?, completed_at = ?, last_updated_at = ?
		WHERE status IN (?, ?) AND last_updated_at < ?`,
		string(StatusFailed), "execution orphaned by daemon restart",
		now.UnixNano(), now.UnixNano(),
		string(StatusRunning), string(StatusPending), olderThan.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep orphaned executions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// scanExecution reads one execution row.
func scanExecution(row scanner) (*Execution, error) {
	var exec Execution
	var status, inputJSON string
	var errMsg sql.NullString
	var startedAtNanos, lastUpdatedAtNanos int64
	var completedAtNanos sql.NullInt64

	err := row.Scan(
		&exec.ExecutionID, &exec.Revision.Namespace, &exec.Revision.ID, &exec.Revision.Version,
		&inputJSON, &status, &errMsg, &startedAtNanos, &completedAtNanos, &lastUpdatedAtNanos,
	)
	if err != nil {
		return nil, err
	}

	exec.Status = ExecutionStatus(status)
	exec.ErrorMessage = errMsg.String
	exec.StartedAt = time.Unix(0, startedAtNanos).UTC()
	exec.LastUpdatedAt = time.Unix(0, lastUpdatedAtNanos).UTC()
	if completedAtNanos.Valid {
		t := time.Unix(0, completedAtNanos.Int64).UTC()
		exec.CompletedAt = &t
	}

	if err := json.Unmarshal([]byte(inputJSON), &exec.InputParameters); err != nil {
		return nil, fmt.Errorf("failed to decode input parameters: %w", err)
	}

	return &exec, nil
}
