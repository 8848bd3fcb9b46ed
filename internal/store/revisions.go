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

	"github.com/fmeurisse/maestro-sub002/pkg/errors"
	"github.com/fmeurisse/maestro-sub002/pkg/workflow"
	"github.com/fmeurisse/maestro-sub002/pkg/workflow/document"
)

// RevisionStore persists workflow revisions together with their original
// source text. Every operation runs in a single transaction; version
// assignment and the updatedAt optimistic-lock protocol live here.
type RevisionStore struct {
	db       *sql.DB
	registry *workflow.Registry
	now      func() time.Time
}

// NewRevisionStore creates a revision store on an open database.
func NewRevisionStore(db *DB, registry *workflow.Registry) *RevisionStore {
	if registry == nil {
		registry = workflow.DefaultRegistry()
	}
	return &RevisionStore{db: db.db, registry: registry, now: time.Now}
}

// SaveFirst inserts version 1 of a workflow. It fails with AlreadyExists when
// any revision of (namespace, id) is stored. The returned revision carries
// the assigned version and timestamps, and its source text has the metadata
// lines patched in.
func (s *RevisionStore) SaveFirst(ctx context.Context, rws *workflow.RevisionWithSource) (*workflow.RevisionWithSource, error) {
	if err := rws.Revision.WorkflowID().Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_revisions WHERE namespace = ? AND workflow_id = ?`,
		rws.Revision.Namespace, rws.Revision.ID,
	).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("failed to check workflow existence: %w", err)
	}
	if count > 0 {
		return nil, &errors.AlreadyExistsError{Resource: "workflow", ID: rws.Revision.WorkflowID().String()}
	}

	stored, err := s.insertRevision(ctx, tx, rws, 1)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return stored, nil
}

// SaveNext atomically assigns maxVersion+1 and stores the revision under it.
// It fails with NotFound when the workflow does not exist.
func (s *RevisionStore) SaveNext(ctx context.Context, id workflow.WorkflowID, rws *workflow.RevisionWithSource) (*workflow.RevisionWithSource, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxVersion int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM workflow_revisions WHERE namespace = ? AND workflow_id = ?`,
		id.Namespace, id.ID,
	).Scan(&maxVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to read max version: %w", err)
	}
	if maxVersion == 0 {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id.String()}
	}

	rws.Revision.Namespace = id.Namespace
	rws.Revision.ID = id.ID

	stored, err := s.insertRevision(ctx, tx, rws, maxVersion+1)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return stored, nil
}

// insertRevision stores a revision under the given version inside tx. New
// revisions always start inactive; the source text gets the version and
// timestamp lines patched.
func (s *RevisionStore) insertRevision(ctx context.Context, tx *sql.Tx, rws *workflow.RevisionWithSource, version int) (*workflow.RevisionWithSource, error) {
	rev := rws.Revision
	rev.Version = version
	rev.Active = false
	now := s.now().UTC().Truncate(time.Microsecond)
	rev.CreatedAt = now
	rev.UpdatedAt = now

	if err := rev.Validate(); err != nil {
		return nil, err
	}

	paramsJSON, stepsJSON, err := s.encodePayloads(&rev)
	if err != nil {
		return nil, err
	}

	active := false
	source := document.UpdateMetadata(rws.Source, document.Metadata{
		Version:   &rev.Version,
		CreatedAt: &rev.CreatedAt,
		UpdatedAt: &rev.UpdatedAt,
		Active:    &active,
	})

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_revisions
			(namespace, workflow_id, version, name, description, parameters, steps, source, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		rev.Namespace, rev.ID, rev.Version, rev.Name, rev.Description,
		paramsJSON, stepsJSON, source, rev.CreatedAt.UnixNano(), rev.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert revision: %w", err)
	}

	return &workflow.RevisionWithSource{Revision: rev, Source: source}, nil
}

// UpdateInactive replaces the mutable fields (name, description, parameters,
// steps) and the source text of an inactive revision. The identity fields of
// rws select the stored row and never change; a document carrying a createdAt
// that differs from the stored one is rejected, a document without one keeps
// the stored value.
func (s *RevisionStore) UpdateInactive(ctx context.Context, rws *workflow.RevisionWithSource) (*workflow.RevisionWithSource, error) {
	id := rws.Revision.RevisionID()
	if err := id.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var active bool
	var createdAtNanos, updatedAtNanos int64
	err = tx.QueryRowContext(ctx,
		`SELECT active, created_at, updated_at FROM workflow_revisions WHERE namespace = ? AND workflow_id = ? AND version = ?`,
		id.Namespace, id.ID, id.Version,
	).Scan(&active, &createdAtNanos, &updatedAtNanos)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "revision", ID: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read revision: %w", err)
	}
	if active {
		return nil, &errors.ActiveConflictError{Resource: "revision", ID: id.String(), Operation: "update"}
	}

	rev := rws.Revision
	if !rev.CreatedAt.IsZero() && rev.CreatedAt.UnixNano() != createdAtNanos {
		return nil, &errors.InvalidRevisionError{Violations: []string{
			fmt.Sprintf("createdAt is immutable: document says %s, stored is %s",
				rev.CreatedAt.UTC().Format(time.RFC3339Nano),
				time.Unix(0, createdAtNanos).UTC().Format(time.RFC3339Nano)),
		}}
	}
	rev.CreatedAt = time.Unix(0, createdAtNanos).UTC()
	rev.Active = false
	rev.UpdatedAt = s.now().UTC().Truncate(time.Microsecond)
	if !rev.UpdatedAt.After(time.Unix(0, updatedAtNanos)) {
		rev.UpdatedAt = time.Unix(0, updatedAtNanos).UTC().Add(time.Microsecond)
	}

	if err := rev.Validate(); err != nil {
		return nil, err
	}

	paramsJSON, stepsJSON, err := s.encodePayloads(&rev)
	if err != nil {
		return nil, err
	}

	inactive := false
	source := document.UpdateMetadata(rws.Source, document.Metadata{
		Version:   &rev.Version,
		CreatedAt: &rev.CreatedAt,
		UpdatedAt: &rev.UpdatedAt,
		Active:    &inactive,
	})

	_, err = tx.ExecContext(ctx, `
		UPDATE workflow_revisions
		SET name = ?, description = ?, parameters = ?, steps = ?, source = ?, updated_at = ?
		WHERE namespace = ? AND workflow_id = ? AND version = ?`,
		rev.Name, rev.Description, paramsJSON, stepsJSON, source, rev.UpdatedAt.UnixNano(),
		id.Namespace, id.ID, id.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update revision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &workflow.RevisionWithSource{Revision: rev, Source: source}, nil
}

// SetActive flips the active flag under a compare-and-swap on updatedAt. The
// source text is patched for both the active and updatedAt lines. Concurrent
// callers presenting the same expected stamp race: exactly one wins, the
// others observe OptimisticLockConflict.
func (s *RevisionStore) SetActive(ctx context.Context, id workflow.RevisionID, expectedUpdatedAt time.Time, active bool) (*workflow.RevisionWithSource, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var source string
	var updatedAtNanos int64
	err = tx.QueryRowContext(ctx,
		`SELECT source, updated_at FROM workflow_revisions WHERE namespace = ? AND workflow_id = ? AND version = ?`,
		id.Namespace, id.ID, id.Version,
	).Scan(&source, &updatedAtNanos)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "revision", ID: id.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read revision: %w", err)
	}

	expected := expectedUpdatedAt.UnixNano()
	if updatedAtNanos != expected {
		return nil, &errors.OptimisticLockConflictError{
			Expected: expectedUpdatedAt.UTC(),
			Actual:   time.Unix(0, updatedAtNanos).UTC(),
		}
	}

	// Guarantee the lock token actually moves, even inside one microsecond
	newUpdatedAt := s.now().UTC().Truncate(time.Microsecond)
	if !newUpdatedAt.After(time.Unix(0, updatedAtNanos)) {
		newUpdatedAt = time.Unix(0, updatedAtNanos).UTC().Add(time.Microsecond)
	}
	patched := document.UpdateMetadata(source, document.Metadata{
		UpdatedAt: &newUpdatedAt,
		Active:    &active,
	})

	result, err := tx.ExecContext(ctx, `
		UPDATE workflow_revisions
		SET active = ?, updated_at = ?, source = ?
		WHERE namespace = ? AND workflow_id = ? AND version = ? AND updated_at = ?`,
		active, newUpdatedAt.UnixNano(), patched,
		id.Namespace, id.ID, id.Version, expected,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update active flag: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, &errors.OptimisticLockConflictError{
			Expected: expectedUpdatedAt.UTC(),
			Actual:   time.Unix(0, updatedAtNanos).UTC(),
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return s.GetWithSource(ctx, id)
}

// Get reads a single revision without its source text.
func (s *RevisionStore) Get(ctx context.Context, id workflow.RevisionID) (*workflow.Revision, error) {
	rws, err := s.GetWithSource(ctx, id)
	if err != nil {
		return nil, err
	}
	return &rws.Revision, nil
}

// GetWithSource reads a single revision together with its source text.
func (s *RevisionStore) GetWithSource(ctx context.Context, id workflow.RevisionID) (*workflow.RevisionWithSource, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT namespace, workflow_id, version, name, description, parameters, steps, source, active, created_at, updated_at
		FROM workflow_revisions
		WHERE namespace = ? AND workflow_id = ? AND version = ?`,
		id.Namespace, id.ID, id.Version,
	)
	rws, err := s.scanRevision(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, &errors.NotFoundError{Resource: "revision", ID: id.String()}
	}
	return rws, err
}

// ListByWorkflow returns the revisions of a workflow ordered by version
// ascending, optionally filtered by the active flag. When activeFilter is
// true and no revision is active, NotFound is returned.
func (s *RevisionStore) ListByWorkflow(ctx context.Context, id workflow.WorkflowID, activeFilter *bool) ([]*workflow.Revision, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	query := `
		SELECT namespace, workflow_id, version, name, description, parameters, steps, source, active, created_at, updated_at
		FROM workflow_revisions
		WHERE namespace = ? AND workflow_id = ?`
	args := []any{id.Namespace, id.ID}
	if activeFilter != nil {
		query += ` AND active = ?`
		args = append(args, *activeFilter)
	}
	query += ` ORDER BY version ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}
	defer rows.Close()

	var revisions []*workflow.Revision
	for rows.Next() {
		rws, err := s.scanRevision(rows)
		if err != nil {
			return nil, err
		}
		rev := rws.Revision
		revisions = append(revisions, &rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate revisions: %w", err)
	}

	if len(revisions) == 0 {
		if activeFilter != nil && *activeFilter {
			return nil, &errors.NotFoundError{Resource: "active revision", ID: id.String()}
		}
		// Distinguish an unknown workflow from one with no matching revisions
		var count int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM workflow_revisions WHERE namespace = ? AND workflow_id = ?`,
			id.Namespace, id.ID,
		).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to check workflow existence: %w", err)
		}
		if count == 0 {
			return nil, &errors.NotFoundError{Resource: "workflow", ID: id.String()}
		}
	}

	return revisions, nil
}

// DeleteRevision removes a single revision. Active revisions cannot be
// deleted.
func (s *RevisionStore) DeleteRevision(ctx context.Context, id workflow.RevisionID) error {
	if err := id.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var active bool
	err = tx.QueryRowContext(ctx,
		`SELECT active FROM workflow_revisions WHERE namespace = ? AND workflow_id = ? AND version = ?`,
		id.Namespace, id.ID, id.Version,
	).Scan(&active)
	if stderrors.Is(err, sql.ErrNoRows) {
		return &errors.NotFoundError{Resource: "revision", ID: id.String()}
	}
	if err != nil {
		return fmt.Errorf("failed to read revision: %w", err)
	}
	if active {
		return &errors.ActiveConflictError{Resource: "revision", ID: id.String(), Operation: "delete"}
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM workflow_revisions WHERE namespace = ? AND workflow_id = ? AND version = ?`,
		id.Namespace, id.ID, id.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to delete revision: %w", err)
	}

	return tx.Commit()
}

// DeleteWorkflow removes every revision of a workflow. It is idempotent:
// deleting an unknown workflow succeeds. It fails with ActiveConflict while
// any revision is active.
func (s *RevisionStore) DeleteWorkflow(ctx context.Context, id workflow.WorkflowID) error {
	if err := id.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var activeCount int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_revisions WHERE namespace = ? AND workflow_id = ? AND active = 1`,
		id.Namespace, id.ID,
	).Scan(&activeCount)
	if err != nil {
		return fmt.Errorf("failed to check active revisions: %w", err)
	}
	if activeCount > 0 {
		return &errors.ActiveConflictError{Resource: "workflow", ID: id.String(), Operation: "delete"}
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM workflow_revisions WHERE namespace = ? AND workflow_id = ?`,
		id.Namespace, id.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	return tx.Commit()
}

// ListWorkflows returns the distinct (namespace, id) pairs stored under a
// namespace, ordered by id.
func (s *RevisionStore) ListWorkflows(ctx context.Context, namespace string) ([]workflow.WorkflowID, error) {
	if err := workflow.ValidateIDPart("namespace", namespace); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT namespace, workflow_id FROM workflow_revisions WHERE namespace = ? ORDER BY workflow_id ASC`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var ids []workflow.WorkflowID
	for rows.Next() {
		var id workflow.WorkflowID
		if err := rows.Scan(&id.Namespace, &id.ID); err != nil {
			return nil, fmt.Errorf("failed to scan workflow id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for scanRevision.
type scanner interface {
	Scan(dest ...any) error
}

// scanRevision reads one revision row including its source.
func (s *RevisionStore) scanRevision(row scanner) (*workflow.RevisionWithSource, error) {
	var rev workflow.Revision
	var source, paramsJSON, stepsJSON string
	var createdAtNanos, updatedAtNanos int64

	err := row.Scan(
		&rev.Namespace, &rev.ID, &rev.Version, &rev.Name, &rev.Description,
		&paramsJSON, &stepsJSON, &source, &rev.Active, &createdAtNanos, &updatedAtNanos,
	)
	if err != nil {
		return nil, err
	}

	rev.CreatedAt = time.Unix(0, createdAtNanos).UTC()
	rev.UpdatedAt = time.Unix(0, updatedAtNanos).UTC()

	if err := json.Unmarshal([]byte(paramsJSON), &rev.Parameters); err != nil {
		return nil, fmt.Errorf("failed to decode parameters: %w", err)
	}

	var stepFields []map[string]any
	if err := json.Unmarshal([]byte(stepsJSON), &stepFields); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}
	rev.Steps = make([]workflow.Step, 0, len(stepFields))
	for _, fields := range stepFields {
		step, err := s.registry.Decode(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to decode stored step: %w", err)
		}
		rev.Steps = append(rev.Steps, step)
	}

	return &workflow.RevisionWithSource{Revision: rev, Source: source}, nil
}

// encodePayloads serializes the parameters and steps of a revision to JSON.
func (s *RevisionStore) encodePayloads(rev *workflow.Revision) (string, string, error) {
	parameters := rev.Parameters
	if parameters == nil {
		parameters = []workflow.ParameterDefinition{}
	}
	paramsJSON, err := json.Marshal(parameters)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode parameters: %w", err)
	}

	stepFields := make([]map[string]any, 0, len(rev.Steps))
	for _, step := range rev.Steps {
		fields, err := s.registry.Encode(step)
		if err != nil {
			return "", "", fmt.Errorf("failed to encode step: %w", err)
		}
		stepFields = append(stepFields, fields)
	}
	stepsJSON, err := json.Marshal(stepFields)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode steps: %w", err)
	}

	return string(paramsJSON), string(stepsJSON), nil
}
