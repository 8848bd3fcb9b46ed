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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmeurisse/maestro-sub002/pkg/errors"
	"github.com/fmeurisse/maestro-sub002/pkg/workflow"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestRevisionStore(t *testing.T) *RevisionStore {
	t.Helper()
	return NewRevisionStore(openTestDB(t), nil)
}

func sampleRevision(namespace, id string) *workflow.RevisionWithSource {
	source := fmt.Sprintf(`namespace: %s
id: %s
name: Sample
description: A sample workflow
parameters:
  - name: user
    type: STRING
    required: true
steps:
  - type: LogTask
    id: greet
    message: "hi ${user}"
`, namespace, id)
	return &workflow.RevisionWithSource{
		Revision: workflow.Revision{
			Namespace:   namespace,
			ID:          id,
			Name:        "Sample",
			Description: "A sample workflow",
			Parameters: []workflow.ParameterDefinition{
				{Name: "user", Type: "STRING", Required: true},
			},
			Steps: []workflow.Step{
				&workflow.LogTask{ID: "greet", Message: "hi ${user}"},
			},
		},
		Source: source,
	}
}

func TestSaveFirstAssignsVersionOne(t *testing.T) {
	s := newTestRevisionStore(t)
	ctx := context.Background()

	stored, err := s.SaveFirst(ctx, sampleRevision("ns", "wf"))
	require.NoError(t, err)

	assert.Equal(t, 1, stored.Revision.Version)
	assert.False(t, stored.Revision.Active)
	assert.Equal(t, stored.Revision.CreatedAt, stored.Revision.UpdatedAt)
	assert.Contains(t, stored.Source, "version: 1\n")
	assert.Contains(t, stored.Source, "active: false\n")

	got, err := s.GetWithSource(ctx, stored.Revision.RevisionID())
	require.NoError(t, err)
	assert.Equal(t, stored.Source, got.Source)
	assert.Equal(t, "Sample", got.Revision.Name)
	require.Len(t, got.Revision.Steps, 1)
	assert.Equal(t, workflow.TypeLogTask, got.Revision.Steps[0].Type())
}

func TestSaveFirstPreservesSourceText(t *testing.T) {
	s := newTestRevisionStore(t)

	rws := sampleRevision("ns", "wf")
	rws.Source = "# authored by hand\n" + rws.Source

	stored, err := s.SaveFirst(context.Background(), rws)
	require.NoError(t, err)

	assert.Contains(t, stored.Source, "# authored by hand\n")
	assert.Contains(t, stored.Source, `message: "hi ${user}"`)
}

func TestSaveFirstAlreadyExists(t *testing.T) {
	s := newTestRevisionStore(t)
	ctx := context.Background()

	_, err := s.SaveFirst(ctx, sampleRevision("ns", "wf"))
	require.NoError(t, err)

	_, err = s.SaveFirst(ctx, sampleRevision("ns", "wf"))
	var exists *errors.AlreadyExistsError
	require.True(t, stderrors.As(err, &exists))
}

func TestSaveNextAssignsSequentialVersions(t *testing.T) {
	s := newTestRevisionStore(t)
	ctx := context.Background()
	id := workflow.WorkflowID{Namespace: "ns", ID: "wf"}

	_, err := s.SaveFirst(ctx, sampleRevision("ns", "wf"))
	require.NoError(t, err)

	for want := 2; want <= 4; want++ {
		stored, err := s.SaveNext(ctx, id, sampleRevision("ns", "wf"))
		require.NoError(t, err)
		assert.Equal(t, want, stored.Revision.Version)
	}

	revisions, err := s.ListByWorkflow(ctx, id, nil)
	require.NoError(t, err)
	require.Len(t, revisions, 4)
	for i, rev := range revisions {
		assert.Equal(t, i+1, rev.Version, "versions must be dense and ascending")
	}
}

func TestSaveNextUnknownWorkflow(t *testing.T) {
	s := newTestRevisionStore(t)

	_, err := s.SaveNext(context.Background(), workflow.WorkflowID{Namespace: "ns", ID: "nope"}, sampleRevision("ns", "nope"))
	var notFound *errors.NotFoundError
	require.True(t, stderrors.As(err, &notFound))
}

func TestSetActive(t *testing.T) {
	s := newTestRevisionStore(t)
	ctx := context.Background()

	stored, err := s.SaveFirst(ctx, sampleRevision("ns", "wf"))
	require.NoError(t, err)
	id := stored.Revision.RevisionID()

	activated, err := s.SetActive(ctx, id, stored.Revision.UpdatedAt, true)
	require.NoError(t, err)
	assert.True(t, activated.Revision.Active)
	assert.Contains(t, activated.Source, "active: true\n")
	assert.True(t, activated.Revision.UpdatedAt.After(stored.Revision.UpdatedAt))

	// stale token from before activation
	_, err = s.SetActive(ctx, id, stored.Revision.UpdatedAt, false)
	var conflict *errors.OptimisticLockConflictError
	require.True(t, stderrors.As(err, &conflict))
	assert.Equal(t, stored.Revision.UpdatedAt, conflict.Expected)
	assert.Equal(t, activated.Revision.UpdatedAt, conflict.Actual)
}

func TestSetActiveSingleWinner(t *testing.T) {
	s := newTestRevisionStore(t)
	ctx := context.Background()

	stored, err := s.SaveFirst(ctx, sampleRevision("ns", "wf"))
	require.NoError(t, err)
	id := stored.Revision.RevisionID()
	token := stored.Revision.UpdatedAt

	const callers = 8
	var wg sync.WaitGroup
	results := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.SetActive(ctx, id, token, true)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		var conflict *errors.OptimisticLockConflictError
		require.True(t, stderrors.As(err, &conflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins, "exactly one caller may win the CAS")
}

func TestSetActiveNotFound(t *testing.T) {
	s := newTestRevisionStore(t)

	id := workflow.RevisionID{WorkflowID: workflow.WorkflowID{Namespace: "ns", ID: "wf"}, Version: 1}
	_, err := s.SetActive(context.Background(), id, s.now(), true)
	var notFound *errors.NotFoundError
	require.True(t, stderrors.As(err, &notFound))
}

func TestUpdateInactive(t *testing.T) {
	s := newTestRevisionStore(t)
	ctx := context.Background()

	stored, err := s.SaveFirst(ctx, sampleRevision("ns", "wf"))
	require.NoError(t, err)

	update := sampleRevision("ns", "wf")
	update.Revision.Version = 1
	update.Revision.Name = "Renamed"

	updated, err := s.UpdateInactive(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Revision.Name)
	assert.Equal(t, 1, updated.Revision.Version)
	assert.Equal(t, stored.Revision.CreatedAt, updated.Revision.CreatedAt, "createdAt is immutable")
	assert.True(t, updated.Revision.UpdatedAt.After(stored.Revision.UpdatedAt))
}

func TestUpdateInactiveRejectsChangedCreatedAt(t *testing.T) {
	s := newTestRevisionStore(t)
	ctx := context.Background()

	stored, err := s.SaveFirst(ctx, sampleRevision("ns", "wf"))
	require.NoError(t, err)

	update := sampleRevision("ns", "wf")
	update.Revision.Version = 1
	update.Revision.CreatedAt = stored.Revision.CreatedAt.Add(time.Hour)

	_, err = s.UpdateInactive(ctx, update)
	var invalid *errors.InvalidRevisionError
	require.True(t, stderrors.As(err, &invalid))
	assert.Contains(t, invalid.Violations[0], "createdAt is immutable")

	// a document that echoes the stored stamp is accepted
	update.Revision.CreatedAt = stored.Revision.CreatedAt
	_, err = s.UpdateInactive(ctx, update)
	require.NoError(t, err)
}

func TestUpdateInactiveRejectsActiveRevision(t *testing.T) {
	s := newTestRevisionStore(t)
	ctx := context.Background()

	stored, err := s.SaveFirst(ctx, sampleRevision("ns", "wf"))
	require.NoError(t, err)
	_, err = s.SetActive(ctx, stored.Revision.RevisionID(), stored.Revision.UpdatedAt, true)
	require.NoError(t, err)

	update := sampleRevision("ns", "wf")
	update.Revision.Version = 1

	_, err = s.UpdateInactive(ctx, update)
	var conflict *errors.ActiveConflictError
	require.True(t, stderrors.As(err, &conflict))
}

func TestImmutableIdentityFields(t *testing.T) {
	s := newTestRevisionStore(t)
	ctx := context.Background()

	stored, err := s.SaveFirst(ctx, sampleRevision("ns", "wf"))
	require.NoError(t, err)
	id := stored.Revision.RevisionID()

	activated, err := s.SetActive(ctx, id, stored.Revision.UpdatedAt, true)
	require.NoError(t, err)

	assert.Equal(t, stored.Revision.Namespace, activated.Revision.Namespace)
	assert.Equal(t, stored.Revision.ID, activated.Revision.ID)
	assert.Equal(t, stored.Revision.Version, activated.Revision.Version)
	assert.Equal(t, stored.Revision.CreatedAt, activated.Revision.CreatedAt)
}

func TestListByWorkflowActiveFilter(t *testing.T) {
	s := newTestRevisionStore(t)
	ctx := context.Background()
	id := workflow.WorkflowID{Namespace: "ns", ID: "wf"}

	stored, err := s.SaveFirst(ctx, sampleRevision("ns", "wf"))
	require.NoError(t, err)
	_, err = s.SaveNext(ctx, id, sampleRevision("ns", "wf"))
	require.NoError(t, err)

	active := true
	_, err = s.ListByWorkflow(ctx, id, &active)
	var notFound *errors.NotFoundError
	require.True(t, stderrors.As(err, &notFound), "active=true with no active revision is NotFound")

	_, err = s.SetActive(ctx, stored.Revision.RevisionID(), stored.Revision.UpdatedAt, true)
	require.NoError(t, err)

	revisions, err := s.ListByWorkflow(ctx, id, &active)
	require.NoError(t, err)
	require.Len(t, revisions, 1)
	assert.Equal(t, 1, revisions[0].Version)

	inactive := false
	revisions, err = s.ListByWorkflow(ctx, id, &inactive)
	require.NoError(t, err)
	require.Len(t, revisions, 1)
	assert.Equal(t, 2, revisions[0].Version)
}

func TestListByWorkflowUnknown(t *testing.T) {
	s := newTestRevisionStore(t)

	_, err := s.ListByWorkflow(context.Background(), workflow.WorkflowID{Namespace: "ns", ID: "nope"}, nil)
	var notFound *errors.NotFoundError
	require.True(t, stderrors.As(err, &notFound))
}

func TestDeleteRevision(t *testing.T) {
	s := newTestRevisionStore(t)
	ctx := context.Background()

	stored, err := s.SaveFirst(ctx, sampleRevision("ns", "wf"))
	require.NoError(t, err)
	id := stored.Revision.RevisionID()

	require.NoError(t, s.DeleteRevision(ctx, id))

	_, err = s.Get(ctx, id)
	var notFound *errors.NotFoundError
	require.True(t, stderrors.As(err, &notFound))

	err = s.DeleteRevision(ctx, id)
	require.True(t, stderrors.As(err, &notFound))
}

func TestDeleteRevisionActiveConflict(t *testing.T) {
	s := newTestRevisionStore(t)
	ctx := context.Background()

	stored, err := s.SaveFirst(ctx, sampleRevision("ns", "wf"))
	require.NoError(t, err)
	id := stored.Revision.RevisionID()
	_, err = s.SetActive(ctx, id, stored.Revision.UpdatedAt, true)
	require.NoError(t, err)

	err = s.DeleteRevision(ctx, id)
	var conflict *errors.ActiveConflictError
	require.True(t, stderrors.As(err, &conflict))
}

func TestDeleteWorkflowIdempotent(t *testing.T) {
	s := newTestRevisionStore(t)
	ctx := context.Background()

	// deleting a workflow that never existed succeeds
	require.NoError(t, s.DeleteWorkflow(ctx, workflow.WorkflowID{Namespace: "ns", ID: "unknown"}))

	id := workflow.WorkflowID{Namespace: "ns", ID: "wf"}
	_, err := s.SaveFirst(ctx, sampleRevision("ns", "wf"))
	require.NoError(t, err)
	_, err = s.SaveNext(ctx, id, sampleRevision("ns", "wf"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteWorkflow(ctx, id))

	_, err = s.ListByWorkflow(ctx, id, nil)
	var notFound *errors.NotFoundError
	require.True(t, stderrors.As(err, &notFound))
}

func TestDeleteWorkflowActiveConflict(t *testing.T) {
	s := newTestRevisionStore(t)
	ctx := context.Background()
	id := workflow.WorkflowID{Namespace: "ns", ID: "wf"}

	stored, err := s.SaveFirst(ctx, sampleRevision("ns", "wf"))
	require.NoError(t, err)
	_, err = s.SaveNext(ctx, id, sampleRevision("ns", "wf"))
	require.NoError(t, err)
	_, err = s.SetActive(ctx, stored.Revision.RevisionID(), stored.Revision.UpdatedAt, true)
	require.NoError(t, err)

	err = s.DeleteWorkflow(ctx, id)
	var conflict *errors.ActiveConflictError
	require.True(t, stderrors.As(err, &conflict))

	// both revisions are still there
	revisions, err := s.ListByWorkflow(ctx, id, nil)
	require.NoError(t, err)
	assert.Len(t, revisions, 2)
}

func TestListWorkflows(t *testing.T) {
	s := newTestRevisionStore(t)
	ctx := context.Background()

	_, err := s.SaveFirst(ctx, sampleRevision("ns", "beta"))
	require.NoError(t, err)
	_, err = s.SaveFirst(ctx, sampleRevision("ns", "alpha"))
	require.NoError(t, err)
	_, err = s.SaveFirst(ctx, sampleRevision("other", "gamma"))
	require.NoError(t, err)

	ids, err := s.ListWorkflows(ctx, "ns")
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "alpha", ids[0].ID)
	assert.Equal(t, "beta", ids[1].ID)
}
