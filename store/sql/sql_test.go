package sql

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orcasched/orca/core"
	"github.com/orcasched/orca/store"
	"github.com/orcasched/orca/taskevent"
)

func sqliteStore(t *testing.T) store.Store {
	t.Helper()

	s, err := NewSqliteStore(filepath.Join(t.TempDir(), "orca.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	return s
}

func TestSqliteStore_WorkflowInstanceRoundTrip(t *testing.T) {
	s := sqliteStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))

	wi := core.NewWorkflowInstance("def-1", core.CommandTypeStart, time.Unix(100, 0).UTC())
	wi.Tenant = "tenant-a"
	wi.ParentInstanceID = "parent-1"
	wi.ParentNodeCode = "sub-node"

	require.NoError(t, s.CreateWorkflowInstance(ctx, wi))
	require.ErrorIs(t, s.CreateWorkflowInstance(ctx, wi), store.ErrInstanceAlreadyExists)

	got, err := s.GetWorkflowInstance(ctx, wi.ID)
	require.NoError(t, err)
	require.Equal(t, wi.DefinitionID, got.DefinitionID)
	require.Equal(t, wi.Tenant, got.Tenant)
	require.Equal(t, wi.ParentInstanceID, got.ParentInstanceID)
	require.True(t, wi.StartedAt.Equal(got.StartedAt))
	require.True(t, got.EndedAt.IsZero())
	require.True(t, got.SubWorkflow())

	got.State = core.WorkflowStateFailed
	got.EndedAt = time.Unix(200, 0).UTC()
	require.NoError(t, s.UpdateWorkflowInstance(ctx, got))

	updated, err := s.GetWorkflowInstance(ctx, wi.ID)
	require.NoError(t, err)
	require.Equal(t, core.WorkflowStateFailed, updated.State)
	require.True(t, updated.EndedAt.Equal(time.Unix(200, 0)))

	_, err = s.GetWorkflowInstance(ctx, "missing")
	require.ErrorIs(t, err, store.ErrInstanceNotFound)

	missing := core.NewWorkflowInstance("def-1", core.CommandTypeStart, time.Unix(100, 0))
	require.ErrorIs(t, s.UpdateWorkflowInstance(ctx, missing), store.ErrInstanceNotFound)
}

func TestSqliteStore_ListRunningWorkflowInstances(t *testing.T) {
	s := sqliteStore(t)
	ctx := context.Background()

	running := core.NewWorkflowInstance("def-1", core.CommandTypeStart, time.Unix(100, 0))
	require.NoError(t, s.CreateWorkflowInstance(ctx, running))

	finished := core.NewWorkflowInstance("def-1", core.CommandTypeStart, time.Unix(100, 0))
	finished.State = core.WorkflowStateSuccess
	require.NoError(t, s.CreateWorkflowInstance(ctx, finished))

	got, err := s.ListRunningWorkflowInstances(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, running.ID, got[0].ID)
}

func TestSqliteStore_TaskInstanceRoundTrip(t *testing.T) {
	s := sqliteStore(t)
	ctx := context.Background()

	task := core.NewTaskInstance("wf-1", "node-a", time.Unix(100, 0).UTC())
	require.NoError(t, s.CreateTaskInstance(ctx, task))

	task.State = core.TaskStateSuccess
	task.Host = "w1:1234"
	task.StartedAt = time.Unix(101, 0).UTC()
	task.EndedAt = time.Unix(102, 0).UTC()
	task.Varpool = map[string]string{"out": "42", taskevent.BranchKey: "node-b"}
	require.NoError(t, s.UpdateTaskInstance(ctx, task))

	got, err := s.GetTaskInstance(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, core.TaskStateSuccess, got.State)
	require.Equal(t, "w1:1234", got.Host)
	require.True(t, got.StartedAt.Equal(task.StartedAt))
	require.True(t, got.EndedAt.Equal(task.EndedAt))
	require.Equal(t, task.Varpool, got.Varpool)

	_, err = s.GetTaskInstance(ctx, "missing")
	require.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestSqliteStore_ListTaskInstancesOrderedBySubmission(t *testing.T) {
	s := sqliteStore(t)
	ctx := context.Background()

	second := core.NewTaskInstance("wf-1", "node-b", time.Unix(200, 0))
	first := core.NewTaskInstance("wf-1", "node-a", time.Unix(100, 0))
	other := core.NewTaskInstance("wf-2", "node-a", time.Unix(150, 0))

	require.NoError(t, s.CreateTaskInstance(ctx, second))
	require.NoError(t, s.CreateTaskInstance(ctx, first))
	require.NoError(t, s.CreateTaskInstance(ctx, other))

	tasks, err := s.ListTaskInstances(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "node-a", tasks[0].NodeCode)
	require.Equal(t, "node-b", tasks[1].NodeCode)
}

func TestSqliteStore_AppendEventDeduplicates(t *testing.T) {
	s := sqliteStore(t)
	ctx := context.Background()

	ts := time.Unix(100, 0)
	require.NoError(t, s.AppendEvent(ctx, taskevent.NewAckEvent("wf-1", "t-1", "w1:1234", ts)))

	// Redelivery of the same report has a fresh event id but the same
	// fingerprint.
	require.ErrorIs(t, s.AppendEvent(ctx, taskevent.NewAckEvent("wf-1", "t-1", "w1:1234", ts)), store.ErrDuplicateEvent)

	require.NoError(t, s.AppendEvent(ctx, taskevent.NewRunningEvent("wf-1", "t-1", "w1:1234", "", ts)))
	require.NoError(t, s.AppendEvent(ctx, taskevent.NewAckEvent("wf-1", "t-1", "w1:1234", ts.Add(time.Second))))
}

func TestSqliteStore_MigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orca.sqlite")

	s, err := NewSqliteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening runs migrations against an up-to-date schema.
	s, err = NewSqliteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
