package planstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "plan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndGetTask(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	id, err := s.InsertTask(ctx, Task{Name: "Root", Path: "0"})
	require.NoError(t, err)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Root", task.Name)
	require.Equal(t, StatusPending, task.Status)
	require.Empty(t, task.Dependencies)
}

func TestSetDependenciesRejectsCycle(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	a, err := s.InsertTask(ctx, Task{Name: "A"})
	require.NoError(t, err)
	b, err := s.InsertTask(ctx, Task{Name: "B"})
	require.NoError(t, err)

	require.NoError(t, s.SetDependencies(ctx, b, []int64{a}))
	err = s.SetDependencies(ctx, a, []int64{b})
	require.ErrorIs(t, err, ErrCycleDetected)
}

func TestExistingTaskIDsFiltersDangling(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	a, err := s.InsertTask(ctx, Task{Name: "A"})
	require.NoError(t, err)

	existing, err := s.ExistingTaskIDs(ctx, []int64{a, 99999})
	require.NoError(t, err)
	require.True(t, existing[a])
	require.False(t, existing[99999])
}

func TestReadyTasksRespectsDependencies(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	a, err := s.InsertTask(ctx, Task{Name: "A"})
	require.NoError(t, err)
	b, err := s.InsertTask(ctx, Task{Name: "B"})
	require.NoError(t, err)
	require.NoError(t, s.SetDependencies(ctx, b, []int64{a}))

	ready, err := s.ReadyTasks(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, a, ready[0].ID)

	status := StatusCompleted
	require.NoError(t, s.UpdateTask(ctx, a, TaskFields{Status: &status}))

	ready, err = s.ReadyTasks(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, b, ready[0].ID)
}

func TestHasFailedPrerequisitePropagatesTransitively(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	a, err := s.InsertTask(ctx, Task{Name: "A"})
	require.NoError(t, err)
	b, err := s.InsertTask(ctx, Task{Name: "B"})
	require.NoError(t, err)
	c, err := s.InsertTask(ctx, Task{Name: "C"})
	require.NoError(t, err)
	require.NoError(t, s.SetDependencies(ctx, b, []int64{a}))
	require.NoError(t, s.SetDependencies(ctx, c, []int64{b}))

	failed := StatusFailed
	require.NoError(t, s.UpdateTask(ctx, b, TaskFields{Status: &failed}))

	has, err := s.HasFailedPrerequisite(ctx, c)
	require.NoError(t, err)
	require.True(t, has)

	has, err = s.HasFailedPrerequisite(ctx, a)
	require.NoError(t, err)
	require.False(t, has)
}

func TestWouldCycleIfReparented(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	root, err := s.InsertTask(ctx, Task{Name: "root"})
	require.NoError(t, err)
	child, err := s.InsertTask(ctx, Task{Name: "child", ParentID: sql.NullInt64{Int64: root, Valid: true}})
	require.NoError(t, err)

	would, err := s.WouldCycleIfReparented(ctx, root, child)
	require.NoError(t, err)
	require.True(t, would)

	would, err = s.WouldCycleIfReparented(ctx, child, root)
	require.NoError(t, err)
	require.False(t, would)
}

func TestActionAndJobLogSequencesMonotonic(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	const jobID = "job-1"
	for i := 0; i < 3; i++ {
		seq, err := s.NextJobLogSequence(ctx, jobID)
		require.NoError(t, err)
		_, err = s.AppendJobLog(ctx, JobLogEntry{JobID: jobID, Sequence: seq, Level: "info", Message: "tick"})
		require.NoError(t, err)
	}

	logs, err := s.JobLogsSince(ctx, jobID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	require.Equal(t, int64(1), logs[0].Sequence)
	require.Equal(t, int64(3), logs[2].Sequence)

	resumed, err := s.JobLogsSince(ctx, jobID, 1)
	require.NoError(t, err)
	require.Len(t, resumed, 2)
	require.Equal(t, int64(2), resumed[0].Sequence)
}

func TestClearAllTasks(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	_, err := s.InsertTask(ctx, Task{Name: "A"})
	require.NoError(t, err)
	require.NoError(t, s.ClearAllTasks(ctx))

	tasks, err := s.ListTasks(ctx)
	require.NoError(t, err)
	require.Empty(t, tasks)
}
