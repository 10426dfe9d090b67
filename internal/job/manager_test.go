package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrator-ai/planner/internal/regstore"
)

func newTestManager(t *testing.T, queueCapacity int) (*Manager, *Store) {
	t.Helper()
	dir := t.TempDir()

	st, err := Open(dir + "/jobs.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg, err := regstore.Open(dir + "/registry.db")
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	return New(st, reg, queueCapacity), st
}

func TestCreateRunsRegisteredHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, _ := newTestManager(t, 8)
	done := make(chan struct{})
	m.RegisterHandler("demo", func(ctx context.Context, m *Manager, rec Record) (string, string, error) {
		close(done)
		return `{"ok":true}`, `{"llm_calls":1}`, nil
	})
	m.Start(ctx, 2)

	id, err := m.Create(ctx, "demo", nil, nil, "sess-1", "{}")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	require.Eventually(t, func() bool {
		status, _, _, _, err := m.GetJob(ctx, id, 0)
		return err == nil && status.Status == StatusSucceeded
	}, time.Second, 10*time.Millisecond)
}

func TestCreateFailsWhenQueueFull(t *testing.T) {
	ctx := context.Background()

	// No worker is started, so the queue (capacity 1) never drains.
	m, _ := newTestManager(t, 1)

	_, err := m.Create(ctx, "slow", nil, nil, "", "{}")
	require.NoError(t, err)

	_, err = m.Create(ctx, "slow", nil, nil, "", "{}")
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestMarkFailureRecordsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, _ := newTestManager(t, 8)
	m.RegisterHandler("boom", func(ctx context.Context, m *Manager, rec Record) (string, string, error) {
		return "", "", errExploded
	})
	m.Start(ctx, 1)

	id, err := m.Create(ctx, "boom", nil, nil, "", "{}")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, _, _, _, err := m.GetJob(ctx, id, 0)
		return err == nil && status.Status == StatusFailed
	}, time.Second, 10*time.Millisecond)

	status, _, _, _, err := m.GetJob(ctx, id, 0)
	require.NoError(t, err)
	require.Contains(t, status.Error, "exploded")
}

func TestAppendLogBroadcastsToSubscriber(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t, 8)
	require.NoError(t, st.Insert(ctx, CreateParams{ID: "job-1", JobType: "demo"}))

	ch, unsubscribe := m.Subscribe("job-1")
	defer unsubscribe()

	require.NoError(t, m.AppendLog(ctx, "job-1", "info", "starting", map[string]any{"api_key": "secret"}))

	select {
	case ev := <-ch:
		require.NotNil(t, ev.Event)
		require.Equal(t, "starting", ev.Event.Message)
		require.Contains(t, ev.Event.MetadataJSON, "redacted")
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSubscribeClosesOnTerminalStatus(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t, 8)
	require.NoError(t, st.Insert(ctx, CreateParams{ID: "job-2", JobType: "demo"}))

	ch, unsubscribe := m.Subscribe("job-2")
	defer unsubscribe()

	require.NoError(t, m.MarkSuccess(ctx, "job-2", `{"ok":true}`, "{}"))

	select {
	case _, ok := <-ch:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("no terminal event received")
	}
	_, ok := <-ch
	require.False(t, ok, "channel should be closed after terminal status")
}

var errExploded = errDemo("exploded")

type errDemo string

func (e errDemo) Error() string { return string(e) }
