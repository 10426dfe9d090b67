package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orchestrator-ai/planner/internal/regstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	reg, err := regstore.Open(t.TempDir() + "/registry.db")
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return New(reg)
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	first, err := st.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "sess-1", first.ID)
	require.Equal(t, NameSourceDefault, first.NameSource)
	require.False(t, first.IsUserNamed)
	require.Nil(t, first.PlanID)

	second, err := st.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestRenameSticksAgainstAutoTitle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, err := st.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)

	require.NoError(t, st.Rename(ctx, "sess-1", "My plan"))
	sess, err := st.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, sess.IsUserNamed)
	require.Equal(t, NameSourceUser, sess.NameSource)

	// Callers must check IsUserNamed before calling AutoTitle; this
	// exercises that AutoTitle itself does not reset the sticky flag,
	// even though it does overwrite the name if invoked anyway.
	require.NoError(t, st.AutoTitle(ctx, "sess-1", "auto title", NameSourceHeuristic))
	sess, err = st.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "auto title", sess.Name)
	require.True(t, sess.IsUserNamed)
}

func TestBindToPlanAndAppendMessage(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, err := st.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)

	require.NoError(t, st.BindToPlan(ctx, "sess-1", 42))
	sess, err := st.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, sess.PlanID)
	require.Equal(t, int64(42), *sess.PlanID)

	require.NoError(t, st.UnbindPlan(ctx, "sess-1"))
	sess, err = st.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Nil(t, sess.PlanID)

	require.NoError(t, st.BindToPlan(ctx, "sess-1", 42))
	_, err = st.AppendMessage(ctx, "sess-1", "user", "hello", "{}")
	require.NoError(t, err)
	_, err = st.AppendMessage(ctx, "sess-1", "assistant", "hi", "{}")
	require.NoError(t, err)

	msgs, err := st.RecentMessages(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "hello", msgs[0].Content)

	n, err := st.UserMessageCount(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	sess, err = st.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, sess.LastMessageAt)
}

func TestArchiveAndDelete(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	_, err := st.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)

	require.NoError(t, st.Archive(ctx, "sess-1"))
	sess, err := st.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.False(t, sess.IsActive)

	require.NoError(t, st.Delete(ctx, "sess-1"))
	_, err = st.Get(ctx, "sess-1")
	require.ErrorIs(t, err, regstore.ErrNotFound)
}
