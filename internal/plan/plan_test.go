package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orchestrator-ai/planner/internal/planfiles"
	"github.com/orchestrator-ai/planner/internal/regstore"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	dir := t.TempDir()
	reg, err := regstore.Open(dir + "/registry.db")
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	files, err := planfiles.New(dir, 8)
	require.NoError(t, err)
	t.Cleanup(files.Close)

	return New(reg, files, dir)
}

func TestCreatePlanSeedsRootTask(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	id, err := repo.CreatePlan(ctx, "Phage therapy research", "", nil)
	require.NoError(t, err)

	tree, err := repo.GetPlanTree(ctx, id)
	require.NoError(t, err)
	require.Len(t, tree.Nodes, 1)
	require.Nil(t, tree.Nodes[0].ParentID)
	require.Equal(t, "Phage therapy research", tree.Nodes[0].Name)
}

func TestCreateTaskAnchorBefore(t *testing.T) {
	// Mirrors scenario B: siblings [A(pos=0), B(pos=1), C(pos=2)], insert X
	// before B, expect X at pos=1, B->2, C->3.
	ctx := context.Background()
	repo := newTestRepo(t)

	planID, err := repo.CreatePlan(ctx, "P", "", nil)
	require.NoError(t, err)
	tree, err := repo.GetPlanTree(ctx, planID)
	require.NoError(t, err)
	root := tree.Nodes[0].ID

	aID, _, err := repo.CreateTask(ctx, planID, CreateTaskParams{ParentID: &root, Name: "A"})
	require.NoError(t, err)
	bID, _, err := repo.CreateTask(ctx, planID, CreateTaskParams{ParentID: &root, Name: "B"})
	require.NoError(t, err)
	cID, _, err := repo.CreateTask(ctx, planID, CreateTaskParams{ParentID: &root, Name: "C"})
	require.NoError(t, err)

	xID, _, err := repo.CreateTask(ctx, planID, CreateTaskParams{
		ParentID: &root, Name: "X", AnchorTaskID: &bID, AnchorPosition: AnchorBefore,
	})
	require.NoError(t, err)

	tree, err = repo.GetPlanTree(ctx, planID)
	require.NoError(t, err)
	byID := map[int64]*Node{}
	for _, n := range tree.Nodes {
		byID[n.ID] = n
	}
	require.Equal(t, 0, byID[aID].Position)
	require.Equal(t, 1, byID[xID].Position)
	require.Equal(t, 2, byID[bID].Position)
	require.Equal(t, 3, byID[cID].Position)
}

func TestCreateTaskDropsInvalidDependency(t *testing.T) {
	// Mirrors scenario C.
	ctx := context.Background()
	repo := newTestRepo(t)

	planID, err := repo.CreatePlan(ctx, "P", "", nil)
	require.NoError(t, err)
	tree, err := repo.GetPlanTree(ctx, planID)
	require.NoError(t, err)
	root := tree.Nodes[0].ID

	yID, warnings, err := repo.CreateTask(ctx, planID, CreateTaskParams{
		ParentID: &root, Name: "Y", Dependencies: []int64{99999},
	})
	require.NoError(t, err)
	require.NotEmpty(t, warnings)

	tree, err = repo.GetPlanTree(ctx, planID)
	require.NoError(t, err)
	y := tree.ByID(yID)
	require.NotNil(t, y)
	require.Empty(t, y.Dependencies)
}

func TestCreateTaskInvalidAnchorMismatch(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	planID, err := repo.CreatePlan(ctx, "P", "", nil)
	require.NoError(t, err)
	tree, err := repo.GetPlanTree(ctx, planID)
	require.NoError(t, err)
	root := tree.Nodes[0].ID

	other := int64(999999)
	_, _, err = repo.CreateTask(ctx, planID, CreateTaskParams{
		ParentID: &root, Name: "X", AnchorTaskID: &other, AnchorPosition: AnchorBefore,
	})
	require.ErrorIs(t, err, ErrInvalidAnchor)
}

func TestMoveTaskRejectsCycle(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	planID, err := repo.CreatePlan(ctx, "P", "", nil)
	require.NoError(t, err)
	tree, err := repo.GetPlanTree(ctx, planID)
	require.NoError(t, err)
	root := tree.Nodes[0].ID

	childID, _, err := repo.CreateTask(ctx, planID, CreateTaskParams{ParentID: &root, Name: "child"})
	require.NoError(t, err)

	err = repo.MoveTask(ctx, planID, root, &childID, nil, "", nil)
	require.ErrorIs(t, err, ErrCycleDetected)
}

func TestDeleteTaskRemovesSubtreeAndResequences(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	planID, err := repo.CreatePlan(ctx, "P", "", nil)
	require.NoError(t, err)
	tree, err := repo.GetPlanTree(ctx, planID)
	require.NoError(t, err)
	root := tree.Nodes[0].ID

	aID, _, err := repo.CreateTask(ctx, planID, CreateTaskParams{ParentID: &root, Name: "A"})
	require.NoError(t, err)
	_, _, err = repo.CreateTask(ctx, planID, CreateTaskParams{ParentID: &aID, Name: "A-child"})
	require.NoError(t, err)
	bID, _, err := repo.CreateTask(ctx, planID, CreateTaskParams{ParentID: &root, Name: "B"})
	require.NoError(t, err)

	require.NoError(t, repo.DeleteTask(ctx, planID, aID))

	tree, err = repo.GetPlanTree(ctx, planID)
	require.NoError(t, err)
	require.Nil(t, tree.ByID(aID))
	b := tree.ByID(bID)
	require.NotNil(t, b)
	require.Equal(t, 0, b.Position)
}

func TestUpsertPlanTreeRoundTrip(t *testing.T) {
	// Invariant 4/5: round-trip and idempotence modulo assigned ids.
	ctx := context.Background()
	repo := newTestRepo(t)

	planID, err := repo.CreatePlan(ctx, "P", "", nil)
	require.NoError(t, err)
	tree, err := repo.GetPlanTree(ctx, planID)
	require.NoError(t, err)

	tree.Title = "P"
	tree.Nodes = append(tree.Nodes, &Node{ID: 1001, ParentID: &tree.Nodes[0].ID, Position: 0, Name: "child"})

	require.NoError(t, repo.UpsertPlanTree(ctx, tree, ""))
	first, err := repo.GetPlanTree(ctx, planID)
	require.NoError(t, err)
	require.Len(t, first.Nodes, 2)

	require.NoError(t, repo.UpsertPlanTree(ctx, first, ""))
	second, err := repo.GetPlanTree(ctx, planID)
	require.NoError(t, err)
	require.Len(t, second.Nodes, 2)
}

func TestGetPlanSummaryCounts(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	planID, err := repo.CreatePlan(ctx, "P", "", nil)
	require.NoError(t, err)

	counts, err := repo.GetPlanSummary(ctx, planID)
	require.NoError(t, err)
	require.Equal(t, 1, counts["pending"])
}
