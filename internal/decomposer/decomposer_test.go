package decomposer

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orchestrator-ai/planner/internal/llm"
	"github.com/orchestrator-ai/planner/internal/plan"
	"github.com/orchestrator-ai/planner/internal/planfiles"
	"github.com/orchestrator-ai/planner/internal/regstore"
)

type scriptedClient struct {
	replies []string
	calls   int
}

func (c *scriptedClient) Complete(_ context.Context, _ llm.Request) (llm.Response, error) {
	if c.calls >= len(c.replies) {
		return llm.Response{}, fmt.Errorf("no more scripted replies")
	}
	text := c.replies[c.calls]
	c.calls++
	return llm.Response{Text: text}, nil
}

func newTestRepo(t *testing.T) *plan.Repository {
	t.Helper()
	dir := t.TempDir()
	reg, err := regstore.Open(dir + "/registry.db")
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	files, err := planfiles.New(dir, 8)
	require.NoError(t, err)
	t.Cleanup(files.Close)
	return plan.New(reg, files, dir)
}

func TestRunSingleNodeCreatesChildren(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	planID, err := repo.CreatePlan(ctx, "Root plan", "", nil)
	require.NoError(t, err)
	tree, err := repo.GetPlanTree(ctx, planID)
	require.NoError(t, err)
	root := tree.Nodes[0].ID

	reply := fmt.Sprintf(`{"target_node_id": %d, "mode": "single_node", "should_stop": false,
		"children": [{"name": "step one", "leaf": true}, {"name": "step two", "leaf": true}]}`, root)
	client := &scriptedClient{replies: []string{reply}}

	d, err := New(repo, client, "test-model", 512)
	require.NoError(t, err)

	stats, err := d.Run(ctx, planID, ModeSingleNode, &root, Options{MaxDepth: 3, MaxChildren: 5, TotalNodeBudget: 10, RetryLimit: 1}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, stats.NodesCreated)
	require.Equal(t, 1, stats.LLMCalls)
	require.Empty(t, stats.FailedNodes)

	tree, err = repo.GetPlanTree(ctx, planID)
	require.NoError(t, err)
	require.Len(t, tree.Nodes, 3)
}

func TestRunRetriesOnInvalidJSONThenSucceeds(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	planID, err := repo.CreatePlan(ctx, "Root plan", "", nil)
	require.NoError(t, err)
	tree, err := repo.GetPlanTree(ctx, planID)
	require.NoError(t, err)
	root := tree.Nodes[0].ID

	good := fmt.Sprintf(`{"target_node_id": %d, "mode": "single_node", "should_stop": false, "children": [{"name": "ok", "leaf": true}]}`, root)
	client := &scriptedClient{replies: []string{"not json at all", good}}

	d, err := New(repo, client, "test-model", 512)
	require.NoError(t, err)

	stats, err := d.Run(ctx, planID, ModeSingleNode, &root, Options{MaxDepth: 2, MaxChildren: 5, TotalNodeBudget: 5, RetryLimit: 2}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, stats.NodesCreated)
	require.Equal(t, 2, stats.LLMCalls)
}

func TestRunStopsAtNodeBudget(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	planID, err := repo.CreatePlan(ctx, "Root plan", "", nil)
	require.NoError(t, err)
	tree, err := repo.GetPlanTree(ctx, planID)
	require.NoError(t, err)
	root := tree.Nodes[0].ID

	reply := fmt.Sprintf(`{"target_node_id": %d, "mode": "single_node", "should_stop": false,
		"children": [{"name": "a", "leaf": true}, {"name": "b", "leaf": true}, {"name": "c", "leaf": true}]}`, root)
	client := &scriptedClient{replies: []string{reply}}

	d, err := New(repo, client, "test-model", 512)
	require.NoError(t, err)

	stats, err := d.Run(ctx, planID, ModeSingleNode, &root, Options{MaxDepth: 2, MaxChildren: 5, TotalNodeBudget: 2, RetryLimit: 1}, nil)
	require.NoError(t, err)
	require.Equal(t, StoppedNodeBudget, stats.StoppedReason)
}

func TestRunRecordsFailedNodeAfterExhaustingRetries(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	planID, err := repo.CreatePlan(ctx, "Root plan", "", nil)
	require.NoError(t, err)
	tree, err := repo.GetPlanTree(ctx, planID)
	require.NoError(t, err)
	root := tree.Nodes[0].ID

	client := &scriptedClient{replies: []string{"nope", "still nope"}}

	d, err := New(repo, client, "test-model", 512)
	require.NoError(t, err)

	stats, err := d.Run(ctx, planID, ModeSingleNode, &root, Options{MaxDepth: 2, MaxChildren: 5, TotalNodeBudget: 5, RetryLimit: 2}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, stats.NodesCreated)
	require.Equal(t, []int64{root}, stats.FailedNodes)
}
