package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrator-ai/planner/internal/decomposer"
	"github.com/orchestrator-ai/planner/internal/executor"
	"github.com/orchestrator-ai/planner/internal/job"
	"github.com/orchestrator-ai/planner/internal/llm"
	"github.com/orchestrator-ai/planner/internal/plan"
	"github.com/orchestrator-ai/planner/internal/planfiles"
	"github.com/orchestrator-ai/planner/internal/regstore"
	"github.com/orchestrator-ai/planner/internal/session"
)

// queuedClient returns one scripted reply per call, in order, regardless of
// which component (agent, decomposer, executor) is asking.
type queuedClient struct {
	replies []string
	calls   int
}

func (c *queuedClient) Complete(_ context.Context, _ llm.Request) (llm.Response, error) {
	if c.calls >= len(c.replies) {
		return llm.Response{}, fmt.Errorf("no more scripted replies")
	}
	text := c.replies[c.calls]
	c.calls++
	return llm.Response{Text: text}, nil
}

type fakeTools struct{}

func (fakeTools) Invoke(_ context.Context, name string, parameters json.RawMessage) (string, json.RawMessage, error) {
	return fmt.Sprintf("%s executed", name), json.RawMessage(`{"hits":0}`), nil
}

type fixture struct {
	agent *Agent
	repo  *plan.Repository
	sess  *session.Store
	jobs  *job.Manager
}

func newFixture(t *testing.T, client llm.Client) *fixture {
	t.Helper()
	dir := t.TempDir()

	reg, err := regstore.Open(dir + "/registry.db")
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	files, err := planfiles.New(dir, 8)
	require.NoError(t, err)
	t.Cleanup(files.Close)

	repo := plan.New(reg, files, dir)
	sessions := session.New(reg)

	jobStore, err := job.Open(dir + "/jobs.db")
	require.NoError(t, err)
	t.Cleanup(func() { jobStore.Close() })
	jobs := job.New(jobStore, reg, 16)

	dec, err := decomposer.New(repo, client, "test-model", 512)
	require.NoError(t, err)
	exec := executor.New(repo, client, "test-model", 512)

	a, err := New(repo, sessions, jobs, dec, exec, fakeTools{}, client, Config{
		Model: "test-model", MaxTokens: 512, AutoDecomposeOnCreate: false,
	})
	require.NoError(t, err)

	return &fixture{agent: a, repo: repo, sess: sessions, jobs: jobs}
}

func TestHandleMessageUnboundSessionPlainReply(t *testing.T) {
	ctx := context.Background()
	client := &queuedClient{replies: []string{
		`{"llm_reply": {"message": "Hi! Want me to create a plan?"}, "actions": []}`,
	}}
	fx := newFixture(t, client)

	result, err := fx.agent.HandleMessage(ctx, "sess-1", "hello", nil)
	require.NoError(t, err)
	require.Equal(t, "Hi! Want me to create a plan?", result.Message)
	require.Empty(t, result.Steps)
	require.False(t, result.Async)

	sess, err := fx.sess.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Nil(t, sess.PlanID)
}

func TestHandleMessageCreatePlanBindsSessionSync(t *testing.T) {
	ctx := context.Background()
	client := &queuedClient{replies: []string{
		`{"llm_reply": {"message": "Creating your plan."}, "actions": [
			{"kind": "plan_operation", "name": "create_plan", "parameters": {"title": "Launch", "description": "ship it"}, "blocking": true, "order": 1}
		]}`,
	}}
	fx := newFixture(t, client)

	result, err := fx.agent.HandleMessage(ctx, "sess-1", "make me a plan called Launch", nil)
	require.NoError(t, err)
	require.Len(t, result.Steps, 1)
	require.True(t, result.Steps[0].Success)
	require.False(t, result.Async)

	sess, err := fx.sess.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, sess.PlanID)

	plans, err := fx.repo.ListPlans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	require.Equal(t, "Launch", plans[0].Title)
}

func TestHandleMessageUnknownActionRejected(t *testing.T) {
	ctx := context.Background()
	client := &queuedClient{replies: []string{
		`{"llm_reply": {"message": "trying something odd"}, "actions": [
			{"kind": "plan_operation", "name": "teleport_plan", "parameters": {}, "blocking": true, "order": 1}
		]}`,
	}}
	fx := newFixture(t, client)

	result, err := fx.agent.HandleMessage(ctx, "sess-1", "do something weird", nil)
	require.NoError(t, err)
	require.Len(t, result.Steps, 1)
	require.False(t, result.Steps[0].Success)
	require.Contains(t, result.Steps[0].Message, "unknown action")
}

func TestHandleMessagePlanNotBoundEnforced(t *testing.T) {
	ctx := context.Background()
	client := &queuedClient{replies: []string{
		`{"llm_reply": {"message": "listing tasks"}, "actions": [
			{"kind": "task_operation", "name": "show_tasks", "parameters": {}, "blocking": true, "order": 1}
		]}`,
	}}
	fx := newFixture(t, client)

	result, err := fx.agent.HandleMessage(ctx, "sess-1", "show my tasks", nil)
	require.NoError(t, err)
	require.Len(t, result.Steps, 1)
	require.False(t, result.Steps[0].Success)
	require.Contains(t, result.Steps[0].Message, "plan not bound")
}

func TestHandleMessageBlockingFailureSkipsRest(t *testing.T) {
	ctx := context.Background()
	client := &queuedClient{replies: []string{
		`{"llm_reply": {"message": "two steps"}, "actions": [
			{"kind": "task_operation", "name": "show_tasks", "parameters": {}, "blocking": true, "order": 1},
			{"kind": "task_operation", "name": "query_status", "parameters": {}, "blocking": true, "order": 2}
		]}`,
	}}
	fx := newFixture(t, client)

	result, err := fx.agent.HandleMessage(ctx, "sess-1", "show then check status", nil)
	require.NoError(t, err)
	require.Len(t, result.Steps, 2)
	require.False(t, result.Steps[0].Success)
	require.False(t, result.Steps[1].Success)
	require.Contains(t, result.Steps[1].Message, "skipped after a prior blocking action failed")
}

func TestHandleMessageRequestSubgraphMustBeSole(t *testing.T) {
	ctx := context.Background()
	client := &queuedClient{replies: []string{
		`{"llm_reply": {"message": "combo"}, "actions": [
			{"kind": "context_request", "name": "request_subgraph", "parameters": {"node_id": 1}, "blocking": true, "order": 1},
			{"kind": "system_operation", "name": "help", "parameters": {}, "blocking": true, "order": 2}
		]}`,
	}}
	fx := newFixture(t, client)

	result, err := fx.agent.HandleMessage(ctx, "sess-1", "both please", nil)
	require.NoError(t, err)
	require.Empty(t, result.Steps)
	require.Contains(t, result.Metadata["error"], "must be the only action")
}

func TestHandleMessageParseFailureFallsBackToRawText(t *testing.T) {
	ctx := context.Background()
	client := &queuedClient{replies: []string{"not a JSON object at all"}}
	fx := newFixture(t, client)

	result, err := fx.agent.HandleMessage(ctx, "sess-1", "garble", nil)
	require.NoError(t, err)
	require.Equal(t, "not a JSON object at all", result.Message)
	require.Contains(t, result.Metadata, "parse_error")
}

func TestHandleMessageToolOperationSync(t *testing.T) {
	ctx := context.Background()
	client := &queuedClient{replies: []string{
		`{"llm_reply": {"message": "searching"}, "actions": [
			{"kind": "tool_operation", "name": "web_search", "parameters": {"query": "go idioms"}, "blocking": true, "order": 1}
		]}`,
	}}
	fx := newFixture(t, client)

	result, err := fx.agent.HandleMessage(ctx, "sess-1", "search the web", nil)
	require.NoError(t, err)
	require.Len(t, result.Steps, 1)
	require.True(t, result.Steps[0].Success)
	require.Contains(t, result.Metadata, "tool_results")
}

func TestHandleMessageExecutePlanDispatchesAsync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First reply answers the agent's own turn; the second is consumed later
	// by the executor when the background job reaches the plan's root task.
	client := &queuedClient{replies: []string{
		`{"llm_reply": {"message": "executing"}, "actions": [
			{"kind": "plan_operation", "name": "execute_plan", "parameters": {}, "blocking": true, "order": 1}
		]}`,
		`{"status": "completed", "content": "done"}`,
	}}
	fx := newFixture(t, client)
	fx.jobs.Start(ctx, 2)

	planID, err := fx.repo.CreatePlan(ctx, "Launch", "", nil)
	require.NoError(t, err)
	_, err = fx.sess.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)
	require.NoError(t, fx.sess.BindToPlan(ctx, "sess-1", planID))

	result, err := fx.agent.HandleMessage(ctx, "sess-1", "execute the plan", nil)
	require.NoError(t, err)
	require.True(t, result.Async)
	require.NotEmpty(t, result.TrackingID)

	require.Eventually(t, func() bool {
		status, _, _, _, err := fx.jobs.GetJob(ctx, result.TrackingID, 0)
		return err == nil && status.Status == job.StatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	tree, err := fx.repo.GetPlanTree(ctx, planID)
	require.NoError(t, err)
	require.Equal(t, executor.StatusCompleted, tree.Nodes[0].Status)
}

func TestHandleMessageStickyNameSurvivesAutoTitle(t *testing.T) {
	ctx := context.Background()
	client := &queuedClient{replies: []string{
		`{"llm_reply": {"message": "creating"}, "actions": [
			{"kind": "plan_operation", "name": "create_plan", "parameters": {"title": "First"}, "blocking": true, "order": 1}
		]}`,
	}}
	fx := newFixture(t, client)

	_, err := fx.sess.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)
	require.NoError(t, fx.sess.Rename(ctx, "sess-1", "My custom name"))

	_, err = fx.agent.HandleMessage(ctx, "sess-1", "create a plan named First", nil)
	require.NoError(t, err)

	sess, err := fx.sess.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "My custom name", sess.Name)
	require.True(t, sess.IsUserNamed)
}
