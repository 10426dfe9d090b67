package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrator-ai/planner/internal/agent"
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

func (fakeTools) Invoke(_ context.Context, name string, _ json.RawMessage) (string, json.RawMessage, error) {
	return fmt.Sprintf("%s executed", name), json.RawMessage(`{}`), nil
}

type fixture struct {
	srv   *Server
	repo  *plan.Repository
	sess  *session.Store
	jobs  *job.Manager
	agent *agent.Agent
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

	a, err := agent.New(repo, sessions, jobs, dec, exec, fakeTools{}, client, agent.Config{
		Model: "test-model", MaxTokens: 512,
	})
	require.NoError(t, err)

	srv := New("", a, repo, sessions, jobs, dec, exec, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	jobs.Start(ctx, 2)

	return &fixture{srv: srv, repo: repo, sess: sessions, jobs: jobs, agent: a}
}

func doRequest(h http.HandlerFunc, method, target string, body any) *httptest.ResponseRecorder {
	var r *http.Request
	if body != nil {
		raw, _ := json.Marshal(body)
		r = httptest.NewRequest(method, target, bytes.NewReader(raw))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h(w, r)
	return w
}

func TestHandleChatMessagePlainReply(t *testing.T) {
	client := &queuedClient{replies: []string{
		`{"llm_reply": {"message": "hi there"}, "actions": []}`,
	}}
	fx := newFixture(t, client)

	w := doRequest(fx.srv.handleChatMessage, http.MethodPost, "/chat/message", map[string]any{
		"session_id": "sess-1", "message": "hello",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "hi there", resp["response"])
}

func TestHandleChatMessageRejectsMissingFields(t *testing.T) {
	fx := newFixture(t, &queuedClient{})
	w := doRequest(fx.srv.handleChatMessage, http.MethodPost, "/chat/message", map[string]any{"message": "hi"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChatSessionsList(t *testing.T) {
	fx := newFixture(t, &queuedClient{})
	ctx := context.Background()
	_, err := fx.sess.GetOrCreate(ctx, "sess-a")
	require.NoError(t, err)

	w := doRequest(fx.srv.handleChatSessions, http.MethodGet, "/chat/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sessions []map[string]any `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Sessions, 1)
	require.Equal(t, "sess-a", resp.Sessions[0]["id"])
}

func TestHandlePatchSessionRenameSetsUserNamed(t *testing.T) {
	fx := newFixture(t, &queuedClient{})
	ctx := context.Background()
	_, err := fx.sess.GetOrCreate(ctx, "sess-b")
	require.NoError(t, err)

	w := doRequest(func(w http.ResponseWriter, r *http.Request) {
		fx.srv.handlePatchSession(w, r, "sess-b")
	}, http.MethodPatch, "/chat/sessions/sess-b", map[string]any{"name": "My plan"})
	require.Equal(t, http.StatusOK, w.Code)

	sess, err := fx.sess.Get(ctx, "sess-b")
	require.NoError(t, err)
	require.Equal(t, "My plan", sess.Name)
	require.True(t, sess.IsUserNamed)
}

func TestHandleAutotitleSkipsUserNamedWithoutForce(t *testing.T) {
	fx := newFixture(t, &queuedClient{})
	ctx := context.Background()
	_, err := fx.sess.GetOrCreate(ctx, "sess-c")
	require.NoError(t, err)
	require.NoError(t, fx.sess.Rename(ctx, "sess-c", "Kept name"))

	w := doRequest(func(w http.ResponseWriter, r *http.Request) {
		fx.srv.handleAutotitle(w, r, "sess-c")
	}, http.MethodPost, "/chat/sessions/sess-c/autotitle", map[string]any{})
	require.Equal(t, http.StatusOK, w.Code)

	sess, err := fx.sess.Get(ctx, "sess-c")
	require.NoError(t, err)
	require.Equal(t, "Kept name", sess.Name)
}

func TestHandleDeleteSessionArchives(t *testing.T) {
	fx := newFixture(t, &queuedClient{})
	ctx := context.Background()
	_, err := fx.sess.GetOrCreate(ctx, "sess-d")
	require.NoError(t, err)

	w := doRequest(func(w http.ResponseWriter, r *http.Request) {
		fx.srv.handleDeleteSession(w, r, "sess-d")
	}, http.MethodDelete, "/chat/sessions/sess-d?archive=true", nil)
	require.Equal(t, http.StatusOK, w.Code)

	sess, err := fx.sess.Get(ctx, "sess-d")
	require.NoError(t, err)
	require.False(t, sess.IsActive)
}

func TestHandlePlansAndTree(t *testing.T) {
	fx := newFixture(t, &queuedClient{})
	ctx := context.Background()
	planID, err := fx.repo.CreatePlan(ctx, "Research phages", "", nil)
	require.NoError(t, err)

	w := doRequest(fx.srv.handlePlans, http.MethodGet, "/plans", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w2 := doRequest(func(w http.ResponseWriter, r *http.Request) {
		fx.srv.handlePlanTree(w, r, planID)
	}, http.MethodGet, fmt.Sprintf("/plans/%d/tree", planID), nil)
	require.Equal(t, http.StatusOK, w2.Code)

	var tree plan.Tree
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &tree))
	require.Equal(t, "Research phages", tree.Title)
}

func TestHandlePlanTreeNotFound(t *testing.T) {
	fx := newFixture(t, &queuedClient{})
	w := doRequest(func(w http.ResponseWriter, r *http.Request) {
		fx.srv.handlePlanTree(w, r, 999)
	}, http.MethodGet, "/plans/999/tree", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleJobGetNotFound(t *testing.T) {
	fx := newFixture(t, &queuedClient{})
	w := doRequest(func(w http.ResponseWriter, r *http.Request) {
		fx.srv.handleJobGet(w, r, "missing-job")
	}, http.MethodGet, "/jobs/missing-job", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPlanExecuteSyncEndToEnd(t *testing.T) {
	client := &queuedClient{replies: []string{
		`{"status": "completed", "content": "done"}`,
	}}
	fx := newFixture(t, client)
	ctx := context.Background()
	planID, err := fx.repo.CreatePlan(ctx, "One task plan", "", nil)
	require.NoError(t, err)

	asyncFalse := false
	w := doRequest(func(w http.ResponseWriter, r *http.Request) {
		fx.srv.handlePlanExecute(w, r, planID)
	}, http.MethodPost, fmt.Sprintf("/plans/%d/execute", planID), map[string]any{"async_mode": &asyncFalse})

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, job.StatusSucceeded, resp["status"])
}

func TestPlanDecomposeAsyncReturnsJobID(t *testing.T) {
	client := &queuedClient{replies: []string{
		`{"target_node_id": 1, "mode": "single_node", "should_stop": true, "reason": "done", "children": []}`,
	}}
	fx := newFixture(t, client)
	ctx := context.Background()
	planID, err := fx.repo.CreatePlan(ctx, "Plan to decompose", "", nil)
	require.NoError(t, err)
	tree, err := fx.repo.GetPlanTree(ctx, planID)
	require.NoError(t, err)
	rootID := tree.Nodes[0].ID

	w := doRequest(func(w http.ResponseWriter, r *http.Request) {
		fx.srv.handleTaskDecompose(w, r, rootID)
	}, http.MethodPost, fmt.Sprintf("/tasks/%d/decompose?plan_id=%d", rootID, planID), map[string]any{})

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["job_id"])

	require.Eventually(t, func() bool {
		status, _, _, _, err := fx.jobs.GetJob(ctx, resp["job_id"].(string), 0)
		return err == nil && status.Status == job.StatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)
}
