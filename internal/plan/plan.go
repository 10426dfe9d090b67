// Package plan implements the Plan Repository: loading, mutating, and
// persisting PlanTree values, anchor-based insertion, and invariant
// enforcement over the per-plan storage layer.
package plan

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/orchestrator-ai/planner/internal/planfiles"
	"github.com/orchestrator-ai/planner/internal/planstore"
	"github.com/orchestrator-ai/planner/internal/regstore"
)

// Error taxonomy per spec.md §4.2.
var (
	ErrNotFound      = errors.New("plan: not found")
	ErrInvalidAnchor = errors.New("plan: invalid anchor")
	ErrCycleDetected = errors.New("plan: cycle detected")
	ErrStorageFailure = errors.New("plan: storage failure")
)

// Anchor positions for create_task/move_task.
const (
	AnchorFirstChild = "first_child"
	AnchorLastChild  = "last_child"
	AnchorBefore     = "before"
	AnchorAfter      = "after"
)

// Node is the in-memory projection of a PlanNode (task).
type Node struct {
	ID               int64
	ParentID         *int64
	Position         int
	Depth            int
	Path             string
	Name             string
	Instruction      string
	Metadata         json.RawMessage
	Status           string
	ExecutionResult  json.RawMessage
	ContextCombined  string
	ContextSections  json.RawMessage
	ContextMeta      json.RawMessage
	ContextUpdatedAt *time.Time
	Dependencies     []int64
}

// Tree is the in-memory projection of one plan: metadata plus nodes.
type Tree struct {
	PlanID      int64
	Title       string
	Description string
	Metadata    json.RawMessage
	Nodes       []*Node
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ByID returns the node with the given id, or nil.
func (t *Tree) ByID(id int64) *Node {
	for _, n := range t.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Summary is a list-view row returned by ListPlans.
type Summary struct {
	ID        int64
	Title     string
	TaskCount int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskResult is a single entry of GetPlanResults.
type TaskResult struct {
	TaskID   int64
	Name     string
	Status   string
	Content  string
	Notes    string
	Metadata json.RawMessage
	Raw      json.RawMessage
}

// Repository is the Plan Repository (C2): the sole entry point for loading
// and mutating plans, backed by the main registry and per-plan files.
type Repository struct {
	registry *regstore.Store
	files    *planfiles.Cache
	dataRoot string
}

// New constructs a Repository over an already-open registry and plan file
// cache.
func New(registry *regstore.Store, files *planfiles.Cache, dataRoot string) *Repository {
	return &Repository{registry: registry, files: files, dataRoot: dataRoot}
}

// ListPlans returns ordered plan summaries.
func (r *Repository) ListPlans(ctx context.Context) ([]Summary, error) {
	plans, err := r.registry.ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	out := make([]Summary, 0, len(plans))
	for _, p := range plans {
		count := 0
		if store, err := r.files.Get(p.ID); err == nil {
			if tasks, err := store.ListTasks(ctx); err == nil {
				count = len(tasks)
			}
		}
		out = append(out, Summary{ID: p.ID, Title: p.Title, TaskCount: count, CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt})
	}
	return out, nil
}

// CreatePlan registers a new plan and seeds its per-plan file with a single
// root task carrying the plan's title, giving the decomposer a starting
// node to expand.
func (r *Repository) CreatePlan(ctx context.Context, title, description string, metadata json.RawMessage) (int64, error) {
	if title == "" {
		title = "Untitled plan"
	}
	metaJSON := orDefaultJSON(metadata)

	// The registry row keeps an empty plan_db_path: planfiles derives each
	// plan's storage path from dataRoot and the plan id.
	id, err := r.registry.CreatePlan(ctx, title, description, string(metaJSON), "")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	path := r.files.PathFor(id)
	if err := r.registry.UpdatePlanMetadata(ctx, id, title, description, string(metaJSON)); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	_ = path // not stored; planfiles derives the same path from dataRoot+id

	store, err := r.files.Get(id)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if _, err := store.InsertTask(ctx, planstore.Task{Name: title, Path: "", Depth: 0}); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	// The root's path must equal its own id per the denormalised ancestor
	// chain convention; fix it up now that the id is known.
	tasks, err := store.ListTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	for _, t := range tasks {
		if !t.ParentID.Valid {
			if err := store.UpdateTaskPosition(ctx, t.ID, sql.NullInt64{}, t.Position, 0, strconv.FormatInt(t.ID, 10)); err != nil {
				return 0, fmt.Errorf("%w: %v", ErrStorageFailure, err)
			}
		}
	}
	return id, nil
}

// DeletePlan removes a plan's registry row and its storage file.
func (r *Repository) DeletePlan(ctx context.Context, planID int64) error {
	if _, err := r.registry.GetPlan(ctx, planID); err != nil {
		if errors.Is(err, regstore.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	r.files.Evict(planID)
	if err := r.registry.DeletePlan(ctx, planID); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	path := r.files.PathFor(planID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove plan file: %v", ErrStorageFailure, err)
	}
	return nil
}

// GetPlanTree loads the full tree for a plan.
func (r *Repository) GetPlanTree(ctx context.Context, planID int64) (*Tree, error) {
	p, err := r.registry.GetPlan(ctx, planID)
	if err != nil {
		if errors.Is(err, regstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	store, err := r.files.Get(planID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	tasks, err := store.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return &Tree{
		PlanID:      planID,
		Title:       p.Title,
		Description: p.Description,
		Metadata:    json.RawMessage(p.MetadataJSON),
		Nodes:       toNodes(tasks),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}, nil
}

// ReadyTasks returns pending tasks whose dependencies have all reached a
// terminal state (completed, skipped, or failed), ordered for topological
// execution. A failed dependency still makes a task ready so the executor's
// skip sweep can demote it rather than leave it waiting forever.
func (r *Repository) ReadyTasks(ctx context.Context, planID int64) ([]*Node, error) {
	store, err := r.files.Get(planID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	tasks, err := store.ReadyTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return toNodes(tasks), nil
}

// HasFailedPrerequisite reports whether any transitive dependency of taskID
// is in a failed state, which demotes a pending task to skipped.
func (r *Repository) HasFailedPrerequisite(ctx context.Context, planID, taskID int64) (bool, error) {
	store, err := r.files.Get(planID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	failed, err := store.HasFailedPrerequisite(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return failed, nil
}

func toNodes(tasks []planstore.Task) []*Node {
	nodes := make([]*Node, 0, len(tasks))
	for _, t := range tasks {
		n := &Node{
			ID:              t.ID,
			Position:        t.Position,
			Depth:           t.Depth,
			Path:            t.Path,
			Name:            t.Name,
			Instruction:     t.Instruction,
			Metadata:        json.RawMessage(t.MetadataJSON),
			Status:          t.Status,
			ExecutionResult: json.RawMessage(t.ExecutionResultJSON),
			ContextCombined: t.ContextCombined,
			ContextSections: json.RawMessage(t.ContextSectionsJSON),
			ContextMeta:     json.RawMessage(t.ContextMetaJSON),
			Dependencies:    t.Dependencies,
		}
		if t.ParentID.Valid {
			pid := t.ParentID.Int64
			n.ParentID = &pid
		}
		if t.ContextUpdatedAt.Valid {
			ts := t.ContextUpdatedAt.Time
			n.ContextUpdatedAt = &ts
		}
		nodes = append(nodes, n)
	}
	return nodes
}

// UpsertPlanTree rewrites a plan's task and dependency tables atomically
// from an in-memory Tree, reassigning ids, and optionally records a
// snapshot under note. Dependencies in the input tree are resolved by the
// caller-supplied node.ID values, which are treated as logical ids scoped
// to this call only — the persisted ids may differ (round-trip invariant
// holds modulo assigned ids).
func (r *Repository) UpsertPlanTree(ctx context.Context, tree *Tree, note string) error {
	store, err := r.files.Get(tree.PlanID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	if err := store.ClearAllTasks(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	oldToNew := make(map[int64]int64, len(tree.Nodes))
	newDepth := make(map[int64]int, len(tree.Nodes))
	newPath := make(map[int64]string, len(tree.Nodes))

	// Insert parents before children so paths can be built incrementally.
	ordered := make([]*Node, len(tree.Nodes))
	copy(ordered, tree.Nodes)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Depth < ordered[j].Depth })

	for _, n := range ordered {
		var parentNew sql.NullInt64
		var parentPath string
		depth := 0
		if n.ParentID != nil {
			newParent, ok := oldToNew[*n.ParentID]
			if !ok {
				return fmt.Errorf("%w: node %d references unresolved parent %d", ErrStorageFailure, n.ID, *n.ParentID)
			}
			parentNew = sql.NullInt64{Int64: newParent, Valid: true}
			depth = newDepth[newParent] + 1
			parentPath = newPath[newParent]
		}
		newID, err := store.InsertTask(ctx, planstore.Task{
			ParentID:            parentNew,
			Position:            n.Position,
			Depth:               depth,
			Name:                n.Name,
			Instruction:         n.Instruction,
			MetadataJSON:        string(orDefaultJSON(n.Metadata)),
			Status:              orDefault(n.Status, planstore.StatusPending),
			ExecutionResultJSON: string(orDefaultJSON(n.ExecutionResult)),
			ContextCombined:     n.ContextCombined,
			ContextSectionsJSON: string(orDefaultArrayJSON(n.ContextSections)),
			ContextMetaJSON:     string(orDefaultJSON(n.ContextMeta)),
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
		oldToNew[n.ID] = newID
		path := buildPath(parentPath, newID)
		newDepth[newID] = depth
		newPath[newID] = path
		if err := store.UpdateTaskPosition(ctx, newID, parentNew, n.Position, depth, path); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
	}

	for _, n := range ordered {
		newID := oldToNew[n.ID]
		var deps []int64
		for _, d := range n.Dependencies {
			if nd, ok := oldToNew[d]; ok {
				deps = append(deps, nd)
			}
		}
		if err := store.SetDependencies(ctx, newID, deps); err != nil {
			if errors.Is(err, planstore.ErrCycleDetected) {
				return ErrCycleDetected
			}
			return fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
	}

	if note != "" {
		snap, err := json.Marshal(tree)
		if err != nil {
			return fmt.Errorf("%w: marshal snapshot: %v", ErrStorageFailure, err)
		}
		if _, err := store.CreateSnapshot(ctx, note, string(snap)); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
	}

	if err := r.registry.UpdatePlanMetadata(ctx, tree.PlanID, tree.Title, tree.Description, string(orDefaultJSON(tree.Metadata))); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return nil
}

func buildPath(parentPath string, id int64) string {
	if parentPath == "" {
		return strconv.FormatInt(id, 10)
	}
	return parentPath + "," + strconv.FormatInt(id, 10)
}

// CreateTaskParams are the inputs to CreateTask; see spec.md §4.2/§6.
type CreateTaskParams struct {
	ParentID       *int64
	Name           string
	Instruction    string
	Metadata       json.RawMessage
	Dependencies   []int64
	AnchorTaskID   *int64
	AnchorPosition string
	Position       *int
}

// CreateTask inserts a new task under ParentID (or as a root if nil),
// resolving anchor/position precedence, filtering invalid dependencies, and
// resequencing siblings to contiguous positions. Returns the new task id
// and any non-fatal warnings (e.g. dropped dependencies, ignored anchor).
func (r *Repository) CreateTask(ctx context.Context, planID int64, p CreateTaskParams) (int64, []string, error) {
	store, err := r.files.Get(planID)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	var warnings []string

	parentNull := sql.NullInt64{}
	parentDepth := -1
	parentPath := ""
	if p.ParentID != nil {
		parentNull = sql.NullInt64{Int64: *p.ParentID, Valid: true}
		parent, err := store.GetTask(ctx, *p.ParentID)
		if err != nil {
			if errors.Is(err, planstore.ErrNotFound) {
				return 0, nil, ErrNotFound
			}
			return 0, nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
		parentDepth = parent.Depth
		parentPath = parent.Path
	}

	siblings, err := store.ChildrenOf(ctx, parentNull)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	targetPos, anchorWarning, err := resolveInsertPosition(siblings, p)
	if err != nil {
		return 0, nil, err
	}
	if anchorWarning != "" {
		warnings = append(warnings, anchorWarning)
	}

	// Shift siblings at or after targetPos to make room, highest position
	// first so no two rows transiently collide.
	sort.Slice(siblings, func(i, j int) bool { return siblings[i].Position > siblings[j].Position })
	for _, sib := range siblings {
		if sib.Position >= targetPos {
			if err := store.UpdateTaskPosition(ctx, sib.ID, parentNull, sib.Position+1, sib.Depth, sib.Path); err != nil {
				return 0, nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
			}
		}
	}

	depth := parentDepth + 1
	newID, err := store.InsertTask(ctx, planstore.Task{
		ParentID:     parentNull,
		Position:     targetPos,
		Depth:        depth,
		Name:         p.Name,
		Instruction:  p.Instruction,
		MetadataJSON: string(orDefaultJSON(p.Metadata)),
		Status:       planstore.StatusPending,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	path := buildPath(parentPath, newID)
	if err := store.UpdateTaskPosition(ctx, newID, parentNull, targetPos, depth, path); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	filteredDeps, dropped, err := filterExistingDeps(ctx, store, p.Dependencies)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if len(dropped) > 0 {
		warnings = append(warnings, fmt.Sprintf("dropped unknown dependency ids: %v", dropped))
	}
	if len(filteredDeps) > 0 {
		if err := store.SetDependencies(ctx, newID, filteredDeps); err != nil {
			if errors.Is(err, planstore.ErrCycleDetected) {
				return 0, nil, ErrCycleDetected
			}
			return 0, nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
	}

	return newID, warnings, nil
}

// resolveInsertPosition implements the precedence documented in spec.md
// §4.2 and §9: explicit Position wins over anchor, which wins over the
// last_child default.
func resolveInsertPosition(siblings []planstore.Task, p CreateTaskParams) (int, string, error) {
	n := len(siblings)
	var warning string
	if p.Position != nil {
		if p.AnchorTaskID != nil || p.AnchorPosition != "" {
			warning = "explicit position takes precedence over anchor_task_id/anchor_position"
		}
		pos := *p.Position
		if pos < 0 {
			pos = 0
		}
		if pos > n {
			pos = n
		}
		return pos, warning, nil
	}

	if p.AnchorTaskID != nil {
		anchorPos, found := findPosition(siblings, *p.AnchorTaskID)
		if !found {
			return 0, "", fmt.Errorf("%w: anchor task %d is not a sibling of the target parent", ErrInvalidAnchor, *p.AnchorTaskID)
		}
		switch p.AnchorPosition {
		case AnchorBefore:
			return anchorPos, "", nil
		case AnchorAfter:
			return anchorPos + 1, "", nil
		case "", AnchorLastChild:
			return n, "", nil
		case AnchorFirstChild:
			return 0, "", nil
		default:
			return 0, "", fmt.Errorf("%w: unknown anchor_position %q", ErrInvalidAnchor, p.AnchorPosition)
		}
	}

	switch p.AnchorPosition {
	case AnchorFirstChild:
		return 0, "", nil
	case AnchorBefore, AnchorAfter:
		return 0, "", fmt.Errorf("%w: anchor_position %q requires anchor_task_id", ErrInvalidAnchor, p.AnchorPosition)
	default:
		return n, "", nil
	}
}

func findPosition(siblings []planstore.Task, id int64) (int, bool) {
	for _, s := range siblings {
		if s.ID == id {
			return s.Position, true
		}
	}
	return 0, false
}

func filterExistingDeps(ctx context.Context, store *planstore.Store, candidates []int64) ([]int64, []int64, error) {
	if len(candidates) == 0 {
		return nil, nil, nil
	}
	existing, err := store.ExistingTaskIDs(ctx, candidates)
	if err != nil {
		return nil, nil, err
	}
	var kept, dropped []int64
	for _, c := range candidates {
		if existing[c] {
			kept = append(kept, c)
		} else {
			dropped = append(dropped, c)
		}
	}
	return kept, dropped, nil
}

// UpdateTaskParams is a sparse patch for UpdateTask.
type UpdateTaskParams struct {
	Name                *string
	Instruction         *string
	Metadata            json.RawMessage
	Dependencies        *[]int64
	Status              *string
	ExecutionResult     json.RawMessage
	ContextCombined     *string
	ContextSections     json.RawMessage
	ContextMeta         json.RawMessage
	ContextUpdatedAtNow bool
}

// UpdateTask applies a sparse patch to a task's content fields and,
// optionally, its dependency set. Status transitions follow the
// monotonicity rule: re-execution (status explicitly set back to pending)
// is the only way to leave a terminal status.
func (r *Repository) UpdateTask(ctx context.Context, planID, taskID int64, p UpdateTaskParams) ([]string, error) {
	store, err := r.files.Get(planID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	cur, err := store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, planstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if p.Status != nil && *p.Status != cur.Status && *p.Status != planstore.StatusPending {
		switch cur.Status {
		case planstore.StatusCompleted, planstore.StatusFailed, planstore.StatusSkipped:
			return nil, fmt.Errorf("plan: task %d is %s; reset it to pending before setting %s", taskID, cur.Status, *p.Status)
		}
	}

	fields := planstore.TaskFields{
		Name:        p.Name,
		Instruction: p.Instruction,
		Status:      p.Status,
	}
	if p.Metadata != nil {
		s := string(p.Metadata)
		fields.MetadataJSON = &s
	}
	if p.ExecutionResult != nil {
		s := string(p.ExecutionResult)
		fields.ExecutionResultJSON = &s
	}
	if p.ContextCombined != nil {
		fields.ContextCombined = p.ContextCombined
	}
	if p.ContextSections != nil {
		s := string(p.ContextSections)
		fields.ContextSectionsJSON = &s
	}
	if p.ContextMeta != nil {
		s := string(p.ContextMeta)
		fields.ContextMetaJSON = &s
	}
	if p.ContextUpdatedAtNow {
		now := time.Now().UTC()
		fields.ContextUpdatedAt = &now
	}
	if err := store.UpdateTask(ctx, taskID, fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	var warnings []string
	if p.Dependencies != nil {
		kept, dropped, err := filterExistingDeps(ctx, store, *p.Dependencies)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
		if len(dropped) > 0 {
			warnings = append(warnings, fmt.Sprintf("dropped unknown dependency ids: %v", dropped))
		}
		if err := store.SetDependencies(ctx, taskID, kept); err != nil {
			if errors.Is(err, planstore.ErrCycleDetected) {
				return nil, ErrCycleDetected
			}
			return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
	}
	return warnings, nil
}

// RerunTask resets a node to pending, per the monotonicity invariant that
// re-execution always starts by resetting to pending.
func (r *Repository) RerunTask(ctx context.Context, planID, taskID int64) error {
	store, err := r.files.Get(planID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	status := planstore.StatusPending
	if err := store.UpdateTask(ctx, taskID, planstore.TaskFields{Status: &status}); err != nil {
		if errors.Is(err, planstore.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return nil
}

// MoveTask reparents taskID under newParentID (nil = root), rejecting
// cycle-inducing moves without mutation, then resequences the old and new
// parent's children.
func (r *Repository) MoveTask(ctx context.Context, planID, taskID int64, newParentID *int64, anchorTaskID *int64, anchorPosition string, position *int) error {
	store, err := r.files.Get(planID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, planstore.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	if newParentID != nil {
		would, err := store.WouldCycleIfReparented(ctx, taskID, *newParentID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
		if would {
			return ErrCycleDetected
		}
	}

	oldParentNull := task.ParentID
	newParentNull := sql.NullInt64{}
	newParentDepth := -1
	newParentPath := ""
	if newParentID != nil {
		newParentNull = sql.NullInt64{Int64: *newParentID, Valid: true}
		np, err := store.GetTask(ctx, *newParentID)
		if err != nil {
			if errors.Is(err, planstore.ErrNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
		newParentDepth = np.Depth
		newParentPath = np.Path
	}

	newSiblings, err := store.ChildrenOf(ctx, newParentNull)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	params := CreateTaskParams{AnchorTaskID: anchorTaskID, AnchorPosition: anchorPosition, Position: position}
	targetPos, _, err := resolveInsertPosition(newSiblings, params)
	if err != nil {
		return err
	}

	sort.Slice(newSiblings, func(i, j int) bool { return newSiblings[i].Position > newSiblings[j].Position })
	for _, sib := range newSiblings {
		if sib.Position >= targetPos {
			if err := store.UpdateTaskPosition(ctx, sib.ID, newParentNull, sib.Position+1, sib.Depth, sib.Path); err != nil {
				return fmt.Errorf("%w: %v", ErrStorageFailure, err)
			}
		}
	}

	newDepth := newParentDepth + 1
	newPath := buildPath(newParentPath, taskID)
	if err := store.UpdateTaskPosition(ctx, taskID, newParentNull, targetPos, newDepth, newPath); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if err := recomputeDescendantPaths(ctx, store, taskID, newDepth, newPath); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	if err := resequence(ctx, store, oldParentNull); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return nil
}

func recomputeDescendantPaths(ctx context.Context, store *planstore.Store, parentID int64, parentDepth int, parentPath string) error {
	children, err := store.ChildrenOf(ctx, sql.NullInt64{Int64: parentID, Valid: true})
	if err != nil {
		return err
	}
	for _, c := range children {
		depth := parentDepth + 1
		path := buildPath(parentPath, c.ID)
		if err := store.UpdateTaskPosition(ctx, c.ID, sql.NullInt64{Int64: parentID, Valid: true}, c.Position, depth, path); err != nil {
			return err
		}
		if err := recomputeDescendantPaths(ctx, store, c.ID, depth, path); err != nil {
			return err
		}
	}
	return nil
}

// resequence rewrites a parent's children to contiguous 0..k-1 positions in
// their current relative order.
func resequence(ctx context.Context, store *planstore.Store, parent sql.NullInt64) error {
	children, err := store.ChildrenOf(ctx, parent)
	if err != nil {
		return err
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Position < children[j].Position })
	for i, c := range children {
		if c.Position != i {
			if err := store.UpdateTaskPosition(ctx, c.ID, parent, i, c.Depth, c.Path); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteTask removes a task and its entire subtree, then resequences the
// deleted task's former siblings.
func (r *Repository) DeleteTask(ctx context.Context, planID, taskID int64) error {
	store, err := r.files.Get(planID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, planstore.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	subtree, err := collectSubtree(ctx, store, taskID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	for i := len(subtree) - 1; i >= 0; i-- {
		if err := store.DeleteTask(ctx, subtree[i]); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageFailure, err)
		}
	}

	if err := resequence(ctx, store, task.ParentID); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return nil
}

func collectSubtree(ctx context.Context, store *planstore.Store, rootID int64) ([]int64, error) {
	ids := []int64{rootID}
	children, err := store.ChildrenOf(ctx, sql.NullInt64{Int64: rootID, Valid: true})
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		sub, err := collectSubtree(ctx, store, c.ID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, sub...)
	}
	return ids, nil
}

// Subgraph returns a depth-bounded outline rooted at nodeID, for
// context-limited LLM prompts.
func (r *Repository) Subgraph(ctx context.Context, planID, nodeID int64, maxDepth int) (*Tree, error) {
	tree, err := r.GetPlanTree(ctx, planID)
	if err != nil {
		return nil, err
	}
	root := tree.ByID(nodeID)
	if root == nil {
		return nil, ErrNotFound
	}
	keep := map[int64]bool{root.ID: true}
	collectWithinDepth(tree, root.ID, 0, maxDepth, keep)

	var nodes []*Node
	for _, n := range tree.Nodes {
		if keep[n.ID] {
			nodes = append(nodes, n)
		}
	}
	return &Tree{
		PlanID:      tree.PlanID,
		Title:       tree.Title,
		Description: tree.Description,
		Metadata:    tree.Metadata,
		Nodes:       nodes,
		CreatedAt:   tree.CreatedAt,
		UpdatedAt:   tree.UpdatedAt,
	}, nil
}

func collectWithinDepth(tree *Tree, parentID int64, depth, maxDepth int, keep map[int64]bool) {
	if depth >= maxDepth {
		return
	}
	for _, n := range tree.Nodes {
		if n.ParentID != nil && *n.ParentID == parentID {
			keep[n.ID] = true
			collectWithinDepth(tree, n.ID, depth+1, maxDepth, keep)
		}
	}
}

// GetPlanSummary returns counts of tasks by status.
func (r *Repository) GetPlanSummary(ctx context.Context, planID int64) (map[string]int, error) {
	store, err := r.files.Get(planID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	tasks, err := store.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	counts := map[string]int{
		planstore.StatusPending:   0,
		planstore.StatusRunning:   0,
		planstore.StatusCompleted: 0,
		planstore.StatusFailed:    0,
		planstore.StatusSkipped:   0,
	}
	for _, t := range tasks {
		counts[t.Status]++
	}
	return counts, nil
}

// GetPlanResults derives a flat result list from each task's
// execution_result, optionally filtering to tasks that produced output.
func (r *Repository) GetPlanResults(ctx context.Context, planID int64, onlyWithOutput bool) ([]TaskResult, error) {
	store, err := r.files.Get(planID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	tasks, err := store.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	var out []TaskResult
	for _, t := range tasks {
		var parsed struct {
			Content  string          `json:"content"`
			Notes    string          `json:"notes"`
			Metadata json.RawMessage `json:"metadata"`
		}
		_ = json.Unmarshal([]byte(t.ExecutionResultJSON), &parsed)
		if onlyWithOutput && parsed.Content == "" {
			continue
		}
		out = append(out, TaskResult{
			TaskID:   t.ID,
			Name:     t.Name,
			Status:   t.Status,
			Content:  parsed.Content,
			Notes:    parsed.Notes,
			Metadata: parsed.Metadata,
			Raw:      json.RawMessage(t.ExecutionResultJSON),
		})
	}
	return out, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultJSON(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("{}")
	}
	return v
}

func orDefaultArrayJSON(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("[]")
	}
	return v
}
