package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/task-journey/directory"
	"github.com/songzhibin97/task-journey/storage"
	"github.com/songzhibin97/task-journey/types"
)

// Dependencies stores user dependencies: the doer and checker of every stage of a workflow.
type Dependencies struct {
	coll      *storage.Collection[types.UserDependency]
	workflows WorkflowSource
	gen       generator.Generator
	s         settings
}

// NewDependencies creates a user-dependency store. WithUsers should be given;
// without a directory no assignee can be proven eligible. When workflows is a
// *Templates, it is told to check these dependencies before a workflow's
// stages change or the workflow is deleted.
func NewDependencies(coll *storage.Collection[types.UserDependency], workflows WorkflowSource, gen generator.Generator, opts ...Option) *Dependencies {
	d := &Dependencies{coll: coll, workflows: workflows, gen: gen, s: newSettings(opts)}
	if t, ok := workflows.(*Templates); ok {
		t.TrackDependencies(d)
	}
	return d
}

// StageCandidates lists who may be picked for one stage.
type StageCandidates struct {
	Stage    types.FlowStage
	Doers    []types.User
	Checkers []types.User
}

// EligibleUsers returns the active users of role assigned to categoryID or to "all".
func (d *Dependencies) EligibleUsers(ctx context.Context, categoryID string, role types.Role) ([]types.User, error) {
	if d.s.users == nil {
		return nil, nil
	}
	return d.s.users.EligibleFor(ctx, categoryID, role)
}

// Candidates returns the eligible doers and checkers of every stage of a workflow.
func (d *Dependencies) Candidates(ctx context.Context, workflowID string) ([]StageCandidates, error) {
	wf, err := d.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	out := make([]StageCandidates, 0, len(wf.CategoryFlow))
	for _, st := range wf.CategoryFlow {
		doers, err := d.EligibleUsers(ctx, st.CategoryID, types.RoleDoer)
		if err != nil {
			return nil, err
		}
		checkers, err := d.EligibleUsers(ctx, st.CategoryID, types.RoleChecker)
		if err != nil {
			return nil, err
		}
		out = append(out, StageCandidates{Stage: st, Doers: doers, Checkers: checkers})
	}
	return out, nil
}

// Validate checks assignments against wf and returns them ordered by stage,
// with category ids and names copied from the workflow.
func (d *Dependencies) Validate(ctx context.Context, wf types.Workflow, assignments []types.StageAssignment) ([]types.StageAssignment, error) {
	n := wf.StageCount()
	if len(assignments) != n {
		return nil, types.Invalid("workflow %q has %d stages but %d assignments were given", wf.Name, n, len(assignments))
	}

	byOrder := make(map[int]types.StageAssignment, n)
	for _, a := range assignments {
		if a.StageOrder < 1 || a.StageOrder > n {
			return nil, types.Invalid("stage order %d is outside 1..%d", a.StageOrder, n)
		}
		if _, dup := byOrder[a.StageOrder]; dup {
			return nil, types.Invalid("stage %d is assigned more than once", a.StageOrder)
		}
		byOrder[a.StageOrder] = a
	}

	out := make([]types.StageAssignment, 0, n)
	for _, st := range wf.CategoryFlow {
		a := byOrder[st.Order]
		if a.CategoryID != "" && a.CategoryID != st.CategoryID {
			return nil, types.Invalid("stage %d belongs to category %s, not %s", st.Order, st.CategoryID, a.CategoryID)
		}
		a.CategoryID = st.CategoryID
		a.CategoryName = st.CategoryName
		a.UserID = strings.TrimSpace(a.UserID)
		a.CheckerID = strings.TrimSpace(a.CheckerID)
		if a.UserID == "" || a.CheckerID == "" {
			return nil, types.Invalid("stage %d (%s) needs both a doer and a checker", st.Order, stageLabel(st))
		}
		if err := d.checkEligible(ctx, a.UserID, st, types.RoleDoer); err != nil {
			return nil, err
		}
		if err := d.checkEligible(ctx, a.CheckerID, st, types.RoleChecker); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StageOrder < out[j].StageOrder })
	return out, nil
}

func (d *Dependencies) checkEligible(ctx context.Context, userID string, st types.FlowStage, role types.Role) error {
	if d.s.users == nil {
		return types.Invalid("no user directory to check %s %s against", role, userID)
	}
	u, err := d.s.users.Get(ctx, userID)
	if errors.Is(err, types.ErrNotFound) {
		return types.Invalid("stage %d (%s): unknown user %s", st.Order, stageLabel(st), userID)
	}
	if err != nil {
		return err
	}
	if !directory.Eligible(u, st.CategoryID, role) {
		return types.Invalid("stage %d (%s): %s is not an eligible %s", st.Order, stageLabel(st), u.Name, role)
	}
	return nil
}

func stageLabel(st types.FlowStage) string {
	if st.CategoryName != "" {
		return st.CategoryName
	}
	return st.CategoryID
}

func findDependency(items []types.UserDependency, id string) int {
	for i, dep := range items {
		if dep.ID == id {
			return i
		}
	}
	return -1
}

func checkDependencyName(items []types.UserDependency, id, workflowID, name string) error {
	for _, dep := range items {
		if dep.ID != id && dep.WorkflowID == workflowID && strings.EqualFold(dep.Name, name) {
			return types.Invalid("workflow already has a user dependency named %q", dep.Name)
		}
	}
	return nil
}

// Create validates and stores a user dependency for workflowID.
func (d *Dependencies) Create(ctx context.Context, workflowID, name string, assignments []types.StageAssignment) (types.UserDependency, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.UserDependency{}, types.Invalid("user dependency name is required")
	}
	wf, err := d.workflows.Get(ctx, workflowID)
	if err != nil {
		return types.UserDependency{}, err
	}
	assignments, err = d.Validate(ctx, wf, assignments)
	if err != nil {
		return types.UserDependency{}, err
	}
	id, err := types.NewID(d.gen)
	if err != nil {
		return types.UserDependency{}, err
	}
	now := d.s.now()
	dep := types.UserDependency{
		ID:               id,
		WorkflowID:       wf.ID,
		Name:             name,
		StageAssignments: assignments,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, err = d.coll.Update(ctx, func(items []types.UserDependency) ([]types.UserDependency, error) {
		if err := checkDependencyName(items, "", wf.ID, name); err != nil {
			return nil, err
		}
		return append(items, dep), nil
	})
	if err != nil {
		return types.UserDependency{}, err
	}
	d.s.logger.Info("user dependency created", slog.String("id", dep.ID), slog.String("workflow", wf.ID))
	d.s.publish(ctx, EventDependencyChanged, dep.ID, map[string]interface{}{"action": "created", "workflowId": wf.ID})
	return dep, nil
}

// Update replaces the name and assignments of a user dependency.
func (d *Dependencies) Update(ctx context.Context, id, name string, assignments []types.StageAssignment) (types.UserDependency, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return types.UserDependency{}, types.Invalid("user dependency name is required")
	}
	current, err := d.Get(ctx, id)
	if err != nil {
		return types.UserDependency{}, err
	}
	wf, err := d.workflows.Get(ctx, current.WorkflowID)
	if err != nil {
		return types.UserDependency{}, err
	}
	assignments, err = d.Validate(ctx, wf, assignments)
	if err != nil {
		return types.UserDependency{}, err
	}

	var updated types.UserDependency
	_, err = d.coll.Update(ctx, func(items []types.UserDependency) ([]types.UserDependency, error) {
		i := findDependency(items, id)
		if i < 0 {
			return nil, types.NotFound("user dependency", id)
		}
		if err := checkDependencyName(items, id, wf.ID, name); err != nil {
			return nil, err
		}
		items[i].Name = name
		items[i].StageAssignments = assignments
		items[i].UpdatedAt = d.s.now()
		updated = items[i]
		return items, nil
	})
	if err != nil {
		return types.UserDependency{}, err
	}
	d.s.publish(ctx, EventDependencyChanged, id, map[string]interface{}{"action": "updated", "workflowId": wf.ID})
	return updated, nil
}

// Delete removes a user dependency that no task refers to.
func (d *Dependencies) Delete(ctx context.Context, id string) error {
	_, err := d.coll.Update(ctx, func(items []types.UserDependency) ([]types.UserDependency, error) {
		i := findDependency(items, id)
		if i < 0 {
			return nil, types.NotFound("user dependency", id)
		}
		if items[i].TaskCount > 0 {
			return nil, types.InUse("user dependency %q is used by %d task(s) and cannot be deleted", items[i].Name, items[i].TaskCount)
		}
		return append(items[:i], items[i+1:]...), nil
	})
	if err != nil {
		return err
	}
	d.s.publish(ctx, EventDependencyChanged, id, map[string]interface{}{"action": "deleted"})
	return nil
}

// Get returns the user dependency with id.
func (d *Dependencies) Get(ctx context.Context, id string) (types.UserDependency, error) {
	items, err := d.coll.Load(ctx)
	if err != nil {
		return types.UserDependency{}, err
	}
	i := findDependency(items, id)
	if i < 0 {
		return types.UserDependency{}, types.NotFound("user dependency", id)
	}
	return items[i], nil
}

// List returns every user dependency.
func (d *Dependencies) List(ctx context.Context) ([]types.UserDependency, error) {
	return d.coll.Load(ctx)
}

// ListByWorkflow returns the user dependencies defined for workflowID.
func (d *Dependencies) ListByWorkflow(ctx context.Context, workflowID string) ([]types.UserDependency, error) {
	items, err := d.coll.Load(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.UserDependency
	for _, dep := range items {
		if dep.WorkflowID == workflowID {
			out = append(out, dep)
		}
	}
	return out, nil
}

// AdjustTaskCount adds delta to the dependency's task count, never going below zero.
func (d *Dependencies) AdjustTaskCount(ctx context.Context, id string, delta int) error {
	_, err := d.coll.Update(ctx, func(items []types.UserDependency) ([]types.UserDependency, error) {
		i := findDependency(items, id)
		if i < 0 {
			return nil, types.NotFound("user dependency", id)
		}
		items[i].TaskCount += delta
		if items[i].TaskCount < 0 {
			items[i].TaskCount = 0
		}
		return items, nil
	})
	return err
}
