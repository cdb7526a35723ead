package workflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/task-journey/storage"
	"github.com/songzhibin97/task-journey/types"
)

// DependencyIndex lists the user dependencies built on a workflow.
type DependencyIndex interface {
	ListByWorkflow(ctx context.Context, workflowID string) ([]types.UserDependency, error)
}

// Templates stores workflow templates (task dependencies).
type Templates struct {
	coll *storage.Collection[types.Workflow]
	gen  generator.Generator
	deps DependencyIndex
	s    settings
}

// NewTemplates creates a workflow template store over coll.
func NewTemplates(coll *storage.Collection[types.Workflow], gen generator.Generator, opts ...Option) *Templates {
	return &Templates{coll: coll, gen: gen, s: newSettings(opts)}
}

// NormalizeFlow validates a proposed category flow and assigns orders 1..N by position.
// The input slice is not modified.
func NormalizeFlow(flow []types.FlowStage) ([]types.FlowStage, error) {
	if len(flow) < MinStages {
		return nil, types.Invalid("a workflow needs at least %d stages, got %d", MinStages, len(flow))
	}
	out := make([]types.FlowStage, len(flow))
	seen := make(map[string]int, len(flow))
	for i, st := range flow {
		st.CategoryID = strings.TrimSpace(st.CategoryID)
		if st.CategoryID == "" {
			return nil, types.Invalid("stage %d has no category", i+1)
		}
		if prev, dup := seen[st.CategoryID]; dup {
			return nil, types.Invalid("category %s appears in stages %d and %d; each category may appear once", st.CategoryID, prev, i+1)
		}
		seen[st.CategoryID] = i + 1
		st.Order = i + 1
		out[i] = st
	}
	return out, nil
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", types.Invalid("workflow name is required")
	}
	return name, nil
}

// resolveNames fills category names from the category store and rejects unknown categories.
func (t *Templates) resolveNames(ctx context.Context, flow []types.FlowStage) error {
	if t.s.categories == nil {
		return nil
	}
	for i := range flow {
		c, err := t.s.categories.Get(ctx, flow[i].CategoryID)
		if errors.Is(err, types.ErrNotFound) {
			return types.Invalid("stage %d refers to unknown category %s", flow[i].Order, flow[i].CategoryID)
		}
		if err != nil {
			return err
		}
		if flow[i].CategoryName == "" {
			flow[i].CategoryName = c.Name
		}
	}
	return nil
}

func (t *Templates) prepare(ctx context.Context, name string, flow []types.FlowStage) (string, []types.FlowStage, error) {
	name, err := normalizeName(name)
	if err != nil {
		return "", nil, err
	}
	flow, err = NormalizeFlow(flow)
	if err != nil {
		return "", nil, err
	}
	if err := t.resolveNames(ctx, flow); err != nil {
		return "", nil, err
	}
	return name, flow, nil
}

func checkNameFree(items []types.Workflow, id, name string) error {
	for _, w := range items {
		if w.ID != id && strings.EqualFold(w.Name, name) {
			return types.Invalid("a workflow named %q already exists", w.Name)
		}
	}
	return nil
}

// TrackDependencies makes template edits check the user dependencies in d.
// NewDependencies calls it for the Templates it is built on.
func (t *Templates) TrackDependencies(d DependencyIndex) {
	t.deps = d
}

// dependents returns how many user dependencies refer to workflowID.
func (t *Templates) dependents(ctx context.Context, workflowID string) (int, error) {
	if t.deps == nil {
		return 0, nil
	}
	deps, err := t.deps.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	return len(deps), nil
}

// sameStages reports whether two normalized flows have the same category at every order.
func sameStages(a, b []types.FlowStage) bool {
	if len(a) != len(b) {
		return false
	}
	byOrder := make(map[int]string, len(a))
	for _, st := range a {
		byOrder[st.Order] = st.CategoryID
	}
	for _, st := range b {
		if id, ok := byOrder[st.Order]; !ok || id != st.CategoryID {
			return false
		}
	}
	return true
}

func findWorkflow(items []types.Workflow, id string) int {
	for i, w := range items {
		if w.ID == id {
			return i
		}
	}
	return -1
}

// Create validates and stores a new workflow.
func (t *Templates) Create(ctx context.Context, name string, flow []types.FlowStage) (types.Workflow, error) {
	name, flow, err := t.prepare(ctx, name, flow)
	if err != nil {
		return types.Workflow{}, err
	}
	id, err := types.NewID(t.gen)
	if err != nil {
		return types.Workflow{}, err
	}
	now := t.s.now()
	wf := types.Workflow{ID: id, Name: name, CategoryFlow: flow, CreatedAt: now, UpdatedAt: now}

	_, err = t.coll.Update(ctx, func(items []types.Workflow) ([]types.Workflow, error) {
		if err := checkNameFree(items, "", name); err != nil {
			return nil, err
		}
		return append(items, wf), nil
	})
	if err != nil {
		return types.Workflow{}, err
	}
	t.s.logger.Info("workflow created", slog.String("id", wf.ID), slog.String("name", wf.Name), slog.Int("stages", len(flow)))
	t.s.publish(ctx, EventWorkflowChanged, wf.ID, map[string]interface{}{"action": "created"})
	return wf, nil
}

// Update replaces the name and flow of a workflow. A workflow used by tasks
// keeps its stage count, and the stages of a workflow with user dependencies
// cannot change at all: their assignments are bound to the categories of each stage.
func (t *Templates) Update(ctx context.Context, id, name string, flow []types.FlowStage) (types.Workflow, error) {
	name, flow, err := t.prepare(ctx, name, flow)
	if err != nil {
		return types.Workflow{}, err
	}
	var updated types.Workflow
	_, err = t.coll.Update(ctx, func(items []types.Workflow) ([]types.Workflow, error) {
		i := findWorkflow(items, id)
		if i < 0 {
			return nil, types.NotFound("workflow", id)
		}
		if err := checkNameFree(items, id, name); err != nil {
			return nil, err
		}
		if !sameStages(items[i].CategoryFlow, flow) {
			if items[i].TaskCount > 0 && len(flow) != len(items[i].CategoryFlow) {
				return nil, types.InUse("workflow %q is used by %d task(s); its number of stages cannot change", items[i].Name, items[i].TaskCount)
			}
			n, err := t.dependents(ctx, id)
			if err != nil {
				return nil, err
			}
			if n > 0 {
				return nil, types.InUse("workflow %q has %d user dependenc(ies); remove them before changing its stages", items[i].Name, n)
			}
		}
		items[i].Name = name
		items[i].CategoryFlow = flow
		items[i].UpdatedAt = t.s.now()
		updated = items[i]
		return items, nil
	})
	if err != nil {
		return types.Workflow{}, err
	}
	t.s.publish(ctx, EventWorkflowChanged, id, map[string]interface{}{"action": "updated"})
	return updated, nil
}

// Rename changes a workflow's name.
func (t *Templates) Rename(ctx context.Context, id, name string) (types.Workflow, error) {
	name, err := normalizeName(name)
	if err != nil {
		return types.Workflow{}, err
	}
	var updated types.Workflow
	_, err = t.coll.Update(ctx, func(items []types.Workflow) ([]types.Workflow, error) {
		i := findWorkflow(items, id)
		if i < 0 {
			return nil, types.NotFound("workflow", id)
		}
		if err := checkNameFree(items, id, name); err != nil {
			return nil, err
		}
		items[i].Name = name
		items[i].UpdatedAt = t.s.now()
		updated = items[i]
		return items, nil
	})
	if err != nil {
		return types.Workflow{}, err
	}
	t.s.publish(ctx, EventWorkflowChanged, id, map[string]interface{}{"action": "renamed"})
	return updated, nil
}

// Delete removes a workflow that no task or user dependency refers to.
func (t *Templates) Delete(ctx context.Context, id string) error {
	_, err := t.coll.Update(ctx, func(items []types.Workflow) ([]types.Workflow, error) {
		i := findWorkflow(items, id)
		if i < 0 {
			return nil, types.NotFound("workflow", id)
		}
		if items[i].TaskCount > 0 {
			return nil, types.InUse("workflow %q is used by %d task(s) and cannot be deleted", items[i].Name, items[i].TaskCount)
		}
		n, err := t.dependents(ctx, id)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, types.InUse("workflow %q has %d user dependenc(ies) and cannot be deleted", items[i].Name, n)
		}
		return append(items[:i], items[i+1:]...), nil
	})
	if err != nil {
		return err
	}
	t.s.logger.Info("workflow deleted", slog.String("id", id))
	t.s.publish(ctx, EventWorkflowChanged, id, map[string]interface{}{"action": "deleted"})
	return nil
}

// Get returns the workflow with id.
func (t *Templates) Get(ctx context.Context, id string) (types.Workflow, error) {
	items, err := t.coll.Load(ctx)
	if err != nil {
		return types.Workflow{}, err
	}
	i := findWorkflow(items, id)
	if i < 0 {
		return types.Workflow{}, types.NotFound("workflow", id)
	}
	return items[i], nil
}

// List returns every workflow.
func (t *Templates) List(ctx context.Context) ([]types.Workflow, error) {
	return t.coll.Load(ctx)
}

// AdjustTaskCount adds delta to the workflow's task count, never going below zero.
func (t *Templates) AdjustTaskCount(ctx context.Context, id string, delta int) error {
	_, err := t.coll.Update(ctx, func(items []types.Workflow) ([]types.Workflow, error) {
		i := findWorkflow(items, id)
		if i < 0 {
			return nil, types.NotFound("workflow", id)
		}
		items[i].TaskCount += delta
		if items[i].TaskCount < 0 {
			items[i].TaskCount = 0
		}
		return items, nil
	})
	return err
}
