package catalog

import (
	"context"
	"log/slog"
	"strings"

	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/task-journey/storage"
	"github.com/songzhibin97/task-journey/types"
)

// Checklists stores review checklists. A category is covered by at most one checklist.
type Checklists struct {
	coll *storage.Collection[types.Checklist]
	gen  generator.Generator
	opts options
}

// NewChecklists creates a checklist store over coll.
func NewChecklists(coll *storage.Collection[types.Checklist], gen generator.Generator, opts ...Option) *Checklists {
	return &Checklists{coll: coll, gen: gen, opts: newOptions(opts)}
}

// NormalizeChecklist folds the legacy single categoryId into CategoryIDs.
func NormalizeChecklist(c *types.Checklist) bool {
	if c.LegacyCategoryID == "" {
		return false
	}
	if !containsID(c.CategoryIDs, c.LegacyCategoryID) {
		c.CategoryIDs = append(c.CategoryIDs, c.LegacyCategoryID)
	}
	c.LegacyCategoryID = ""
	return true
}

// Create adds a checklist.
func (s *Checklists) Create(ctx context.Context, c types.Checklist) (types.Checklist, error) {
	if err := s.prepare(&c); err != nil {
		return types.Checklist{}, err
	}
	id, err := types.NewID(s.gen)
	if err != nil {
		return types.Checklist{}, err
	}
	now := s.opts.now()
	c.ID = id
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err = s.coll.Update(ctx, func(items []types.Checklist) ([]types.Checklist, error) {
		if err := checkCoverage(items, c); err != nil {
			return nil, err
		}
		return append(items, c), nil
	})
	if err != nil {
		return types.Checklist{}, err
	}
	s.opts.logger.Info("checklist created", slog.String("id", c.ID), slog.Any("categories", c.CategoryIDs))
	return c, nil
}

// Update replaces an existing checklist.
func (s *Checklists) Update(ctx context.Context, c types.Checklist) (types.Checklist, error) {
	if err := s.prepare(&c); err != nil {
		return types.Checklist{}, err
	}
	var updated types.Checklist
	_, err := s.coll.Update(ctx, func(items []types.Checklist) ([]types.Checklist, error) {
		i := indexOf(items, func(x types.Checklist) bool { return x.ID == c.ID })
		if i < 0 {
			return nil, types.NotFound("checklist", c.ID)
		}
		if err := checkCoverage(items, c); err != nil {
			return nil, err
		}
		c.CreatedAt = items[i].CreatedAt
		c.UpdatedAt = s.opts.now()
		items[i] = c
		updated = c
		return items, nil
	})
	return updated, err
}

// Delete removes a checklist.
func (s *Checklists) Delete(ctx context.Context, id string) error {
	_, err := s.coll.Update(ctx, func(items []types.Checklist) ([]types.Checklist, error) {
		i := indexOf(items, func(x types.Checklist) bool { return x.ID == id })
		if i < 0 {
			return nil, types.NotFound("checklist", id)
		}
		return append(items[:i], items[i+1:]...), nil
	})
	return err
}

// List returns every checklist.
func (s *Checklists) List(ctx context.Context) ([]types.Checklist, error) {
	return s.coll.Load(ctx)
}

// GetByCategory returns the checklist covering categoryID.
func (s *Checklists) GetByCategory(ctx context.Context, categoryID string) (types.Checklist, error) {
	items, err := s.coll.Load(ctx)
	if err != nil {
		return types.Checklist{}, err
	}
	i := indexOf(items, func(x types.Checklist) bool { return containsID(x.CategoryIDs, categoryID) })
	if i < 0 {
		return types.Checklist{}, types.NotFound("checklist for category", categoryID)
	}
	return items[i], nil
}

// prepare normalizes c in place. The item and category slices are copied
// first so the caller's arrays are never written.
func (s *Checklists) prepare(c *types.Checklist) error {
	c.Items = append([]types.ChecklistItem(nil), c.Items...)
	c.CategoryIDs = append([]string(nil), c.CategoryIDs...)
	NormalizeChecklist(c)
	c.Name = strings.TrimSpace(c.Name)
	c.CategoryIDs = normalizeIDs(c.CategoryIDs)
	if c.Name == "" {
		return types.Invalid("checklist name is required")
	}
	if len(c.CategoryIDs) == 0 {
		return types.Invalid("select at least one category")
	}
	if len(c.Items) == 0 {
		return types.Invalid("a checklist needs at least one item")
	}
	for i := range c.Items {
		c.Items[i].Text = strings.TrimSpace(c.Items[i].Text)
		if c.Items[i].Text == "" {
			return types.Invalid("checklist item %d has no text", i+1)
		}
		if c.Items[i].ID == "" {
			id, err := types.NewID(s.gen)
			if err != nil {
				return err
			}
			c.Items[i].ID = id
		}
	}
	return nil
}

// checkCoverage rejects c when another checklist already covers one of its categories.
func checkCoverage(items []types.Checklist, c types.Checklist) error {
	var taken []string
	for _, x := range items {
		if x.ID == c.ID {
			continue
		}
		for _, id := range c.CategoryIDs {
			if containsID(x.CategoryIDs, id) && !containsID(taken, id) {
				taken = append(taken, id)
			}
		}
	}
	if len(taken) > 0 {
		return types.Invalid("selected categories already have a checklist: %s", strings.Join(taken, ", "))
	}
	return nil
}
