package catalog

import (
	"context"
	"strings"

	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/task-journey/storage"
	"github.com/songzhibin97/task-journey/types"
)

// Guidelines stores guidance documents keyed by category.
type Guidelines struct {
	coll *storage.Collection[types.Guideline]
	gen  generator.Generator
	opts options
}

// NewGuidelines creates a guideline store over coll.
func NewGuidelines(coll *storage.Collection[types.Guideline], gen generator.Generator, opts ...Option) *Guidelines {
	return &Guidelines{coll: coll, gen: gen, opts: newOptions(opts)}
}

// NormalizeGuideline folds the legacy single categoryId into CategoryIDs.
func NormalizeGuideline(g *types.Guideline) bool {
	if g.LegacyCategoryID == "" {
		return false
	}
	if !containsID(g.CategoryIDs, g.LegacyCategoryID) {
		g.CategoryIDs = append(g.CategoryIDs, g.LegacyCategoryID)
	}
	g.LegacyCategoryID = ""
	return true
}

func prepareGuideline(g *types.Guideline) error {
	g.CategoryIDs = append([]string(nil), g.CategoryIDs...)
	NormalizeGuideline(g)
	g.Title = strings.TrimSpace(g.Title)
	g.CategoryIDs = normalizeIDs(g.CategoryIDs)
	switch {
	case g.Title == "":
		return types.Invalid("guideline title is required")
	case strings.TrimSpace(g.Content) == "":
		return types.Invalid("guideline content is required")
	case len(g.CategoryIDs) == 0:
		return types.Invalid("select at least one category")
	}
	return nil
}

// Create adds a guideline.
func (s *Guidelines) Create(ctx context.Context, g types.Guideline) (types.Guideline, error) {
	if err := prepareGuideline(&g); err != nil {
		return types.Guideline{}, err
	}
	id, err := types.NewID(s.gen)
	if err != nil {
		return types.Guideline{}, err
	}
	now := s.opts.now()
	g.ID, g.CreatedAt, g.UpdatedAt = id, now, now
	_, err = s.coll.Update(ctx, func(items []types.Guideline) ([]types.Guideline, error) {
		return append(items, g), nil
	})
	if err != nil {
		return types.Guideline{}, err
	}
	return g, nil
}

// Update replaces an existing guideline.
func (s *Guidelines) Update(ctx context.Context, g types.Guideline) (types.Guideline, error) {
	if err := prepareGuideline(&g); err != nil {
		return types.Guideline{}, err
	}
	_, err := s.coll.Update(ctx, func(items []types.Guideline) ([]types.Guideline, error) {
		i := indexOf(items, func(x types.Guideline) bool { return x.ID == g.ID })
		if i < 0 {
			return nil, types.NotFound("guideline", g.ID)
		}
		g.CreatedAt = items[i].CreatedAt
		g.UpdatedAt = s.opts.now()
		items[i] = g
		return items, nil
	})
	if err != nil {
		return types.Guideline{}, err
	}
	return g, nil
}

// Delete removes a guideline.
func (s *Guidelines) Delete(ctx context.Context, id string) error {
	_, err := s.coll.Update(ctx, func(items []types.Guideline) ([]types.Guideline, error) {
		i := indexOf(items, func(x types.Guideline) bool { return x.ID == id })
		if i < 0 {
			return nil, types.NotFound("guideline", id)
		}
		return append(items[:i], items[i+1:]...), nil
	})
	return err
}

// List returns every guideline.
func (s *Guidelines) List(ctx context.Context) ([]types.Guideline, error) {
	return s.coll.Load(ctx)
}

// GetByCategory returns the guidelines that apply to categoryID.
func (s *Guidelines) GetByCategory(ctx context.Context, categoryID string) ([]types.Guideline, error) {
	items, err := s.coll.Load(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.Guideline
	for _, g := range items {
		if containsID(g.CategoryIDs, categoryID) {
			out = append(out, g)
		}
	}
	return out, nil
}
