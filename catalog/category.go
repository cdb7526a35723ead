package catalog

import (
	"context"
	"log/slog"
	"strings"

	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/task-journey/storage"
	"github.com/songzhibin97/task-journey/types"
)

// Categories is the hierarchical category store.
type Categories struct {
	coll *storage.Collection[types.Category]
	gen  generator.Generator
	opts options
}

// NewCategories creates a category store over coll.
func NewCategories(coll *storage.Collection[types.Category], gen generator.Generator, opts ...Option) *Categories {
	return &Categories{coll: coll, gen: gen, opts: newOptions(opts)}
}

// Create adds a category. Names are unique among siblings, ignoring case.
func (s *Categories) Create(ctx context.Context, c types.Category) (types.Category, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return types.Category{}, types.Invalid("category name is required")
	}
	id, err := types.NewID(s.gen)
	if err != nil {
		return types.Category{}, err
	}
	now := s.opts.now()
	c.ID = id
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err = s.coll.Update(ctx, func(items []types.Category) ([]types.Category, error) {
		if err := checkCategory(items, c); err != nil {
			return nil, err
		}
		return append(items, c), nil
	})
	if err != nil {
		return types.Category{}, err
	}
	s.opts.logger.Info("category created", slog.String("id", c.ID), slog.String("name", c.Name))
	return c, nil
}

// Update replaces the editable fields of an existing category.
func (s *Categories) Update(ctx context.Context, c types.Category) (types.Category, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return types.Category{}, types.Invalid("category name is required")
	}
	var updated types.Category
	_, err := s.coll.Update(ctx, func(items []types.Category) ([]types.Category, error) {
		i := indexOf(items, func(x types.Category) bool { return x.ID == c.ID })
		if i < 0 {
			return nil, types.NotFound("category", c.ID)
		}
		if c.ParentID == c.ID || isDescendant(items, c.ParentID, c.ID) {
			return nil, types.Invalid("category %q cannot be its own ancestor", c.Name)
		}
		if err := checkCategory(items, c); err != nil {
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

// Delete removes a category that has no children.
func (s *Categories) Delete(ctx context.Context, id string) error {
	_, err := s.coll.Update(ctx, func(items []types.Category) ([]types.Category, error) {
		i := indexOf(items, func(x types.Category) bool { return x.ID == id })
		if i < 0 {
			return nil, types.NotFound("category", id)
		}
		for _, x := range items {
			if x.ParentID == id {
				return nil, types.InUse("category %q has subcategories and cannot be deleted", items[i].Name)
			}
		}
		return append(items[:i], items[i+1:]...), nil
	})
	return err
}

// Get returns the category with id.
func (s *Categories) Get(ctx context.Context, id string) (types.Category, error) {
	items, err := s.coll.Load(ctx)
	if err != nil {
		return types.Category{}, err
	}
	i := indexOf(items, func(x types.Category) bool { return x.ID == id })
	if i < 0 {
		return types.Category{}, types.NotFound("category", id)
	}
	return items[i], nil
}

// GetAll returns every category.
func (s *Categories) GetAll(ctx context.Context) ([]types.Category, error) {
	return s.coll.Load(ctx)
}

// GetActiveCategories returns the active categories.
func (s *Categories) GetActiveCategories(ctx context.Context) ([]types.Category, error) {
	items, err := s.coll.Load(ctx)
	if err != nil {
		return nil, err
	}
	active := items[:0]
	for _, c := range items {
		if c.Active {
			active = append(active, c)
		}
	}
	return active, nil
}

// Children returns the direct subcategories of parentID.
func (s *Categories) Children(ctx context.Context, parentID string) ([]types.Category, error) {
	items, err := s.coll.Load(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.Category
	for _, c := range items {
		if c.ParentID == parentID {
			out = append(out, c)
		}
	}
	return out, nil
}

func checkCategory(items []types.Category, c types.Category) error {
	if c.ParentID != "" && indexOf(items, func(x types.Category) bool { return x.ID == c.ParentID }) < 0 {
		return types.NotFound("parent category", c.ParentID)
	}
	for _, x := range items {
		if x.ID != c.ID && x.ParentID == c.ParentID && strings.EqualFold(x.Name, c.Name) {
			return types.Invalid("a category named %q already exists", c.Name)
		}
	}
	return nil
}

// isDescendant reports whether id lies below ancestor.
func isDescendant(items []types.Category, id, ancestor string) bool {
	seen := make(map[string]bool)
	for id != "" && !seen[id] {
		seen[id] = true
		i := indexOf(items, func(x types.Category) bool { return x.ID == id })
		if i < 0 {
			return false
		}
		if items[i].ParentID == ancestor {
			return true
		}
		id = items[i].ParentID
	}
	return false
}
