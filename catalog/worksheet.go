package catalog

import (
	"context"
	"strings"

	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/task-journey/storage"
	"github.com/songzhibin97/task-journey/types"
)

// Worksheets stores worksheet templates, one per category.
type Worksheets struct {
	coll *storage.Collection[types.WorksheetTemplate]
	gen  generator.Generator
	opts options
}

// NewWorksheets creates a worksheet template store over coll.
func NewWorksheets(coll *storage.Collection[types.WorksheetTemplate], gen generator.Generator, opts ...Option) *Worksheets {
	return &Worksheets{coll: coll, gen: gen, opts: newOptions(opts)}
}

func checkWorksheet(items []types.WorksheetTemplate, w types.WorksheetTemplate) error {
	if strings.TrimSpace(w.Name) == "" {
		return types.Invalid("worksheet name is required")
	}
	if w.CategoryID == "" {
		return types.Invalid("worksheet category is required")
	}
	seen := make(map[string]bool, len(w.Fields))
	for _, f := range w.Fields {
		if f.Name == "" {
			return types.Invalid("worksheet fields need a name")
		}
		if seen[f.Name] {
			return types.Invalid("duplicate worksheet field %q", f.Name)
		}
		seen[f.Name] = true
	}
	for _, x := range items {
		if x.ID != w.ID && x.CategoryID == w.CategoryID {
			return types.Invalid("category %s already has worksheet template %q", w.CategoryID, x.Name)
		}
	}
	return nil
}

// Create adds a worksheet template.
func (s *Worksheets) Create(ctx context.Context, w types.WorksheetTemplate) (types.WorksheetTemplate, error) {
	id, err := types.NewID(s.gen)
	if err != nil {
		return types.WorksheetTemplate{}, err
	}
	now := s.opts.now()
	w.ID, w.CreatedAt, w.UpdatedAt = id, now, now
	_, err = s.coll.Update(ctx, func(items []types.WorksheetTemplate) ([]types.WorksheetTemplate, error) {
		if err := checkWorksheet(items, w); err != nil {
			return nil, err
		}
		return append(items, w), nil
	})
	if err != nil {
		return types.WorksheetTemplate{}, err
	}
	return w, nil
}

// Update replaces an existing worksheet template.
func (s *Worksheets) Update(ctx context.Context, w types.WorksheetTemplate) (types.WorksheetTemplate, error) {
	_, err := s.coll.Update(ctx, func(items []types.WorksheetTemplate) ([]types.WorksheetTemplate, error) {
		i := indexOf(items, func(x types.WorksheetTemplate) bool { return x.ID == w.ID })
		if i < 0 {
			return nil, types.NotFound("worksheet template", w.ID)
		}
		if err := checkWorksheet(items, w); err != nil {
			return nil, err
		}
		w.CreatedAt = items[i].CreatedAt
		w.UpdatedAt = s.opts.now()
		items[i] = w
		return items, nil
	})
	if err != nil {
		return types.WorksheetTemplate{}, err
	}
	return w, nil
}

// Delete removes a worksheet template.
func (s *Worksheets) Delete(ctx context.Context, id string) error {
	_, err := s.coll.Update(ctx, func(items []types.WorksheetTemplate) ([]types.WorksheetTemplate, error) {
		i := indexOf(items, func(x types.WorksheetTemplate) bool { return x.ID == id })
		if i < 0 {
			return nil, types.NotFound("worksheet template", id)
		}
		return append(items[:i], items[i+1:]...), nil
	})
	return err
}

// List returns every worksheet template.
func (s *Worksheets) List(ctx context.Context) ([]types.WorksheetTemplate, error) {
	return s.coll.Load(ctx)
}

// GetByCategory returns the template bound to categoryID.
func (s *Worksheets) GetByCategory(ctx context.Context, categoryID string) (types.WorksheetTemplate, error) {
	items, err := s.coll.Load(ctx)
	if err != nil {
		return types.WorksheetTemplate{}, err
	}
	i := indexOf(items, func(x types.WorksheetTemplate) bool { return x.CategoryID == categoryID })
	if i < 0 {
		return types.WorksheetTemplate{}, types.NotFound("worksheet template for category", categoryID)
	}
	return items[i], nil
}
