package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/task-journey/storage"
	"github.com/songzhibin97/task-journey/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	mu sync.Mutex
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id, nil
}

var fixedNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func TestCategories(t *testing.T) {
	ctx := context.Background()
	newStore := func() *Categories {
		coll := storage.NewCollection[types.Category](storage.NewMemoryBackend(), storage.KeyCategories)
		return NewCategories(coll, &MockGenerator{}, WithClock(clock))
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore()
		c, err := s.Create(ctx, types.Category{Name: " Design ", Active: true})
		require.NoError(t, err)
		assert.Equal(t, "Design", c.Name)
		assert.Equal(t, fixedNow, c.CreatedAt)

		got, err := s.Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, c, got)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("SiblingNamesUnique", func(t *testing.T) {
		s := newStore()
		parent, err := s.Create(ctx, types.Category{Name: "Design", Active: true})
		require.NoError(t, err)
		_, err = s.Create(ctx, types.Category{Name: "design"})
		assert.ErrorIs(t, err, types.ErrValidation)

		// the same name is fine under another parent
		_, err = s.Create(ctx, types.Category{Name: "Design", ParentID: parent.ID})
		assert.NoError(t, err)

		_, err = s.Create(ctx, types.Category{Name: "Orphan", ParentID: "missing"})
		assert.ErrorIs(t, err, types.ErrNotFound)
		_, err = s.Create(ctx, types.Category{Name: "  "})
		assert.ErrorIs(t, err, types.ErrValidation)
	})

	t.Run("ActiveAndChildren", func(t *testing.T) {
		s := newStore()
		root, err := s.Create(ctx, types.Category{Name: "Root", Active: true})
		require.NoError(t, err)
		_, err = s.Create(ctx, types.Category{Name: "Old", Active: false})
		require.NoError(t, err)
		child, err := s.Create(ctx, types.Category{Name: "Child", ParentID: root.ID, Active: true})
		require.NoError(t, err)

		active, err := s.GetActiveCategories(ctx)
		require.NoError(t, err)
		assert.Len(t, active, 2)

		all, err := s.GetAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		children, err := s.Children(ctx, root.ID)
		require.NoError(t, err)
		assert.Equal(t, []types.Category{child}, children)
	})

	t.Run("UpdateRejectsCycles", func(t *testing.T) {
		s := newStore()
		root, err := s.Create(ctx, types.Category{Name: "Root"})
		require.NoError(t, err)
		child, err := s.Create(ctx, types.Category{Name: "Child", ParentID: root.ID})
		require.NoError(t, err)

		root.ParentID = child.ID
		_, err = s.Update(ctx, root)
		assert.ErrorIs(t, err, types.ErrValidation)

		root.ParentID = root.ID
		_, err = s.Update(ctx, root)
		assert.ErrorIs(t, err, types.ErrValidation)

		root.ParentID = ""
		root.Name = "Renamed"
		updated, err := s.Update(ctx, root)
		require.NoError(t, err)
		assert.Equal(t, "Renamed", updated.Name)
	})

	t.Run("DeleteBlockedByChildren", func(t *testing.T) {
		s := newStore()
		root, err := s.Create(ctx, types.Category{Name: "Root"})
		require.NoError(t, err)
		child, err := s.Create(ctx, types.Category{Name: "Child", ParentID: root.ID})
		require.NoError(t, err)

		assert.ErrorIs(t, s.Delete(ctx, root.ID), types.ErrReferential)
		require.NoError(t, s.Delete(ctx, child.ID))
		require.NoError(t, s.Delete(ctx, root.ID))
		assert.ErrorIs(t, s.Delete(ctx, root.ID), types.ErrNotFound)
	})
}

func TestChecklists(t *testing.T) {
	ctx := context.Background()
	newStore := func() (*Checklists, *storage.MemoryBackend) {
		backend := storage.NewMemoryBackend()
		coll := storage.NewCollection[types.Checklist](backend, storage.KeyChecklists,
			storage.WithNormalizer[types.Checklist](NormalizeChecklist))
		return NewChecklists(coll, &MockGenerator{}, WithClock(clock)), backend
	}
	items := func() []types.ChecklistItem {
		return []types.ChecklistItem{{Text: "Spelling"}, {Text: "Links work", Required: true}}
	}

	t.Run("CreateAssignsItemIDs", func(t *testing.T) {
		s, _ := newStore()
		c, err := s.Create(ctx, types.Checklist{Name: "Copy", CategoryIDs: []string{"c1", " c2", "c1"}, Items: items()})
		require.NoError(t, err)
		assert.Equal(t, []string{"c1", "c2"}, c.CategoryIDs)
		for _, item := range c.Items {
			assert.NotEmpty(t, item.ID)
		}

		got, err := s.GetByCategory(ctx, "c2")
		require.NoError(t, err)
		assert.Equal(t, c.ID, got.ID)
		_, err = s.GetByCategory(ctx, "c3")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("CallerItemsUntouched", func(t *testing.T) {
		s, _ := newStore()
		in := items()
		in[0].Text = "  Spelling  "
		cats := make([]string, 1, 4)
		cats[0] = "c1"
		c, err := s.Create(ctx, types.Checklist{Name: "Copy", CategoryIDs: cats, LegacyCategoryID: "c2", Items: in})
		require.NoError(t, err)
		assert.NotEmpty(t, c.Items[0].ID)
		assert.Equal(t, "Spelling", c.Items[0].Text)
		assert.Equal(t, []string{"c1", "c2"}, c.CategoryIDs)

		assert.Empty(t, in[0].ID, "generated ids stay out of the caller's slice")
		assert.Equal(t, "  Spelling  ", in[0].Text)
		assert.Empty(t, cats[:2][1], "the legacy category is not appended into the caller's array")
	})

	t.Run("SecondChecklistForCategory", func(t *testing.T) {
		s, backend := newStore()
		_, err := s.Create(ctx, types.Checklist{Name: "Copy", CategoryIDs: []string{"c1"}, Items: items()})
		require.NoError(t, err)
		before, err := backend.Get(ctx, storage.KeyChecklists)
		require.NoError(t, err)

		_, err = s.Create(ctx, types.Checklist{Name: "Another", CategoryIDs: []string{"c2", "c1"}, Items: items()})
		res := types.ResultOf(err, "created")
		assert.False(t, res.Success)
		assert.Contains(t, res.Message, "already have a checklist")
		assert.Contains(t, res.Message, "c1")

		after, err := backend.Get(ctx, storage.KeyChecklists)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("Validation", func(t *testing.T) {
		s, _ := newStore()
		for _, c := range []types.Checklist{
			{CategoryIDs: []string{"c1"}, Items: items()},
			{Name: "No categories", Items: items()},
			{Name: "No items", CategoryIDs: []string{"c1"}},
			{Name: "Blank item", CategoryIDs: []string{"c1"}, Items: []types.ChecklistItem{{Text: " "}}},
		} {
			_, err := s.Create(ctx, c)
			assert.ErrorIs(t, err, types.ErrValidation, c.Name)
		}
	})

	t.Run("UpdateKeepsOwnCategories", func(t *testing.T) {
		s, _ := newStore()
		c, err := s.Create(ctx, types.Checklist{Name: "Copy", CategoryIDs: []string{"c1"}, Items: items()})
		require.NoError(t, err)
		c.CategoryIDs = append(c.CategoryIDs, "c2")
		updated, err := s.Update(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, []string{"c1", "c2"}, updated.CategoryIDs)
		assert.Equal(t, fixedNow, updated.CreatedAt)

		require.NoError(t, s.Delete(ctx, c.ID))
		assert.ErrorIs(t, s.Delete(ctx, c.ID), types.ErrNotFound)
	})

	t.Run("LegacyRecordsNormalized", func(t *testing.T) {
		s, backend := newStore()
		require.NoError(t, backend.Set(ctx, storage.KeyChecklists,
			`[{"id":"old","name":"Legacy","categoryId":"c9","items":[{"id":"i1","text":"x"}]}]`))

		got, err := s.GetByCategory(ctx, "c9")
		require.NoError(t, err)
		assert.Equal(t, []string{"c9"}, got.CategoryIDs)
		assert.Empty(t, got.LegacyCategoryID)

		raw, err := backend.Get(ctx, storage.KeyChecklists)
		require.NoError(t, err)
		assert.NotContains(t, raw, `"categoryId"`)
	})
}

func TestNormalizeChecklist(t *testing.T) {
	c := types.Checklist{CategoryIDs: []string{"a"}, LegacyCategoryID: "a"}
	assert.True(t, NormalizeChecklist(&c))
	assert.Equal(t, []string{"a"}, c.CategoryIDs)
	assert.False(t, NormalizeChecklist(&c))
}

func TestGuidelines(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	coll := storage.NewCollection[types.Guideline](backend, storage.KeyGuidelines,
		storage.WithNormalizer[types.Guideline](NormalizeGuideline))
	s := NewGuidelines(coll, &MockGenerator{}, WithClock(clock))

	a, err := s.Create(ctx, types.Guideline{Title: "Tone", Content: "Be brief", CategoryIDs: []string{"c1", "c2"}})
	require.NoError(t, err)
	_, err = s.Create(ctx, types.Guideline{Title: "Layout", Content: "Grid", LegacyCategoryID: "c2"})
	require.NoError(t, err)

	got, err := s.GetByCategory(ctx, "c2")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	got, err = s.GetByCategory(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = s.Create(ctx, types.Guideline{Title: "Empty", CategoryIDs: []string{"c1"}})
	assert.ErrorIs(t, err, types.ErrValidation)

	a.Content = "Be very brief"
	a, err = s.Update(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "Be very brief", a.Content)

	require.NoError(t, s.Delete(ctx, a.ID))
	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestWorksheets(t *testing.T) {
	ctx := context.Background()
	coll := storage.NewCollection[types.WorksheetTemplate](storage.NewMemoryBackend(), storage.KeyWorksheets)
	s := NewWorksheets(coll, &MockGenerator{}, WithClock(clock))

	fields := []types.WorksheetField{{Name: "url", Label: "Mockup URL", Type: "text", Required: true}}
	w, err := s.Create(ctx, types.WorksheetTemplate{Name: "Design sheet", CategoryID: "c1", Fields: fields})
	require.NoError(t, err)

	_, err = s.Create(ctx, types.WorksheetTemplate{Name: "Second", CategoryID: "c1"})
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = s.Create(ctx, types.WorksheetTemplate{Name: "Dup fields", CategoryID: "c2",
		Fields: []types.WorksheetField{{Name: "a"}, {Name: "a"}}})
	assert.ErrorIs(t, err, types.ErrValidation)

	got, err := s.GetByCategory(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)

	w.Name = "Design worksheet"
	_, err = s.Update(ctx, w)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, w.ID))
	_, err = s.GetByCategory(ctx, "c1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
