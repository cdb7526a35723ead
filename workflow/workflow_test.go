package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/task-journey/directory"
	"github.com/songzhibin97/task-journey/storage"
	"github.com/songzhibin97/task-journey/types"
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

// MockCategories is an in-memory CategoryLookup.
type MockCategories map[string]types.Category

func (m MockCategories) Get(ctx context.Context, id string) (types.Category, error) {
	c, ok := m[id]
	if !ok {
		return types.Category{}, types.NotFound("category", id)
	}
	return c, nil
}

// MockWorksheets is an in-memory WorksheetLookup keyed by category.
type MockWorksheets map[string]types.WorksheetTemplate

func (m MockWorksheets) GetByCategory(ctx context.Context, categoryID string) (types.WorksheetTemplate, error) {
	w, ok := m[categoryID]
	if !ok {
		return types.WorksheetTemplate{}, types.NotFound("worksheet", categoryID)
	}
	return w, nil
}

var fixedNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctx       context.Context
	backend   *storage.MemoryBackend
	users     *directory.Users
	templates *Templates
	deps      *Dependencies
	journey   *Journey
}

// newFixture wires the workflow services over one memory backend with the
// users of the Design -> Build example:
// u1/u2 work on c1, u3/u4 on c2, lead approves everything.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	gen := &MockGenerator{}

	users := directory.NewUsers(storage.NewCollection[types.User](backend, storage.KeyUsers), gen, nil)
	for _, u := range []types.User{
		{ID: "u1", Name: "Alice", RoleID: types.RoleDoer, AssignedCategoryIDs: []string{"c1"}, Active: true},
		{ID: "u2", Name: "Bob", RoleID: types.RoleChecker, AssignedCategoryIDs: []string{"c1"}, Active: true},
		{ID: "u3", Name: "Carol", RoleID: types.RoleDoer, AssignedCategoryIDs: []string{"c2"}, Active: true},
		{ID: "u4", Name: "Dan", RoleID: types.RoleChecker, AssignedCategoryIDs: []string{"c2"}, Active: true},
		{ID: "u5", Name: "Eve", RoleID: types.RoleDoer, AssignedCategoryIDs: []string{types.AllCategories}, Active: true},
		{ID: "u6", Name: "Frank", RoleID: types.RoleChecker, AssignedCategoryIDs: []string{types.AllCategories}, Active: true},
		{ID: "lead", Name: "Grace", RoleID: types.RoleTeamLeader, AssignedCategoryIDs: []string{types.AllCategories}, Active: true},
	} {
		_, err := users.Create(ctx, u)
		require.NoError(t, err)
	}

	categories := MockCategories{
		"c1": {ID: "c1", Name: "Design", Active: true},
		"c2": {ID: "c2", Name: "Build", Active: true},
		"c3": {ID: "c3", Name: "Test", Active: true},
		"c4": {ID: "c4", Name: "Ship", Active: true},
	}
	worksheets := MockWorksheets{
		"c1": {ID: "ws-design", Name: "Design sheet", CategoryID: "c1"},
	}

	base := []Option{
		WithClock(func() time.Time { return fixedNow }),
		WithCategories(categories),
		WithUsers(users),
		WithWorksheets(worksheets),
	}
	base = append(base, opts...)

	templates := NewTemplates(storage.NewCollection[types.Workflow](backend, storage.KeyWorkflows), gen, base...)
	deps := NewDependencies(storage.NewCollection[types.UserDependency](backend, storage.KeyUserDependencies), templates, gen, base...)
	journey := NewJourney(templates, deps, base...)

	return &fixture{ctx: ctx, backend: backend, users: users, templates: templates, deps: deps, journey: journey}
}

func flowOf(ids ...string) []types.FlowStage {
	out := make([]types.FlowStage, len(ids))
	for i, id := range ids {
		out[i] = types.FlowStage{CategoryID: id}
	}
	return out
}

// designBuild creates the two stage Design -> Build workflow and its dependency.
func (f *fixture) designBuild(t *testing.T) (types.Workflow, types.UserDependency) {
	t.Helper()
	wf, err := f.templates.Create(f.ctx, "Design to Build", flowOf("c1", "c2"))
	require.NoError(t, err)
	dep, err := f.deps.Create(f.ctx, wf.ID, "Default team", []types.StageAssignment{
		{StageOrder: 1, UserID: "u1", CheckerID: "u2"},
		{StageOrder: 2, UserID: "u3", CheckerID: "u4"},
	})
	require.NoError(t, err)
	return wf, dep
}

func (f *fixture) stored(t *testing.T, key string) string {
	t.Helper()
	raw, err := f.backend.Get(f.ctx, key)
	if err != nil {
		return ""
	}
	return raw
}
