// Package seed loads a YAML fixture of categories, users, workflows and
// tasks into a running App. Records refer to each other by key; the ids
// the stores assign are resolved while applying.
package seed

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/task-journey/app"
	"github.com/songzhibin97/task-journey/types"
)

//go:embed demo.yaml
var demo []byte

// Demo returns the built-in demo fixture.
func Demo() (*Fixture, error) {
	return Parse(bytes.NewReader(demo))
}

// Fixture is the document layout.
type Fixture struct {
	Categories   []Category   `yaml:"categories"`
	Users        []User       `yaml:"users"`
	Checklists   []Checklist  `yaml:"checklists"`
	Guidelines   []Guideline  `yaml:"guidelines"`
	Worksheets   []Worksheet  `yaml:"worksheets"`
	Workflows    []Workflow   `yaml:"workflows"`
	Dependencies []Dependency `yaml:"dependencies"`
	Tasks        []Task       `yaml:"tasks"`
}

type Category struct {
	Key         string `yaml:"key"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Parent      string `yaml:"parent"`
	Inactive    bool   `yaml:"inactive"`
}

// User names its categories by key; "all" matches every category.
type User struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Email      string   `yaml:"email"`
	Role       string   `yaml:"role"`
	Categories []string `yaml:"categories"`
	Inactive   bool     `yaml:"inactive"`
}

type ChecklistItem struct {
	Text     string `yaml:"text"`
	Required bool   `yaml:"required"`
}

type Checklist struct {
	Name       string          `yaml:"name"`
	Categories []string        `yaml:"categories"`
	Items      []ChecklistItem `yaml:"items"`
}

type Guideline struct {
	Title      string   `yaml:"title"`
	Content    string   `yaml:"content"`
	Categories []string `yaml:"categories"`
}

type Worksheet struct {
	Name     string                 `yaml:"name"`
	Category string                 `yaml:"category"`
	Fields   []types.WorksheetField `yaml:"fields"`
}

type Workflow struct {
	Key    string   `yaml:"key"`
	Name   string   `yaml:"name"`
	Stages []string `yaml:"stages"`
}

// Assignment pairs the doer and checker of the stage at the same position.
type Assignment struct {
	Doer    string `yaml:"doer"`
	Checker string `yaml:"checker"`
}

type Dependency struct {
	Key         string       `yaml:"key"`
	Name        string       `yaml:"name"`
	Workflow    string       `yaml:"workflow"`
	Assignments []Assignment `yaml:"assignments"`
}

type Task struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Category    string `yaml:"category"`
	AssignedTo  string `yaml:"assigned_to"`
	Workflow    string `yaml:"workflow"`
	Dependency  string `yaml:"dependency"`
}

// Result lists the ids assigned to keyed records.
type Result struct {
	Categories   map[string]string
	Workflows    map[string]string
	Dependencies map[string]string
	Tasks        []string
}

var roles = map[string]types.Role{
	"admin":       types.RoleAdmin,
	"doer":        types.RoleDoer,
	"checker":     types.RoleChecker,
	"team_leader": types.RoleTeamLeader,
}

// Parse decodes a fixture. Unknown fields are rejected.
func Parse(r io.Reader) (*Fixture, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f Fixture
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return &f, nil
		}
		return nil, fmt.Errorf("%w: fixture: %v", types.ErrValidation, err)
	}
	return &f, nil
}

// LoadFile parses the fixture at path.
func LoadFile(path string) (*Fixture, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return Parse(file)
}

type resolver struct {
	res *Result
}

func (r resolver) category(key string) (string, error) {
	if key == types.AllCategories {
		return key, nil
	}
	id, ok := r.res.Categories[key]
	if !ok {
		return "", types.Invalid("unknown category key %q", key)
	}
	return id, nil
}

func (r resolver) categories(keys []string) ([]string, error) {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		id, err := r.category(k)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func lookup(m map[string]string, kind, key string) (string, error) {
	if key == "" {
		return "", nil
	}
	id, ok := m[key]
	if !ok {
		return "", types.Invalid("unknown %s key %q", kind, key)
	}
	return id, nil
}

// Apply creates every record of f in dependency order and stops at the first failure.
func Apply(ctx context.Context, a *app.App, f *Fixture) (*Result, error) {
	res := &Result{
		Categories:   make(map[string]string),
		Workflows:    make(map[string]string),
		Dependencies: make(map[string]string),
	}
	r := resolver{res: res}

	for _, c := range f.Categories {
		parent, err := lookup(res.Categories, "category", c.Parent)
		if err != nil {
			return res, err
		}
		created, err := a.Categories.Create(ctx, types.Category{
			Name: c.Name, Description: c.Description, ParentID: parent, Active: !c.Inactive,
		})
		if err != nil {
			return res, fmt.Errorf("category %s: %w", c.Name, err)
		}
		key := c.Key
		if key == "" {
			key = c.Name
		}
		res.Categories[key] = created.ID
	}

	for _, u := range f.Users {
		role, ok := roles[u.Role]
		if !ok {
			return res, types.Invalid("user %s: unknown role %q", u.Name, u.Role)
		}
		cats, err := r.categories(u.Categories)
		if err != nil {
			return res, fmt.Errorf("user %s: %w", u.Name, err)
		}
		if _, err := a.Users.Create(ctx, types.User{
			ID: u.ID, Name: u.Name, Email: u.Email, RoleID: role, AssignedCategoryIDs: cats, Active: !u.Inactive,
		}); err != nil {
			return res, fmt.Errorf("user %s: %w", u.Name, err)
		}
	}

	for _, c := range f.Checklists {
		cats, err := r.categories(c.Categories)
		if err != nil {
			return res, fmt.Errorf("checklist %s: %w", c.Name, err)
		}
		items := make([]types.ChecklistItem, len(c.Items))
		for i, it := range c.Items {
			items[i] = types.ChecklistItem{Text: it.Text, Required: it.Required}
		}
		if _, err := a.Checklists.Create(ctx, types.Checklist{Name: c.Name, CategoryIDs: cats, Items: items}); err != nil {
			return res, fmt.Errorf("checklist %s: %w", c.Name, err)
		}
	}

	for _, g := range f.Guidelines {
		cats, err := r.categories(g.Categories)
		if err != nil {
			return res, fmt.Errorf("guideline %s: %w", g.Title, err)
		}
		if _, err := a.Guidelines.Create(ctx, types.Guideline{Title: g.Title, Content: g.Content, CategoryIDs: cats}); err != nil {
			return res, fmt.Errorf("guideline %s: %w", g.Title, err)
		}
	}

	for _, w := range f.Worksheets {
		cat, err := r.category(w.Category)
		if err != nil {
			return res, fmt.Errorf("worksheet %s: %w", w.Name, err)
		}
		if _, err := a.Worksheets.Create(ctx, types.WorksheetTemplate{Name: w.Name, CategoryID: cat, Fields: w.Fields}); err != nil {
			return res, fmt.Errorf("worksheet %s: %w", w.Name, err)
		}
	}

	for _, w := range f.Workflows {
		flow := make([]types.FlowStage, len(w.Stages))
		for i, key := range w.Stages {
			id, err := lookup(res.Categories, "category", key)
			if err != nil {
				return res, fmt.Errorf("workflow %s: %w", w.Name, err)
			}
			flow[i] = types.FlowStage{CategoryID: id}
		}
		created, err := a.Templates.Create(ctx, w.Name, flow)
		if err != nil {
			return res, fmt.Errorf("workflow %s: %w", w.Name, err)
		}
		key := w.Key
		if key == "" {
			key = w.Name
		}
		res.Workflows[key] = created.ID
	}

	for _, d := range f.Dependencies {
		wfID, err := lookup(res.Workflows, "workflow", d.Workflow)
		if err != nil {
			return res, fmt.Errorf("dependency %s: %w", d.Name, err)
		}
		assignments := make([]types.StageAssignment, len(d.Assignments))
		for i, as := range d.Assignments {
			assignments[i] = types.StageAssignment{StageOrder: i + 1, UserID: as.Doer, CheckerID: as.Checker}
		}
		created, err := a.Dependencies.Create(ctx, wfID, d.Name, assignments)
		if err != nil {
			return res, fmt.Errorf("dependency %s: %w", d.Name, err)
		}
		key := d.Key
		if key == "" {
			key = d.Name
		}
		res.Dependencies[key] = created.ID
	}

	for _, t := range f.Tasks {
		cat, err := lookup(res.Categories, "category", t.Category)
		if err != nil {
			return res, fmt.Errorf("task %s: %w", t.Title, err)
		}
		wfID, err := lookup(res.Workflows, "workflow", t.Workflow)
		if err != nil {
			return res, fmt.Errorf("task %s: %w", t.Title, err)
		}
		depID, err := lookup(res.Dependencies, "dependency", t.Dependency)
		if err != nil {
			return res, fmt.Errorf("task %s: %w", t.Title, err)
		}
		created, err := a.Tasks.Create(ctx, types.Task{
			Title: t.Title, Description: t.Description, CategoryID: cat, AssignedTo: t.AssignedTo,
			WorkflowID: wfID, UserDependencyID: depID,
		})
		if err != nil {
			return res, fmt.Errorf("task %s: %w", t.Title, err)
		}
		res.Tasks = append(res.Tasks, created.ID)
	}

	a.Logger.Info("fixture applied",
		"categories", len(res.Categories), "users", len(f.Users),
		"workflows", len(res.Workflows), "tasks", len(res.Tasks))
	return res, nil
}
