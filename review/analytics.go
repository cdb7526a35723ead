package review

import (
	"context"
	"fmt"

	"github.com/songzhibin97/task-journey/rules"
	"github.com/songzhibin97/task-journey/types"
)

// DefaultStuckRule flags tasks that keep coming back from review.
const DefaultStuckRule = "revisedCount >= 3"

// TaskLister lists tasks for analysis.
type TaskLister interface {
	List(ctx context.Context) ([]types.Task, error)
}

// Analytics answers questions about the task store with expr rules.
type Analytics struct {
	tasks     TaskLister
	eval      rules.Evaluator
	stuckRule string
}

// NewAnalytics creates an Analytics. An empty stuckRule means DefaultStuckRule.
func NewAnalytics(tasks TaskLister, eval rules.Evaluator, stuckRule string) *Analytics {
	if stuckRule == "" {
		stuckRule = DefaultStuckRule
	}
	return &Analytics{tasks: tasks, eval: eval, stuckRule: stuckRule}
}

// StuckRule returns the expression used by StuckTasks.
func (a *Analytics) StuckRule() string {
	return a.stuckRule
}

// Env is the variable set a rule sees for one task.
func Env(t types.Task) map[string]interface{} {
	reopened := 0
	for _, st := range t.StageInstances {
		reopened += st.ReopenCount
	}
	return map[string]interface{}{
		"id":                 t.ID,
		"title":              t.Title,
		"status":             string(t.Status),
		"categoryId":         t.CategoryID,
		"workflowId":         t.WorkflowID,
		"assignedTo":         t.AssignedTo,
		"currentStage":       t.CurrentStage,
		"stageCount":         len(t.StageInstances),
		"revisedCount":       t.RevisedCount,
		"reopenCount":        reopened,
		"isWorkflowComplete": t.IsWorkflowComplete,
	}
}

// Filter returns the tasks for which expression holds.
func (a *Analytics) Filter(ctx context.Context, expression string) ([]types.Task, error) {
	items, err := a.tasks.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.Task
	for _, t := range items {
		ok, err := a.eval.Evaluate(expression, Env(t))
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: %w", types.ErrValidation, expression, err)
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// StuckTasks returns the unfinished tasks matching the stuck rule. Completed
// and cancelled tasks are never stuck.
func (a *Analytics) StuckTasks(ctx context.Context) ([]types.Task, error) {
	matched, err := a.Filter(ctx, a.stuckRule)
	if err != nil {
		return nil, err
	}
	var out []types.Task
	for _, t := range matched {
		if !t.Status.IsTerminal() {
			out = append(out, t)
		}
	}
	return out, nil
}

// Summary is a snapshot of the task store.
type Summary struct {
	Total          int                      `json:"total"`
	ByStatus       map[types.TaskStatus]int `json:"byStatus"`
	Completed      int                      `json:"completed"`
	Cancelled      int                      `json:"cancelled"`
	Open           int                      `json:"open"`
	CompletionRate float64                  `json:"completionRate"`
	Revisions      int                      `json:"revisions"`
	Stuck          int                      `json:"stuck"`
}

// Summary counts tasks by status. Open counts the tasks still being worked on;
// cancelled tasks are left out of the completion rate.
func (a *Analytics) Summary(ctx context.Context) (Summary, error) {
	items, err := a.tasks.List(ctx)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{Total: len(items), ByStatus: make(map[types.TaskStatus]int)}
	for _, t := range items {
		s.ByStatus[t.Status]++
		s.Revisions += t.RevisedCount
		switch t.Status {
		case types.TaskCompleted:
			s.Completed++
		case types.TaskCancelled:
			s.Cancelled++
		default:
			s.Open++
		}
	}
	if live := s.Total - s.Cancelled; live > 0 {
		s.CompletionRate = float64(s.Completed) / float64(live)
	}
	stuck, err := a.StuckTasks(ctx)
	if err != nil {
		return Summary{}, err
	}
	s.Stuck = len(stuck)
	return s, nil
}
