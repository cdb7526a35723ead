// Package review stores tasks and drives them through the review/approval
// flow, either the coarse single-review flow or the stage-by-stage journey
// of their workflow.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/task-journey/events"
	"github.com/songzhibin97/task-journey/storage"
	"github.com/songzhibin97/task-journey/types"
	"github.com/songzhibin97/task-journey/workflow"
)

// EventTaskStatusChanged is published whenever a task's coarse status changes.
const EventTaskStatusChanged = "task_status_changed"

// ChecklistSource returns the checklist bound to a category.
type ChecklistSource interface {
	GetByCategory(ctx context.Context, categoryID string) (types.Checklist, error)
}

// CategoryLookup confirms a category exists.
type CategoryLookup interface {
	Get(ctx context.Context, id string) (types.Category, error)
}

// TaskCounter keeps the usage count of a workflow or user dependency.
type TaskCounter interface {
	AdjustTaskCount(ctx context.Context, id string, delta int) error
}

// Tasks is the task store and review flow.
type Tasks struct {
	coll *storage.Collection[types.Task]
	gen  generator.Generator

	journey      *workflow.Journey
	workflows    TaskCounter
	dependencies TaskCounter
	checklists   ChecklistSource
	categories   CategoryLookup

	logger *slog.Logger
	now    func() time.Time
	bus    *events.EventBus
}

// Option configures Tasks.
type Option func(*Tasks)

// WithJourney routes tasks that name a workflow through j. The counters track
// how many tasks use each workflow and user dependency.
func WithJourney(j *workflow.Journey, workflows, dependencies TaskCounter) Option {
	return func(t *Tasks) {
		t.journey = j
		t.workflows = workflows
		t.dependencies = dependencies
	}
}

// WithChecklists sets where review checklists come from.
func WithChecklists(c ChecklistSource) Option {
	return func(t *Tasks) {
		t.checklists = c
	}
}

// WithCategories rejects tasks filed under unknown categories.
func WithCategories(c CategoryLookup) Option {
	return func(t *Tasks) {
		t.categories = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tasks) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tasks) {
		if now != nil {
			t.now = now
		}
	}
}

// WithEventBus publishes task_status_changed on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(t *Tasks) {
		t.bus = bus
	}
}

// NewTasks creates a task store over coll.
func NewTasks(coll *storage.Collection[types.Task], gen generator.Generator, opts ...Option) *Tasks {
	t := &Tasks{coll: coll, gen: gen, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Subscribe registers l for every saved change of the task list.
func (s *Tasks) Subscribe(l events.Listener[[]types.Task]) (unsubscribe func()) {
	return s.coll.Subscribe(l)
}

func findTask(items []types.Task, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

// Create validates and stores a new task. A task naming a workflow gets its
// stage instances derived immediately and counts against the workflow and
// user dependency.
func (s *Tasks) Create(ctx context.Context, task types.Task) (types.Task, error) {
	task.Title = strings.TrimSpace(task.Title)
	if task.Title == "" {
		return types.Task{}, types.Invalid("task title is required")
	}
	if task.WorkflowID != "" && task.UserDependencyID == "" {
		return types.Task{}, types.Invalid("a workflow task needs a user dependency")
	}

	id, err := types.NewID(s.gen)
	if err != nil {
		return types.Task{}, err
	}
	now := s.now()
	task.ID = id
	task.Status = types.TaskPending
	task.CreatedAt = now
	task.UpdatedAt = now
	task.StageInstances = nil
	task.StageHistory = nil
	task.JourneyHistory = nil
	task.Review = nil
	task.ReviewHistory = nil
	task.RevisedCount = 0

	if task.WorkflowID != "" {
		if s.journey == nil {
			return types.Task{}, types.Invalid("workflow tasks are not enabled")
		}
		if err := s.journey.Start(ctx, &task); err != nil {
			return types.Task{}, err
		}
		if task.CategoryID == "" {
			task.CategoryID = task.StageInstances[0].CategoryID
		}
	}
	if task.CategoryID == "" {
		return types.Task{}, types.Invalid("task category is required")
	}
	if s.categories != nil {
		if _, err := s.categories.Get(ctx, task.CategoryID); errors.Is(err, types.ErrNotFound) {
			return types.Task{}, types.Invalid("unknown category %s", task.CategoryID)
		} else if err != nil {
			return types.Task{}, err
		}
	}

	if err := s.count(ctx, task, 1); err != nil {
		return types.Task{}, err
	}
	_, err = s.coll.Update(ctx, func(items []types.Task) ([]types.Task, error) {
		return append(items, task), nil
	})
	if err != nil {
		if rerr := s.count(ctx, task, -1); rerr != nil {
			s.logger.Error("task count not restored", slog.String("task", task.ID), slog.Any("error", rerr))
		}
		return types.Task{}, err
	}
	s.logger.Info("task created",
		slog.String("id", task.ID),
		slog.String("category", task.CategoryID),
		slog.String("workflow", task.WorkflowID))
	return task, nil
}

// count moves the task counts of the task's workflow and user dependency.
func (s *Tasks) count(ctx context.Context, task types.Task, delta int) error {
	if task.WorkflowID == "" || s.workflows == nil || s.dependencies == nil {
		return nil
	}
	if err := s.workflows.AdjustTaskCount(ctx, task.WorkflowID, delta); err != nil {
		return err
	}
	if err := s.dependencies.AdjustTaskCount(ctx, task.UserDependencyID, delta); err != nil {
		if rerr := s.workflows.AdjustTaskCount(ctx, task.WorkflowID, -delta); rerr != nil {
			s.logger.Error("workflow task count not restored", slog.String("workflow", task.WorkflowID), slog.Any("error", rerr))
		}
		return err
	}
	return nil
}

// Get returns the task with id.
func (s *Tasks) Get(ctx context.Context, id string) (types.Task, error) {
	items, err := s.coll.Load(ctx)
	if err != nil {
		return types.Task{}, err
	}
	i := findTask(items, id)
	if i < 0 {
		return types.Task{}, types.NotFound("task", id)
	}
	return items[i], nil
}

// List returns every task.
func (s *Tasks) List(ctx context.Context) ([]types.Task, error) {
	return s.coll.Load(ctx)
}

// Delete removes a task and releases its workflow and user dependency.
func (s *Tasks) Delete(ctx context.Context, id string) error {
	var removed types.Task
	_, err := s.coll.Update(ctx, func(items []types.Task) ([]types.Task, error) {
		i := findTask(items, id)
		if i < 0 {
			return nil, types.NotFound("task", id)
		}
		removed = items[i]
		return append(items[:i], items[i+1:]...), nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("task deleted", slog.String("id", id))
	return s.count(ctx, removed, -1)
}

// mutate applies fn to a copy of the stored task and persists the result.
// A change of coarse status is published after the write.
func (s *Tasks) mutate(ctx context.Context, id string, fn func(task *types.Task) error) (types.Task, error) {
	var before, after types.Task
	_, err := s.coll.Update(ctx, func(items []types.Task) ([]types.Task, error) {
		i := findTask(items, id)
		if i < 0 {
			return nil, types.NotFound("task", id)
		}
		before = items[i]
		task := cloneTask(items[i])
		if err := fn(&task); err != nil {
			return nil, err
		}
		task.UpdatedAt = s.now()
		items[i] = task
		after = task
		return items, nil
	})
	if err != nil {
		return types.Task{}, err
	}
	if before.Status != after.Status {
		s.logger.Info("task status changed",
			slog.String("id", id),
			slog.String("from", before.Status.String()),
			slog.String("to", after.Status.String()))
		s.publish(ctx, after, before.Status)
	}
	return after, nil
}

// cloneTask copies the slices a journey operation mutates in place.
func cloneTask(t types.Task) types.Task {
	t.StageInstances = append([]types.StageInstance(nil), t.StageInstances...)
	t.StageHistory = append([]types.StageRecord(nil), t.StageHistory...)
	t.JourneyHistory = append([]types.JourneyEvent(nil), t.JourneyHistory...)
	t.ReviewHistory = append([]types.Review(nil), t.ReviewHistory...)
	return t
}

func (s *Tasks) publish(ctx context.Context, task types.Task, from types.TaskStatus) {
	if s.bus == nil || !s.bus.HasSubscribers(EventTaskStatusChanged) {
		return
	}
	err := s.bus.Publish(ctx, events.Event{
		Type:     EventTaskStatusChanged,
		EntityID: task.ID,
		Data: map[string]interface{}{
			"from":         string(from),
			"to":           string(task.Status),
			"revisedCount": task.RevisedCount,
		},
		At: s.now(),
	})
	if err != nil {
		s.logger.Warn("event not delivered", slog.String("event", EventTaskStatusChanged), slog.Any("error", err))
	}
}

func setStatus(task *types.Task, to types.TaskStatus) error {
	if len(task.StageInstances) > 0 {
		return types.Invalid("task %s follows its workflow stages; use the stage operations", task.ID)
	}
	if !task.Status.CanTransition(to) {
		return fmt.Errorf("%w: task %s cannot go from %s to %s", types.ErrInvalidTransition, task.ID, task.Status, to)
	}
	task.Status = to
	return nil
}

func (s *Tasks) move(ctx context.Context, id string, to types.TaskStatus) (types.Task, error) {
	return s.mutate(ctx, id, func(task *types.Task) error {
		return setStatus(task, to)
	})
}

// Start moves a pending task to in-progress.
func (s *Tasks) Start(ctx context.Context, id string) (types.Task, error) {
	return s.move(ctx, id, types.TaskInProgress)
}

// Submit hands finished work in for review.
func (s *Tasks) Submit(ctx context.Context, id string) (types.Task, error) {
	return s.move(ctx, id, types.TaskSubmitted)
}

// BeginReview marks a submitted task as being reviewed.
func (s *Tasks) BeginReview(ctx context.Context, id string) (types.Task, error) {
	return s.move(ctx, id, types.TaskUnderReview)
}

// Resubmit sends revised work back for review.
func (s *Tasks) Resubmit(ctx context.Context, id string) (types.Task, error) {
	return s.move(ctx, id, types.TaskSubmitted)
}

// Decision is a reviewer's verdict on the checklist of a task.
type Decision struct {
	ReviewerID string
	Approvals  map[string]bool // checklist item id -> approved
	Feedback   string
}

// Review completes a task under review when every item of its category's
// checklist is approved. Otherwise the task needs revision: its revision
// count grows and the feedback, or a default message, is kept with the review.
func (s *Tasks) Review(ctx context.Context, id string, d Decision) (types.Task, error) {
	if strings.TrimSpace(d.ReviewerID) == "" {
		return types.Task{}, types.Invalid("a reviewer is required")
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return types.Task{}, err
	}
	items, err := s.checklistItems(ctx, current.CategoryID)
	if err != nil {
		return types.Task{}, err
	}

	var unapproved []string
	for _, item := range items {
		if !d.Approvals[item.ID] {
			unapproved = append(unapproved, item.ID)
		}
	}

	return s.mutate(ctx, id, func(task *types.Task) error {
		r := types.Review{
			ReviewerID:         d.ReviewerID,
			ChecklistApprovals: d.Approvals,
			Feedback:           strings.TrimSpace(d.Feedback),
			UnapprovedItemIDs:  unapproved,
			ReviewedAt:         s.now(),
		}
		if len(unapproved) == 0 {
			r.Decision = types.TaskCompleted
		} else {
			r.Decision = types.TaskRevisionRequired
			if r.Feedback == "" {
				r.Feedback = workflow.DefaultRevisionFeedback
			}
		}
		if err := setStatus(task, r.Decision); err != nil {
			return err
		}
		if r.Decision == types.TaskRevisionRequired {
			task.RevisedCount++
		}
		task.Review = &r
		task.ReviewHistory = append(task.ReviewHistory, r)
		return nil
	})
}

func (s *Tasks) checklistItems(ctx context.Context, categoryID string) ([]types.ChecklistItem, error) {
	if s.checklists == nil {
		return nil, nil
	}
	c, err := s.checklists.GetByCategory(ctx, categoryID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c.Items, nil
}

func (s *Tasks) withJourney(ctx context.Context, id string, fn func(j *workflow.Journey, task *types.Task) error) (types.Task, error) {
	if s.journey == nil {
		return types.Task{}, types.Invalid("workflow tasks are not enabled")
	}
	return s.mutate(ctx, id, func(task *types.Task) error {
		return fn(s.journey, task)
	})
}

// SubmitStage records a doer's output for a stage of the task.
func (s *Tasks) SubmitStage(ctx context.Context, id string, stageOrder int, doerID string, output map[string]interface{}) (types.Task, error) {
	return s.withJourney(ctx, id, func(j *workflow.Journey, task *types.Task) error {
		return j.SubmitStage(ctx, task, stageOrder, doerID, output)
	})
}

// CheckStage records a checker's verdict on a stage of the task.
func (s *Tasks) CheckStage(ctx context.Context, id string, stageOrder int, checkerID string, approved bool, note string) (types.Task, error) {
	return s.withJourney(ctx, id, func(j *workflow.Journey, task *types.Task) error {
		return j.CheckStage(ctx, task, stageOrder, checkerID, approved, note)
	})
}

// ApproveStage completes a stage of the task on the team leader's approval.
func (s *Tasks) ApproveStage(ctx context.Context, id string, stageOrder int, leaderID string) (types.Task, error) {
	return s.withJourney(ctx, id, func(j *workflow.Journey, task *types.Task) error {
		return j.ApproveStage(ctx, task, stageOrder, leaderID)
	})
}

// ReopenStage sends a completed stage of the task back to its doer.
func (s *Tasks) ReopenStage(ctx context.Context, id string, stageOrder int, actorID, reason string) (types.Task, error) {
	return s.withJourney(ctx, id, func(j *workflow.Journey, task *types.Task) error {
		return j.ReopenStage(ctx, task, stageOrder, actorID, reason)
	})
}

// CancelJourney cancels every unfinished stage of the task.
func (s *Tasks) CancelJourney(ctx context.Context, id, actorID, reason string) (types.Task, error) {
	return s.withJourney(ctx, id, func(j *workflow.Journey, task *types.Task) error {
		return j.CancelJourney(ctx, task, actorID, reason)
	})
}

var errNothingMigrated = errors.New("nothing to migrate")

// MigrateAll upgrades every legacy workflow task to stage instances and
// returns how many were changed. Nothing is written when no task needs it.
func (s *Tasks) MigrateAll(ctx context.Context) (int, error) {
	if s.journey == nil {
		return 0, types.Invalid("workflow tasks are not enabled")
	}
	migrated := 0
	_, err := s.coll.Update(ctx, func(items []types.Task) ([]types.Task, error) {
		for i := range items {
			out, changed, err := s.journey.MigrateTaskToJourney(ctx, items[i])
			if err != nil {
				s.logger.Warn("task not migrated", slog.String("task", items[i].ID), slog.Any("error", err))
				continue
			}
			if changed {
				items[i] = out
				migrated++
			}
		}
		if migrated == 0 {
			return nil, errNothingMigrated
		}
		return items, nil
	})
	if errors.Is(err, errNothingMigrated) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	s.logger.Info("tasks migrated", slog.Int("count", migrated))
	return migrated, nil
}
