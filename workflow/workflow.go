// Package workflow implements workflow templates, per-workflow doer/checker
// assignments, and the stage-by-stage journey a task takes through them.
package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/task-journey/events"
	"github.com/songzhibin97/task-journey/types"
)

// Event types published on the bus.
const (
	EventWorkflowChanged   = "workflow_changed"
	EventDependencyChanged = "dependency_changed"
	EventStageTransitioned = "stage_transitioned"
	EventStageReopened     = "stage_reopened"
	EventJourneyCompleted  = "journey_completed"

	// MinStages is the shortest allowed category flow.
	MinStages = 2

	// DefaultRevisionFeedback is used when work is sent back without a comment.
	DefaultRevisionFeedback = "Please address the unapproved checklist items and resubmit."
)

// CategoryLookup resolves category names for a flow.
type CategoryLookup interface {
	Get(ctx context.Context, id string) (types.Category, error)
}

// UserDirectory answers who may work on a category.
type UserDirectory interface {
	Get(ctx context.Context, id string) (types.User, error)
	EligibleFor(ctx context.Context, categoryID string, role types.Role) ([]types.User, error)
}

// WorksheetLookup finds the worksheet template bound to a category.
type WorksheetLookup interface {
	GetByCategory(ctx context.Context, categoryID string) (types.WorksheetTemplate, error)
}

// WorkflowSource returns workflow templates by id.
type WorkflowSource interface {
	Get(ctx context.Context, id string) (types.Workflow, error)
}

// DependencySource returns user dependencies by id.
type DependencySource interface {
	Get(ctx context.Context, id string) (types.UserDependency, error)
}

type settings struct {
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
	bus        *events.EventBus
	categories CategoryLookup
	users      UserDirectory
	worksheets WorksheetLookup
}

// Option configures the services of this package.
type Option func(*settings)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEventBus publishes domain events on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(s *settings) {
		s.bus = bus
	}
}

// WithCategories fills category names and rejects unknown categories.
func WithCategories(c CategoryLookup) Option {
	return func(s *settings) {
		s.categories = c
	}
}

// WithUsers resolves assignee names and eligibility.
func WithUsers(u UserDirectory) Option {
	return func(s *settings) {
		s.users = u
	}
}

// WithWorksheets binds worksheet templates to stage instances.
func WithWorksheets(w WorksheetLookup) Option {
	return func(s *settings) {
		s.worksheets = w
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		logger: slog.Default(),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// publish raises an event when someone listens for it. Delivery failures are
// logged and never fail the write that caused them.
func (s settings) publish(ctx context.Context, eventType, entityID string, data map[string]interface{}) {
	if s.bus == nil || !s.bus.HasSubscribers(eventType) {
		return
	}
	err := s.bus.Publish(ctx, events.Event{Type: eventType, EntityID: entityID, Data: data, At: s.now()})
	if err != nil {
		s.logger.Warn("event not delivered",
			slog.String("event", eventType),
			slog.String("entity", entityID),
			slog.Any("error", err))
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
