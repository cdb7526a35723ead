package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/songzhibin97/task-journey/types"
)

// Journey derives stage instances for tasks and drives them through the
// per-stage state machine:
//
//	WAITING -> PENDING_DOER -> PENDING_CHECKER -> PENDING_TEAM_LEADER -> COMPLETED
//	COMPLETED -> REOPENED -> PENDING_DOER
//	PENDING_* -> WAITING, for stages after a reopened one
//	any non-completed state -> CANCELLED
//
// At most one stage is active at a time: the task's current stage.
//
// Transition methods mutate the task they are given; persisting it is the caller's job.
type Journey struct {
	workflows    WorkflowSource
	dependencies DependencySource
	s            settings
}

// NewJourney creates a Journey. WithUsers and WithWorksheets enrich the
// derived instances with assignee names and worksheet templates.
func NewJourney(workflows WorkflowSource, dependencies DependencySource, opts ...Option) *Journey {
	return &Journey{workflows: workflows, dependencies: dependencies, s: newSettings(opts)}
}

// Progress summarizes a task's journey.
type Progress struct {
	Completed int
	Total     int
	Percent   int
	Current   *types.StageInstance
}

// InitializeStageInstances builds one stage instance per workflow stage, in
// stage order. Stage 1 starts PENDING_DOER and is activated now; the others wait.
func (j *Journey) InitializeStageInstances(ctx context.Context, workflowID, userDependencyID string) ([]types.StageInstance, error) {
	wf, err := j.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	dep, err := j.dependencies.Get(ctx, userDependencyID)
	if err != nil {
		return nil, err
	}
	if dep.WorkflowID != wf.ID {
		return nil, types.Invalid("user dependency %q belongs to another workflow", dep.Name)
	}

	flow := append([]types.FlowStage(nil), wf.CategoryFlow...)
	sort.Slice(flow, func(a, b int) bool { return flow[a].Order < flow[b].Order })

	now := j.s.now()
	out := make([]types.StageInstance, 0, len(flow))
	for _, st := range flow {
		a, ok := dep.Assignment(st.Order)
		if !ok {
			return nil, types.Invalid("user dependency %q has no assignment for stage %d", dep.Name, st.Order)
		}
		if a.CategoryID != "" && a.CategoryID != st.CategoryID {
			return nil, types.Invalid("user dependency %q assigns stage %d for category %s, but the workflow stage is %s",
				dep.Name, st.Order, a.CategoryID, st.CategoryID)
		}
		inst := types.StageInstance{
			StageOrder:        st.Order,
			CategoryID:        st.CategoryID,
			CategoryName:      st.CategoryName,
			Status:            types.StageWaiting,
			AssignedDoerID:    a.UserID,
			AssignedCheckerID: a.CheckerID,
		}
		if inst.AssignedDoerName, err = j.userName(ctx, a.UserID); err != nil {
			return nil, err
		}
		if inst.AssignedCheckerName, err = j.userName(ctx, a.CheckerID); err != nil {
			return nil, err
		}
		if inst.WorksheetTemplateID, err = j.worksheetID(ctx, st.CategoryID); err != nil {
			return nil, err
		}
		if st.Order == 1 {
			inst.Status = types.StagePendingDoer
			inst.ActivatedAt = timePtr(now)
		}
		out = append(out, inst)
	}
	return out, nil
}

func (j *Journey) userName(ctx context.Context, id string) (string, error) {
	if j.s.users == nil {
		return "", nil
	}
	u, err := j.s.users.Get(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return u.Name, nil
}

func (j *Journey) worksheetID(ctx context.Context, categoryID string) (string, error) {
	if j.s.worksheets == nil {
		return "", nil
	}
	w, err := j.s.worksheets.GetByCategory(ctx, categoryID)
	if errors.Is(err, types.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return w.ID, nil
}

// Start attaches a freshly derived journey to task and points it at stage 1.
func (j *Journey) Start(ctx context.Context, task *types.Task) error {
	instances, err := j.InitializeStageInstances(ctx, task.WorkflowID, task.UserDependencyID)
	if err != nil {
		return err
	}
	task.StageInstances = instances
	task.CurrentStage = 1
	task.IsWorkflowComplete = false
	return nil
}

func (j *Journey) stage(task *types.Task, stageOrder int) (*types.StageInstance, error) {
	if len(task.StageInstances) == 0 {
		return nil, types.Invalid("task %s has no workflow journey", task.ID)
	}
	st := task.Stage(stageOrder)
	if st == nil {
		return nil, types.Invalid("task %s has no stage %d", task.ID, stageOrder)
	}
	return st, nil
}

// transition moves st to `to`, stamps the task and appends a history record.
func (j *Journey) transition(ctx context.Context, task *types.Task, st *types.StageInstance, to types.StageStatus, actorID, note string) error {
	from := st.Status
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: stage %d cannot go from %s to %s", types.ErrInvalidTransition, st.StageOrder, from, to)
	}
	now := j.s.now()
	st.Status = to
	task.UpdatedAt = now
	task.JourneyHistory = append(task.JourneyHistory, types.JourneyEvent{
		ID:         j.s.newID(),
		StageOrder: st.StageOrder,
		From:       from,
		To:         to,
		ActorID:    actorID,
		Note:       note,
		At:         now,
	})
	j.s.logger.Debug("stage transition",
		slog.String("task", task.ID),
		slog.Int("stage", st.StageOrder),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	j.s.publish(ctx, EventStageTransitioned, task.ID, map[string]interface{}{
		"stageOrder": st.StageOrder,
		"from":       string(from),
		"to":         string(to),
	})
	return nil
}

// SubmitStage records the doer's output and hands the stage to the checker.
func (j *Journey) SubmitStage(ctx context.Context, task *types.Task, stageOrder int, doerID string, output map[string]interface{}) error {
	st, err := j.stage(task, stageOrder)
	if err != nil {
		return err
	}
	if doerID != st.AssignedDoerID {
		return types.Invalid("only the assigned doer can submit stage %d", stageOrder)
	}
	if err := j.transition(ctx, task, st, types.StagePendingChecker, doerID, ""); err != nil {
		return err
	}
	st.DoerSubmittedAt = timePtr(j.s.now())
	if output != nil {
		st.OutputData = output
	}
	task.Status = types.TaskSubmitted
	return nil
}

// CheckStage records the checker's verdict. Approval passes the stage to the
// team leader; rejection returns it to the doer and counts as a revision.
func (j *Journey) CheckStage(ctx context.Context, task *types.Task, stageOrder int, checkerID string, approved bool, note string) error {
	st, err := j.stage(task, stageOrder)
	if err != nil {
		return err
	}
	if checkerID != st.AssignedCheckerID {
		return types.Invalid("only the assigned checker can check stage %d", stageOrder)
	}
	if approved {
		if err := j.transition(ctx, task, st, types.StagePendingTeamLeader, checkerID, note); err != nil {
			return err
		}
		st.CheckerApprovedAt = timePtr(j.s.now())
		task.Status = types.TaskUnderReview
		return nil
	}
	if note == "" {
		note = DefaultRevisionFeedback
	}
	if err := j.transition(ctx, task, st, types.StagePendingDoer, checkerID, note); err != nil {
		return err
	}
	st.DoerSubmittedAt = nil
	task.Status = types.TaskRevisionRequired
	task.RevisedCount++
	return nil
}

// ApproveStage completes a stage on the team leader's approval, records it in
// the stage history and activates the next unfinished stage.
func (j *Journey) ApproveStage(ctx context.Context, task *types.Task, stageOrder int, leaderID string) error {
	st, err := j.stage(task, stageOrder)
	if err != nil {
		return err
	}
	if err := j.checkLeader(ctx, leaderID); err != nil {
		return err
	}
	if err := j.transition(ctx, task, st, types.StageCompleted, leaderID, ""); err != nil {
		return err
	}
	now := j.s.now()
	st.CompletedAt = timePtr(now)
	task.StageHistory = append(task.StageHistory, types.StageRecord{
		StageOrder: st.StageOrder,
		Status:     types.StageCompleted,
		ApprovedAt: timePtr(now),
		OutputData: st.OutputData,
	})
	return j.advance(ctx, task)
}

func (j *Journey) checkLeader(ctx context.Context, leaderID string) error {
	if leaderID == "" {
		return types.Invalid("a team leader must approve the stage")
	}
	if j.s.users == nil {
		return nil
	}
	u, err := j.s.users.Get(ctx, leaderID)
	if err != nil {
		return err
	}
	if !u.Active || (u.RoleID != types.RoleTeamLeader && u.RoleID != types.RoleAdmin) {
		return types.Invalid("%s cannot give team leader approval", u.Name)
	}
	return nil
}

// advance points the task at its lowest unfinished stage and activates it if
// it is still waiting. With nothing left the journey is complete, or cancelled
// when some stage was cancelled.
func (j *Journey) advance(ctx context.Context, task *types.Task) error {
	sort.Slice(task.StageInstances, func(a, b int) bool {
		return task.StageInstances[a].StageOrder < task.StageInstances[b].StageOrder
	})
	for i := range task.StageInstances {
		st := &task.StageInstances[i]
		if st.Status == types.StageCompleted || st.Status == types.StageCancelled {
			continue
		}
		task.CurrentStage = st.StageOrder
		task.IsWorkflowComplete = false
		if st.Status == types.StageWaiting {
			if err := j.transition(ctx, task, st, types.StagePendingDoer, "", "activated"); err != nil {
				return err
			}
			st.ActivatedAt = timePtr(j.s.now())
			task.Status = types.TaskPending
		}
		return nil
	}

	task.CurrentStage = len(task.StageInstances) + 1
	if j.settleCancelled(task) {
		return nil
	}
	task.IsWorkflowComplete = true
	task.Status = types.TaskCompleted
	j.s.logger.Info("journey completed", slog.String("task", task.ID))
	j.s.publish(ctx, EventJourneyCompleted, task.ID, nil)
	return nil
}

// ReopenStage sends a completed stage back to its doer. The stage passes
// through REOPENED, its reopen counter grows, and the task points at it again.
// A later stage that was already active goes back to WAITING; it is activated
// again once the reopened stage is completed.
func (j *Journey) ReopenStage(ctx context.Context, task *types.Task, stageOrder int, actorID, reason string) error {
	st, err := j.stage(task, stageOrder)
	if err != nil {
		return err
	}
	if st.Status != types.StageCompleted {
		return fmt.Errorf("%w: stage %d is %s; only completed stages can be reopened", types.ErrInvalidTransition, stageOrder, st.Status)
	}
	if err := j.transition(ctx, task, st, types.StageReopened, actorID, reason); err != nil {
		return err
	}
	if err := j.transition(ctx, task, st, types.StagePendingDoer, actorID, reason); err != nil {
		return err
	}
	now := j.s.now()
	st.ReopenCount++
	st.ActivatedAt = timePtr(now)
	st.DoerSubmittedAt = nil
	st.CheckerApprovedAt = nil
	st.CompletedAt = nil

	if stageOrder < task.CurrentStage {
		task.CurrentStage = stageOrder
	}
	if err := j.deactivateAfter(ctx, task, stageOrder, actorID); err != nil {
		return err
	}
	task.IsWorkflowComplete = false
	task.Status = types.TaskInProgress

	j.s.logger.Info("stage reopened",
		slog.String("task", task.ID),
		slog.Int("stage", stageOrder),
		slog.Int("reopenCount", st.ReopenCount))
	j.s.publish(ctx, EventStageReopened, task.ID, map[string]interface{}{
		"stageOrder":  stageOrder,
		"reopenCount": st.ReopenCount,
		"reason":      reason,
	})
	return nil
}

// deactivateAfter returns every active stage after stageOrder to WAITING.
func (j *Journey) deactivateAfter(ctx context.Context, task *types.Task, stageOrder int, actorID string) error {
	for i := range task.StageInstances {
		st := &task.StageInstances[i]
		if st.StageOrder <= stageOrder || !st.Status.IsActive() {
			continue
		}
		note := fmt.Sprintf("stage %d reopened", stageOrder)
		if err := j.transition(ctx, task, st, types.StageWaiting, actorID, note); err != nil {
			return err
		}
		st.ActivatedAt = nil
		st.DoerSubmittedAt = nil
		st.CheckerApprovedAt = nil
	}
	return nil
}

// CancelStage cancels one unfinished stage. Cancelling the current stage moves
// the task on to the next unfinished one.
func (j *Journey) CancelStage(ctx context.Context, task *types.Task, stageOrder int, actorID, reason string) error {
	st, err := j.stage(task, stageOrder)
	if err != nil {
		return err
	}
	if err := j.transition(ctx, task, st, types.StageCancelled, actorID, reason); err != nil {
		return err
	}
	if j.settleCancelled(task) || stageOrder != task.CurrentStage {
		return nil
	}
	return j.advance(ctx, task)
}

// settleCancelled marks the task cancelled when no stage is left to work on
// and at least one was cancelled. It reports whether it did.
func (j *Journey) settleCancelled(task *types.Task) bool {
	cancelled := false
	for i := range task.StageInstances {
		switch task.StageInstances[i].Status {
		case types.StageCancelled:
			cancelled = true
		case types.StageCompleted:
		default:
			return false
		}
	}
	if !cancelled {
		return false
	}
	task.Status = types.TaskCancelled
	task.IsWorkflowComplete = false
	return true
}

// CancelJourney cancels every unfinished stage of the task.
func (j *Journey) CancelJourney(ctx context.Context, task *types.Task, actorID, reason string) error {
	if len(task.StageInstances) == 0 {
		return types.Invalid("task %s has no workflow journey", task.ID)
	}
	cancelled := 0
	for i := range task.StageInstances {
		st := &task.StageInstances[i]
		if !st.Status.CanTransition(types.StageCancelled) {
			continue
		}
		if err := j.transition(ctx, task, st, types.StageCancelled, actorID, reason); err != nil {
			return err
		}
		cancelled++
	}
	if cancelled == 0 {
		return fmt.Errorf("%w: task %s has no stage left to cancel", types.ErrInvalidTransition, task.ID)
	}
	j.settleCancelled(task)
	j.s.logger.Info("journey cancelled", slog.String("task", task.ID), slog.Int("stages", cancelled))
	return nil
}

// ProgressOf reports how far the task has come.
func ProgressOf(task types.Task) Progress {
	p := Progress{Total: len(task.StageInstances)}
	for i := range task.StageInstances {
		st := &task.StageInstances[i]
		if st.Status == types.StageCompleted {
			p.Completed++
		}
		if st.StageOrder == task.CurrentStage {
			p.Current = st
		}
	}
	if p.Total > 0 {
		p.Percent = p.Completed * 100 / p.Total
	}
	return p
}
