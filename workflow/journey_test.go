package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/songzhibin97/task-journey/events"
	"github.com/songzhibin97/task-journey/storage"
	"github.com/songzhibin97/task-journey/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(wf types.Workflow, dep types.UserDependency) types.Task {
	return types.Task{
		ID:               "t1",
		Title:            "Landing page",
		CategoryID:       wf.CategoryFlow[0].CategoryID,
		WorkflowID:       wf.ID,
		UserDependencyID: dep.ID,
		Status:           types.TaskPending,
		CreatedAt:        fixedNow,
		UpdatedAt:        fixedNow,
	}
}

// completeStage walks one stage through doer, checker and team leader.
func completeStage(t *testing.T, f *fixture, task *types.Task, order int) {
	t.Helper()
	st := task.Stage(order)
	require.NotNil(t, st)
	require.NoError(t, f.journey.SubmitStage(f.ctx, task, order, st.AssignedDoerID, map[string]interface{}{"done": true}))
	require.NoError(t, f.journey.CheckStage(f.ctx, task, order, st.AssignedCheckerID, true, ""))
	require.NoError(t, f.journey.ApproveStage(f.ctx, task, order, "lead"))
}

func TestJourney_InitializeStageInstances(t *testing.T) {
	t.Run("DesignToBuild", func(t *testing.T) {
		f := newFixture(t)
		wf, dep := f.designBuild(t)

		got, err := f.journey.InitializeStageInstances(f.ctx, wf.ID, dep.ID)
		require.NoError(t, err)
		require.Len(t, got, 2)

		first, second := got[0], got[1]
		assert.Equal(t, 1, first.StageOrder)
		assert.Equal(t, types.StagePendingDoer, first.Status)
		assert.Equal(t, "u1", first.AssignedDoerID)
		assert.Equal(t, "Alice", first.AssignedDoerName)
		assert.Equal(t, "u2", first.AssignedCheckerID)
		assert.Equal(t, "Bob", first.AssignedCheckerName)
		assert.Equal(t, "ws-design", first.WorksheetTemplateID)
		require.NotNil(t, first.ActivatedAt)
		assert.Equal(t, fixedNow, *first.ActivatedAt)

		assert.Equal(t, 2, second.StageOrder)
		assert.Equal(t, types.StageWaiting, second.Status)
		assert.Equal(t, "u3", second.AssignedDoerID)
		assert.Equal(t, "u4", second.AssignedCheckerID)
		assert.Equal(t, "Build", second.CategoryName)
		assert.Empty(t, second.WorksheetTemplateID)
		assert.Nil(t, second.ActivatedAt)
	})

	t.Run("OnlyFirstStageActive", func(t *testing.T) {
		f := newFixture(t)
		wf, err := f.templates.Create(f.ctx, "Full", flowOf("c1", "c2", "c3", "c4"))
		require.NoError(t, err)
		dep, err := f.deps.Create(f.ctx, wf.ID, "Generalists", []types.StageAssignment{
			{StageOrder: 1, UserID: "u5", CheckerID: "u6"},
			{StageOrder: 2, UserID: "u5", CheckerID: "u6"},
			{StageOrder: 3, UserID: "u5", CheckerID: "u6"},
			{StageOrder: 4, UserID: "u5", CheckerID: "u6"},
		})
		require.NoError(t, err)

		got, err := f.journey.InitializeStageInstances(f.ctx, wf.ID, dep.ID)
		require.NoError(t, err)
		require.Len(t, got, 4)
		active := 0
		for i, st := range got {
			assert.Equal(t, i+1, st.StageOrder)
			if st.Status != types.StageWaiting {
				active++
			}
		}
		assert.Equal(t, 1, active)
	})

	t.Run("DependencyOfAnotherWorkflow", func(t *testing.T) {
		f := newFixture(t)
		_, dep := f.designBuild(t)
		other, err := f.templates.Create(f.ctx, "Other", flowOf("c3", "c4"))
		require.NoError(t, err)

		_, err = f.journey.InitializeStageInstances(f.ctx, other.ID, dep.ID)
		assert.ErrorIs(t, err, types.ErrValidation)
	})

	t.Run("MissingRecords", func(t *testing.T) {
		f := newFixture(t)
		wf, _ := f.designBuild(t)
		_, err := f.journey.InitializeStageInstances(f.ctx, "nope", "nope")
		assert.ErrorIs(t, err, types.ErrNotFound)
		_, err = f.journey.InitializeStageInstances(f.ctx, wf.ID, "nope")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})
}

func TestJourney_InitializeRejectsStaleAssignments(t *testing.T) {
	f := newFixture(t)
	wf, dep := f.designBuild(t)

	// a dependency written before its workflow's categories changed
	deps := storage.NewCollection[types.UserDependency](f.backend, storage.KeyUserDependencies)
	_, err := deps.Update(f.ctx, func(items []types.UserDependency) ([]types.UserDependency, error) {
		items[0].StageAssignments[1].CategoryID = "c4"
		return items, nil
	})
	require.NoError(t, err)

	_, err = f.journey.InitializeStageInstances(f.ctx, wf.ID, dep.ID)
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.ErrorContains(t, err, "stage 2")
}

func TestJourney_Lifecycle(t *testing.T) {
	f := newFixture(t)
	wf, dep := f.designBuild(t)
	task := newTask(wf, dep)
	require.NoError(t, f.journey.Start(f.ctx, &task))
	assert.Equal(t, 1, task.CurrentStage)

	require.NoError(t, f.journey.SubmitStage(f.ctx, &task, 1, "u1", map[string]interface{}{"mockup": "v1"}))
	assert.Equal(t, types.StagePendingChecker, task.Stage(1).Status)
	assert.Equal(t, types.TaskSubmitted, task.Status)
	assert.NotNil(t, task.Stage(1).DoerSubmittedAt)

	require.NoError(t, f.journey.CheckStage(f.ctx, &task, 1, "u2", true, "looks good"))
	assert.Equal(t, types.StagePendingTeamLeader, task.Stage(1).Status)
	assert.Equal(t, types.TaskUnderReview, task.Status)

	require.NoError(t, f.journey.ApproveStage(f.ctx, &task, 1, "lead"))
	assert.Equal(t, types.StageCompleted, task.Stage(1).Status)
	assert.Equal(t, types.StagePendingDoer, task.Stage(2).Status)
	assert.NotNil(t, task.Stage(2).ActivatedAt)
	assert.Equal(t, 2, task.CurrentStage)
	assert.False(t, task.IsWorkflowComplete)
	require.Len(t, task.StageHistory, 1)
	assert.Equal(t, "v1", task.StageHistory[0].OutputData["mockup"])

	p := ProgressOf(task)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 50, p.Percent)
	require.NotNil(t, p.Current)
	assert.Equal(t, 2, p.Current.StageOrder)

	completeStage(t, f, &task, 2)
	assert.True(t, task.IsWorkflowComplete)
	assert.Equal(t, 3, task.CurrentStage)
	assert.Equal(t, types.TaskCompleted, task.Status)
	assert.Len(t, task.StageHistory, 2)
	assert.Equal(t, 100, ProgressOf(task).Percent)

	// three transitions per stage plus the activation of stage 2
	assert.Len(t, task.JourneyHistory, 7)
}

func TestJourney_Guards(t *testing.T) {
	f := newFixture(t)
	wf, dep := f.designBuild(t)

	t.Run("WrongDoer", func(t *testing.T) {
		task := newTask(wf, dep)
		require.NoError(t, f.journey.Start(f.ctx, &task))
		err := f.journey.SubmitStage(f.ctx, &task, 1, "u3", nil)
		assert.ErrorIs(t, err, types.ErrValidation)
		assert.Equal(t, types.StagePendingDoer, task.Stage(1).Status)
	})

	t.Run("WaitingStageCannotBeSubmitted", func(t *testing.T) {
		task := newTask(wf, dep)
		require.NoError(t, f.journey.Start(f.ctx, &task))
		err := f.journey.SubmitStage(f.ctx, &task, 2, "u3", nil)
		assert.ErrorIs(t, err, types.ErrInvalidTransition)
		assert.Empty(t, task.JourneyHistory)
	})

	t.Run("ApproveBeforeCheck", func(t *testing.T) {
		task := newTask(wf, dep)
		require.NoError(t, f.journey.Start(f.ctx, &task))
		assert.ErrorIs(t, f.journey.ApproveStage(f.ctx, &task, 1, "lead"), types.ErrInvalidTransition)
	})

	t.Run("LeaderRole", func(t *testing.T) {
		task := newTask(wf, dep)
		require.NoError(t, f.journey.Start(f.ctx, &task))
		require.NoError(t, f.journey.SubmitStage(f.ctx, &task, 1, "u1", nil))
		require.NoError(t, f.journey.CheckStage(f.ctx, &task, 1, "u2", true, ""))
		assert.ErrorIs(t, f.journey.ApproveStage(f.ctx, &task, 1, "u2"), types.ErrValidation)
		assert.ErrorIs(t, f.journey.ApproveStage(f.ctx, &task, 1, ""), types.ErrValidation)
	})

	t.Run("UnknownStage", func(t *testing.T) {
		task := newTask(wf, dep)
		require.NoError(t, f.journey.Start(f.ctx, &task))
		assert.ErrorIs(t, f.journey.SubmitStage(f.ctx, &task, 9, "u1", nil), types.ErrValidation)

		bare := newTask(wf, dep)
		assert.ErrorIs(t, f.journey.SubmitStage(f.ctx, &bare, 1, "u1", nil), types.ErrValidation)
	})
}

func TestJourney_CheckerRejects(t *testing.T) {
	f := newFixture(t)
	wf, dep := f.designBuild(t)
	task := newTask(wf, dep)
	require.NoError(t, f.journey.Start(f.ctx, &task))
	require.NoError(t, f.journey.SubmitStage(f.ctx, &task, 1, "u1", nil))

	require.NoError(t, f.journey.CheckStage(f.ctx, &task, 1, "u2", false, ""))
	assert.Equal(t, types.StagePendingDoer, task.Stage(1).Status)
	assert.Nil(t, task.Stage(1).DoerSubmittedAt)
	assert.Equal(t, types.TaskRevisionRequired, task.Status)
	assert.Equal(t, 1, task.RevisedCount)
	last := task.JourneyHistory[len(task.JourneyHistory)-1]
	assert.Equal(t, DefaultRevisionFeedback, last.Note)
	assert.Equal(t, "u2", last.ActorID)

	require.NoError(t, f.journey.SubmitStage(f.ctx, &task, 1, "u1", nil))
	require.NoError(t, f.journey.CheckStage(f.ctx, &task, 1, "u2", false, "fix the colours"))
	assert.Equal(t, 2, task.RevisedCount)
	assert.Equal(t, "fix the colours", task.JourneyHistory[len(task.JourneyHistory)-1].Note)
}

func TestJourney_ReopenStage(t *testing.T) {
	received := make(chan events.Event, 1)
	bus := events.NewEventBus()
	defer bus.Stop()
	bus.SubscribeFunc(EventStageReopened, func(ctx context.Context, e events.Event) error {
		received <- e
		return nil
	})

	f := newFixture(t, WithEventBus(bus))
	wf, dep := f.designBuild(t)
	task := newTask(wf, dep)
	require.NoError(t, f.journey.Start(f.ctx, &task))
	completeStage(t, f, &task, 1)

	err := f.journey.ReopenStage(f.ctx, &task, 2, "lead", "not done yet")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	require.NoError(t, f.journey.ReopenStage(f.ctx, &task, 1, "lead", "wrong palette"))
	st := task.Stage(1)
	assert.Equal(t, types.StagePendingDoer, st.Status)
	assert.Equal(t, 1, st.ReopenCount)
	assert.Nil(t, st.CompletedAt)
	assert.Nil(t, st.CheckerApprovedAt)
	assert.Equal(t, 1, task.CurrentStage)
	assert.Equal(t, types.TaskInProgress, task.Status)
	assert.Len(t, task.StageHistory, 1, "reopening does not rewrite stage history")

	n := len(task.JourneyHistory)
	assert.Equal(t, types.StageReopened, task.JourneyHistory[n-3].To)
	assert.Equal(t, types.StagePendingDoer, task.JourneyHistory[n-2].To)
	assert.Equal(t, 2, task.JourneyHistory[n-1].StageOrder)
	assert.Equal(t, types.StageWaiting, task.JourneyHistory[n-1].To)

	select {
	case e := <-received:
		assert.Equal(t, task.ID, e.EntityID)
		assert.Equal(t, 1, e.Data["stageOrder"])
		assert.Equal(t, "wrong palette", e.Data["reason"])
	case <-time.After(time.Second):
		t.Fatal("stage_reopened event not delivered")
	}

	// completing stage 1 again activates stage 2 afresh
	completeStage(t, f, &task, 1)
	assert.Equal(t, 2, task.CurrentStage)
	assert.Equal(t, types.StagePendingDoer, task.Stage(2).Status)
}

// activeStages returns the orders of the stages waiting on a person.
func activeStages(task types.Task) []int {
	var out []int
	for _, st := range task.StageInstances {
		if st.Status.IsActive() {
			out = append(out, st.StageOrder)
		}
	}
	return out
}

func TestJourney_ReopenKeepsOneActiveStage(t *testing.T) {
	f := newFixture(t)
	wf, err := f.templates.Create(f.ctx, "Three steps", flowOf("c1", "c2", "c3"))
	require.NoError(t, err)
	dep, err := f.deps.Create(f.ctx, wf.ID, "Generalists", []types.StageAssignment{
		{StageOrder: 1, UserID: "u5", CheckerID: "u6"},
		{StageOrder: 2, UserID: "u5", CheckerID: "u6"},
		{StageOrder: 3, UserID: "u5", CheckerID: "u6"},
	})
	require.NoError(t, err)
	task := newTask(wf, dep)
	require.NoError(t, f.journey.Start(f.ctx, &task))
	completeStage(t, f, &task, 1)

	t.Run("PendingDoer", func(t *testing.T) {
		task := task
		task.StageInstances = append([]types.StageInstance(nil), task.StageInstances...)
		require.NoError(t, f.journey.ReopenStage(f.ctx, &task, 1, "lead", "again"))
		assert.Equal(t, []int{1}, activeStages(task))
		assert.Equal(t, 1, task.CurrentStage)

		st := task.Stage(2)
		assert.Equal(t, types.StageWaiting, st.Status)
		assert.Nil(t, st.ActivatedAt)
		assert.ErrorIs(t, f.journey.SubmitStage(f.ctx, &task, 2, "u5", nil), types.ErrInvalidTransition)
	})

	t.Run("SubmittedWork", func(t *testing.T) {
		task := task
		task.StageInstances = append([]types.StageInstance(nil), task.StageInstances...)
		require.NoError(t, f.journey.SubmitStage(f.ctx, &task, 2, "u5", map[string]interface{}{"draft": 1}))
		require.NoError(t, f.journey.CheckStage(f.ctx, &task, 2, "u6", true, ""))
		require.Equal(t, types.StagePendingTeamLeader, task.Stage(2).Status)

		require.NoError(t, f.journey.ReopenStage(f.ctx, &task, 1, "lead", "again"))
		assert.Equal(t, []int{1}, activeStages(task))
		st := task.Stage(2)
		assert.Equal(t, types.StageWaiting, st.Status)
		assert.Nil(t, st.DoerSubmittedAt)
		assert.Nil(t, st.CheckerApprovedAt)
		assert.ErrorIs(t, f.journey.ApproveStage(f.ctx, &task, 2, "lead"), types.ErrInvalidTransition)

		completeStage(t, f, &task, 1)
		assert.Equal(t, []int{2}, activeStages(task))
		assert.Equal(t, types.StagePendingDoer, task.Stage(2).Status)
		assert.Equal(t, types.StageWaiting, task.Stage(3).Status)
	})
}

func TestJourney_ReopenAfterCompletion(t *testing.T) {
	f := newFixture(t)
	wf, dep := f.designBuild(t)
	task := newTask(wf, dep)
	require.NoError(t, f.journey.Start(f.ctx, &task))
	completeStage(t, f, &task, 1)
	completeStage(t, f, &task, 2)
	require.True(t, task.IsWorkflowComplete)

	require.NoError(t, f.journey.ReopenStage(f.ctx, &task, 2, "lead", ""))
	assert.False(t, task.IsWorkflowComplete)
	assert.Equal(t, 2, task.CurrentStage)

	completeStage(t, f, &task, 2)
	assert.True(t, task.IsWorkflowComplete)
	assert.Equal(t, 1, task.Stage(2).ReopenCount)
}

func TestJourney_Cancel(t *testing.T) {
	f := newFixture(t)
	wf, dep := f.designBuild(t)
	task := newTask(wf, dep)
	require.NoError(t, f.journey.Start(f.ctx, &task))
	completeStage(t, f, &task, 1)

	require.NoError(t, f.journey.CancelJourney(f.ctx, &task, "lead", "client left"))
	assert.Equal(t, types.StageCompleted, task.Stage(1).Status)
	assert.Equal(t, types.StageCancelled, task.Stage(2).Status)
	assert.Equal(t, types.TaskCancelled, task.Status)
	assert.False(t, task.IsWorkflowComplete)
	assert.Empty(t, activeStages(task))

	assert.ErrorIs(t, f.journey.CancelJourney(f.ctx, &task, "lead", ""), types.ErrInvalidTransition)
	assert.ErrorIs(t, f.journey.CancelStage(f.ctx, &task, 2, "lead", ""), types.ErrInvalidTransition)
}

func TestJourney_CancelStage(t *testing.T) {
	f := newFixture(t)
	wf, err := f.templates.Create(f.ctx, "Three steps", flowOf("c1", "c2", "c3"))
	require.NoError(t, err)
	dep, err := f.deps.Create(f.ctx, wf.ID, "Generalists", []types.StageAssignment{
		{StageOrder: 1, UserID: "u5", CheckerID: "u6"},
		{StageOrder: 2, UserID: "u5", CheckerID: "u6"},
		{StageOrder: 3, UserID: "u5", CheckerID: "u6"},
	})
	require.NoError(t, err)
	task := newTask(wf, dep)
	require.NoError(t, f.journey.Start(f.ctx, &task))

	// a waiting stage is skipped later on
	require.NoError(t, f.journey.CancelStage(f.ctx, &task, 2, "lead", "not needed"))
	assert.Equal(t, []int{1}, activeStages(task))
	assert.Equal(t, types.TaskPending, task.Status)

	completeStage(t, f, &task, 1)
	assert.Equal(t, 3, task.CurrentStage)
	assert.Equal(t, []int{3}, activeStages(task))

	// cancelling the last open stage ends the journey as cancelled, not completed
	require.NoError(t, f.journey.CancelStage(f.ctx, &task, 3, "lead", ""))
	assert.Equal(t, types.TaskCancelled, task.Status)
	assert.False(t, task.IsWorkflowComplete)
	assert.Empty(t, activeStages(task))
}
