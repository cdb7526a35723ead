package workflow

import (
	"testing"
	"time"

	"github.com/songzhibin97/task-journey/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJourney_MigrateTaskToJourney(t *testing.T) {
	f := newFixture(t)
	wf, dep := f.designBuild(t)
	approvedAt := fixedNow.Add(-2 * time.Hour)
	created := fixedNow.Add(-48 * time.Hour)

	legacy := func(current int, status types.TaskStatus, history ...types.StageRecord) types.Task {
		task := newTask(wf, dep)
		task.CurrentStage = current
		task.Status = status
		task.StageHistory = history
		task.CreatedAt = created
		return task
	}

	t.Run("SecondStageSubmitted", func(t *testing.T) {
		in := legacy(2, types.TaskSubmitted, types.StageRecord{
			StageOrder: 1,
			ApprovedAt: &approvedAt,
			OutputData: map[string]interface{}{"mockup": "v3"},
		})

		got, migrated, err := f.journey.MigrateTaskToJourney(f.ctx, in)
		require.NoError(t, err)
		assert.True(t, migrated)
		require.Len(t, got.StageInstances, 2)

		first := got.Stage(1)
		assert.Equal(t, types.StageCompleted, first.Status)
		require.NotNil(t, first.CompletedAt)
		assert.Equal(t, approvedAt, *first.CompletedAt)
		assert.Equal(t, "v3", first.OutputData["mockup"])
		assert.Equal(t, "u1", first.AssignedDoerID)

		second := got.Stage(2)
		assert.Equal(t, types.StagePendingChecker, second.Status)
		require.NotNil(t, second.ActivatedAt)
		assert.Equal(t, approvedAt, *second.ActivatedAt)
		assert.False(t, got.IsWorkflowComplete)

		assert.Nil(t, in.StageInstances, "input task must not be modified")
	})

	t.Run("Idempotent", func(t *testing.T) {
		once, migrated, err := f.journey.MigrateTaskToJourney(f.ctx, legacy(1, types.TaskUnderReview))
		require.NoError(t, err)
		require.True(t, migrated)
		assert.Equal(t, types.StagePendingTeamLeader, once.Stage(1).Status)
		assert.Equal(t, created, *once.Stage(1).ActivatedAt)
		assert.Equal(t, types.StageWaiting, once.Stage(2).Status)

		twice, migrated, err := f.journey.MigrateTaskToJourney(f.ctx, once)
		require.NoError(t, err)
		assert.False(t, migrated)
		assert.Equal(t, once, twice)
	})

	t.Run("PointerPastLastStage", func(t *testing.T) {
		got, migrated, err := f.journey.MigrateTaskToJourney(f.ctx, legacy(3, types.TaskCompleted))
		require.NoError(t, err)
		assert.True(t, migrated)
		assert.True(t, got.IsWorkflowComplete)
		for _, st := range got.StageInstances {
			assert.Equal(t, types.StageCompleted, st.Status)
		}
		assert.Equal(t, 100, ProgressOf(got).Percent)
	})

	t.Run("MissingPointer", func(t *testing.T) {
		got, migrated, err := f.journey.MigrateTaskToJourney(f.ctx, legacy(0, types.TaskPending))
		require.NoError(t, err)
		assert.True(t, migrated)
		assert.Equal(t, 1, got.CurrentStage)
		assert.Equal(t, types.StagePendingDoer, got.Stage(1).Status)
	})

	t.Run("RejectedHistoryIgnored", func(t *testing.T) {
		got, _, err := f.journey.MigrateTaskToJourney(f.ctx, legacy(1, types.TaskRevisionRequired,
			types.StageRecord{StageOrder: 1, Status: types.StageCancelled, ApprovedAt: &approvedAt}))
		require.NoError(t, err)
		assert.Equal(t, types.StagePendingDoer, got.Stage(1).Status)
		assert.Nil(t, got.Stage(1).CompletedAt)
	})

	t.Run("StandaloneTask", func(t *testing.T) {
		task := types.Task{ID: "solo", Status: types.TaskInProgress}
		got, migrated, err := f.journey.MigrateTaskToJourney(f.ctx, task)
		require.NoError(t, err)
		assert.False(t, migrated)
		assert.Equal(t, task, got)
	})

	t.Run("UnknownWorkflow", func(t *testing.T) {
		task := legacy(1, types.TaskPending)
		task.WorkflowID = "gone"
		_, migrated, err := f.journey.MigrateTaskToJourney(f.ctx, task)
		assert.ErrorIs(t, err, types.ErrNotFound)
		assert.False(t, migrated)
	})
}
