package workflow

import (
	"context"
	"time"

	"github.com/songzhibin97/task-journey/types"
)

// MigrateTaskToJourney upgrades a task that only carries the flat
// currentStage/stageHistory fields into the stage-instance representation.
//
// History entries are replayed onto freshly derived instances and mark their
// stage COMPLETED. Stages below currentStage without an entry are completed
// too, since the pointer already passed them. The current stage takes its
// status from the task's coarse status. Tasks that already have stage
// instances, or no workflow, are returned unchanged with migrated == false.
func (j *Journey) MigrateTaskToJourney(ctx context.Context, task types.Task) (out types.Task, migrated bool, err error) {
	if len(task.StageInstances) > 0 || task.WorkflowID == "" || task.UserDependencyID == "" {
		return task, false, nil
	}

	instances, err := j.InitializeStageInstances(ctx, task.WorkflowID, task.UserDependencyID)
	if err != nil {
		return task, false, err
	}

	approved := make(map[int]types.StageRecord, len(task.StageHistory))
	for _, rec := range task.StageHistory {
		if rec.Status == "" || rec.Status == types.StageCompleted {
			approved[rec.StageOrder] = rec
		}
	}

	current := task.CurrentStage
	if current < 1 {
		current = 1
	}
	total := len(instances)

	// the current stage counts as activated at the previous approval
	var lastApproval *time.Time
	for i := range instances {
		st := &instances[i]
		st.ActivatedAt = nil

		if rec, ok := approved[st.StageOrder]; ok {
			st.Status = types.StageCompleted
			st.CompletedAt = copyTime(rec.ApprovedAt)
			st.CheckerApprovedAt = copyTime(rec.ApprovedAt)
			st.OutputData = rec.OutputData
			if rec.ApprovedAt != nil {
				lastApproval = rec.ApprovedAt
			}
			continue
		}

		switch {
		case st.StageOrder < current:
			st.Status = types.StageCompleted
		case st.StageOrder == current:
			st.Status = types.StageStatusFor(task.Status)
			switch {
			case lastApproval != nil:
				st.ActivatedAt = copyTime(lastApproval)
			case st.StageOrder == 1:
				st.ActivatedAt = timePtr(task.CreatedAt)
			default:
				st.ActivatedAt = timePtr(task.UpdatedAt)
			}
		default:
			st.Status = types.StageWaiting
		}
	}

	task.StageInstances = instances
	task.CurrentStage = current
	task.IsWorkflowComplete = current > total
	return task, true, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
