package types

import "fmt"

// Role is a user's role id.
type Role int

const (
	RoleAdmin      Role = 1
	RoleDoer       Role = 2
	RoleChecker    Role = 3
	RoleTeamLeader Role = 4
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleDoer:
		return "doer"
	case RoleChecker:
		return "checker"
	case RoleTeamLeader:
		return "team_leader"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleDoer, RoleChecker, RoleTeamLeader:
		return true
	default:
		return false
	}
}

// StageStatus is the state of a single stage instance.
type StageStatus string

const (
	StageWaiting           StageStatus = "WAITING"
	StagePendingDoer       StageStatus = "PENDING_DOER"
	StagePendingChecker    StageStatus = "PENDING_CHECKER"
	StagePendingTeamLeader StageStatus = "PENDING_TEAM_LEADER"
	StageCompleted         StageStatus = "COMPLETED"
	StageReopened          StageStatus = "REOPENED"
	StageCancelled         StageStatus = "CANCELLED"
)

// Active stages go back to WAITING when an earlier stage is reopened.
var stageTransitions = map[StageStatus][]StageStatus{
	StageWaiting:           {StagePendingDoer, StageCancelled},
	StagePendingDoer:       {StagePendingChecker, StageWaiting, StageCancelled},
	StagePendingChecker:    {StagePendingTeamLeader, StagePendingDoer, StageWaiting, StageCancelled},
	StagePendingTeamLeader: {StageCompleted, StageWaiting, StageCancelled},
	StageCompleted:         {StageReopened},
	StageReopened:          {StagePendingDoer, StageCancelled},
	StageCancelled:         nil,
}

// IsValid reports whether s is a known stage status.
func (s StageStatus) IsValid() bool {
	_, ok := stageTransitions[s]
	return ok
}

// IsTerminal reports whether no further transition leaves s.
func (s StageStatus) IsTerminal() bool {
	return s == StageCancelled
}

// IsActive reports whether the stage is waiting on a person.
func (s StageStatus) IsActive() bool {
	switch s {
	case StagePendingDoer, StagePendingChecker, StagePendingTeamLeader:
		return true
	case StageWaiting, StageCompleted, StageReopened, StageCancelled:
		return false
	default:
		return false
	}
}

// CanTransition reports whether the stage state machine allows s -> to.
func (s StageStatus) CanTransition(to StageStatus) bool {
	for _, next := range stageTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s StageStatus) String() string {
	return string(s)
}

// TaskStatus is the coarse review status of a task.
type TaskStatus string

const (
	TaskPending          TaskStatus = "pending"
	TaskInProgress       TaskStatus = "in-progress"
	TaskSubmitted        TaskStatus = "submitted"
	TaskUnderReview      TaskStatus = "under-review"
	TaskCompleted        TaskStatus = "completed"
	TaskRevisionRequired TaskStatus = "revision-required"
	TaskCancelled        TaskStatus = "cancelled"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:          {TaskInProgress},
	TaskInProgress:       {TaskSubmitted},
	TaskSubmitted:        {TaskUnderReview},
	TaskUnderReview:      {TaskCompleted, TaskRevisionRequired},
	TaskRevisionRequired: {TaskSubmitted},
	TaskCompleted:        nil,
	TaskCancelled:        nil,
}

// IsValid reports whether s is a known task status.
func (s TaskStatus) IsValid() bool {
	_, ok := taskTransitions[s]
	return ok
}

// IsTerminal reports whether s is final.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// CanTransition reports whether the review flow allows s -> to.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, next := range taskTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s TaskStatus) String() string {
	return string(s)
}

// StageStatusFor maps a task's coarse status onto the status of its current stage.
func StageStatusFor(status TaskStatus) StageStatus {
	switch status {
	case TaskSubmitted:
		return StagePendingChecker
	case TaskUnderReview:
		return StagePendingTeamLeader
	case TaskCancelled:
		return StageCancelled
	case TaskPending, TaskInProgress, TaskCompleted, TaskRevisionRequired:
		return StagePendingDoer
	default:
		return StagePendingDoer
	}
}
