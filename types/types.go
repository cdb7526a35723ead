package types

import "time"

// AllCategories is the sentinel category assignment that matches every category.
const AllCategories = "all"

// Category is a classification key used by every other record.
type Category struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ParentID    string    `json:"parentId,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ChecklistItem is a single reviewable line of a checklist.
type ChecklistItem struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Required bool   `json:"required"`
}

// Checklist binds review items to one or more categories.
type Checklist struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	CategoryIDs []string        `json:"categoryIds"`
	Items       []ChecklistItem `json:"items"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`

	// LegacyCategoryID is the single-category field of old records. It is
	// folded into CategoryIDs at load time and never written back.
	LegacyCategoryID string `json:"categoryId,omitempty"`
}

// Guideline is free-form guidance attached to one or more categories.
type Guideline struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	CategoryIDs []string  `json:"categoryIds"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	LegacyCategoryID string `json:"categoryId,omitempty"`
}

// WorksheetField describes one input of a worksheet template.
type WorksheetField struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// WorksheetTemplate is the output form bound to a category.
type WorksheetTemplate struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	CategoryID string           `json:"categoryId"`
	Fields     []WorksheetField `json:"fields"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// User is a directory entry.
type User struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Email               string   `json:"email,omitempty"`
	RoleID              Role     `json:"roleId"`
	AssignedCategoryIDs []string `json:"assigned_category_ids"`
	Active              bool     `json:"active"`
}

// CoversCategory reports whether the user is assigned to categoryID, either
// directly or through the "all" sentinel.
func (u User) CoversCategory(categoryID string) bool {
	for _, id := range u.AssignedCategoryIDs {
		if id == categoryID || id == AllCategories {
			return true
		}
	}
	return false
}

// FlowStage is one entry of a workflow's category flow.
type FlowStage struct {
	CategoryID   string `json:"categoryId"`
	CategoryName string `json:"categoryName"`
	Order        int    `json:"order"`
}

// Workflow (task dependency) is an ordered sequence of categories a task passes through.
type Workflow struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	CategoryFlow []FlowStage `json:"categoryFlow"`
	TaskCount    int         `json:"taskCount"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// StageCount returns the number of stages in the workflow.
func (w Workflow) StageCount() int {
	return len(w.CategoryFlow)
}

// StageAssignment binds a doer and a checker to a workflow stage.
type StageAssignment struct {
	StageOrder   int    `json:"stageOrder"`
	CategoryID   string `json:"categoryId"`
	CategoryName string `json:"categoryName"`
	UserID       string `json:"userId"`
	CheckerID    string `json:"checkerId"`
}

// UserDependency is the per-workflow assignment of doers and checkers.
type UserDependency struct {
	ID               string            `json:"id"`
	WorkflowID       string            `json:"workflowId"`
	Name             string            `json:"name"`
	StageAssignments []StageAssignment `json:"stageAssignments"`
	TaskCount        int               `json:"taskCount"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Assignment returns the assignment for stageOrder.
func (d UserDependency) Assignment(stageOrder int) (StageAssignment, bool) {
	for _, a := range d.StageAssignments {
		if a.StageOrder == stageOrder {
			return a, true
		}
	}
	return StageAssignment{}, false
}

// StageRecord is a flat entry of a task's stage history.
type StageRecord struct {
	StageOrder int                    `json:"stageOrder"`
	Status     StageStatus            `json:"status"`
	ApprovedAt *time.Time             `json:"approvedAt,omitempty"`
	OutputData map[string]interface{} `json:"outputData,omitempty"`
}

// StageInstance is the derived per-task, per-stage progress record.
type StageInstance struct {
	StageOrder          int                    `json:"stageOrder"`
	CategoryID          string                 `json:"categoryId"`
	CategoryName        string                 `json:"categoryName"`
	Status              StageStatus            `json:"status"`
	AssignedDoerID      string                 `json:"assignedDoerId"`
	AssignedDoerName    string                 `json:"assignedDoerName,omitempty"`
	AssignedCheckerID   string                 `json:"assignedCheckerId"`
	AssignedCheckerName string                 `json:"assignedCheckerName,omitempty"`
	WorksheetTemplateID string                 `json:"worksheetTemplateId,omitempty"`
	ActivatedAt         *time.Time             `json:"activatedAt,omitempty"`
	DoerSubmittedAt     *time.Time             `json:"doerSubmittedAt,omitempty"`
	CheckerApprovedAt   *time.Time             `json:"checkerApprovedAt,omitempty"`
	CompletedAt         *time.Time             `json:"completedAt,omitempty"`
	ReopenCount         int                    `json:"reopenCount"`
	OutputData          map[string]interface{} `json:"outputData,omitempty"`
}

// JourneyEvent records a single stage transition.
type JourneyEvent struct {
	ID         string      `json:"id"`
	StageOrder int         `json:"stageOrder"`
	From       StageStatus `json:"from"`
	To         StageStatus `json:"to"`
	ActorID    string      `json:"actorId,omitempty"`
	Note       string      `json:"note,omitempty"`
	At         time.Time   `json:"at"`
}

// Review holds the reviewer's decision on a submitted task.
type Review struct {
	ReviewerID         string          `json:"reviewerId"`
	ChecklistApprovals map[string]bool `json:"checklistApprovals"`
	Feedback           string          `json:"feedback,omitempty"`
	Decision           TaskStatus      `json:"decision"`
	UnapprovedItemIDs  []string        `json:"unapprovedItemIds,omitempty"`
	ReviewedAt         time.Time       `json:"reviewedAt"`
}

// Task is a unit of work, optionally routed through a workflow.
type Task struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	CategoryID         string          `json:"categoryId"`
	AssignedTo         string          `json:"assignedTo,omitempty"`
	WorkflowID         string          `json:"workflowId,omitempty"`
	UserDependencyID   string          `json:"userDependencyId,omitempty"`
	CurrentStage       int             `json:"currentStage"`
	Status             TaskStatus      `json:"status"`
	StageHistory       []StageRecord   `json:"stageHistory"`
	StageInstances     []StageInstance `json:"stageInstances,omitempty"`
	JourneyHistory     []JourneyEvent  `json:"journeyHistory,omitempty"`
	IsWorkflowComplete bool            `json:"isWorkflowComplete"`
	Review             *Review         `json:"review,omitempty"`
	ReviewHistory      []Review        `json:"reviewHistory,omitempty"`
	RevisedCount       int             `json:"revisedCount"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Stage returns a pointer to the stage instance with the given order.
func (t *Task) Stage(stageOrder int) *StageInstance {
	for i := range t.StageInstances {
		if t.StageInstances[i].StageOrder == stageOrder {
			return &t.StageInstances[i]
		}
	}
	return nil
}
