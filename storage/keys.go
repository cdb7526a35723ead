package storage

// Fixed keys of the persisted collections.
const (
	KeyCategories       = "taskManagement_categories"
	KeyChecklists       = "taskManagement_checklists"
	KeyGuidelines       = "taskManagement_guidelines"
	KeyWorksheets       = "taskManagement_worksheets"
	KeyUsers            = "taskManagement_users"
	KeyWorkflows        = "taskManagement_workflows"
	KeyUserDependencies = "taskManagement_user_dependencies"
	KeyTasks            = "taskManagement_tasks"
)
