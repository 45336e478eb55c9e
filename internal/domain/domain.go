package domain

// Task statuses.
const (
	StatusOpen      = "Open"
	StatusWorking   = "Working"
	StatusOnHold    = "On Hold"
	StatusCompleted = "Completed"
	StatusCancelled = "Cancelled"
)

// TerminalStatus reports whether a status admits no lifecycle transition
// other than reopen.
func TerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

type Project struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Kind             string   `json:"kind"`
	ReadyToClose     bool     `json:"ready_to_close"`
	ServiceTemplates []string `json:"service_templates,omitempty"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"project_id"`
	ParentID     *string  `json:"parent_id,omitempty"`
	Subject      string   `json:"subject"`
	TaskType     string   `json:"task_type"`
	Description  string   `json:"description,omitempty"`
	Status       string   `json:"status" enum:"Open,Working,On Hold,Completed,Cancelled"`
	Assignee     *string  `json:"assignee,omitempty"`
	ExpectedTime float64  `json:"expected_time"`
	ActualTime   float64  `json:"actual_time"`
	IsGroup      bool     `json:"is_group"`
	TemplateRef  *string  `json:"template_ref,omitempty"`
	ExtraJSON    *string  `json:"extra_json,omitempty"`
	DependsOn    []string `json:"depends_on,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
	CompletedAt  *string  `json:"completed_at,omitempty" format:"date-time"`
}

// ActionConditions is the server-computed eligibility set for one task as
// seen by one actor. Clients render actions from these flags and nothing else.
type ActionConditions struct {
	StartTask    bool `json:"start_task"`
	CompleteTask bool `json:"complete_task"`
	PauseTask    bool `json:"pause_task"`
	ResumeTask   bool `json:"resume_task"`
	ReopenTask   bool `json:"reopen_task"`
	EditTask     bool `json:"edit_task"`
	SplitTask    bool `json:"split_task"`
	CancelTask   bool `json:"cancel_task"`
}

type Timelog struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	ActorID   string  `json:"actor_id"`
	FromTime  string  `json:"from_time" format:"date-time"`
	ToTime    *string `json:"to_time,omitempty" format:"date-time"`
	Completed bool    `json:"completed"`
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ActorProfile struct {
	ProjectID   string   `json:"project_id"`
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}
