package store

// WorkOrderState is the lifecycle state of a work order.
type WorkOrderState string

// Work order states. Shipped and a permanently-vetoed blocked state are
// terminal.
const (
	WorkOrderPlanned WorkOrderState = "planned"
	WorkOrderActive  WorkOrderState = "active"
	WorkOrderBlocked WorkOrderState = "blocked"
	WorkOrderShipped WorkOrderState = "shipped"
)

// OperationStatus is the lifecycle state of an operation.
type OperationStatus string

// Operation statuses. todo, in_progress, review and rework are "open":
// at most one open operation may exist per work order at a time.
const (
	OpTodo       OperationStatus = "todo"
	OpInProgress OperationStatus = "in_progress"
	OpReview     OperationStatus = "review"
	OpRework     OperationStatus = "rework"
	OpDone       OperationStatus = "done"
	OpBlocked    OperationStatus = "blocked"
)

// ExecutionType distinguishes single-shot operations from loop operations
// that iterate over a story list.
type ExecutionType string

// Execution types.
const (
	ExecSingle ExecutionType = "single"
	ExecLoop   ExecutionType = "loop"
)

// StoryStatus is the lifecycle state of one story inside a loop operation.
type StoryStatus string

// Story statuses.
const (
	StoryPending StoryStatus = "pending"
	StoryRunning StoryStatus = "running"
	StoryDone    StoryStatus = "done"
	StoryFailed  StoryStatus = "failed"
)

// WorkOrder represents a row in the work_orders table.
type WorkOrder struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Goal          string         `json:"goal"`
	Priority      int            `json:"priority"`
	Tags          []string       `json:"tags"`
	State         WorkOrderState `json:"state"`
	WorkflowID    string         `json:"workflow_id"`
	CurrentStage  int            `json:"current_stage"`
	BlockedReason string         `json:"blocked_reason"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

// Operation represents a row in the operations table.
type Operation struct {
	ID               string          `json:"id"`
	WorkOrderID      string          `json:"work_order_id"`
	StageIndex       int             `json:"stage_index"`
	StageRef         string          `json:"stage_ref"`
	AgentRole        string          `json:"agent_role"`
	Status           OperationStatus `json:"status"`
	ExecutionType    ExecutionType   `json:"execution_type"`
	LoopConfig       string          `json:"loop_config"` // JSON; loop config or story_verify metadata
	CurrentStoryID   string          `json:"current_story_id"`
	IterationCount   int             `json:"iteration_count"`
	RetryCount       int             `json:"retry_count"`
	MaxRetries       int             `json:"max_retries"`
	TimeoutCount     int             `json:"timeout_count"`
	ClaimedBy        string          `json:"claimed_by"`
	ClaimExpiresAt   string          `json:"claim_expires_at"`
	LastClaimedAt    string          `json:"last_claimed_at"`
	EscalationReason string          `json:"escalation_reason"`
	LastFeedback     string          `json:"last_feedback"`
	Notes            string          `json:"notes"`
	CreatedAt        string          `json:"created_at"`
	UpdatedAt        string          `json:"updated_at"`
}

// Open reports whether the operation is in an open status.
func (o *Operation) Open() bool {
	switch o.Status {
	case OpTodo, OpInProgress, OpReview, OpRework:
		return true
	default:
		return false
	}
}

// Story represents a row in the operation_stories table.
type Story struct {
	ID                 string      `json:"id"`
	OperationID        string      `json:"operation_id"`
	StoryIndex         int         `json:"story_index"`
	StoryKey           string      `json:"story_key"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	AcceptanceCriteria []string    `json:"acceptance_criteria"`
	Status             StoryStatus `json:"status"`
	RetryCount         int         `json:"retry_count"`
	MaxRetries         int         `json:"max_retries"`
	Output             string      `json:"output"`
}

// Approval represents a row in the approvals table.
type Approval struct {
	ID          string `json:"id"`
	WorkOrderID string `json:"work_order_id"`
	OperationID string `json:"operation_id"`
	Type        string `json:"type"`
	Question    string `json:"question"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// Approval types.
const (
	ApprovalRiskyAction = "risky_action"
	ApprovalScopeChange = "scope_change"
)

// Activity represents a row in the activities audit trail.
type Activity struct {
	ID          int64  `json:"id"`
	WorkOrderID string `json:"work_order_id"`
	OperationID string `json:"operation_id"`
	Type        string `json:"type"`
	Payload     string `json:"payload"`
	CreatedAt   string `json:"created_at"`
}

// AgentSession represents a row in the agent_sessions table.
type AgentSession struct {
	SessionKey  string `json:"session_key"`
	SessionID   string `json:"session_id"`
	AgentID     string `json:"agent_id"`
	OperationID string `json:"operation_id"`
	State       string `json:"state"`
	LastSeenAt  string `json:"last_seen_at"`
}
