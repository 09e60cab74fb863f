package lanes

// Stats contains statistics for a lane
type Stats struct {
	Lane          string     `json:"lane"`
	Queued        int        `json:"queued"`
	Active        int        `json:"active"`
	MaxConcurrent int        `json:"max_concurrent"`
	ActiveTasks   []TaskInfo `json:"active_tasks,omitempty"`
}

// TaskInfo represents a summary of a task in a lane
type TaskInfo struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	EnqueuedAt  int64  `json:"enqueued_at"`
	StartedAt   int64  `json:"started_at,omitempty"`
}
