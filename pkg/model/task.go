package model

import "time"

// Status is the lifecycle state of a load-test task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Statuses lists every state in graph order.
var Statuses = []Status{
	StatusPending,
	StatusApproved,
	StatusRejected,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
}

// transitions is the only place the state graph is defined.
var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusRunning},
	StatusRunning:  {StatusCompleted, StatusFailed},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no further transitions leave s.
func (s Status) IsTerminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Rank orders statuses along the graph; a legal transition always increases it.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusApproved, StatusRejected:
		return 1
	case StatusRunning:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	}
	return -1
}

// Task is one requested load test and its lifecycle state.
type Task struct {
	ID            string     `json:"id"`
	Seq           int64      `json:"-"`
	OwnerID       string     `json:"owner_id"`
	TargetURL     string     `json:"target_url"`
	NumUsers      int        `json:"num_users"`
	RampUp        int        `json:"ramp_up"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
	Status        Status     `json:"status"`
	ExecutionID   string     `json:"execution_id,omitempty"`
	ReportHandle  string     `json:"report_handle,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	DecidedBy     string     `json:"decided_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Window returns the length of the execution window.
func (t Task) Window() time.Duration {
	return t.EndTime.Sub(t.StartTime)
}

// Patch carries the fields written together with a status change.
// Zero-valued fields leave the stored value untouched.
type Patch struct {
	ExecutionID   string
	ReportHandle  string
	FailureReason string
	DecidedBy     string
	At            time.Time
}

// Apply writes p and the new status onto t, stamping lifecycle timestamps.
func (p Patch) Apply(t *Task, next Status) {
	at := p.At
	if at.IsZero() {
		at = time.Now()
	}
	t.Status = next
	t.UpdatedAt = at
	if p.ExecutionID != "" {
		t.ExecutionID = p.ExecutionID
	}
	if p.ReportHandle != "" {
		t.ReportHandle = p.ReportHandle
	}
	if p.FailureReason != "" {
		t.FailureReason = p.FailureReason
	}
	if p.DecidedBy != "" {
		t.DecidedBy = p.DecidedBy
	}
	switch next {
	case StatusRunning:
		t.StartedAt = &at
	case StatusCompleted, StatusFailed:
		t.FinishedAt = &at
	}
}
