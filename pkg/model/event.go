package model

import "time"

// TaskEvent captures one successful status transition.
type TaskEvent struct {
	TaskID  string    `json:"task_id"`
	OwnerID string    `json:"owner_id"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	Actor   string    `json:"actor"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}
