package model

import "time"

// Result summarizes one finished load-test run. It is the artifact a report handle points at.
type Result struct {
	Handle           string    `json:"handle"`
	TaskID           string    `json:"task_id"`
	ExecutionID      string    `json:"execution_id"`
	TargetURL        string    `json:"target_url"`
	NumUsers         int       `json:"num_users"`
	Requests         int       `json:"requests"`
	Failures         int       `json:"failures"`
	RPS              float64   `json:"rps"`
	AvgResponseMs    float64   `json:"avg_response_ms"`
	MinResponseMs    float64   `json:"min_response_ms"`
	MaxResponseMs    float64   `json:"max_response_ms"`
	MedianResponseMs float64   `json:"median_response_ms"`
	ErrorRate        float64   `json:"error_rate"`
	Availability     float64   `json:"availability"`
	DurationSeconds  float64   `json:"duration_seconds"`
	CreatedAt        time.Time `json:"created_at"`
}

// Successes is the number of requests that did not fail.
func (r Result) Successes() int {
	return r.Requests - r.Failures
}
