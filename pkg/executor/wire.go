package executor

import (
	"encoding/json"

	"loadgate/pkg/model"
)

// Message types on the agent websocket.
const (
	MsgRun       = "run"        // controller -> agent, payload Job
	MsgRunResult = "run_result" // agent -> controller, payload RunResult
	MsgHello     = "hello"      // agent -> controller, payload AgentInfo
)

// Message is the envelope exchanged with runner agents.
type Message struct {
	Type    string          `json:"type"`
	AgentID string          `json:"agentId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into an envelope.
func NewMessage(typ, agentID string, payload interface{}) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, AgentID: agentID, Payload: raw}, nil
}

// RunResult is an agent's report for one execution. Error is set when the run failed.
type RunResult struct {
	ExecutionID string        `json:"execution_id"`
	Result      *model.Result `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// AgentInfo describes a runner agent when it connects.
type AgentInfo struct {
	Version  string `json:"version"`
	Capacity int    `json:"capacity"`
}
