package types

import "time"

// NodeStatus is the lifecycle status of one node within a run.
type NodeStatus string

const (
	// NodeStatusIdle means the node has not been dispatched yet.
	NodeStatusIdle NodeStatus = "idle"
	// NodeStatusRunning means the node's execute function is in flight.
	NodeStatusRunning NodeStatus = "running"
	// NodeStatusSuccess means the node completed and produced output.
	NodeStatusSuccess NodeStatus = "success"
	// NodeStatusError means the node's execute function failed.
	NodeStatusError NodeStatus = "error"
	// NodeStatusSkipped means the node was never invoked: disabled, on a
	// dead branch, or downstream of a fatal failure.
	NodeStatusSkipped NodeStatus = "skipped"
	// NodeStatusCancelled means the run was cancelled before the node
	// started.
	NodeStatusCancelled NodeStatus = "cancelled"
)

// RunStatus is the lifecycle status of a whole execution.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusError     RunStatus = "error"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusPaused    RunStatus = "paused"
)

// Terminal reports whether the status is a final one.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusError || s == RunStatusCancelled
}

// NodeExecutionResult records the outcome of one node within one run. Data
// holds the produced batches index-aligned to the node's declared outputs;
// a node that emits sequential batches on a single port (batch splitting)
// may carry more batches than declared ports.
type NodeExecutionResult struct {
	NodeID    string     `json:"node_id"`
	NodeName  string     `json:"node_name,omitempty"`
	Status    NodeStatus `json:"status"`
	StartTime time.Time  `json:"start_time,omitempty"`
	EndTime   time.Time  `json:"end_time,omitempty"`
	Data      []Batch    `json:"data,omitempty"`
	Error     string     `json:"error,omitempty"`
	Attempts  int        `json:"attempts,omitempty"`
}

// ExecutionState is the run-level record for one execution. Each run gets a
// fresh unique ExecutionID; re-running a workflow never reuses one.
type ExecutionState struct {
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	Status      RunStatus `json:"status"`
	StartTime   time.Time `json:"start_time,omitempty"`
	EndTime     time.Time `json:"end_time,omitempty"`
	// Progress is completed reachable nodes over total reachable nodes,
	// in [0,1].
	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`
}

// Event is the message shape published to real-time observers. A run-level
// event carries an empty NodeID.
type Event struct {
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id,omitempty"`
	NodeID      string    `json:"node_id,omitempty"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Data        []Batch   `json:"data,omitempty"`
	Error       string    `json:"error,omitempty"`
}
