package types

import "time"

// Item is a single JSON-like data item flowing along a connection.
type Item map[string]any

// Batch is an ordered list of items delivered on one port.
type Batch []Item

// Clone returns a shallow copy of the item.
func (it Item) Clone() Item {
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

// ErrorItem builds the synthetic error-shaped item emitted on a node's
// default output when continueOnFail converts a failure into data.
func ErrorItem(message string) Item {
	return Item{"error": true, "message": message}
}

// Position is the visual canvas position of a node. It has no effect on
// scheduling.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// WorkflowNode is one node of a workflow document.
type WorkflowNode struct {
	ID          string            `json:"id" yaml:"id"`
	Type        string            `json:"type" yaml:"type"`
	Name        string            `json:"name" yaml:"name"`
	Position    Position          `json:"position" yaml:"position"`
	Parameters  map[string]any    `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Credentials map[string]string `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	Disabled    bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Locked      bool              `json:"locked,omitempty" yaml:"locked,omitempty"`

	// ParentID groups this node under a container node. Purely visual
	// containment has no scheduling effect; children of an iterating
	// container form its per-item subgraph.
	ParentID string `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	Extent   string `json:"extent,omitempty" yaml:"extent,omitempty"`

	// ContinueOnFail converts an execution failure into an error-shaped
	// output item instead of aborting the run.
	ContinueOnFail bool `json:"continueOnFail,omitempty" yaml:"continueOnFail,omitempty"`

	// MaxRetries re-invokes a failed execute up to this many extra times
	// before the failure is surfaced. RetryDelay separates attempts.
	MaxRetries int           `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	RetryDelay time.Duration `json:"retryDelay,omitempty" yaml:"retryDelay,omitempty"`

	// PinnedData, when set, replaces the node's real output during
	// single-node re-testing and seeds manual trigger invocations.
	PinnedData Batch `json:"pinnedData,omitempty" yaml:"pinnedData,omitempty"`
}

// Connection is a directed edge from one node's output port to another
// node's input port.
type Connection struct {
	ID           string         `json:"id" yaml:"id"`
	SourceNode   string         `json:"sourceNode" yaml:"sourceNode"`
	SourceOutput string         `json:"sourceOutput" yaml:"sourceOutput"`
	TargetNode   string         `json:"targetNode" yaml:"targetNode"`
	TargetInput  string         `json:"targetInput" yaml:"targetInput"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// WorkflowSettings carries run-level behavior switches.
type WorkflowSettings struct {
	// PersistHistory stores the completed execution in the history store.
	PersistHistory bool `json:"persistHistory,omitempty" yaml:"persistHistory,omitempty"`
	// Timezone is advisory metadata for schedule triggers; cron evaluation
	// itself happens outside the engine.
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Workflow is a complete workflow document as supplied by the persistence
// collaborator.
type Workflow struct {
	ID          string           `json:"id" yaml:"id"`
	Name        string           `json:"name" yaml:"name"`
	Nodes       []WorkflowNode   `json:"nodes" yaml:"nodes"`
	Connections []Connection     `json:"connections" yaml:"connections"`
	Settings    WorkflowSettings `json:"settings,omitempty" yaml:"settings,omitempty"`
	Active      bool             `json:"active,omitempty" yaml:"active,omitempty"`

	// Variables are workflow-scoped values exposed to expressions as $vars.
	Variables map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *WorkflowNode {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// NodeByName returns the node with the given display name, or nil.
func (w *Workflow) NodeByName(name string) *WorkflowNode {
	for i := range w.Nodes {
		if w.Nodes[i].Name == name {
			return &w.Nodes[i]
		}
	}
	return nil
}
