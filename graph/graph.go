// Package graph builds a validated, execution-ready view of a workflow:
// it checks structural integrity once up front and precomputes the
// per-node connection groupings the scheduler consumes.
package graph

import (
	"fmt"

	"github.com/fluxion-engine/fluxion/types"
)

// PortResolver resolves the effective port names of a node type under its
// current parameters. The node registry satisfies this.
type PortResolver interface {
	ResolvePorts(nodeType string, params map[string]any) (inputs, outputs []string, err error)
}

// Graph is the validated in-memory representation of one workflow.
type Graph struct {
	workflow *types.Workflow

	nodes map[string]*types.WorkflowNode

	// inbound groups incoming connections by target node and input port;
	// outbound groups outgoing connections by source node and output port.
	inbound  map[string]map[string][]types.Connection
	outbound map[string]map[string][]types.Connection

	// inputPorts and outputPorts are the effective port declarations per
	// node, resolved from parameters at build time.
	inputPorts  map[string][]string
	outputPorts map[string][]string

	// children groups nodes by their ParentID container.
	children map[string][]string
}

// Build validates the workflow and precomputes scheduling structures.
// Validation failure is reported as a single structural error.
func Build(wf *types.Workflow, resolver PortResolver) (*Graph, error) {
	if wf == nil {
		return nil, types.NewError(types.ErrKindValidation, "workflow cannot be nil")
	}

	g := &Graph{
		workflow:    wf,
		nodes:       make(map[string]*types.WorkflowNode, len(wf.Nodes)),
		inbound:     make(map[string]map[string][]types.Connection),
		outbound:    make(map[string]map[string][]types.Connection),
		inputPorts:  make(map[string][]string, len(wf.Nodes)),
		outputPorts: make(map[string][]string, len(wf.Nodes)),
		children:    make(map[string][]string),
	}

	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if node.ID == "" {
			return nil, types.NewError(types.ErrKindValidation, "workflow contains a node without an id")
		}
		if _, dup := g.nodes[node.ID]; dup {
			return nil, types.Errorf(types.ErrKindValidation, "duplicate node id %q", node.ID)
		}
		g.nodes[node.ID] = node

		inputs, outputs, err := resolver.ResolvePorts(node.Type, node.Parameters)
		if err != nil {
			return nil, types.Errorf(types.ErrKindScheduling, "node %q: unknown node type %q", node.ID, node.Type).WithCause(err)
		}
		g.inputPorts[node.ID] = inputs
		g.outputPorts[node.ID] = outputs
	}

	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if node.ParentID == "" {
			continue
		}
		if _, ok := g.nodes[node.ParentID]; !ok {
			return nil, types.Errorf(types.ErrKindValidation, "node %q references missing parent %q", node.ID, node.ParentID)
		}
		g.children[node.ParentID] = append(g.children[node.ParentID], node.ID)
	}

	for _, conn := range wf.Connections {
		if err := g.checkConnection(conn); err != nil {
			return nil, err
		}
		if g.outbound[conn.SourceNode] == nil {
			g.outbound[conn.SourceNode] = make(map[string][]types.Connection)
		}
		g.outbound[conn.SourceNode][conn.SourceOutput] = append(g.outbound[conn.SourceNode][conn.SourceOutput], conn)

		if g.inbound[conn.TargetNode] == nil {
			g.inbound[conn.TargetNode] = make(map[string][]types.Connection)
		}
		g.inbound[conn.TargetNode][conn.TargetInput] = append(g.inbound[conn.TargetNode][conn.TargetInput], conn)
	}

	if cycle := g.findCycle(); cycle != "" {
		return nil, types.Errorf(types.ErrKindScheduling, "workflow graph contains a cycle through node %q", cycle)
	}

	return g, nil
}

func (g *Graph) checkConnection(conn types.Connection) error {
	src, ok := g.nodes[conn.SourceNode]
	if !ok {
		return types.Errorf(types.ErrKindValidation, "connection %q references missing source node %q", conn.ID, conn.SourceNode)
	}
	tgt, ok := g.nodes[conn.TargetNode]
	if !ok {
		return types.Errorf(types.ErrKindValidation, "connection %q references missing target node %q", conn.ID, conn.TargetNode)
	}
	if !containsPort(g.outputPorts[src.ID], conn.SourceOutput) {
		return types.Errorf(types.ErrKindValidation,
			"connection %q references undeclared output %q on node %q", conn.ID, conn.SourceOutput, src.ID)
	}
	if !containsPort(g.inputPorts[tgt.ID], conn.TargetInput) {
		return types.Errorf(types.ErrKindValidation,
			"connection %q references undeclared input %q on node %q", conn.ID, conn.TargetInput, tgt.ID)
	}
	return nil
}

// findCycle runs a depth-first search over the connection edges and
// returns a node on a cycle, or "".
func (g *Graph) findCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, conns := range g.outbound[id] {
			for _, conn := range conns {
				switch color[conn.TargetNode] {
				case gray:
					return conn.TargetNode
				case white:
					if hit := visit(conn.TargetNode); hit != "" {
						return hit
					}
				}
			}
		}
		color[id] = black
		return ""
	}

	for id := range g.nodes {
		if color[id] == white {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// Workflow returns the underlying workflow document.
func (g *Graph) Workflow() *types.Workflow { return g.workflow }

// Node returns a node by id.
func (g *Graph) Node(id string) (*types.WorkflowNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// InputConnections returns the incoming connections of a node grouped by
// input port.
func (g *Graph) InputConnections(nodeID string) map[string][]types.Connection {
	return g.inbound[nodeID]
}

// OutputConnections returns the outgoing connections of a node grouped by
// output port.
func (g *Graph) OutputConnections(nodeID string) map[string][]types.Connection {
	return g.outbound[nodeID]
}

// InputPorts returns the effective input port names of a node.
func (g *Graph) InputPorts(nodeID string) []string { return g.inputPorts[nodeID] }

// OutputPorts returns the effective output port names of a node.
func (g *Graph) OutputPorts(nodeID string) []string { return g.outputPorts[nodeID] }

// Children returns the ids of nodes contained in the given parent node.
func (g *Graph) Children(parentID string) []string { return g.children[parentID] }

// Predecessors returns the distinct ids of nodes feeding the given node.
func (g *Graph) Predecessors(nodeID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, conns := range g.inbound[nodeID] {
		for _, conn := range conns {
			if !seen[conn.SourceNode] {
				seen[conn.SourceNode] = true
				out = append(out, conn.SourceNode)
			}
		}
	}
	return out
}

// Reachable returns the set of node ids reachable from start via
// connections, including start itself. Children of iterating containers
// are scheduled by their container, not the top-level run, but still count
// as reachable for traversal purposes.
func (g *Graph) Reachable(start string) map[string]bool {
	reached := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[id] {
			continue
		}
		reached[id] = true
		for _, conns := range g.outbound[id] {
			for _, conn := range conns {
				stack = append(stack, conn.TargetNode)
			}
		}
	}
	return reached
}

func containsPort(ports []string, name string) bool {
	for _, p := range ports {
		if p == name {
			return true
		}
	}
	return false
}

// String describes the graph for logs.
func (g *Graph) String() string {
	return fmt.Sprintf("graph(%s: %d nodes, %d connections)",
		g.workflow.ID, len(g.nodes), len(g.workflow.Connections))
}
