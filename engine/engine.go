// Package engine contains the execution core: the DAG scheduler, the
// per-invocation execution context builder, and the execution state
// tracker that drives real-time reporting.
package engine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fluxion-engine/fluxion/graph"
	"github.com/fluxion-engine/fluxion/internal/metrics"
	"github.com/fluxion-engine/fluxion/internal/pool"
	"github.com/fluxion-engine/fluxion/registry"
	"github.com/fluxion-engine/fluxion/types"
)

// HistorySink receives completed executions for storage. The history
// store implements this; the engine calls it when a workflow opts into
// persisted history.
type HistorySink interface {
	SaveExecution(ctx context.Context, state types.ExecutionState, results []types.NodeExecutionResult) error
}

// RunOptions parameterizes one execution.
type RunOptions struct {
	// SeedNodeID is the trigger node the run starts at. Empty selects
	// the workflow's single trigger node.
	SeedNodeID string
	// Seed is the initial input built by the trigger activation manager.
	Seed types.Batch
	// Local holds run-scoped variables exposed to expressions as $local.
	Local map[string]any
}

// RunResult is the terminal snapshot of one execution.
type RunResult struct {
	State   types.ExecutionState
	Results []types.NodeExecutionResult
}

// ResultFor returns the recorded result of one node.
func (r *RunResult) ResultFor(nodeID string) (types.NodeExecutionResult, bool) {
	for i := range r.Results {
		if r.Results[i].NodeID == nodeID {
			return r.Results[i], true
		}
	}
	return types.NodeExecutionResult{}, false
}

// Engine executes workflows against an explicit node registry. Engines
// are independent: none of their state is global, so isolated instances
// never cross-contaminate.
type Engine struct {
	registry *registry.Registry
	creds    CredentialResolver
	helpers  *registry.Helpers
	pool     *pool.WorkerPool
	metrics  *metrics.Collector
	tracer   trace.Tracer
	history  HistorySink
	logger   *zap.Logger

	publishers []Publisher

	mu       sync.Mutex
	active   map[string]*run
	lastRuns map[string]*RunResult
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithCredentialResolver sets the credential collaborator.
func WithCredentialResolver(r CredentialResolver) Option {
	return func(e *Engine) { e.creds = r }
}

// WithHistory sets the persistence collaborator for completed runs.
func WithHistory(h HistorySink) Option {
	return func(e *Engine) { e.history = h }
}

// WithPublisher attaches a real-time event publisher to every run.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publishers = append(e.publishers, p) }
}

// WithWorkerPool sizes the shared dispatch pool.
func WithWorkerPool(workers, queueSize int) Option {
	return func(e *Engine) { e.pool = pool.New(workers, queueSize) }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithHTTPClient sets the client behind the outbound request helpers.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) { e.helpers = registry.NewHelpers(client, e.logger) }
}

// New creates an engine around the given registry.
func New(reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		logger:   zap.NewNop(),
		active:   make(map[string]*run),
		lastRuns: make(map[string]*RunResult),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "engine"))
	if e.pool == nil {
		e.pool = pool.New(8, 256)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewCollector("fluxion", nil)
	}
	if e.helpers == nil {
		e.helpers = registry.NewHelpers(nil, e.logger)
	}
	e.tracer = otel.Tracer("fluxion/engine")
	return e
}

// Close releases the worker pool. In-flight runs finish first.
func (e *Engine) Close() {
	e.pool.Close()
}

// Registry returns the registry this engine executes against.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Execute runs a workflow seeded at a trigger node. Structural problems
// fail before any execution state exists; a failed run returns the
// terminal result alongside the node error that ended it.
func (e *Engine) Execute(ctx context.Context, wf *types.Workflow, opts RunOptions) (*RunResult, error) {
	g, err := graph.Build(wf, e.registry)
	if err != nil {
		return nil, err
	}

	seedID := opts.SeedNodeID
	if seedID == "" {
		seedID, err = e.findTrigger(wf)
		if err != nil {
			return nil, err
		}
	}
	if _, ok := g.Node(seedID); !ok {
		return nil, types.Errorf(types.ErrKindValidation, "seed node %q does not exist", seedID)
	}

	executionID := uuid.NewString()
	tracker := NewTracker(executionID, wf.ID, e.logger)
	for _, p := range e.publishers {
		tracker.AttachPublisher(p)
	}

	local := opts.Local
	if local == nil {
		local = make(map[string]any)
	}

	runCtx, span := e.tracer.Start(ctx, "workflow.execute",
		trace.WithAttributes(
			attribute.String("workflow.id", wf.ID),
			attribute.String("execution.id", executionID),
		),
	)
	defer span.End()

	r := newRun(e, g, tracker, seedID, opts.Seed, local, runCtx)

	// Track scheduled nodes in workflow declaration order so the result
	// set and reported sequence stay stable across reruns.
	var tracked []*types.WorkflowNode
	for i := range wf.Nodes {
		if r.scheduled[wf.Nodes[i].ID] {
			tracked = append(tracked, &wf.Nodes[i])
		}
	}
	tracker.InitNodes(tracked)

	e.mu.Lock()
	e.active[executionID] = r
	e.mu.Unlock()

	e.metrics.RunStarted(wf.ID)
	e.logger.Info("starting execution",
		zap.String("workflow_id", wf.ID),
		zap.String("execution_id", executionID),
		zap.String("seed_node", seedID),
		zap.Int("scheduled_nodes", len(r.scheduled)),
	)
	start := time.Now()

	result := r.execute()

	e.metrics.RunCompleted(wf.ID, string(result.State.Status), time.Since(start))
	e.logger.Info("execution finished",
		zap.String("execution_id", executionID),
		zap.String("status", string(result.State.Status)),
		zap.Duration("duration", time.Since(start)),
	)

	e.mu.Lock()
	delete(e.active, executionID)
	e.lastRuns[wf.ID] = result
	e.mu.Unlock()

	if wf.Settings.PersistHistory && e.history != nil {
		if err := e.history.SaveExecution(context.Background(), result.State, result.Results); err != nil {
			e.logger.Error("persisting execution history failed",
				zap.String("execution_id", executionID),
				zap.Error(err),
			)
		}
	}

	if result.State.Status == types.RunStatusError && r.failErr != nil {
		return result, r.failErr
	}
	return result, nil
}

func (e *Engine) findTrigger(wf *types.Workflow) (string, error) {
	var found string
	for i := range wf.Nodes {
		def, ok := e.registry.Get(wf.Nodes[i].Type)
		if !ok || def.Capability != registry.CapabilityTrigger {
			continue
		}
		if found != "" {
			return "", types.NewError(types.ErrKindValidation,
				"workflow has multiple trigger nodes, a seed node id is required")
		}
		found = wf.Nodes[i].ID
	}
	if found == "" {
		return "", types.NewError(types.ErrKindValidation, "workflow has no trigger node")
	}
	return found, nil
}

// Cancel requests cooperative cancellation of a running execution.
func (e *Engine) Cancel(executionID string) bool {
	e.mu.Lock()
	r, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	r.requestCancel()
	return true
}

// Pause holds back dispatch of further ready nodes; in-flight nodes
// complete normally.
func (e *Engine) Pause(executionID string) bool {
	e.mu.Lock()
	r, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	r.requestPause(true)
	return true
}

// Resume releases a paused execution.
func (e *Engine) Resume(executionID string) bool {
	e.mu.Lock()
	r, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	r.requestPause(false)
	return true
}

// ActiveTracker exposes the tracker of a running execution for live
// subscription.
func (e *Engine) ActiveTracker(executionID string) (*Tracker, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.active[executionID]
	if !ok {
		return nil, false
	}
	return r.tracker, true
}

// LastRun returns the cached result of the most recent run of a
// workflow, which single-node re-testing uses as synthetic input.
func (e *Engine) LastRun(workflowID string) (*RunResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.lastRuns[workflowID]
	return res, ok
}

// executeNodeOnce builds the node context and invokes the execute
// function, honoring the node's retry settings. A failed execute leaves
// no partial writes behind in engine-owned state: results only land via
// the returned values.
func (e *Engine) executeNodeOnce(
	ctx context.Context,
	node *types.WorkflowNode,
	def *registry.NodeDefinition,
	inputs map[string]types.Batch,
	nodeOutput func(string) (types.Item, bool),
	vars, local map[string]any,
) (data []types.Batch, attempts int, err error) {
	nodeCtx, span := e.tracer.Start(ctx, "node.execute",
		trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("node.type", node.Type),
		),
	)
	defer span.End()

	maxAttempts := 1 + node.MaxRetries
	for attempts = 1; attempts <= maxAttempts; attempts++ {
		if nodeCtx.Err() != nil {
			return nil, attempts, context.Cause(nodeCtx)
		}

		nc := newNodeContext(node, def, inputs, nodeOutput, vars, local, e.creds, e.helpers, e.logger)
		data, err = def.Execute(nodeCtx, nc)
		if err == nil {
			if data == nil {
				data = []types.Batch{}
			}
			return data, attempts, nil
		}
		if errors.Is(err, context.Canceled) || !retryWorthwhile(err) || attempts == maxAttempts {
			break
		}

		delay := node.RetryDelay
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-nodeCtx.Done():
				return nil, attempts, context.Cause(nodeCtx)
			}
		}
		e.logger.Debug("retrying node execution",
			zap.String("node_id", node.ID),
			zap.Int("attempt", attempts+1),
		)
	}

	var typed *types.Error
	if errors.As(err, &typed) {
		if typed.NodeID == "" {
			// Attribute on a copy: the execute function may have returned
			// a shared sentinel value.
			attributed := *typed
			attributed.NodeID = node.ID
			return nil, attempts, &attributed
		}
		return nil, attempts, typed
	}
	return nil, attempts, types.Errorf(types.ErrKindRuntime, "node %q failed", node.ID).
		WithNode(node.ID).WithCause(err)
}

// retryWorthwhile excludes failures that can never succeed on a retry.
// Timeouts are deliberately not auto-retried.
func retryWorthwhile(err error) bool {
	switch types.KindOf(err) {
	case types.ErrKindValidation, types.ErrKindSecurity, types.ErrKindTimeout, types.ErrKindScheduling:
		return false
	}
	return true
}
