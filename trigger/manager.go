// Package trigger binds trigger nodes to their external event sources
// and seeds new runs: manual invocation, webhook delivery, schedule
// firings, and sub-workflow calls.
package trigger

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fluxion-engine/fluxion/engine"
	"github.com/fluxion-engine/fluxion/internal/metrics"
	"github.com/fluxion-engine/fluxion/types"
)

// WorkflowRunner is the engine surface the manager drives. *engine.Engine
// satisfies it.
type WorkflowRunner interface {
	Execute(ctx context.Context, wf *types.Workflow, opts engine.RunOptions) (*engine.RunResult, error)
}

const (
	manualTriggerType   = "core.manualTrigger"
	webhookTriggerType  = "core.webhookTrigger"
	scheduleTriggerType = "core.scheduleTrigger"
	workflowTriggerType = "core.workflowTrigger"
)

// maxSubWorkflowDepth bounds workflow-calls-workflow nesting.
const maxSubWorkflowDepth = 16

type depthKey struct{}

// webhookBinding is one activated webhook trigger.
type webhookBinding struct {
	workflowID string
	nodeID     string
	params     map[string]any
	limiter    *rate.Limiter
}

// Config tunes the manager.
type Config struct {
	// WebhookRate caps deliveries per second per webhook binding; zero
	// disables limiting.
	WebhookRate  float64
	WebhookBurst int
}

// Manager is the trigger activation manager. Activation is explicit:
// only activated workflows receive webhook, schedule, or sub-workflow
// events.
type Manager struct {
	runner  WorkflowRunner
	cfg     Config
	metrics *metrics.Collector
	logger  *zap.Logger

	mu        sync.RWMutex
	workflows map[string]*types.Workflow
	webhooks  map[string]*webhookBinding // "METHOD path" -> binding
	schedules map[string][]string        // workflowID -> schedule node ids
}

// NewManager creates a manager driving the given runner.
func NewManager(runner WorkflowRunner, cfg Config, collector *metrics.Collector, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		runner:    runner,
		cfg:       cfg,
		metrics:   collector,
		logger:    logger.With(zap.String("component", "trigger")),
		workflows: make(map[string]*types.Workflow),
		webhooks:  make(map[string]*webhookBinding),
		schedules: make(map[string][]string),
	}
}

// Activate registers a workflow's trigger nodes with their event
// sources. Re-activating replaces the previous bindings.
func (m *Manager) Activate(wf *types.Workflow) error {
	if wf.ID == "" {
		return types.NewError(types.ErrKindValidation, "workflow has no id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.deactivateLocked(wf.ID)
	m.workflows[wf.ID] = wf

	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if node.Disabled {
			continue
		}
		switch node.Type {
		case webhookTriggerType:
			key, err := webhookKey(node.Parameters)
			if err != nil {
				return err
			}
			if other, exists := m.webhooks[key]; exists && other.workflowID != wf.ID {
				return types.Errorf(types.ErrKindValidation,
					"webhook %s already bound to workflow %s", key, other.workflowID)
			}
			binding := &webhookBinding{workflowID: wf.ID, nodeID: node.ID, params: node.Parameters}
			if m.cfg.WebhookRate > 0 {
				burst := m.cfg.WebhookBurst
				if burst < 1 {
					burst = 1
				}
				binding.limiter = rate.NewLimiter(rate.Limit(m.cfg.WebhookRate), burst)
			}
			m.webhooks[key] = binding
			m.logger.Info("webhook activated",
				zap.String("workflow_id", wf.ID),
				zap.String("binding", key))
		case scheduleTriggerType:
			if cron, _ := node.Parameters["cronExpression"].(string); cron == "" {
				return types.Errorf(types.ErrKindValidation,
					"schedule trigger %s has no cronExpression", node.ID)
			}
			m.schedules[wf.ID] = append(m.schedules[wf.ID], node.ID)
		}
	}
	return nil
}

// Deactivate removes every binding of the workflow.
func (m *Manager) Deactivate(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivateLocked(workflowID)
	delete(m.workflows, workflowID)
}

func (m *Manager) deactivateLocked(workflowID string) {
	for key, b := range m.webhooks {
		if b.workflowID == workflowID {
			delete(m.webhooks, key)
		}
	}
	delete(m.schedules, workflowID)
}

// RunManual starts a run at the workflow's manual trigger. An empty seed
// falls back to the trigger node's pinned data, then to one empty item.
func (m *Manager) RunManual(ctx context.Context, workflowID string, seed types.Batch) (*engine.RunResult, error) {
	wf, err := m.workflow(workflowID)
	if err != nil {
		return nil, err
	}

	var nodeID string
	for i := range wf.Nodes {
		if wf.Nodes[i].Type == manualTriggerType && !wf.Nodes[i].Disabled {
			nodeID = wf.Nodes[i].ID
			break
		}
	}

	if len(seed) == 0 && nodeID != "" {
		seed = wf.NodeByID(nodeID).PinnedData
	}
	return m.runner.Execute(ctx, wf, engine.RunOptions{SeedNodeID: nodeID, Seed: seed})
}

// WebhookRequest is one inbound delivery from the webhook ingress
// collaborator.
type WebhookRequest struct {
	Method  string
	Path    string
	Headers map[string]string
	Query   map[string]string
	Body    any
}

// HandleWebhook matches a delivery against the activated webhook
// bindings, validates authentication, and starts a run seeded with the
// request payload. Rejected deliveries create no execution state.
func (m *Manager) HandleWebhook(ctx context.Context, req WebhookRequest) (*engine.RunResult, error) {
	key := strings.ToUpper(req.Method) + " " + req.Path
	m.mu.RLock()
	binding, ok := m.webhooks[key]
	var wf *types.Workflow
	if ok {
		wf = m.workflows[binding.workflowID]
	}
	m.mu.RUnlock()

	if !ok || wf == nil {
		m.reject("not_found")
		return nil, types.Errorf(types.ErrKindValidation, "no webhook bound to %s", key)
	}

	if binding.limiter != nil && !binding.limiter.Allow() {
		m.reject("rate_limited")
		return nil, types.NewError(types.ErrKindNetwork, "webhook rate limit exceeded").
			WithRetryable(true).WithRetryAfter(time.Second)
	}

	if err := m.authenticate(binding.params, req); err != nil {
		m.reject("auth_failed")
		return nil, err
	}

	seed := types.Batch{{
		"headers": req.Headers,
		"query":   req.Query,
		"body":    req.Body,
	}}
	m.logger.Info("webhook accepted",
		zap.String("workflow_id", binding.workflowID),
		zap.String("binding", key))
	return m.runner.Execute(ctx, wf, engine.RunOptions{SeedNodeID: binding.nodeID, Seed: seed})
}

// FireSchedule starts a run for one activated schedule trigger. The cron
// evaluation happens in the external timer collaborator; this is the
// "fire now" entry point.
func (m *Manager) FireSchedule(ctx context.Context, workflowID, nodeID string, firedAt time.Time) (*engine.RunResult, error) {
	wf, err := m.workflow(workflowID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	ids := m.schedules[workflowID]
	m.mu.RUnlock()
	bound := false
	for _, id := range ids {
		if id == nodeID {
			bound = true
			break
		}
	}
	if !bound {
		return nil, types.Errorf(types.ErrKindValidation,
			"schedule trigger %s is not activated for workflow %s", nodeID, workflowID)
	}

	seed := wf.NodeByID(nodeID).PinnedData
	if len(seed) == 0 {
		seed = types.Batch{{"firedAt": firedAt.UTC().Format(time.RFC3339)}}
	}
	return m.runner.Execute(ctx, wf, engine.RunOptions{SeedNodeID: nodeID, Seed: seed})
}

// CallSubWorkflow runs an activated workflow on behalf of another and
// returns the called run's final output. It satisfies the execute
// workflow node's caller contract.
func (m *Manager) CallSubWorkflow(ctx context.Context, workflowID string, seed types.Batch) (types.Batch, error) {
	depth, _ := ctx.Value(depthKey{}).(int)
	if depth >= maxSubWorkflowDepth {
		return nil, types.Errorf(types.ErrKindScheduling,
			"sub-workflow nesting exceeds depth %d", maxSubWorkflowDepth)
	}
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	wf, err := m.workflow(workflowID)
	if err != nil {
		return nil, err
	}

	var nodeID string
	for i := range wf.Nodes {
		if wf.Nodes[i].Type == workflowTriggerType && !wf.Nodes[i].Disabled {
			nodeID = wf.Nodes[i].ID
			break
		}
	}
	if nodeID == "" {
		return nil, types.Errorf(types.ErrKindValidation,
			"workflow %s has no workflow trigger", workflowID)
	}

	res, err := m.runner.Execute(ctx, wf, engine.RunOptions{SeedNodeID: nodeID, Seed: seed})
	if err != nil {
		return nil, err
	}
	return finalOutput(wf, res), nil
}

// finalOutput is the concatenated data of the workflow's successful
// terminal nodes, the ones with no outgoing connections. Terminal nodes
// that were skipped or produced nothing contribute nothing; a run with
// no successful terminal output yields an empty batch.
func finalOutput(wf *types.Workflow, res *engine.RunResult) types.Batch {
	hasOutgoing := make(map[string]bool, len(wf.Connections))
	for i := range wf.Connections {
		hasOutgoing[wf.Connections[i].SourceNode] = true
	}

	out := types.Batch{}
	for i := range res.Results {
		r := &res.Results[i]
		if hasOutgoing[r.NodeID] || r.Status != types.NodeStatusSuccess {
			continue
		}
		for _, b := range r.Data {
			out = append(out, b...)
		}
	}
	return out
}

func (m *Manager) workflow(id string) (*types.Workflow, error) {
	m.mu.RLock()
	wf, ok := m.workflows[id]
	m.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrKindValidation, "workflow %s is not activated", id)
	}
	return wf, nil
}

func (m *Manager) reject(reason string) {
	if m.metrics != nil {
		m.metrics.WebhookRejected(reason)
	}
	m.logger.Warn("webhook rejected", zap.String("reason", reason))
}

func webhookKey(params map[string]any) (string, error) {
	path, _ := params["path"].(string)
	if path == "" {
		return "", types.NewError(types.ErrKindValidation, "webhook trigger has no path")
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	method, _ := params["httpMethod"].(string)
	if method == "" {
		method = "POST"
	}
	return strings.ToUpper(method) + " " + path, nil
}

// authenticate validates a delivery against the binding's auth mode.
// Every failure is a security error carrying no credential material.
func (m *Manager) authenticate(params map[string]any, req WebhookRequest) error {
	mode, _ := params["authMode"].(string)
	switch mode {
	case "", "none":
		return nil
	case "header":
		name, _ := params["headerName"].(string)
		want, _ := params["headerValue"].(string)
		if name == "" || headerValue(req.Headers, name) != want {
			return types.NewError(types.ErrKindSecurity, "webhook header authentication failed")
		}
		return nil
	case "query":
		name, _ := params["queryName"].(string)
		want, _ := params["queryValue"].(string)
		if name == "" || req.Query[name] != want {
			return types.NewError(types.ErrKindSecurity, "webhook query authentication failed")
		}
		return nil
	case "basic":
		user, _ := params["user"].(string)
		password, _ := params["password"].(string)
		got := headerValue(req.Headers, "Authorization")
		if !strings.HasPrefix(got, "Basic ") {
			return types.NewError(types.ErrKindSecurity, "webhook basic authentication failed")
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(got, "Basic "))
		if err != nil || string(decoded) != user+":"+password {
			return types.NewError(types.ErrKindSecurity, "webhook basic authentication failed")
		}
		return nil
	case "jwt":
		secret, _ := params["jwtSecret"].(string)
		raw := strings.TrimPrefix(headerValue(req.Headers, "Authorization"), "Bearer ")
		if secret == "" || raw == "" {
			return types.NewError(types.ErrKindSecurity, "webhook jwt authentication failed")
		}
		_, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, types.Errorf(types.ErrKindSecurity,
					"unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil {
			return types.NewError(types.ErrKindSecurity, "webhook jwt authentication failed").WithCause(err)
		}
		return nil
	default:
		return types.Errorf(types.ErrKindValidation, "unknown webhook auth mode %q", mode)
	}
}

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
