package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/creditx/platform-core/internal/domain/agent"
	"github.com/creditx/platform-core/internal/domain/event"
	"github.com/creditx/platform-core/internal/domain/task"
)

const (
	// StreamHITL carries approval requests for humans.
	StreamHITL = "agent-hitl"
	// StreamHITLResponse carries approval decisions.
	StreamHITLResponse = "agent-hitl-response"
	// StreamTasks carries task lifecycle events.
	StreamTasks = "agent-tasks"

	hitlKeyPrefix   = "hitl:"
	inputSummaryMax = 500
)

// Publisher appends events to a stream.
type Publisher interface {
	Publish(ctx context.Context, stream string, e *event.Event, maxLen int64) (string, error)
}

// TaskCache persists paused tasks between submission and approval.
type TaskCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool
	Delete(ctx context.Context, key string) bool
}

// Config holds orchestrator settings.
type Config struct {
	ApprovalTTL  time.Duration
	StreamMaxLen int64
}

// Orchestrator routes task submissions to registered agent handlers,
// enforcing face visibility and the approval gate for high-risk agents.
type Orchestrator struct {
	cfg      Config
	registry agent.ConfigRepository
	bus      Publisher
	cache    TaskCache
	logger   zerolog.Logger

	mu       sync.RWMutex
	configs  map[string]*agent.Config
	handlers map[string]agent.Handler
}

// New creates an orchestrator. Handlers are registered separately and
// configurations loaded with Initialize.
func New(registry agent.ConfigRepository, bus Publisher, cache TaskCache, cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = time.Hour
	}
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = 10000
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		cache:    cache,
		logger:   logger.With().Str("service", "orchestrator").Logger(),
		configs:  make(map[string]*agent.Config),
		handlers: make(map[string]agent.Handler),
	}
}

// RegisterHandler binds an implementation to an agent id. A handler without
// an active registry row stays invisible to callers.
func (o *Orchestrator) RegisterHandler(agentID string, h agent.Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[agentID] = h
}

// Initialize loads active agent configurations from the registry, replacing
// the in-memory set wholesale.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	configs, err := o.registry.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("load agent registry: %w", err)
	}
	next := make(map[string]*agent.Config, len(configs))
	for _, c := range configs {
		next[c.AgentID] = c
	}
	o.mu.Lock()
	o.configs = next
	o.mu.Unlock()
	o.logger.Info().Int("agents", len(next)).Msg("loaded agent configurations")
	return nil
}

// ListAvailable returns active configurations visible to the face.
func (o *Orchestrator) ListAvailable(face agent.Face) []*agent.Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*agent.Config, 0)
	for _, c := range o.configs {
		if c.Active() && c.VisibleTo(face) {
			out = append(out, c)
		}
	}
	return out
}

func (o *Orchestrator) lookup(agentID string) (*agent.Config, agent.Handler, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	cfg, ok := o.configs[agentID]
	if !ok || !cfg.Active() {
		return nil, nil, agent.ErrAgentNotFound
	}
	h, ok := o.handlers[agentID]
	if !ok {
		return nil, nil, agent.ErrAgentNotFound
	}
	return cfg, h, nil
}

// Submit runs the task workflow for one submission: validate, gate on
// approval for high-risk agents, execute, finalize. A task that pauses at the
// approval gate is returned in waiting_approval with nothing executed.
// Validation and guard rejections fail the task, not the call.
func (o *Orchestrator) Submit(ctx context.Context, agentID, tenantID, requesterID string, face agent.Face, input json.RawMessage, taskCtx map[string]interface{}) (*task.Task, error) {
	cfg, handler, err := o.lookup(agentID)
	if err != nil {
		return nil, err
	}
	if !cfg.VisibleTo(face) {
		return nil, fmt.Errorf("%w: %s from %s", agent.ErrAccessDenied, agentID, face)
	}

	t := task.New(agentID, tenantID, requesterID, face, input, taskCtx)
	_ = t.Transition(task.StatusValidating)

	if err := handler.Validate(ctx, input); err != nil {
		t.Error = err.Error()
		o.finalize(ctx, t)
		return t, nil
	}

	guard := guardExpression(cfg)
	if guard != "" {
		ok, err := EvaluateGuard(guard, input, taskCtx)
		if err != nil {
			t.Error = fmt.Sprintf("guard evaluation failed: %v", err)
			o.finalize(ctx, t)
			return t, nil
		}
		if !ok {
			t.Error = "guard rejected input"
			o.finalize(ctx, t)
			return t, nil
		}
	}

	if cfg.RequiresApproval() {
		return o.pause(ctx, t, cfg)
	}

	o.execute(ctx, t, handler)
	o.finalize(ctx, t)
	return t, nil
}

// pause parks the task in the cache and asks a human for a decision.
func (o *Orchestrator) pause(ctx context.Context, t *task.Task, cfg *agent.Config) (*task.Task, error) {
	t.HITLRequired = true
	if err := t.Transition(task.StatusWaitingApproval); err != nil {
		return nil, err
	}

	data, err := t.Marshal()
	if err != nil {
		return nil, fmt.Errorf("serialize paused task: %w", err)
	}
	if !o.cache.Set(ctx, hitlKeyPrefix+t.TaskID, data, o.cfg.ApprovalTTL) {
		return nil, fmt.Errorf("persist paused task %s", t.TaskID)
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"task_id":       t.TaskID,
		"agent_id":      cfg.AgentID,
		"agent_name":    cfg.Name,
		"risk_level":    cfg.RiskLevel,
		"input_summary": summarize(t.Input),
	})
	e := event.New(event.TypeNotificationRequested, payload)
	e.TenantID = t.TenantID
	if _, err := o.bus.Publish(ctx, StreamHITL, e, o.cfg.StreamMaxLen); err != nil {
		o.logger.Error().Err(err).Str("task_id", t.TaskID).Msg("publish approval request failed")
	}

	o.logger.Info().
		Str("task_id", t.TaskID).
		Str("agent_id", cfg.AgentID).
		Str("risk_level", string(cfg.RiskLevel)).
		Msg("approval required")
	return t, nil
}

// ResolveApproval applies a human decision to a paused task. Returns false
// when no pending approval exists for the id, including after the entry
// expired or a decision was already applied.
func (o *Orchestrator) ResolveApproval(ctx context.Context, taskID string, approved bool, note string) (bool, error) {
	key := hitlKeyPrefix + taskID
	data, ok := o.cache.Get(ctx, key)
	if !ok {
		return false, nil
	}

	t, err := task.Unmarshal(data)
	if err != nil {
		return false, fmt.Errorf("rehydrate task %s: %w", taskID, err)
	}
	if err := t.ResolveApproval(approved, note); err != nil {
		return false, nil
	}
	o.cache.Delete(ctx, key)

	payload, _ := json.Marshal(map[string]interface{}{
		"task_id":  taskID,
		"approved": approved,
		"response": note,
	})
	e := event.New(event.TypeAgentTaskCompleted, payload)
	e.TenantID = t.TenantID
	if _, err := o.bus.Publish(ctx, StreamHITLResponse, e, o.cfg.StreamMaxLen); err != nil {
		o.logger.Error().Err(err).Str("task_id", taskID).Msg("publish approval decision failed")
	}

	if !approved {
		t.Error = "approval rejected"
		if note != "" {
			t.Error = "approval rejected: " + note
		}
		o.finalize(ctx, t)
		return true, nil
	}

	_, handler, err := o.lookup(t.AgentID)
	if err != nil {
		t.Error = fmt.Sprintf("agent no longer available: %s", t.AgentID)
		o.finalize(ctx, t)
		return true, nil
	}

	o.execute(ctx, t, handler)
	o.finalize(ctx, t)
	return true, nil
}

func (o *Orchestrator) execute(ctx context.Context, t *task.Task, handler agent.Handler) {
	if err := t.Transition(task.StatusExecuting); err != nil {
		t.Error = err.Error()
		return
	}
	output, err := handler.Execute(ctx, agent.State{
		TaskID:      t.TaskID,
		AgentID:     t.AgentID,
		TenantID:    t.TenantID,
		RequesterID: t.RequesterID,
		Face:        t.Face,
		Input:       t.Input,
		Context:     t.Context,
	})
	if err != nil {
		t.Error = err.Error()
		return
	}
	t.Output = output
}

// finalize stamps the terminal status and publishes the lifecycle event.
func (o *Orchestrator) finalize(ctx context.Context, t *task.Task) {
	t.Finalize()

	eventType := event.TypeAgentTaskCompleted
	if t.Status == task.StatusFailed {
		eventType = event.TypeAgentTaskFailed
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"task_id":    t.TaskID,
		"agent_id":   t.AgentID,
		"status":     t.Status,
		"has_output": len(t.Output) > 0,
	})
	e := event.New(eventType, payload)
	e.TenantID = t.TenantID
	if _, err := o.bus.Publish(ctx, StreamTasks, e, o.cfg.StreamMaxLen); err != nil {
		o.logger.Error().Err(err).Str("task_id", t.TaskID).Msg("publish task event failed")
	}

	log := o.logger.Info()
	if t.Status == task.StatusFailed {
		log = o.logger.Warn().Str("error", t.Error)
	}
	log.Str("task_id", t.TaskID).Str("agent_id", t.AgentID).Str("status", string(t.Status)).Msg("task finalized")
}

func guardExpression(cfg *agent.Config) string {
	if len(cfg.Config) == 0 {
		return ""
	}
	var raw struct {
		Guard string `json:"guard"`
	}
	if err := json.Unmarshal(cfg.Config, &raw); err != nil {
		return ""
	}
	return raw.Guard
}

func summarize(input json.RawMessage) string {
	s := string(input)
	if len(s) <= inputSummaryMax {
		return s
	}
	// Back up to a rune boundary so the summary stays valid UTF-8.
	cut := inputSummaryMax
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
