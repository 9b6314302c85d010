package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creditx/platform-core/internal/domain/agent"
	"github.com/creditx/platform-core/internal/domain/event"
	"github.com/creditx/platform-core/internal/domain/task"
)

type fakeRegistry struct {
	configs []*agent.Config
	err     error
}

func (r *fakeRegistry) LoadActive(ctx context.Context) ([]*agent.Config, error) {
	return r.configs, r.err
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string][]*event.Event
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: make(map[string][]*event.Event)}
}

func (b *fakeBus) Publish(ctx context.Context, stream string, e *event.Event, maxLen int64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[stream] = append(b.published[stream], e)
	return "1-0", nil
}

func (b *fakeBus) events(stream string) []*event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[stream]
}

type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return true
}

func (c *fakeCache) Delete(ctx context.Context, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return true
}

type stubHandler struct {
	validate func(ctx context.Context, input json.RawMessage) error
	execute  func(ctx context.Context, state agent.State) (json.RawMessage, error)
	calls    int
}

func (h *stubHandler) Validate(ctx context.Context, input json.RawMessage) error {
	if h.validate != nil {
		return h.validate(ctx, input)
	}
	return nil
}

func (h *stubHandler) Execute(ctx context.Context, state agent.State) (json.RawMessage, error) {
	h.calls++
	if h.execute != nil {
		return h.execute(ctx, state)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func activeConfig(agentID string, risk agent.RiskLevel, faces ...agent.Face) *agent.Config {
	if len(faces) == 0 {
		faces = []agent.Face{agent.FaceInternal}
	}
	return &agent.Config{
		AgentID:   agentID,
		Name:      agentID,
		Engine:    agent.EngineCross,
		Tier:      agent.TierOperator,
		Faces:     faces,
		RiskLevel: risk,
		Status:    "active",
		Version:   "1.0.0",
	}
}

func newTestOrchestrator(t *testing.T, configs []*agent.Config) (*Orchestrator, *fakeBus, *fakeCache) {
	t.Helper()
	bus := newFakeBus()
	cache := newFakeCache()
	o := New(&fakeRegistry{configs: configs}, bus, cache, Config{}, zerolog.Nop())
	require.NoError(t, o.Initialize(context.Background()))
	return o, bus, cache
}

func TestOrchestrator_SubmitLowRisk(t *testing.T) {
	ctx := context.Background()
	o, bus, cache := newTestOrchestrator(t, []*agent.Config{
		activeConfig("cross.explainer.v1", agent.RiskLow, agent.FaceConsumer, agent.FacePartner, agent.FaceInternal),
	})
	h := &stubHandler{}
	o.RegisterHandler("cross.explainer.v1", h)

	tk, err := o.Submit(ctx, "cross.explainer.v1", "acme", "u1", agent.FaceConsumer, json.RawMessage(`{"topic":"limits"}`), nil)
	require.NoError(t, err)

	assert.Equal(t, task.StatusCompleted, tk.Status)
	assert.False(t, tk.HITLRequired)
	assert.JSONEq(t, `{"ok":true}`, string(tk.Output))
	assert.NotNil(t, tk.CompletedAt)
	assert.Equal(t, 1, h.calls)

	// Nothing parked, nothing asked of a human.
	_, ok := cache.Get(ctx, hitlKeyPrefix+tk.TaskID)
	assert.False(t, ok)
	assert.Empty(t, bus.events(StreamHITL))

	events := bus.events(StreamTasks)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeAgentTaskCompleted, events[0].EventType)
	assert.Equal(t, "acme", events[0].TenantID)
}

func TestOrchestrator_SubmitUnknownAgent(t *testing.T) {
	o, bus, _ := newTestOrchestrator(t, nil)

	_, err := o.Submit(context.Background(), "nope.v1", "", "", agent.FaceInternal, nil, nil)
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)
	assert.Empty(t, bus.events(StreamTasks))
	assert.Empty(t, bus.events(StreamHITL))
}

func TestOrchestrator_SubmitFaceDenied(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, []*agent.Config{
		activeConfig("risk.threat_intel.v1", agent.RiskHigh, agent.FaceInternal),
	})
	o.RegisterHandler("risk.threat_intel.v1", &stubHandler{})

	_, err := o.Submit(context.Background(), "risk.threat_intel.v1", "", "", agent.FaceConsumer, nil, nil)
	assert.ErrorIs(t, err, agent.ErrAccessDenied)
}

func TestOrchestrator_SubmitValidationFailure(t *testing.T) {
	o, bus, _ := newTestOrchestrator(t, []*agent.Config{
		activeConfig("cross.notification.v1", agent.RiskLow),
	})
	h := &stubHandler{
		validate: func(ctx context.Context, input json.RawMessage) error {
			return agent.NewValidationError("recipient", "is required")
		},
	}
	o.RegisterHandler("cross.notification.v1", h)

	tk, err := o.Submit(context.Background(), "cross.notification.v1", "", "", agent.FaceInternal, json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Contains(t, tk.Error, "recipient")
	assert.Equal(t, 0, h.calls)

	events := bus.events(StreamTasks)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeAgentTaskFailed, events[0].EventType)
}

func TestOrchestrator_SubmitGuardRejected(t *testing.T) {
	cfg := activeConfig("cross.orchestration.v1", agent.RiskMedium)
	cfg.Config = json.RawMessage(`{"guard":"amount <= 1000"}`)
	o, _, _ := newTestOrchestrator(t, []*agent.Config{cfg})
	h := &stubHandler{}
	o.RegisterHandler("cross.orchestration.v1", h)

	tk, err := o.Submit(context.Background(), "cross.orchestration.v1", "", "", agent.FaceInternal, json.RawMessage(`{"amount":5000}`), nil)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Contains(t, tk.Error, "guard")
	assert.Equal(t, 0, h.calls)

	tk, err = o.Submit(context.Background(), "cross.orchestration.v1", "", "", agent.FaceInternal, json.RawMessage(`{"amount":200}`), nil)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, tk.Status)
}

func TestOrchestrator_SubmitHighRiskPauses(t *testing.T) {
	ctx := context.Background()
	o, bus, cache := newTestOrchestrator(t, []*agent.Config{
		activeConfig("risk.remediation.v1", agent.RiskHigh),
	})
	h := &stubHandler{}
	o.RegisterHandler("risk.remediation.v1", h)

	tk, err := o.Submit(ctx, "risk.remediation.v1", "acme", "u1", agent.FaceInternal, json.RawMessage(`{"incident_id":"inc-9"}`), nil)
	require.NoError(t, err)

	assert.Equal(t, task.StatusWaitingApproval, tk.Status)
	assert.True(t, tk.HITLRequired)
	assert.Nil(t, tk.HITLApproved)
	assert.Equal(t, 0, h.calls)

	data, ok := cache.Get(ctx, hitlKeyPrefix+tk.TaskID)
	require.True(t, ok)
	parked, err := task.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, task.StatusWaitingApproval, parked.Status)

	requests := bus.events(StreamHITL)
	require.Len(t, requests, 1)
	assert.Equal(t, event.TypeNotificationRequested, requests[0].EventType)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(requests[0].Payload, &payload))
	assert.Equal(t, tk.TaskID, payload["task_id"])
	assert.Equal(t, "high", payload["risk_level"])

	assert.Empty(t, bus.events(StreamTasks))
}

func TestOrchestrator_ResolveApprovalApproved(t *testing.T) {
	ctx := context.Background()
	o, bus, cache := newTestOrchestrator(t, []*agent.Config{
		activeConfig("risk.remediation.v1", agent.RiskHigh),
	})
	h := &stubHandler{
		execute: func(ctx context.Context, state agent.State) (json.RawMessage, error) {
			return json.RawMessage(`{"remediated":true}`), nil
		},
	}
	o.RegisterHandler("risk.remediation.v1", h)

	tk, err := o.Submit(ctx, "risk.remediation.v1", "acme", "u1", agent.FaceInternal, json.RawMessage(`{"incident_id":"inc-9"}`), nil)
	require.NoError(t, err)
	require.Equal(t, task.StatusWaitingApproval, tk.Status)

	resolved, err := o.ResolveApproval(ctx, tk.TaskID, true, "looks fine")
	require.NoError(t, err)
	assert.True(t, resolved)
	assert.Equal(t, 1, h.calls)

	_, ok := cache.Get(ctx, hitlKeyPrefix+tk.TaskID)
	assert.False(t, ok)

	decisions := bus.events(StreamHITLResponse)
	require.Len(t, decisions, 1)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(decisions[0].Payload, &payload))
	assert.Equal(t, true, payload["approved"])

	lifecycle := bus.events(StreamTasks)
	require.Len(t, lifecycle, 1)
	assert.Equal(t, event.TypeAgentTaskCompleted, lifecycle[0].EventType)

	// The decision is single-shot.
	resolved, err = o.ResolveApproval(ctx, tk.TaskID, false, "")
	require.NoError(t, err)
	assert.False(t, resolved)
	assert.Equal(t, 1, h.calls)
}

func TestOrchestrator_ResolveApprovalRejected(t *testing.T) {
	ctx := context.Background()
	o, bus, _ := newTestOrchestrator(t, []*agent.Config{
		activeConfig("risk.remediation.v1", agent.RiskHigh),
	})
	h := &stubHandler{}
	o.RegisterHandler("risk.remediation.v1", h)

	tk, err := o.Submit(ctx, "risk.remediation.v1", "", "", agent.FaceInternal, json.RawMessage(`{"incident_id":"inc-9"}`), nil)
	require.NoError(t, err)

	resolved, err := o.ResolveApproval(ctx, tk.TaskID, false, "too risky")
	require.NoError(t, err)
	assert.True(t, resolved)
	assert.Equal(t, 0, h.calls)

	lifecycle := bus.events(StreamTasks)
	require.Len(t, lifecycle, 1)
	assert.Equal(t, event.TypeAgentTaskFailed, lifecycle[0].EventType)
}

func TestOrchestrator_ResolveApprovalUnknownTask(t *testing.T) {
	o, bus, _ := newTestOrchestrator(t, nil)

	resolved, err := o.ResolveApproval(context.Background(), "missing-task", true, "")
	require.NoError(t, err)
	assert.False(t, resolved)
	assert.Empty(t, bus.events(StreamHITLResponse))
}

func TestOrchestrator_ListAvailable(t *testing.T) {
	inactive := activeConfig("cross.recovery.v1", agent.RiskLow, agent.FaceConsumer)
	inactive.Status = "disabled"
	o, _, _ := newTestOrchestrator(t, []*agent.Config{
		activeConfig("cross.explainer.v1", agent.RiskLow, agent.FaceConsumer, agent.FaceInternal),
		activeConfig("risk.threat_intel.v1", agent.RiskHigh, agent.FaceInternal),
		inactive,
	})

	consumer := o.ListAvailable(agent.FaceConsumer)
	require.Len(t, consumer, 1)
	assert.Equal(t, "cross.explainer.v1", consumer[0].AgentID)

	internal := o.ListAvailable(agent.FaceInternal)
	assert.Len(t, internal, 2)
}

func TestOrchestrator_InitializeError(t *testing.T) {
	o := New(&fakeRegistry{err: errors.New("db down")}, newFakeBus(), newFakeCache(), Config{}, zerolog.Nop())
	assert.Error(t, o.Initialize(context.Background()))
}

func TestSummarize_RuneBoundary(t *testing.T) {
	t.Run("short input passes through", func(t *testing.T) {
		in := json.RawMessage(`{"q":"héllo"}`)
		assert.Equal(t, string(in), summarize(in))
	})

	t.Run("truncation never splits a rune", func(t *testing.T) {
		// Multibyte runes straddle the cutoff regardless of alignment.
		in := json.RawMessage(`{"q":"` + strings.Repeat("智能体", 100) + `"}`)
		got := summarize(in)
		assert.True(t, utf8.ValidString(got))
		assert.LessOrEqual(t, len(got), 500)
		assert.Greater(t, len(got), 490)
	})
}
