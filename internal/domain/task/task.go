package task

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/creditx/platform-core/internal/domain/agent"
)

// Status represents task status.
type Status string

const (
	StatusCreated         Status = "created"
	StatusValidating      Status = "validating"
	StatusWaitingApproval Status = "waiting_approval"
	StatusExecuting       Status = "executing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

var (
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrAlreadyResolved   = errors.New("approval already resolved")
)

// Task is one execution of an agent. Created on submission, mutated only by
// the state-machine transitions, persisted to the cache only while paused
// awaiting approval.
type Task struct {
	TaskID       string                 `json:"taskId"`
	AgentID      string                 `json:"agentId"`
	TenantID     string                 `json:"tenantId,omitempty"`
	RequesterID  string                 `json:"requesterId,omitempty"`
	Face         agent.Face             `json:"face"`
	Input        json.RawMessage        `json:"input"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Status       Status                 `json:"status"`
	Output       json.RawMessage        `json:"output,omitempty"`
	Error        string                 `json:"error,omitempty"`
	HITLRequired bool                   `json:"hitlRequired"`
	HITLApproved *bool                  `json:"hitlApproved,omitempty"`
	HITLNote     string                 `json:"hitlNote,omitempty"`
	StartedAt    time.Time              `json:"startedAt"`
	CompletedAt  *time.Time             `json:"completedAt,omitempty"`
}

// New creates a task in the created state with a fresh id.
func New(agentID, tenantID, requesterID string, face agent.Face, input json.RawMessage, context map[string]interface{}) *Task {
	return &Task{
		TaskID:      uuid.NewString(),
		AgentID:     agentID,
		TenantID:    tenantID,
		RequesterID: requesterID,
		Face:        face,
		Input:       input,
		Context:     context,
		Status:      StatusCreated,
		StartedAt:   time.Now().UTC(),
	}
}

// CanTransitionTo validates a status transition.
func (t *Task) CanTransitionTo(target Status) bool {
	transitions := map[Status][]Status{
		StatusCreated:         {StatusValidating},
		StatusValidating:      {StatusWaitingApproval, StatusExecuting, StatusFailed},
		StatusWaitingApproval: {StatusExecuting, StatusFailed},
		StatusExecuting:       {StatusCompleted, StatusFailed},
		StatusCompleted:       {},
		StatusFailed:          {},
	}
	for _, s := range transitions[t.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// Transition moves the task to the target status.
func (t *Task) Transition(target Status) error {
	if !t.CanTransitionTo(target) {
		return ErrInvalidTransition
	}
	t.Status = target
	return nil
}

// Terminal reports whether the task reached a final state.
func (t *Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// ResolveApproval records the human decision exactly once. A second
// resolution fails with ErrAlreadyResolved; a task never re-enters
// waiting_approval after leaving it.
func (t *Task) ResolveApproval(approved bool, note string) error {
	if t.HITLApproved != nil {
		return ErrAlreadyResolved
	}
	t.HITLApproved = &approved
	t.HITLNote = note
	return nil
}

// Finalize stamps completion time and settles the terminal status from the
// recorded error, if any.
func (t *Task) Finalize() {
	now := time.Now().UTC()
	t.CompletedAt = &now
	if t.Error != "" {
		t.Status = StatusFailed
	} else {
		t.Status = StatusCompleted
	}
}

// Marshal serializes the task for cache persistence while paused.
func (t *Task) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// Unmarshal rehydrates a task from its serialized form.
func Unmarshal(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
