package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type is the closed taxonomy of platform events.
type Type string

const (
	TypeDocumentCreated  Type = "document.created"
	TypeDocumentUpdated  Type = "document.updated"
	TypeDocumentApproved Type = "document.approved"
	TypeDocumentRejected Type = "document.rejected"

	TypeThreatDetected  Type = "threat.detected"
	TypeThreatResolved  Type = "threat.resolved"
	TypeThreatEscalated Type = "threat.escalated"

	TypeAgentTaskStarted   Type = "agent.task.started"
	TypeAgentTaskCompleted Type = "agent.task.completed"
	TypeAgentTaskFailed    Type = "agent.task.failed"

	TypeNotificationRequested Type = "notification.requested"
	TypeNotificationSent      Type = "notification.sent"

	TypeWorkflowStarted   Type = "workflow.started"
	TypeWorkflowCompleted Type = "workflow.completed"
	TypeWorkflowFailed    Type = "workflow.failed"
)

// Event is an immutable fact published to the bus. Once published it is never
// mutated, only consumed and acknowledged.
type Event struct {
	EventID       string          `json:"eventId"`
	EventType     Type            `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	SourceService string          `json:"sourceService"`
	TenantID      string          `json:"tenantId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// New creates an event with a fresh id and timestamp.
func New(eventType Type, payload json.RawMessage) *Event {
	return &Event{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// StreamValues converts the event to the flat string form stored in a stream
// entry. Payload and metadata are JSON-encoded.
func (e *Event) StreamValues() map[string]interface{} {
	meta := "{}"
	if len(e.Metadata) > 0 {
		if raw, err := json.Marshal(e.Metadata); err == nil {
			meta = string(raw)
		}
	}
	payload := "{}"
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}
	return map[string]interface{}{
		"event_id":       e.EventID,
		"event_type":     string(e.EventType),
		"payload":        payload,
		"timestamp":      e.Timestamp.Format(time.RFC3339Nano),
		"source_service": e.SourceService,
		"tenant_id":      e.TenantID,
		"correlation_id": e.CorrelationID,
		"metadata":       meta,
	}
}

// FromStreamValues parses an event from stream entry values.
func FromStreamValues(values map[string]interface{}) *Event {
	e := &Event{
		EventID:       str(values["event_id"]),
		EventType:     Type(str(values["event_type"])),
		SourceService: str(values["source_service"]),
		TenantID:      str(values["tenant_id"]),
		CorrelationID: str(values["correlation_id"]),
	}
	if ts, err := time.Parse(time.RFC3339Nano, str(values["timestamp"])); err == nil {
		e.Timestamp = ts
	}
	if raw := str(values["payload"]); raw != "" {
		e.Payload = json.RawMessage(raw)
	}
	if raw := str(values["metadata"]); raw != "" && raw != "{}" {
		var meta map[string]string
		if err := json.Unmarshal([]byte(raw), &meta); err == nil {
			e.Metadata = meta
		}
	}
	return e
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

// PendingEntry describes a delivered-but-unacknowledged stream entry.
type PendingEntry struct {
	MessageID     string        `json:"messageId"`
	Consumer      string        `json:"consumer"`
	Idle          time.Duration `json:"idle"`
	DeliveryCount int64         `json:"deliveryCount"`
}
