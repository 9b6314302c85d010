package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/creditx/platform-core/internal/domain/agent"
)

// Explainer explains decisions to all faces.
type Explainer struct{}

type explainerInput struct {
	DecisionID string `json:"decision_id"`
	Topic      string `json:"topic"`
}

func (a *Explainer) Validate(ctx context.Context, input json.RawMessage) error {
	var in explainerInput
	if err := json.Unmarshal(input, &in); err != nil {
		return agent.NewValidationError("input", "must be a JSON object")
	}
	if in.DecisionID == "" && in.Topic == "" {
		return agent.NewValidationError("input", "either decision_id or topic is required")
	}
	return nil
}

func (a *Explainer) Execute(ctx context.Context, state agent.State) (json.RawMessage, error) {
	var in explainerInput
	if err := json.Unmarshal(state.Input, &in); err != nil {
		return nil, err
	}
	topic := in.Topic
	if topic == "" {
		topic = "the decision"
	}

	explanation := fmt.Sprintf("Explanation of %s.", topic)
	if in.DecisionID != "" {
		explanation = fmt.Sprintf("Explanation of decision %s and why it was made.", in.DecisionID)
	}

	return json.Marshal(map[string]interface{}{
		"explanation":  explanation,
		"topic":        topic,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	})
}
