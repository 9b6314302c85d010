package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Tier classifies an agent by authority level.
type Tier string

const (
	TierAssistant  Tier = "assistant"
	TierOperator   Tier = "operator"
	TierAmbassador Tier = "ambassador"
)

// RiskLevel determines whether human approval gates execution.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Face is the visibility class of a caller.
type Face string

const (
	FaceConsumer Face = "consumer"
	FacePartner  Face = "partner"
	FaceInternal Face = "internal"
)

// Engine is the domain grouping of an agent. Metadata only.
type Engine string

const (
	EngineOutcome       Engine = "outcome"
	EngineRightsTrust   Engine = "rights_trust"
	EngineRiskSecurity  Engine = "risk_security"
	EngineMarketCapital Engine = "market_capital"
	EngineCross         Engine = "cross"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAccessDenied  = errors.New("agent not accessible from face")
)

// ValidationError marks a policy violation in submitted input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid input: field %q %s", e.Field, e.Reason)
	}
	return "invalid input: " + e.Reason
}

// NewValidationError reports a missing or malformed input field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError reports whether err is a validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Config is the static description of an executable capability, loaded
// wholesale from the registry table. Immutable once loaded.
type Config struct {
	AgentID   string          `json:"agentId"`
	Name      string          `json:"name"`
	Engine    Engine          `json:"engine"`
	Tier      Tier            `json:"tier"`
	Faces     []Face          `json:"faces"`
	RiskLevel RiskLevel       `json:"riskLevel"`
	Status    string          `json:"status"`
	Config    json.RawMessage `json:"config,omitempty"`
	Version   string          `json:"version"`
}

// VisibleTo reports whether a face may invoke the agent.
func (c *Config) VisibleTo(face Face) bool {
	for _, f := range c.Faces {
		if f == face {
			return true
		}
	}
	return false
}

// RequiresApproval reports whether execution must pause for a human decision.
func (c *Config) RequiresApproval() bool {
	return c.RiskLevel == RiskHigh || c.RiskLevel == RiskCritical
}

// Active reports whether the agent may be invoked at all.
func (c *Config) Active() bool {
	return c.Status == "active"
}

// Handler is the fixed capability contract every registered agent implements.
// Validate rejects policy-violating input; Execute produces the agent output.
type Handler interface {
	Validate(ctx context.Context, input json.RawMessage) error
	Execute(ctx context.Context, state State) (json.RawMessage, error)
}

// State is what a handler sees during execution.
type State struct {
	TaskID      string
	AgentID     string
	TenantID    string
	RequesterID string
	Face        Face
	Input       json.RawMessage
	Context     map[string]interface{}
}

// ConfigRepository loads agent configurations from the store.
type ConfigRepository interface {
	LoadActive(ctx context.Context) ([]*Config, error)
}
