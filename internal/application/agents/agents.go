// Package agents holds the built-in agent implementations. Each handler is a
// deterministic workflow body; the orchestrator owns validation ordering, the
// approval gate, and lifecycle events.
package agents

import (
	"strings"

	"github.com/google/uuid"

	"github.com/creditx/platform-core/internal/application/orchestrator"
)

// Register binds every built-in handler to its registry agent id.
func Register(o *orchestrator.Orchestrator) {
	o.RegisterHandler("risk.remediation.v1", &Remediation{})
	o.RegisterHandler("risk.threat_intel.v1", &ThreatIntel{})
	o.RegisterHandler("cross.explainer.v1", &Explainer{})
	o.RegisterHandler("cross.notification.v1", &Notification{})
}

func shortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
