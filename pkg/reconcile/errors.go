package reconcile

import (
	"fmt"

	"github.com/snopsgo/snops/pkg/ids"
)

// BatchReconcileError aggregates every per-agent failure from one
// ReconcileAgents call, which returns only after every dispatch has
// either succeeded or failed.
type BatchReconcileError struct {
	Failures []AgentFailure
}

// AgentFailure records why one agent's reconcile failed.
type AgentFailure struct {
	Agent  ids.AgentID
	Reason string
}

func (e *BatchReconcileError) Error() string {
	return fmt.Sprintf("reconcile: %d of the batch failed", len(e.Failures))
}

// NotConnectedError is the failure reason recorded when an assignment
// targets an agent that isn't currently Connected.
type NotConnectedError struct {
	Agent ids.AgentID
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("reconcile: agent %q is not connected", e.Agent)
}
