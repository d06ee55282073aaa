// Package events implements the event bus: a typed event with
// compositional filters and bounded multi-subscriber fan-out.
package events

import (
	"time"

	"github.com/snopsgo/snops/pkg/ids"
)

// Kind discriminates the event payload.
type Kind string

const (
	KindAgentConnected      Kind = "agent_connected"
	KindAgentDisconnected    Kind = "agent_disconnected"
	KindAgentReconciled      Kind = "agent_reconciled"
	KindAgentReconcileFailed Kind = "agent_reconcile_failed"
	KindEnvApplied           Kind = "env_applied"
	KindEnvDeleted           Kind = "env_deleted"
	KindBlockConfirmed       Kind = "block_confirmed"
	KindCannonStalled        Kind = "cannon_stalled"
	KindCannonResumed        Kind = "cannon_resumed"
	KindEventsLost           Kind = "events_lost"
)

// Event is the typed envelope emitted by producers:
// `{timestamp, agent?, env?, cannon?, node_key?, transaction?, kind}`.
type Event struct {
	Timestamp   time.Time
	Kind        Kind
	Agent       ids.AgentID  // optional
	Env         ids.EnvID    // optional
	Cannon      ids.CannonID // optional
	NodeKey     *ids.NodeKey // optional
	Transaction string       // optional, transaction id as reported by the cannon

	// Reason carries a human-readable detail for failure/stall events
	// (AgentReconcileFailed, CannonStalled).
	Reason string

	// LostCount is set only on a synthetic EventsLost event.
	LostCount int
}
