// Package registry implements the agent registry: per-agent
// liveness, addresses, flags, current/target state and claim, backed
// durably by pkg/store.
package registry

import (
	"context"
	"time"

	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/ids"
)

// LivenessKind discriminates whether an agent currently holds a live
// RPC handle or was last seen some time ago.
type LivenessKind int

const (
	LivenessConnected LivenessKind = iota
	LivenessDisconnected
)

// RPCHandle is the live connection a Connected agent is reachable
// through. It is never persisted: only its presence/absence and the
// disconnected timestamp survive a restart. CallAgentService is structurally
// satisfied by *rpc.Conn without an explicit import, keeping this
// package decoupled from pkg/rpc.
type RPCHandle interface {
	Close(reason string) error
	CallAgentService(ctx context.Context, method string, body any, out any) error
}

// Liveness tracks whether an agent currently holds a live RPC handle.
type Liveness struct {
	Kind     LivenessKind
	Handle   RPCHandle `json:"-"`
	Since    time.Time
	LastSeen time.Time
}

func ConnectedLiveness(handle RPCHandle) Liveness {
	return Liveness{Kind: LivenessConnected, Handle: handle, Since: time.Now()}
}

func DisconnectedLiveness(lastSeen time.Time) Liveness {
	return Liveness{Kind: LivenessDisconnected, LastSeen: lastSeen}
}

// Agent is the durable per-agent record.
// wireAgent is the JSON-stable projection used for persistence and for
// snapshot() callers: it never carries the live RPCHandle.
type Agent struct {
	ID          ids.AgentID
	Flags       agentstate.Flags
	Addrs       agentstate.Addrs
	PortConfig  agentstate.PortConfig
	Liveness    Liveness
	Claim       agentstate.Claim
	Current     agentstate.AgentState
	Target      agentstate.AgentState
	Nonce       uint16
}

// wireAgent is what gets persisted/returned from snapshot; it strips
// the non-persisted Handle field.
type wireAgent struct {
	ID         ids.AgentID          `json:"id"`
	Flags      agentstate.Flags     `json:"flags"`
	Addrs      agentstate.Addrs     `json:"addrs"`
	PortConfig agentstate.PortConfig `json:"port_config"`
	Liveness   wireLiveness         `json:"liveness"`
	Claim      agentstate.Claim     `json:"claim"`
	Current    agentstate.AgentState `json:"current_state"`
	Target     agentstate.AgentState `json:"target_state"`
	Nonce      uint16                `json:"nonce"`
}

type wireLiveness struct {
	Kind     LivenessKind `json:"kind"`
	Since    time.Time    `json:"since,omitempty"`
	LastSeen time.Time    `json:"last_seen,omitempty"`
}

func (a Agent) toWire() wireAgent {
	return wireAgent{
		ID:         a.ID,
		Flags:      a.Flags,
		Addrs:      a.Addrs,
		PortConfig: a.PortConfig,
		Liveness:   wireLiveness{Kind: a.Liveness.Kind, Since: a.Liveness.Since, LastSeen: a.Liveness.LastSeen},
		Claim:      a.Claim,
		Current:    a.Current,
		Target:     a.Target,
		Nonce:      a.Nonce,
	}
}

func (w wireAgent) toAgent(handle RPCHandle) Agent {
	liveness := Liveness{Kind: w.Liveness.Kind, Since: w.Liveness.Since, LastSeen: w.Liveness.LastSeen}
	if w.Liveness.Kind == LivenessConnected {
		liveness.Handle = handle
	}
	return Agent{
		ID:         w.ID,
		Flags:      w.Flags,
		Addrs:      w.Addrs,
		PortConfig: w.PortConfig,
		Liveness:   liveness,
		Claim:      w.Claim,
		Current:    w.Current,
		Target:     w.Target,
		Nonce:      w.Nonce,
	}
}

// Equal reports structural equality ignoring the live handle.
func (a Agent) Equal(other Agent) bool {
	return a.ID == other.ID &&
		a.Nonce == other.Nonce &&
		a.Claim == other.Claim &&
		a.Liveness.Kind == other.Liveness.Kind &&
		a.Current.Equal(other.Current) &&
		a.Target.Equal(other.Target)
}
