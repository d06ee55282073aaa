package agentstate

import "github.com/snopsgo/snops/pkg/ids"

// PrivateKeyMode discriminates how a node's consensus private key is
// supplied: not needed, generated/held locally by the agent, or passed
// through opaquely as a literal string; keys are never interpreted by
// the control plane.
type PrivateKeyMode string

const (
	PrivateKeyNone    PrivateKeyMode = "none"
	PrivateKeyLocal   PrivateKeyMode = "local"
	PrivateKeyLiteral PrivateKeyMode = "literal"
)

// PrivateKey is the tagged private-key selection for a node.
type PrivateKey struct {
	Mode    PrivateKeyMode `json:"mode"`
	Literal string         `json:"literal,omitempty"`
}

// AgentPeerKind discriminates an AgentPeer's variant.
type AgentPeerKind string

const (
	PeerInternal AgentPeerKind = "internal"
	PeerExternal AgentPeerKind = "external"
)

// AgentPeer is a reference to another node visible from a NodeStateSpec's
// peers/validators lists: either Internal (resolved from an AgentID at
// dispatch time via the address resolver) or External (a literal,
// already-known socket address).
type AgentPeer struct {
	Kind AgentPeerKind `json:"kind"`

	// Internal variant.
	Agent ids.AgentID `json:"agent,omitempty"`
	Port  int         `json:"port,omitempty"`

	// External variant.
	Addr string `json:"addr,omitempty"`
}

// InternalPeer builds an Internal AgentPeer.
func InternalPeer(agent ids.AgentID, port int) AgentPeer {
	return AgentPeer{Kind: PeerInternal, Agent: agent, Port: port}
}

// ExternalPeer builds an External AgentPeer.
func ExternalPeer(addr string) AgentPeer {
	return AgentPeer{Kind: PeerExternal, Addr: addr}
}

// NodeStateSpec is the concrete target configuration the control plane
// assigns to an agent bound to a NodeKey within an environment.
type NodeStateSpec struct {
	NodeKey       ids.NodeKey       `json:"node_key"`
	PrivateKey    PrivateKey        `json:"private_key"`
	HeightRequest *uint64           `json:"height_request,omitempty"`
	Online        bool              `json:"online"`
	Peers         []AgentPeer       `json:"peers"`
	Validators    []AgentPeer       `json:"validators"`
	Env           map[string]string `json:"env,omitempty"`
}

// StateKind discriminates the AgentState sum type.
type StateKind string

const (
	StateInventory StateKind = "inventory"
	StateNode      StateKind = "node"
)

// AgentState is the tagged Inventory | Node(env, spec) sum type. An agent
// in StateInventory is idle and unbound; StateNode means it is (or is
// becoming) bound to a NodeKey within the named environment.
type AgentState struct {
	Kind StateKind      `json:"kind"`
	Env  ids.EnvID      `json:"env,omitempty"`
	Spec *NodeStateSpec `json:"spec,omitempty"`
}

// Inventory is the idle state every agent starts and ends up in once
// released from an environment.
func Inventory() AgentState { return AgentState{Kind: StateInventory} }

// Node builds a Node(env, spec) state.
func Node(env ids.EnvID, spec NodeStateSpec) AgentState {
	return AgentState{Kind: StateNode, Env: env, Spec: &spec}
}

// IsInventory reports whether this is the idle state.
func (s AgentState) IsInventory() bool { return s.Kind == StateInventory }

// Equal reports deep equality good enough for "current == target"
// checks. Peer/validator order is treated as significant
// since the compiler always regenerates both lists deterministically.
func (s AgentState) Equal(other AgentState) bool {
	if s.Kind != other.Kind {
		return false
	}
	if s.Kind == StateInventory {
		return true
	}
	if s.Env != other.Env {
		return false
	}
	return nodeSpecEqual(s.Spec, other.Spec)
}

func nodeSpecEqual(a, b *NodeStateSpec) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.NodeKey != b.NodeKey || a.PrivateKey != b.PrivateKey || a.Online != b.Online {
		return false
	}
	if (a.HeightRequest == nil) != (b.HeightRequest == nil) {
		return false
	}
	if a.HeightRequest != nil && *a.HeightRequest != *b.HeightRequest {
		return false
	}
	if len(a.Peers) != len(b.Peers) || len(a.Validators) != len(b.Validators) {
		return false
	}
	for i := range a.Peers {
		if a.Peers[i] != b.Peers[i] {
			return false
		}
	}
	for i := range a.Validators {
		if a.Validators[i] != b.Validators[i] {
			return false
		}
	}
	if len(a.Env) != len(b.Env) {
		return false
	}
	for k, v := range a.Env {
		if b.Env[k] != v {
			return false
		}
	}
	return true
}
