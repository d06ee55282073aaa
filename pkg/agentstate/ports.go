// Package agentstate defines the types shared across the control-plane ↔
// agent wire boundary: the Agent record's component types, the
// current/target AgentState sum type, and peer references. Both
// pkg/registry (control plane) and pkg/agentproc (agent) import this
// package so the two sides of the RPC channel agree on shapes.
package agentstate

// Default port assignments. The compiler uses these when
// emitting NodeStateSpec.Env CLI flags and the agent reuses them when it
// spawns the node binary.
const (
	DefaultBFTPort     = 5000
	DefaultNodePort    = 4130
	DefaultRestPort    = 3030
	DefaultMetricsPort = 9000
)

// PortConfig is the set of ports an agent's node process listens on.
type PortConfig struct {
	BFT     int `json:"bft"`
	Node    int `json:"node"`
	Rest    int `json:"rest"`
	Metrics int `json:"metrics"`
}

// DefaultPortConfig returns the standard port assignment.
func DefaultPortConfig() PortConfig {
	return PortConfig{
		BFT:     DefaultBFTPort,
		Node:    DefaultNodePort,
		Rest:    DefaultRestPort,
		Metrics: DefaultMetricsPort,
	}
}

// Addrs is the address set an agent reports at handshake time.
type Addrs struct {
	External string   `json:"external,omitempty"` // empty means "no external address"
	Internal []string `json:"internal"`
}

// HasExternal reports whether the agent reported an external address.
func (a Addrs) HasExternal() bool { return a.External != "" }
