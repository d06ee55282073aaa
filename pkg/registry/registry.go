package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/ids"
	"github.com/snopsgo/snops/pkg/store"
)

// HandshakeInput is what upsertOnHandshake receives about a newly
// connecting agent.
type HandshakeInput struct {
	ID      ids.AgentID
	Flags   agentstate.Flags
	Addrs   agentstate.Addrs
	Handle  RPCHandle
	State   agentstate.AgentState // agent-reported state at connect time
}

// Filter selects agents for List; a zero-value Filter matches every
// agent.
type Filter struct {
	Mode       *agentstate.Mode
	ComputeOnly bool
	Connected  bool
}

// Registry tracks every known agent in memory: an RWMutex-guarded map
// with a per-agent lock for mutation serialization, snapshotting
// before returning so no caller ever holds a reference into the map.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	agents  map[ids.AgentID]*entry

	tree *store.Tree[wireAgent]
}

type entry struct {
	mu    sync.Mutex // all mutations are atomic per agent
	agent Agent
}

// Open opens the registry's backing tree in s and constructs a
// Registry over it. Callers outside this package can't name wireAgent
// to call store.OpenTree themselves, so this is the entrypoint
// cmd/control and pkg/control are expected to use instead of New+
// store.OpenTree (New itself stays exported for the in-package tests
// that already construct the tree directly).
func Open(s *store.Store, log *slog.Logger) (*Registry, error) {
	tree, err := store.OpenTree[wireAgent](s, "agents", 1)
	if err != nil {
		return nil, err
	}
	return New(tree, log)
}

// New constructs a Registry backed by tree, reloading any persisted
// agents; reloaded agents start Disconnected until their next
// handshake.
func New(tree *store.Tree[wireAgent], log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{
		log:    log.With("component", "registry"),
		agents: make(map[ids.AgentID]*entry),
		tree:   tree,
	}
	if err := tree.ForEach(func(key string, w wireAgent) error {
		a := w.toAgent(nil)
		a.Liveness = DisconnectedLiveness(w.Liveness.LastSeen)
		r.agents[a.ID] = &entry{agent: a}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("registry: reload: %w", err)
	}
	r.log.Info("reloaded persisted agents", "count", len(r.agents))
	return r, nil
}

func (r *Registry) lookup(id ids.AgentID) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	return e, ok
}

func (r *Registry) persist(a Agent) error {
	return r.tree.Put(string(a.ID), a.toWire())
}

// UpsertOnHandshake registers a new agent or reconnects an existing
// one. Any prior live handle is closed before the new one is
// installed, and the nonce is rotated so stale tokens stop verifying.
func (r *Registry) UpsertOnHandshake(in HandshakeInput) (ids.AgentID, error) {
	if err := ids.Validate(string(in.ID)); err != nil {
		return "", err
	}

	r.mu.Lock()
	e, exists := r.agents[in.ID]
	if !exists {
		e = &entry{agent: Agent{ID: in.ID, Claim: agentstate.FreeClaim(), Current: agentstate.Inventory(), Target: agentstate.Inventory()}}
		r.agents[in.ID] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.agent.Liveness.Kind == LivenessConnected && e.agent.Liveness.Handle != nil {
		_ = e.agent.Liveness.Handle.Close("superseded by new handshake")
	}

	e.agent.Flags = in.Flags
	e.agent.Addrs = in.Addrs
	e.agent.PortConfig = agentstate.DefaultPortConfig()
	e.agent.Liveness = ConnectedLiveness(in.Handle)
	e.agent.Nonce++
	e.agent.Current = in.State

	if err := r.persist(e.agent); err != nil {
		return "", err
	}
	r.log.Info("agent handshake", "agent_id", in.ID, "nonce", e.agent.Nonce)
	return in.ID, nil
}

// MarkDisconnected transitions an agent to Disconnected liveness,
// preserving current/target state. Releasing its claim is NOT
// automatic for ClaimedByEnv (the binding survives a disconnect
// until the env is explicitly re-resolved); ClaimedCompute IS
// released since a disconnected compute agent can no longer serve its
// cannon.
func (r *Registry) MarkDisconnected(id ids.AgentID) error {
	e, ok := r.lookup(id)
	if !ok {
		return &NotFoundError{ID: string(id)}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.agent.Liveness = DisconnectedLiveness(time.Now())
	if e.agent.Claim.Kind == agentstate.ClaimByCompute {
		e.agent.Claim = agentstate.FreeClaim()
	}
	return r.persist(e.agent)
}

// SetTarget updates an agent's target_state.
func (r *Registry) SetTarget(id ids.AgentID, target agentstate.AgentState) error {
	e, ok := r.lookup(id)
	if !ok {
		return &NotFoundError{ID: string(id)}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agent.Target = target
	return r.persist(e.agent)
}

// AckCurrent records a successful reconcile acknowledgement. Of two
// successive reconciles the later one wins, so
// this simply assigns the latest acknowledged state; there is no
// read-modify-write race since the caller already serialized dispatch
// order per agent.
func (r *Registry) AckCurrent(id ids.AgentID, current agentstate.AgentState) error {
	e, ok := r.lookup(id)
	if !ok {
		return &NotFoundError{ID: string(id)}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agent.Current = current
	return r.persist(e.agent)
}

// Snapshot returns a consistent copy of the agent record for id.
func (r *Registry) Snapshot(id ids.AgentID) (Agent, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Agent{}, &NotFoundError{ID: string(id)}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agent, nil
}

// List returns snapshots of every agent matching filter.
func (r *Registry) List(filter Filter) []Agent {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Agent, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		a := e.agent
		e.mu.Unlock()

		if filter.Connected && a.Liveness.Kind != LivenessConnected {
			continue
		}
		if filter.ComputeOnly && !a.Flags.IsComputeEligible() {
			continue
		}
		if filter.Mode != nil && a.Flags.Mode != *filter.Mode {
			continue
		}
		out = append(out, a)
	}
	return out
}

// ClaimCompute atomically picks a Free, compute-eligible agent and
// flips its claim to ClaimedCompute(cannon); fails with
// NoComputeAgentsError if none qualify.
func (r *Registry) ClaimCompute(cannon ids.CannonID) (ids.AgentID, error) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.agent.Claim.IsFree() && e.agent.Flags.IsComputeEligible() && e.agent.Liveness.Kind == LivenessConnected {
			e.agent.Claim = agentstate.ComputeClaim(cannon)
			id := e.agent.ID
			err := r.persist(e.agent)
			e.mu.Unlock()
			return id, err
		}
		e.mu.Unlock()
	}
	return "", &NoComputeAgentsError{}
}

// ReleaseClaim returns an agent to Free, e.g. on cannon termination.
func (r *Registry) ReleaseClaim(id ids.AgentID) error {
	e, ok := r.lookup(id)
	if !ok {
		return &NotFoundError{ID: string(id)}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agent.Claim = agentstate.FreeClaim()
	return r.persist(e.agent)
}

// SetClaim sets an agent's claim directly, used by the environment
// compiler when binding/releasing node assignments.
func (r *Registry) SetClaim(id ids.AgentID, claim agentstate.Claim) error {
	e, ok := r.lookup(id)
	if !ok {
		return &NotFoundError{ID: string(id)}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agent.Claim = claim
	return r.persist(e.agent)
}

// SaveIn re-persists the listed agents' current records within txn, so
// a caller can commit a set of agent bindings together with its own
// records in one durable transaction.
func (r *Registry) SaveIn(txn *store.Txn, agentIDs []ids.AgentID) error {
	for _, id := range agentIDs {
		e, ok := r.lookup(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		w := e.agent.toWire()
		e.mu.Unlock()
		if err := r.tree.PutIn(txn, string(id), w); err != nil {
			return err
		}
	}
	return nil
}

// CheckNonce validates that got matches the agent's current nonce.
func (r *Registry) CheckNonce(id ids.AgentID, got uint16) error {
	e, ok := r.lookup(id)
	if !ok {
		return &NotFoundError{ID: string(id)}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.agent.Nonce != got {
		return &StaleNonceError{ID: string(id), Got: got, Expected: e.agent.Nonce}
	}
	return nil
}
