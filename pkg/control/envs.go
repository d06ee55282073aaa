package control

import (
	"context"
	"fmt"
	"time"

	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/env"
	"github.com/snopsgo/snops/pkg/events"
	"github.com/snopsgo/snops/pkg/ids"
	"github.com/snopsgo/snops/pkg/reconcile"
	"github.com/snopsgo/snops/pkg/store"
)

// PersistEnv is the durable record of a compiled environment.
// CannonDocs carries the last
// applied cannon documents alongside the compiled bindings, since an
// instance cannon must be reconstructible with its full configuration
// (attempts, timeouts, count) across a control-plane restart, and
// PersistCannon itself only tracks running bookkeeping counters.
type PersistEnv struct {
	ID         ids.EnvID                        `json:"id"`
	Storage    ids.StorageID                    `json:"storage"`
	Network    ids.NetworkID                    `json:"network"`
	Persist    bool                             `json:"persist"`
	NodeStates map[ids.NodeKey]env.EnvNodeState `json:"node_states"`
	Specs      map[ids.NodeKey]env.NodeSpec     `json:"specs"`
	Cannons    []ids.CannonID                   `json:"cannons"`
	CannonDocs []env.CannonDocument             `json:"cannon_docs,omitempty"`
}

func (c *Control) toPersistEnv(e *env.Environment, cannonDocs []env.CannonDocument) PersistEnv {
	cannons := make([]ids.CannonID, 0, len(e.Cannons))
	for id := range e.Cannons {
		cannons = append(cannons, id)
	}
	return PersistEnv{
		ID:         e.ID,
		Storage:    e.Storage,
		Network:    e.Network,
		Persist:    e.Persist,
		NodeStates: e.NodeStates,
		Specs:      e.Specs(),
		Cannons:    cannons,
		CannonDocs: cannonDocs,
	}
}

// ApplyEnv compiles (or, if id already exists, patches) docs into an
// Environment, dispatches the resulting target states to every bound
// agent, starts any newly declared cannon, and persists the result.
// Concurrent ApplyEnv/DeleteEnv calls against the same id are
// serialized through a per-env mutex so overlapping operator edits
// cannot interleave.
func (c *Control) ApplyEnv(ctx context.Context, id ids.EnvID, docs env.DocumentSet) (*env.Environment, error) {
	lock := c.envLock(id)
	lock.Lock()
	defer lock.Unlock()

	existing, hadExisting := c.lookupEnv(id)

	// Bindings present before the patch; any agent no longer bound
	// afterwards must be dispatched back to Inventory, not just have
	// its target rewritten.
	priorAgents := make(map[ids.AgentID]bool)
	if hadExisting {
		for _, state := range existing.NodeStates {
			if state.Kind == env.EnvNodeInternal {
				priorAgents[state.Agent] = true
			}
		}
	}

	src := &controlAgentSource{c: c}
	var compiled *env.Environment
	var err error
	if hadExisting {
		compiled, err = env.Patch(existing, docs, src)
	} else {
		compiled, err = env.Compile(id, docs, src)
	}
	if err != nil {
		return nil, err
	}

	for _, sd := range docs.Storage {
		if err := c.registerStorage(sd); err != nil {
			return nil, err
		}
	}

	assignments := make([]reconcile.Assignment, 0, len(compiled.NodeStates))
	for _, state := range compiled.NodeStates {
		if state.Kind != env.EnvNodeInternal {
			continue
		}
		snap, err := c.Registry.Snapshot(state.Agent)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, reconcile.Assignment{Agent: state.Agent, Target: snap.Target})
		delete(priorAgents, state.Agent)
	}
	for agent := range priorAgents {
		assignments = append(assignments, reconcile.Assignment{Agent: agent, Target: agentstate.Inventory()})
	}

	if hadExisting {
		err = c.Reconcile.ReconcileAgents(ctx, assignments)
	} else {
		err = c.Reconcile.ReconcileNewEnv(ctx, assignments)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.envs[id] = compiled
	c.mu.Unlock()

	// Commit the env record together with every touched agent record in
	// one durable transaction, so a crash cannot leave bindings on disk
	// without the env that owns them (or vice versa).
	agentIDs := make([]ids.AgentID, 0, len(assignments))
	for _, a := range assignments {
		agentIDs = append(agentIDs, a.Agent)
	}
	persisted := c.toPersistEnv(compiled, docs.Cannons)
	if err := c.store.Transaction(func(txn *store.Txn) error {
		if err := c.Registry.SaveIn(txn, agentIDs); err != nil {
			return err
		}
		return c.envTree.PutIn(txn, string(id), persisted)
	}); err != nil {
		return nil, fmt.Errorf("control: persist env %s: %w", id, err)
	}

	for _, doc := range docs.Cannons {
		c.mu.Lock()
		_, running := c.cannons[doc.ID]
		c.mu.Unlock()
		if running {
			continue
		}
		if err := c.StartCannon(id, doc, nil); err != nil {
			c.log.Error("failed to start cannon", "cannon_id", doc.ID, "error", err)
		}
	}

	c.Bus.Publish(events.Event{Timestamp: time.Now(), Kind: events.KindEnvApplied, Env: id})
	return compiled, nil
}

// DeleteEnv releases every agent bound within env id back to Inventory,
// stops its attached cannons, and removes its persisted record.
func (c *Control) DeleteEnv(ctx context.Context, id ids.EnvID) error {
	lock := c.envLock(id)
	lock.Lock()
	defer lock.Unlock()

	e, ok := c.lookupEnv(id)
	if !ok {
		return &env.EnvNotFoundError{ID: id}
	}

	for cannonID := range e.Cannons {
		if err := c.StopCannon(cannonID); err != nil {
			c.log.Warn("stop cannon during env delete", "cannon_id", cannonID, "error", err)
		}
	}

	assignments := make([]reconcile.Assignment, 0, len(e.NodeStates))
	for _, state := range e.NodeStates {
		if state.Kind != env.EnvNodeInternal {
			continue
		}
		assignments = append(assignments, reconcile.Assignment{Agent: state.Agent, Target: agentstate.Inventory()})
	}
	if err := c.Reconcile.ReconcileAgents(ctx, assignments); err != nil {
		return err
	}
	released := make([]ids.AgentID, 0, len(e.NodeStates))
	for _, state := range e.NodeStates {
		if state.Kind == env.EnvNodeInternal {
			if err := c.Registry.ReleaseClaim(state.Agent); err != nil {
				return err
			}
			released = append(released, state.Agent)
		}
	}

	c.mu.Lock()
	delete(c.envs, id)
	delete(c.envLocks, id)
	c.mu.Unlock()

	if err := c.store.Transaction(func(txn *store.Txn) error {
		if err := c.Registry.SaveIn(txn, released); err != nil {
			return err
		}
		return c.envTree.DeleteIn(txn, string(id))
	}); err != nil {
		return fmt.Errorf("control: delete env %s: %w", id, err)
	}

	c.Bus.Publish(events.Event{Timestamp: time.Now(), Kind: events.KindEnvDeleted, Env: id})
	return nil
}
