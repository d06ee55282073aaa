package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/events"
	"github.com/snopsgo/snops/pkg/ids"
	"github.com/snopsgo/snops/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	fail bool
}

func (h *fakeHandle) Close(reason string) error { return nil }

func (h *fakeHandle) CallAgentService(ctx context.Context, method string, body any, out any) error {
	if h.fail {
		return errors.New("rpc: simulated failure")
	}
	return nil
}

type fakeDirectory struct {
	mu      sync.Mutex
	agents  map[ids.AgentID]registry.Agent
	released map[ids.AgentID]bool
}

func newFakeDirectory(agents ...registry.Agent) *fakeDirectory {
	m := make(map[ids.AgentID]registry.Agent, len(agents))
	for _, a := range agents {
		m[a.ID] = a
	}
	return &fakeDirectory{agents: m, released: make(map[ids.AgentID]bool)}
}

func (d *fakeDirectory) Snapshot(id ids.AgentID) (registry.Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[id]
	if !ok {
		return registry.Agent{}, &registry.NotFoundError{ID: string(id)}
	}
	return a, nil
}

func (d *fakeDirectory) SetTarget(id ids.AgentID, target agentstate.AgentState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := d.agents[id]
	a.Target = target
	d.agents[id] = a
	return nil
}

func (d *fakeDirectory) AckCurrent(id ids.AgentID, current agentstate.AgentState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := d.agents[id]
	a.Current = current
	d.agents[id] = a
	return nil
}

func (d *fakeDirectory) ReleaseClaim(id ids.AgentID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released[id] = true
	a := d.agents[id]
	a.Claim = agentstate.FreeClaim()
	d.agents[id] = a
	return nil
}

func connectedAgent(id ids.AgentID, fail bool) registry.Agent {
	return registry.Agent{
		ID:       id,
		Claim:    agentstate.EnvClaim("E1"),
		Current:  agentstate.Inventory(),
		Liveness: registry.ConnectedLiveness(&fakeHandle{fail: fail}),
	}
}

func TestReconcileAgentsAllSucceed(t *testing.T) {
	dir := newFakeDirectory(connectedAgent("a1", false), connectedAgent("a2", false))
	eng := New(dir, events.NewBus(), nil)

	target := agentstate.Node("E1", agentstate.NodeStateSpec{Online: true})
	err := eng.ReconcileAgents(context.Background(), []Assignment{
		{Agent: "a1", Target: target},
		{Agent: "a2", Target: target},
	})
	require.NoError(t, err)

	a1, _ := dir.Snapshot("a1")
	assert.True(t, a1.Current.Equal(target))
}

func TestReconcileAgentsAggregatesFailures(t *testing.T) {
	dir := newFakeDirectory(connectedAgent("a1", false), connectedAgent("a2", true))
	eng := New(dir, events.NewBus(), nil)

	target := agentstate.Node("E1", agentstate.NodeStateSpec{Online: true})
	err := eng.ReconcileAgents(context.Background(), []Assignment{
		{Agent: "a1", Target: target},
		{Agent: "a2", Target: target},
	})
	require.Error(t, err)
	var batch *BatchReconcileError
	require.ErrorAs(t, err, &batch)
	require.Len(t, batch.Failures, 1)
	assert.Equal(t, ids.AgentID("a2"), batch.Failures[0].Agent)

	a1, _ := dir.Snapshot("a1")
	assert.True(t, a1.Current.Equal(target))
	a2, _ := dir.Snapshot("a2")
	assert.True(t, a2.Current.IsInventory(), "failed agent's current_state must be unchanged")
}

func TestReconcileAgentsNotConnectedFails(t *testing.T) {
	disconnected := registry.Agent{ID: "a1", Liveness: registry.DisconnectedLiveness(time.Now())}
	dir := newFakeDirectory(disconnected)
	eng := New(dir, events.NewBus(), nil)

	err := eng.ReconcileAgents(context.Background(), []Assignment{
		{Agent: "a1", Target: agentstate.Inventory()},
	})
	require.Error(t, err)
}

func TestReconcileNewEnvCleansUpOnFailure(t *testing.T) {
	dir := newFakeDirectory(connectedAgent("a1", false), connectedAgent("a2", true))
	eng := New(dir, events.NewBus(), nil)

	target := agentstate.Node("E1", agentstate.NodeStateSpec{Online: true})
	err := eng.ReconcileNewEnv(context.Background(), []Assignment{
		{Agent: "a1", Target: target},
		{Agent: "a2", Target: target},
	})
	require.Error(t, err, "original batch error is still surfaced")

	a1, _ := dir.Snapshot("a1")
	assert.True(t, a1.Current.IsInventory(), "a1 demoted back to Inventory during cleanup")
	assert.True(t, dir.released["a1"])
	assert.True(t, dir.released["a2"])
}
