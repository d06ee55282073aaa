package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/ids"
	"github.com/snopsgo/snops/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	closed bool
	reason string
}

func (h *fakeHandle) Close(reason string) error {
	h.closed = true
	h.reason = reason
	return nil
}

func (h *fakeHandle) CallAgentService(ctx context.Context, method string, body any, out any) error {
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *store.Tree[wireAgent]) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	tree, err := store.OpenTree[wireAgent](s, "agents", 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tree.Close() })

	reg, err := New(tree, nil)
	require.NoError(t, err)
	return reg, tree
}

func TestUpsertOnHandshakeCreatesAgent(t *testing.T) {
	reg, _ := newTestRegistry(t)

	id, err := reg.UpsertOnHandshake(HandshakeInput{
		ID:     "a1",
		Flags:  agentstate.Flags{Mode: agentstate.ModeValidator, Labels: ids.LabelSet{}},
		Addrs:  agentstate.Addrs{Internal: []string{"10.0.0.1"}},
		Handle: &fakeHandle{},
		State:  agentstate.Inventory(),
	})
	require.NoError(t, err)
	assert.Equal(t, ids.AgentID("a1"), id)

	snap, err := reg.Snapshot("a1")
	require.NoError(t, err)
	assert.Equal(t, ids.AgentID("a1"), snap.ID)
	assert.Equal(t, LivenessConnected, snap.Liveness.Kind)
	assert.EqualValues(t, 1, snap.Nonce)
}

// An AgentID maps to at most one live RPC handle: on reconnect the
// prior handle is torn down before the new one is registered.
func TestUpsertOnHandshakeTearsDownPriorHandle(t *testing.T) {
	reg, _ := newTestRegistry(t)
	first := &fakeHandle{}
	_, err := reg.UpsertOnHandshake(HandshakeInput{ID: "a1", Handle: first, State: agentstate.Inventory()})
	require.NoError(t, err)

	second := &fakeHandle{}
	_, err = reg.UpsertOnHandshake(HandshakeInput{ID: "a1", Handle: second, State: agentstate.Inventory()})
	require.NoError(t, err)

	assert.True(t, first.closed)
	assert.False(t, second.closed)
}

// A snapshot's id round-trips, and the backing persistence entry
// decodes to an equal Agent modulo the live handle.
func TestSnapshotMatchesPersistedRecord(t *testing.T) {
	reg, tree := newTestRegistry(t)
	_, err := reg.UpsertOnHandshake(HandshakeInput{
		ID:     "a1",
		Flags:  agentstate.Flags{Mode: agentstate.ModeValidator},
		Handle: &fakeHandle{},
		State:  agentstate.Inventory(),
	})
	require.NoError(t, err)

	snap, err := reg.Snapshot("a1")
	require.NoError(t, err)
	assert.Equal(t, ids.AgentID("a1"), snap.ID)

	stored, err := tree.Get("a1")
	require.NoError(t, err)
	persisted := stored.toAgent(nil)
	assert.True(t, snap.Equal(persisted), "snapshot and persisted record must be equal modulo handle")
}

// For two successive reconciles, the final current_state equals the
// second one.
func TestAckCurrentLastWriteWins(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.UpsertOnHandshake(HandshakeInput{ID: "a1", State: agentstate.Inventory()})
	require.NoError(t, err)

	t1 := agentstate.Node("env1", agentstate.NodeStateSpec{NodeKey: ids.NodeKey{Type: ids.NodeTypeValidator, ID: "0"}, Online: true})
	t2 := agentstate.Node("env1", agentstate.NodeStateSpec{NodeKey: ids.NodeKey{Type: ids.NodeTypeValidator, ID: "0"}, Online: false})

	require.NoError(t, reg.AckCurrent("a1", t1))
	require.NoError(t, reg.AckCurrent("a1", t2))

	snap, err := reg.Snapshot("a1")
	require.NoError(t, err)
	assert.True(t, snap.Current.Equal(t2))
}

func TestMarkDisconnectedReleasesComputeClaim(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.UpsertOnHandshake(HandshakeInput{ID: "a1", Flags: agentstate.Flags{Mode: agentstate.ModeCompute}, State: agentstate.Inventory()})
	require.NoError(t, err)

	claimed, err := reg.ClaimCompute("cannon1")
	require.NoError(t, err)
	assert.Equal(t, ids.AgentID("a1"), claimed)

	require.NoError(t, reg.MarkDisconnected("a1"))
	snap, err := reg.Snapshot("a1")
	require.NoError(t, err)
	assert.True(t, snap.Claim.IsFree())
	assert.Equal(t, LivenessDisconnected, snap.Liveness.Kind)
}

func TestClaimComputeNoneAvailable(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.UpsertOnHandshake(HandshakeInput{ID: "a1", Flags: agentstate.Flags{Mode: agentstate.ModeValidator}, State: agentstate.Inventory()})
	require.NoError(t, err)

	_, err = reg.ClaimCompute("cannon1")
	require.Error(t, err)
	var noCompute *NoComputeAgentsError
	assert.ErrorAs(t, err, &noCompute)
}

func TestCheckNonceRejectsStale(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.UpsertOnHandshake(HandshakeInput{ID: "a1", State: agentstate.Inventory()})
	require.NoError(t, err)

	require.NoError(t, reg.CheckNonce("a1", 1))
	err = reg.CheckNonce("a1", 99)
	require.Error(t, err)
	var stale *StaleNonceError
	assert.ErrorAs(t, err, &stale)
}

func TestListFilters(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.UpsertOnHandshake(HandshakeInput{ID: "a1", Flags: agentstate.Flags{Mode: agentstate.ModeValidator}, Handle: &fakeHandle{}, State: agentstate.Inventory()})
	require.NoError(t, err)
	_, err = reg.UpsertOnHandshake(HandshakeInput{ID: "a2", Flags: agentstate.Flags{Mode: agentstate.ModeCompute}, State: agentstate.Inventory()})
	require.NoError(t, err)
	require.NoError(t, reg.MarkDisconnected("a2"))

	all := reg.List(Filter{})
	assert.Len(t, all, 2)

	connected := reg.List(Filter{Connected: true})
	assert.Len(t, connected, 1)
	assert.Equal(t, ids.AgentID("a1"), connected[0].ID)

	compute := reg.List(Filter{ComputeOnly: true})
	assert.Len(t, compute, 1)
	assert.Equal(t, ids.AgentID("a2"), compute[0].ID)
}

// Persisted agents survive a restart with liveness Disconnected.
func TestReloadRestoresDisconnected(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := store.Open(dbPath)
	require.NoError(t, err)
	tree, err := store.OpenTree[wireAgent](s, "agents", 1)
	require.NoError(t, err)
	reg, err := New(tree, nil)
	require.NoError(t, err)
	_, err = reg.UpsertOnHandshake(HandshakeInput{ID: "a1", Handle: &fakeHandle{}, State: agentstate.Inventory()})
	require.NoError(t, err)
	require.NoError(t, tree.Close())
	require.NoError(t, s.Close())

	_, statErr := os.Stat(dbPath)
	require.NoError(t, statErr)

	s2, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })
	tree2, err := store.OpenTree[wireAgent](s2, "agents", 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tree2.Close() })

	reg2, err := New(tree2, nil)
	require.NoError(t, err)
	snap, err := reg2.Snapshot("a1")
	require.NoError(t, err)
	assert.Equal(t, LivenessDisconnected, snap.Liveness.Kind)
}
