package env

import (
	"fmt"
	"testing"

	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	candidates []Candidate
	ports      map[ids.AgentID]agentstate.PortConfig
	claims     map[ids.AgentID]agentstate.Claim
	targets    map[ids.AgentID]agentstate.AgentState
}

func newFakeSource(candidates ...Candidate) *fakeSource {
	ports := make(map[ids.AgentID]agentstate.PortConfig, len(candidates))
	for _, c := range candidates {
		ports[c.ID] = agentstate.DefaultPortConfig()
	}
	return &fakeSource{
		candidates: candidates,
		ports:      ports,
		claims:     make(map[ids.AgentID]agentstate.Claim),
		targets:    make(map[ids.AgentID]agentstate.AgentState),
	}
}

func (f *fakeSource) Candidates() []Candidate { return f.candidates }
func (f *fakeSource) Ports(agent ids.AgentID) (agentstate.PortConfig, bool) {
	pc, ok := f.ports[agent]
	return pc, ok
}
func (f *fakeSource) Claim(agent ids.AgentID, claim agentstate.Claim) error {
	f.claims[agent] = claim
	// Reflect the claim back into the candidate pool so a subsequent
	// bind pass in the same test (e.g. a Patch) sees it as taken.
	for i, c := range f.candidates {
		if c.ID == agent {
			f.candidates[i].Free = claim.IsFree()
		}
	}
	return nil
}
func (f *fakeSource) SetTarget(agent ids.AgentID, target agentstate.AgentState) error {
	f.targets[agent] = target
	return nil
}

func TestCompileBindsSingleValidator(t *testing.T) {
	src := newFakeSource(Candidate{ID: "a1", Mode: "validator", Labels: ids.LabelSet{"fast": {}}, Free: true})
	docs := DocumentSet{
		Storage: []StorageDocument{{ID: "s1", Network: "testnet"}},
		Nodes: []NodesDocument{{Nodes: []NodeSpec{
			{Type: ids.NodeTypeValidator, ID: "0", Labels: []string{"fast"}, Online: true},
		}}},
	}

	compiled, err := Compile("E1", docs, src)
	require.NoError(t, err)
	require.Len(t, compiled.NodeStates, 1)

	key := ids.NodeKey{Type: ids.NodeTypeValidator, ID: "0"}
	state, ok := compiled.NodeStates[key]
	require.True(t, ok)
	assert.Equal(t, EnvNodeInternal, state.Kind)
	assert.Equal(t, ids.AgentID("a1"), state.Agent)

	target := src.targets["a1"]
	assert.Equal(t, agentstate.StateNode, target.Kind)
	assert.Equal(t, ids.EnvID("E1"), target.Env)
	assert.True(t, target.Spec.Online)
}

func TestCompileInsufficientAgents(t *testing.T) {
	src := newFakeSource() // no candidates at all
	docs := DocumentSet{
		Storage: []StorageDocument{{ID: "s1", Network: "testnet"}},
		Nodes: []NodesDocument{{Nodes: []NodeSpec{
			{Type: ids.NodeTypeValidator, ID: "0"},
		}}},
	}

	_, err := Compile("E1", docs, src)
	require.Error(t, err)
	var insufficient *InsufficientAgentsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, ids.NodeTypeValidator, insufficient.Role)
	assert.Equal(t, 1, insufficient.Need)
	assert.Equal(t, 0, insufficient.Have)
}

func TestCompileExpandsReplicas(t *testing.T) {
	src := newFakeSource(
		Candidate{ID: "a1", Mode: "client", Free: true},
		Candidate{ID: "a2", Mode: "client", Free: true},
		Candidate{ID: "a3", Mode: "client", Free: true},
	)
	docs := DocumentSet{
		Storage: []StorageDocument{{ID: "s1", Network: "testnet"}},
		Nodes: []NodesDocument{{Nodes: []NodeSpec{
			{Type: ids.NodeTypeClient, ID: "worker", Replicas: 3},
		}}},
	}

	compiled, err := Compile("E1", docs, src)
	require.NoError(t, err)
	assert.Len(t, compiled.NodeStates, 3)
	for i := 0; i < 3; i++ {
		key := ids.NodeKey{Type: ids.NodeTypeClient, ID: fmt.Sprintf("worker-%d", i)}
		_, ok := compiled.NodeStates[key]
		assert.True(t, ok, "missing replica %d", i)
	}
}

func TestPatchReleasesRemovedNodeToInventory(t *testing.T) {
	src := newFakeSource(Candidate{ID: "a1", Mode: "validator", Free: true})
	docs := DocumentSet{
		Storage: []StorageDocument{{ID: "s1", Network: "testnet"}},
		Nodes: []NodesDocument{{Nodes: []NodeSpec{
			{Type: ids.NodeTypeValidator, ID: "0"},
		}}},
	}
	compiled, err := Compile("E1", docs, src)
	require.NoError(t, err)

	// Patch with an empty nodes document removes the binding entirely.
	patchDocs := DocumentSet{Nodes: []NodesDocument{{Nodes: nil}}}
	patched, err := Patch(compiled, patchDocs, src)
	require.NoError(t, err)
	assert.Empty(t, patched.NodeStates)
	assert.True(t, src.claims["a1"].IsFree())
	assert.True(t, src.targets["a1"].IsInventory())
}

func TestPatchKeepsPersistingBinding(t *testing.T) {
	src := newFakeSource(Candidate{ID: "a1", Mode: "validator", Free: true})
	docs := DocumentSet{
		Storage: []StorageDocument{{ID: "s1", Network: "testnet"}},
		Nodes: []NodesDocument{{Nodes: []NodeSpec{
			{Type: ids.NodeTypeValidator, ID: "0", Online: true},
		}}},
	}
	compiled, err := Compile("E1", docs, src)
	require.NoError(t, err)

	patched, err := Patch(compiled, docs, src)
	require.NoError(t, err)
	key := ids.NodeKey{Type: ids.NodeTypeValidator, ID: "0"}
	assert.Equal(t, ids.AgentID("a1"), patched.NodeStates[key].Agent)
}

func TestResolveTargetsRejectsUnboundInternalKey(t *testing.T) {
	key := ids.NodeKey{Type: ids.NodeTypeValidator, ID: "0"}
	e := &Environment{
		NodeStates: map[ids.NodeKey]EnvNodeState{
			key: {Kind: EnvNodeInternal}, // internal but bound to no agent
		},
	}

	_, err := resolveTargets([]NodeTarget{{Type: ids.NodeTypeValidator, IDGlob: "*"}}, e, newFakeSource(), agentstate.DefaultNodePort)
	require.Error(t, err)
	var expected *ExpectedInternalAgentPeerError
	assert.ErrorAs(t, err, &expected)
	assert.Equal(t, key, expected.Key)
}
