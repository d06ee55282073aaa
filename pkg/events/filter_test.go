package events

import (
	"testing"

	"github.com/snopsgo/snops/pkg/ids"
	"github.com/stretchr/testify/assert"
)

func mustNodeKey(typ ids.NodeType, id string) ids.NodeKey {
	return ids.NodeKey{Type: typ, ID: id}
}

func TestFilterUnfilteredMatchesEverything(t *testing.T) {
	assert.True(t, Unfiltered().Match(Event{}))
	assert.True(t, Unfiltered().Match(Event{Kind: KindAgentConnected, Agent: "a1"}))
}

func TestFilterAllOfRequiresEveryChild(t *testing.T) {
	f := AllOf(AgentIs("a1"), EventIs(KindAgentConnected))
	assert.True(t, f.Match(Event{Agent: "a1", Kind: KindAgentConnected}))
	assert.False(t, f.Match(Event{Agent: "a1", Kind: KindAgentDisconnected}))
	assert.False(t, f.Match(Event{Agent: "a2", Kind: KindAgentConnected}))
}

func TestFilterAnyOfRequiresOneChild(t *testing.T) {
	f := AnyOf(AgentIs("a1"), AgentIs("a2"))
	assert.True(t, f.Match(Event{Agent: "a1"}))
	assert.True(t, f.Match(Event{Agent: "a2"}))
	assert.False(t, f.Match(Event{Agent: "a3"}))
}

func TestFilterOneOfRequiresExactlyOneChild(t *testing.T) {
	f := OneOf(AgentIs("a1"), EnvIs("e1"))
	// Matches only agent.
	assert.True(t, f.Match(Event{Agent: "a1", Env: "e2"}))
	// Matches only env.
	assert.True(t, f.Match(Event{Agent: "a2", Env: "e1"}))
	// Matches both: OneOf fails.
	assert.False(t, f.Match(Event{Agent: "a1", Env: "e1"}))
	// Matches neither.
	assert.False(t, f.Match(Event{Agent: "a2", Env: "e2"}))
}

func TestFilterNotDoubleNegationStable(t *testing.T) {
	f := AgentIs("a1")
	doubleNeg := Not(Not(f))
	e := Event{Agent: "a1"}
	assert.Equal(t, f.Match(e), doubleNeg.Match(e))

	e2 := Event{Agent: "a2"}
	assert.Equal(t, f.Match(e2), doubleNeg.Match(e2))
}

func TestFilterDeMorgan(t *testing.T) {
	f1 := AgentIs("a1")
	f2 := EnvIs("e1")

	// not (A and B) == (not A) or (not B)
	lhs := Not(AllOf(f1, f2))
	rhs := AnyOf(Not(f1), Not(f2))

	cases := []Event{
		{Agent: "a1", Env: "e1"},
		{Agent: "a1", Env: "e2"},
		{Agent: "a2", Env: "e1"},
		{Agent: "a2", Env: "e2"},
	}
	for _, e := range cases {
		assert.Equal(t, lhs.Match(e), rhs.Match(e), "De Morgan mismatch for %+v", e)
	}
}

func TestFilterNodeTargetIsGlob(t *testing.T) {
	f := NodeTargetIs("validator", "worker-*", "")
	key := mustNodeKey("validator", "worker-3")
	assert.True(t, f.Match(Event{NodeKey: &key}))

	other := mustNodeKey("validator", "bootstrap")
	assert.False(t, f.Match(Event{NodeKey: &other}))

	assert.False(t, f.Match(Event{NodeKey: nil}))
}
