package resolve

import (
	"testing"

	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeLookup(agents map[ids.AgentID]AgentAddrs) Lookup {
	return func(id ids.AgentID) (AgentAddrs, bool) {
		a, ok := agents[id]
		return a, ok
	}
}

func TestResolveSharedInternalWins(t *testing.T) {
	lookup := fakeLookup(map[ids.AgentID]AgentAddrs{
		"o": {ID: "o", Addrs: agentstate.Addrs{Internal: []string{"10.0.0.1", "10.0.0.2"}}},
		"p": {ID: "p", Addrs: agentstate.Addrs{Internal: []string{"10.0.0.2"}, External: "1.2.3.4"}},
	})
	out, err := Resolve(lookup, "o", []ids.AgentID{"p"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", out["p"])
}

func TestResolveDistinctExternal(t *testing.T) {
	lookup := fakeLookup(map[ids.AgentID]AgentAddrs{
		"o": {ID: "o", Addrs: agentstate.Addrs{External: "9.9.9.9"}},
		"p": {ID: "p", Addrs: agentstate.Addrs{External: "1.2.3.4"}},
	})
	out, err := Resolve(lookup, "o", []ids.AgentID{"p"})
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", out["p"])
}

func TestResolveOnlyPeerHasExternal(t *testing.T) {
	lookup := fakeLookup(map[ids.AgentID]AgentAddrs{
		"o": {ID: "o"},
		"p": {ID: "p", Addrs: agentstate.Addrs{External: "1.2.3.4"}},
	})
	out, err := Resolve(lookup, "o", []ids.AgentID{"p"})
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", out["p"])
}

func TestResolveNoAddressFails(t *testing.T) {
	lookup := fakeLookup(map[ids.AgentID]AgentAddrs{
		"o": {ID: "o"},
		"p": {ID: "p"},
	})
	_, err := Resolve(lookup, "o", []ids.AgentID{"p"})
	require.Error(t, err)
	var noAddr *AgentHasNoAddressesError
	assert.ErrorAs(t, err, &noAddr)
}

func TestResolveSourceAgentNotFound(t *testing.T) {
	lookup := fakeLookup(map[ids.AgentID]AgentAddrs{
		"p": {ID: "p", Addrs: agentstate.Addrs{External: "1.2.3.4"}},
	})
	_, err := Resolve(lookup, "missing", []ids.AgentID{"p"})
	require.Error(t, err)
	var notFound *SourceAgentNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestResolveSameExternalFallsThroughToNoAddress(t *testing.T) {
	// Both observer and peer report the same external IP (e.g. behind
	// the same NAT) and neither has a shared internal address: none of
	// the four rules matches, so resolution fails for that peer.
	lookup := fakeLookup(map[ids.AgentID]AgentAddrs{
		"o": {ID: "o", Addrs: agentstate.Addrs{External: "5.5.5.5"}},
		"p": {ID: "p", Addrs: agentstate.Addrs{External: "5.5.5.5"}},
	})
	_, err := Resolve(lookup, "o", []ids.AgentID{"p"})
	require.Error(t, err)
	var noAddr *AgentHasNoAddressesError
	assert.ErrorAs(t, err, &noAddr)
}

func TestResolveTolerantCollectsPerPeerFailures(t *testing.T) {
	lookup := fakeLookup(map[ids.AgentID]AgentAddrs{
		"o":  {ID: "o", Addrs: agentstate.Addrs{Internal: []string{"10.0.0.1"}}},
		"p1": {ID: "p1", Addrs: agentstate.Addrs{Internal: []string{"10.0.0.1"}}},
		"p2": {ID: "p2"},
	})
	results, err := ResolveTolerant(lookup, "o", []ids.AgentID{"p1", "p2"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "10.0.0.1", results[0].Addr)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
}
