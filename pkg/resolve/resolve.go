// Package resolve implements the address resolver: given an
// observer agent and a set of peer agents, computes the address each
// peer is reachable at from the observer's vantage point.
package resolve

import (
	"fmt"

	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/ids"
)

// AgentAddrs is the slice of an Agent record this package needs; kept
// narrow so resolve doesn't import pkg/registry and create a cycle.
type AgentAddrs struct {
	ID    ids.AgentID
	Addrs agentstate.Addrs
}

// SourceAgentNotFoundError is returned when the observer itself is
// unknown to the lookup.
type SourceAgentNotFoundError struct {
	Observer ids.AgentID
}

func (e *SourceAgentNotFoundError) Error() string {
	return fmt.Sprintf("resolve: source agent %q not found", e.Observer)
}

// AgentHasNoAddressesError is returned for a peer with neither a
// shared internal address nor an external address.
type AgentHasNoAddressesError struct {
	Peer ids.AgentID
}

func (e *AgentHasNoAddressesError) Error() string {
	return fmt.Sprintf("resolve: agent %q has no address reachable from observer", e.Peer)
}

// Lookup retrieves an agent's reported addresses by id, returning
// false if unknown.
type Lookup func(id ids.AgentID) (AgentAddrs, bool)

// PeerResult pairs a peer with either its resolved address or the
// specific error resolving it.
type PeerResult struct {
	Peer ids.AgentID
	Addr string
	Err  error
}

// Resolve applies the four address rules in order, first match wins. If the observer is unknown the whole call
// fails with SourceAgentNotFoundError; otherwise each peer is resolved
// independently and failures are reported per-peer.
func Resolve(lookup Lookup, observer ids.AgentID, peers []ids.AgentID) (map[ids.AgentID]string, error) {
	obs, ok := lookup(observer)
	if !ok {
		return nil, &SourceAgentNotFoundError{Observer: observer}
	}

	out := make(map[ids.AgentID]string, len(peers))
	for _, p := range peers {
		addr, err := resolveOne(lookup, obs, p)
		if err != nil {
			return nil, err
		}
		out[p] = addr
	}
	return out, nil
}

// ResolveTolerant is like Resolve but, rather than failing the whole
// call on the first unresolved peer, collects a PeerResult per peer so
// callers (e.g. batch diagnostics) can see every failure at once.
func ResolveTolerant(lookup Lookup, observer ids.AgentID, peers []ids.AgentID) ([]PeerResult, error) {
	obs, ok := lookup(observer)
	if !ok {
		return nil, &SourceAgentNotFoundError{Observer: observer}
	}

	out := make([]PeerResult, 0, len(peers))
	for _, p := range peers {
		addr, err := resolveOne(lookup, obs, p)
		out = append(out, PeerResult{Peer: p, Addr: addr, Err: err})
	}
	return out, nil
}

func resolveOne(lookup Lookup, observer AgentAddrs, peerID ids.AgentID) (string, error) {
	peer, ok := lookup(peerID)
	if !ok {
		return "", &AgentHasNoAddressesError{Peer: peerID}
	}

	// Rule 1: shared internal IP.
	if shared, ok := sharedInternal(observer.Addrs.Internal, peer.Addrs.Internal); ok {
		return shared, nil
	}

	// Rule 2: both have external IPs and they differ; use the peer's.
	if observer.Addrs.HasExternal() && peer.Addrs.HasExternal() && observer.Addrs.External != peer.Addrs.External {
		return peer.Addrs.External, nil
	}

	// Rule 3: only the peer has an external IP.
	if !observer.Addrs.HasExternal() && peer.Addrs.HasExternal() {
		return peer.Addrs.External, nil
	}

	return "", &AgentHasNoAddressesError{Peer: peerID}
}

func sharedInternal(a, b []string) (string, bool) {
	set := make(map[string]struct{}, len(a))
	for _, ip := range a {
		set[ip] = struct{}{}
	}
	for _, ip := range b {
		if _, ok := set[ip]; ok {
			return ip, true
		}
	}
	return "", false
}
