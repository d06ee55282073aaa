package control

import (
	"context"
	"path"

	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/env"
	"github.com/snopsgo/snops/pkg/ids"
	"github.com/snopsgo/snops/pkg/registry"
	"github.com/snopsgo/snops/pkg/resolve"
)

// controlAgentSource adapts Control to env.AgentSource, the narrow
// seam the environment compiler uses to read eligible agents and
// commit bindings.
type controlAgentSource struct {
	c *Control
}

func (s *controlAgentSource) Candidates() []env.Candidate {
	agents := s.c.Registry.List(registry.Filter{})
	out := make([]env.Candidate, 0, len(agents))
	for _, a := range agents {
		out = append(out, env.Candidate{
			ID:     a.ID,
			Mode:   string(a.Flags.Mode),
			Labels: a.Flags.Labels,
			Free:   a.Claim.IsFree(),
		})
	}
	return out
}

func (s *controlAgentSource) Ports(agent ids.AgentID) (agentstate.PortConfig, bool) {
	a, err := s.c.Registry.Snapshot(agent)
	if err != nil {
		return agentstate.PortConfig{}, false
	}
	return a.PortConfig, true
}

func (s *controlAgentSource) Claim(agent ids.AgentID, claim agentstate.Claim) error {
	return s.c.Registry.SetClaim(agent, claim)
}

func (s *controlAgentSource) SetTarget(agent ids.AgentID, target agentstate.AgentState) error {
	return s.c.Registry.SetTarget(agent, target)
}

// resolveLookup adapts the registry to resolve.Lookup.
func (c *Control) resolveLookup(id ids.AgentID) (resolve.AgentAddrs, bool) {
	a, err := c.Registry.Snapshot(id)
	if err != nil {
		return resolve.AgentAddrs{}, false
	}
	return resolve.AgentAddrs{ID: a.ID, Addrs: a.Addrs}, true
}

// controlCannonDirectory adapts Control to cannon.Directory.
type controlCannonDirectory struct {
	c *Control
}

func (d *controlCannonDirectory) ClaimCompute(cannonID ids.CannonID) (ids.AgentID, error) {
	return d.c.Registry.ClaimCompute(cannonID)
}

func (d *controlCannonDirectory) ReleaseClaim(agent ids.AgentID) error {
	return d.c.Registry.ReleaseClaim(agent)
}

// OnlineTargets returns every connected agent bound (across every
// environment) to a NodeKey matching any of targets, whose current
// reported state reports itself online.
func (d *controlCannonDirectory) OnlineTargets(targets []env.NodeTarget) []ids.AgentID {
	var out []ids.AgentID
	for _, e := range d.c.ListEnvs() {
		for key, state := range e.NodeStates {
			if state.Kind != env.EnvNodeInternal {
				continue
			}
			if !matchesAnyTarget(key, targets) {
				continue
			}
			a, err := d.c.Registry.Snapshot(state.Agent)
			if err != nil {
				continue
			}
			if a.Liveness.Kind != registry.LivenessConnected {
				continue
			}
			if a.Current.Spec != nil && a.Current.Spec.Online {
				out = append(out, state.Agent)
			}
		}
	}
	return out
}

func matchesAnyTarget(key ids.NodeKey, targets []env.NodeTarget) bool {
	for _, t := range targets {
		if key.Type != t.Type {
			continue
		}
		if t.Namespace != "" && key.Namespace != t.Namespace {
			continue
		}
		if matched, err := path.Match(t.IDGlob, key.ID); err == nil && matched {
			return true
		}
	}
	return false
}

func (d *controlCannonDirectory) CallAgentService(ctx context.Context, agent ids.AgentID, method string, body, out any) error {
	a, err := d.c.Registry.Snapshot(agent)
	if err != nil {
		return err
	}
	if a.Liveness.Kind != registry.LivenessConnected || a.Liveness.Handle == nil {
		return &NotConnectedError{Agent: agent}
	}
	return a.Liveness.Handle.CallAgentService(ctx, method, body, out)
}
