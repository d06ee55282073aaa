package env

import (
	"fmt"
	"path"

	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/ids"
)

// AgentSource is the narrow seam the compiler uses to read eligible
// agents and commit bindings, keeping pkg/env decoupled from
// pkg/registry's concrete mutation API.
type AgentSource interface {
	// Candidates returns every agent the binder may consider,
	// including ones already bound within this env (so a patch can
	// keep a persisting binding).
	Candidates() []Candidate
	Ports(agent ids.AgentID) (agentstate.PortConfig, bool)
	Claim(agent ids.AgentID, claim agentstate.Claim) error
	SetTarget(agent ids.AgentID, target agentstate.AgentState) error
}

// Compile resolves a DocumentSet into a new Environment: storage
// registration, replica expansion, agent binding, peer resolution, and
// per-agent state assembly. id is the new environment's identity
// (caller-assigned via pkg/ids interning).
func Compile(id ids.EnvID, docs DocumentSet, src AgentSource) (*Environment, error) {
	return applyDocuments(id, nil, docs, src)
}

// Patch re-runs the resolution pipeline against the union of the old
// environment's specs and the new documents' nodes: persisting
// NodeKey->agent bindings are
// kept, removed node-keys release their agents to Inventory, new
// bindings are added, and peer/validator lists are recomputed from
// scratch.
func Patch(existing *Environment, docs DocumentSet, src AgentSource) (*Environment, error) {
	return applyDocuments(existing.ID, existing, docs, src)
}

func applyDocuments(id ids.EnvID, existing *Environment, docs DocumentSet, src AgentSource) (*Environment, error) {
	if len(docs.Storage) == 0 && existing == nil {
		return nil, fmt.Errorf("env: compile %s: no storage document", id)
	}

	storage := ids.StorageID("")
	network := ids.NetworkID("")
	if len(docs.Storage) > 0 {
		storage = docs.Storage[len(docs.Storage)-1].ID
		network = docs.Storage[len(docs.Storage)-1].Network
	} else {
		storage = existing.Storage
		network = existing.Network
	}

	// Step 2: expand replicas into concrete NodeSpecs keyed by NodeKey.
	specs := make(map[ids.NodeKey]NodeSpec)
	for _, doc := range docs.Nodes {
		for _, spec := range doc.Nodes {
			for _, key := range expandReplicas(spec) {
				specs[key] = spec
			}
		}
	}
	if existing != nil && len(docs.Nodes) == 0 {
		// The patch carried no nodes document at all (e.g. only a
		// cannon document changed): leave node bindings untouched.
		for k, s := range existing.specs {
			specs[k] = s
		}
	}

	// Step 3: bind new/changed keys via maximum matching; keep
	// persisting bindings from the prior environment untouched.
	assigned := make(map[ids.NodeKey]ids.AgentID)
	var toBind []bindingRequest
	for key, spec := range specs {
		if spec.ExternalAddr != "" {
			continue
		}
		if existing != nil {
			if prevState, ok := existing.NodeStates[key]; ok && prevState.Kind == EnvNodeInternal {
				if prevSpec, ok := existing.specs[key]; ok && sameBindingRequirements(prevSpec, spec) {
					assigned[key] = prevState.Agent
					continue
				}
			}
		}
		toBind = append(toBind, bindingRequest{Key: key, Required: labelSet(spec.Labels)})
	}

	pool := freeCandidates(src.Candidates(), assigned)
	newAssigned, unmatched := maxBipartiteMatch(toBind, pool)
	for k, v := range newAssigned {
		assigned[k] = v
	}
	if len(unmatched) > 0 {
		byRole := map[ids.NodeType]int{}
		for _, u := range unmatched {
			byRole[u.Key.Type]++
		}
		for role, need := range byRole {
			have := countEligible(pool, role)
			return nil, &InsufficientAgentsError{Role: role, Need: need, Have: have}
		}
	}

	// Release agents bound in the old env but no longer present.
	if existing != nil {
		for key, state := range existing.NodeStates {
			if state.Kind != EnvNodeInternal {
				continue
			}
			if _, stillBound := assigned[key]; !stillBound {
				if err := src.Claim(state.Agent, agentstate.FreeClaim()); err != nil {
					return nil, err
				}
				if err := src.SetTarget(state.Agent, agentstate.Inventory()); err != nil {
					return nil, err
				}
			}
		}
	}

	nodeStates := make(map[ids.NodeKey]EnvNodeState, len(specs))
	for key, agent := range assigned {
		nodeStates[key] = EnvNodeState{Kind: EnvNodeInternal, Agent: agent}
	}
	for key, spec := range specs {
		if spec.ExternalAddr != "" {
			nodeStates[key] = EnvNodeState{Kind: EnvNodeExternal, KnownAddr: spec.ExternalAddr}
		}
	}

	newEnv := &Environment{
		ID:         id,
		Storage:    storage,
		Network:    network,
		NodeStates: nodeStates,
		Cannons:    map[ids.CannonID]struct{}{},
		specs:      specs,
	}
	if existing != nil {
		newEnv.Persist = existing.Persist
		for c := range existing.Cannons {
			newEnv.Cannons[c] = struct{}{}
		}
	}

	// Resolve peers/validators for every bound agent first, so a bad
	// target pattern fails the apply before any claim is committed.
	nodeSpecs := make(map[ids.NodeKey]agentstate.NodeStateSpec, len(assigned))
	for key := range assigned {
		nodeSpec, err := buildNodeStateSpec(key, specs[key], newEnv, src)
		if err != nil {
			return nil, err
		}
		nodeSpecs[key] = nodeSpec
	}
	for key, agent := range assigned {
		if err := src.Claim(agent, agentstate.EnvClaim(id)); err != nil {
			return nil, err
		}
		if err := src.SetTarget(agent, agentstate.Node(id, nodeSpecs[key])); err != nil {
			return nil, err
		}
	}

	return newEnv, nil
}

func expandReplicas(spec NodeSpec) []ids.NodeKey {
	n := spec.Replicas
	if n <= 0 {
		n = 1
	}
	if spec.Replicas == 0 {
		return []ids.NodeKey{{Type: spec.Type, ID: spec.ID, Namespace: spec.Namespace}}
	}
	keys := make([]ids.NodeKey, n)
	for i := 0; i < n; i++ {
		keys[i] = ids.NodeKey{Type: spec.Type, ID: fmt.Sprintf("%s-%d", spec.ID, i), Namespace: spec.Namespace}
	}
	return keys
}

func labelSet(labels []string) ids.LabelSet {
	set := make(ids.LabelSet, len(labels))
	for _, l := range labels {
		set[ids.LabelID(l)] = struct{}{}
	}
	return set
}

func sameBindingRequirements(a, b NodeSpec) bool {
	if len(a.Labels) != len(b.Labels) {
		return false
	}
	as, bs := labelSet(a.Labels), labelSet(b.Labels)
	for l := range as {
		if _, ok := bs[l]; !ok {
			return false
		}
	}
	return a.Type == b.Type
}

func freeCandidates(all []Candidate, alreadyAssigned map[ids.NodeKey]ids.AgentID) []Candidate {
	taken := make(map[ids.AgentID]bool, len(alreadyAssigned))
	for _, a := range alreadyAssigned {
		taken[a] = true
	}
	out := make([]Candidate, 0, len(all))
	for _, c := range all {
		if !taken[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

func countEligible(pool []Candidate, role ids.NodeType) int {
	n := 0
	for _, c := range pool {
		if modeCompatible(c.Mode, role) && c.Free {
			n++
		}
	}
	return n
}

// buildNodeStateSpec resolves a bound node's peers/validators against
// the environment being built and produces its NodeStateSpec.
func buildNodeStateSpec(key ids.NodeKey, spec NodeSpec, newEnv *Environment, src AgentSource) (agentstate.NodeStateSpec, error) {
	peers, err := resolveTargets(spec.Peers, newEnv, src, agentstate.DefaultNodePort)
	if err != nil {
		return agentstate.NodeStateSpec{}, err
	}
	validators, err := resolveTargets(spec.Validators, newEnv, src, agentstate.DefaultBFTPort)
	if err != nil {
		return agentstate.NodeStateSpec{}, err
	}
	return agentstate.NodeStateSpec{
		NodeKey:       key,
		PrivateKey:    spec.PrivateKey,
		HeightRequest: spec.HeightRequest,
		Online:        spec.Online,
		Peers:         peers,
		Validators:    validators,
		Env:           spec.Env,
	}, nil
}

// resolveTargets expands each NodeTarget glob pattern to the set of
// NodeKeys present in the environment, mapping bound internal keys to
// AgentPeer::Internal and external keys to AgentPeer::External.
// defaultPort is used when the peer's own
// port_config can't be looked up.
func resolveTargets(targets []NodeTarget, newEnv *Environment, src AgentSource, defaultPort int) ([]agentstate.AgentPeer, error) {
	var out []agentstate.AgentPeer
	for _, t := range targets {
		for key, state := range newEnv.NodeStates {
			if key.Type != t.Type {
				continue
			}
			if t.Namespace != "" && key.Namespace != t.Namespace {
				continue
			}
			matched, err := path.Match(t.IDGlob, key.ID)
			if err != nil {
				return nil, fmt.Errorf("env: invalid node target glob %q: %w", t.IDGlob, err)
			}
			if !matched {
				continue
			}
			switch state.Kind {
			case EnvNodeInternal:
				if state.Agent == "" {
					return nil, &ExpectedInternalAgentPeerError{Key: key}
				}
				port := defaultPort
				if pc, ok := src.Ports(state.Agent); ok {
					if defaultPort == agentstate.DefaultBFTPort {
						port = pc.BFT
					} else {
						port = pc.Node
					}
				}
				out = append(out, agentstate.InternalPeer(state.Agent, port))
			case EnvNodeExternal:
				out = append(out, agentstate.ExternalPeer(state.KnownAddr))
			}
		}
	}
	return out, nil
}
