package env

import "github.com/snopsgo/snops/pkg/ids"

// Candidate is the narrow view of an agent the binder needs: enough to
// decide eligibility for a NodeKey without importing pkg/registry
// (which would create an import cycle, since reconcile depends on
// both env and registry).
type Candidate struct {
	ID     ids.AgentID
	Mode   candidateMode
	Labels ids.LabelSet
	Free   bool
}

// candidateMode is declared as an alias-free type here (rather than
// importing agentstate.Mode) only to express intent; callers pass
// agentstate.Mode values directly since the underlying type is string.
type candidateMode = string

// eligible reports whether a candidate can be bound to a node: mode
// compatible with the node type, labels a superset of the required
// labels, claim Free.
func eligible(c Candidate, nodeType ids.NodeType, required ids.LabelSet) bool {
	if !c.Free {
		return false
	}
	if !modeCompatible(c.Mode, nodeType) {
		return false
	}
	have := c.Labels
	for want := range required {
		if _, ok := have[want]; !ok {
			return false
		}
	}
	return true
}

func modeCompatible(mode candidateMode, nodeType ids.NodeType) bool {
	switch nodeType {
	case ids.NodeTypeValidator:
		return mode == "validator"
	case ids.NodeTypeProver:
		return mode == "prover"
	case ids.NodeTypeClient:
		return mode == "client"
	default:
		return false
	}
}

// bindingRequest is one NodeKey needing an agent, in binding order.
type bindingRequest struct {
	Key      ids.NodeKey
	Required ids.LabelSet
}

// maxBipartiteMatch computes a maximum matching between requests and
// candidates via the augmenting-path (Hungarian/Kuhn) algorithm: for
// each request, attempt to find a free candidate, retrying already-
// matched candidates by recursively freeing up their current
// assignment if an alternative exists. This guarantees a maximum
// matching, not just a greedy first-fit one.
func maxBipartiteMatch(requests []bindingRequest, pool []Candidate) (map[ids.NodeKey]ids.AgentID, []bindingRequest) {
	matchOf := make(map[ids.AgentID]bindingRequest) // candidate -> request currently assigned
	assigned := make(map[ids.NodeKey]ids.AgentID)

	eligibleFor := func(req bindingRequest) []Candidate {
		out := make([]Candidate, 0, len(pool))
		for _, c := range pool {
			if eligible(c, req.Key.Type, req.Required) {
				out = append(out, c)
			}
		}
		return out
	}

	var tryAssign func(req bindingRequest, visited map[ids.AgentID]bool) bool
	tryAssign = func(req bindingRequest, visited map[ids.AgentID]bool) bool {
		for _, c := range eligibleFor(req) {
			if visited[c.ID] {
				continue
			}
			visited[c.ID] = true
			existingReq, taken := matchOf[c.ID]
			// Either the candidate is free, or its current request can
			// be rehomed onto some other candidate.
			if !taken || tryAssign(existingReq, visited) {
				matchOf[c.ID] = req
				assigned[req.Key] = c.ID
				return true
			}
		}
		return false
	}

	var unmatched []bindingRequest
	for _, req := range requests {
		if !tryAssign(req, make(map[ids.AgentID]bool)) {
			unmatched = append(unmatched, req)
		}
	}

	return assigned, unmatched
}
