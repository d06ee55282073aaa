package agentstate

import "github.com/snopsgo/snops/pkg/ids"

// ClaimKind discriminates the Claim sum type on the wire.
type ClaimKind string

const (
	ClaimFree          ClaimKind = "free"
	ClaimByEnv         ClaimKind = "env"
	ClaimByCompute     ClaimKind = "compute"
)

// Claim tracks who currently owns an agent: nobody, an environment (the
// agent is bound to a NodeKey), or a cannon (the agent is doing
// authorization work as a compute agent).
type Claim struct {
	Kind   ClaimKind `json:"kind"`
	Env    ids.EnvID    `json:"env,omitempty"`
	Cannon ids.CannonID `json:"cannon,omitempty"`
}

// FreeClaim is the zero claim: no env or cannon owns this agent.
func FreeClaim() Claim { return Claim{Kind: ClaimFree} }

// EnvClaim claims the agent on behalf of an environment.
func EnvClaim(env ids.EnvID) Claim { return Claim{Kind: ClaimByEnv, Env: env} }

// ComputeClaim claims the agent on behalf of a cannon's authorize stage.
func ComputeClaim(cannon ids.CannonID) Claim { return Claim{Kind: ClaimByCompute, Cannon: cannon} }

// IsFree reports whether nothing currently claims the agent.
func (c Claim) IsFree() bool { return c.Kind == ClaimFree }
