package env

import (
	"fmt"

	"github.com/snopsgo/snops/pkg/ids"
)

// InsufficientAgentsError is returned when the maximum-matching
// binding pass cannot place every required node.
type InsufficientAgentsError struct {
	Role ids.NodeType
	Need int
	Have int
}

func (e *InsufficientAgentsError) Error() string {
	return fmt.Sprintf("env: insufficient agents for role %q: need %d, have %d", e.Role, e.Need, e.Have)
}

// EnvNotFoundError is returned when an operation references an EnvID
// the compiler has never produced (or has since removed).
type EnvNotFoundError struct {
	ID ids.EnvID
}

func (e *EnvNotFoundError) Error() string {
	return fmt.Sprintf("env: environment %q not found", e.ID)
}

// StorageAcquireError wraps a failure registering or downloading a
// storage document's artifacts.
type StorageAcquireError struct {
	Storage ids.StorageID
	Err     error
}

func (e *StorageAcquireError) Error() string {
	return fmt.Sprintf("env: acquire storage %q: %v", e.Storage, e.Err)
}

func (e *StorageAcquireError) Unwrap() error { return e.Err }

// ExpectedInternalAgentPeerError is returned when a peer/validator
// NodeTarget resolves to an EnvNodeState that isn't Internal but the
// caller required an AgentID (e.g. for claim release bookkeeping).
type ExpectedInternalAgentPeerError struct {
	Key ids.NodeKey
}

func (e *ExpectedInternalAgentPeerError) Error() string {
	return fmt.Sprintf("env: expected node %s to be bound to an agent", e.Key)
}
