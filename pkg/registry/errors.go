package registry

import "fmt"

// NotFoundError is returned when an operation references an AgentID
// the registry has never seen (or has forgotten via explicit removal).
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("registry: agent %q not found", e.ID)
}

// StaleNonceError is returned when an RPC message carries a nonce that
// no longer matches the agent's current nonce: the caller must
// instruct the agent to re-handshake.
type StaleNonceError struct {
	ID       string
	Got      uint16
	Expected uint16
}

func (e *StaleNonceError) Error() string {
	return fmt.Sprintf("registry: stale nonce for agent %q (got %d, want %d); re-handshake required", e.ID, e.Got, e.Expected)
}

// NoComputeAgentsError is returned by ClaimCompute when no Free agent
// has flags.mode.compute set.
type NoComputeAgentsError struct{}

func (e *NoComputeAgentsError) Error() string {
	return "registry: no compute-eligible agent available"
}
