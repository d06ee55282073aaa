package control

import (
	"fmt"

	"github.com/snopsgo/snops/pkg/ids"
)

// IncompatibleVersionError is returned when a handshaking agent's
// semver falls outside the control plane's compatibility window.
type IncompatibleVersionError struct {
	Control string
	Agent   string
}

func (e *IncompatibleVersionError) Error() string {
	return fmt.Sprintf("control: agent version %q incompatible with control version %q", e.Agent, e.Control)
}

func (e *IncompatibleVersionError) Kind() string { return "Agent.IncompatibleVersion" }

// InvalidHandshakeTokenError is returned when a reconnecting agent
// presents a JWT that doesn't verify or names a different agent id.
type InvalidHandshakeTokenError struct{}

func (e *InvalidHandshakeTokenError) Error() string { return "control: invalid handshake token" }

func (e *InvalidHandshakeTokenError) Kind() string { return "Agent.InvalidToken" }

// NotBoundError is returned when an agent asks for environment info
// while its target state is Inventory.
type NotBoundError struct {
	Agent ids.AgentID
}

func (e *NotBoundError) Error() string {
	return fmt.Sprintf("control: agent %q is not bound to an environment", e.Agent)
}

func (e *NotBoundError) Kind() string { return "Reconcile.Unknown" }

// StorageNotFoundError is returned when an environment references a
// storage document the control plane never registered.
type StorageNotFoundError struct {
	Network ids.NetworkID
	Storage ids.StorageID
}

func (e *StorageNotFoundError) Error() string {
	return fmt.Sprintf("control: storage %q/%q not found", e.Network, e.Storage)
}

func (e *StorageNotFoundError) Kind() string { return "Storage.NotFound" }

// NotConnectedError is returned when an RPC is attempted against an
// agent with no live handle.
type NotConnectedError struct {
	Agent ids.AgentID
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("control: agent %q not connected", e.Agent)
}

func (e *NotConnectedError) Kind() string { return "Agent.NotConnected" }

// CannonNotFoundError is returned when an operation references a
// cannon id with no running instance.
type CannonNotFoundError struct {
	ID ids.CannonID
}

func (e *CannonNotFoundError) Error() string {
	return fmt.Sprintf("control: cannon %q not found", e.ID)
}

func (e *CannonNotFoundError) Kind() string { return "Cannon.NotFound" }

// CannonAlreadyRunningError is returned by StartCannon when the given
// cannon id is already attached and running.
type CannonAlreadyRunningError struct {
	ID ids.CannonID
}

func (e *CannonAlreadyRunningError) Error() string {
	return fmt.Sprintf("control: cannon %q already running", e.ID)
}

func (e *CannonAlreadyRunningError) Kind() string { return "Cannon.AlreadyRunning" }
