package rpc

import "github.com/snopsgo/snops/pkg/ids"

// Method names for the two logical services multiplexed over a Conn.
// AgentService methods are invoked via CallAgentService
// (control → agent); ControlService methods are invoked via
// CallControlService (agent → control).
const (
	MethodHandshake            = "handshake"
	MethodGetAddrs             = "get_addrs"
	MethodReconcile            = "reconcile"
	MethodBroadcastTx          = "broadcast_tx"
	MethodSnarkosGet           = "snarkos_get"
	MethodKill                 = "kill"
	MethodExecuteAuthorization = "execute_authorization"
	MethodGetMetric            = "get_metric"
	MethodSetLogLevel          = "set_log_level"

	MethodResolveAddrs        = "resolve_addrs"
	MethodGetEnvInfo          = "get_env_info"
	MethodPostTransferStatus  = "post_transfer_status"
	MethodPostTransferStatuses = "post_transfer_statuses"
	MethodPostBlockStatus     = "post_block_status"
	MethodPostNodeStatus      = "post_node_status"
	MethodPostReconcileStatus = "post_reconcile_status"
)

// HandshakePayload is the body of the initial handshake call a newly
// connected agent sends to the control plane.
// ID/Mode/LocalPK/Labels/Addrs are the
// agent's own self-description, carried alongside the documented
// fields so the control plane's registry (which needs an identity to
// upsert) doesn't have to invert the JWT to recover one.
type HandshakePayload struct {
	ID      string   `json:"id"`
	Mode    string   `json:"mode"`
	LocalPK bool     `json:"local_pk,omitempty"`
	Labels  []string `json:"labels,omitempty"`

	External string   `json:"external,omitempty"`
	Internal []string `json:"internal,omitempty"`

	JWT  string `json:"jwt,omitempty"`
	Loki string `json:"loki,omitempty"`
	State any   `json:"state"` // agentstate.AgentState, kept as any to avoid an import cycle
	// Version is the agent's semver, checked against the control plane's
	// compatibility window.
	Version string `json:"version"`
}

// HandshakeResult is returned to the agent on a successful handshake.
type HandshakeResult struct {
	JWT   string `json:"jwt"`
	Nonce uint16 `json:"nonce"`
}

// TransferStatus reports artifact download progress.
type TransferStatus struct {
	Total      uint64 `json:"total"`
	Downloaded uint64 `json:"downloaded"`
}

// ResolveAddrsRequest asks the control plane to resolve a set of peer
// agent ids to addresses reachable from the calling agent, invoked as
// part of the agent's reconcile loop.
type ResolveAddrsRequest struct {
	Peers []ids.AgentID `json:"peers"`
}

// ResolveAddrsResult carries one resolved address per peer that
// resolved successfully; peers missing from Addrs failed to resolve
// (see Failures for the per-peer reason).
type ResolveAddrsResult struct {
	Addrs    map[ids.AgentID]string `json:"addrs"`
	Failures map[ids.AgentID]string `json:"failures,omitempty"`
}

// BinaryRef is the wire shape of one downloadable node binary, as
// reported by GetEnvInfo (mirrors env.BinaryEntry without importing
// pkg/env, which would invert the dependency direction between a
// transport-layer package and a domain package).
type BinaryRef struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
}

// CheckpointRef is the wire shape of one storage checkpoint (mirrors
// env.CheckpointMeta, see BinaryRef's note).
type CheckpointRef struct {
	Height    uint64 `json:"height"`
	Timestamp int64  `json:"timestamp"`
	Hash      string `json:"hash"`
}

// EnvInfo is returned by GetEnvInfo so an agent can compare its locally
// cached storage version against the environment it has just been
// assigned to.
type EnvInfo struct {
	Env            ids.EnvID                    `json:"env"`
	Storage        ids.StorageID                `json:"storage"`
	StorageVersion uint16                        `json:"storage_version"`
	Network        ids.NetworkID                 `json:"network"`
	NativeGenesis  bool                          `json:"native_genesis"`
	Binaries       map[ids.BinaryID]BinaryRef    `json:"binaries"`
	Checkpoints    []CheckpointRef               `json:"checkpoints,omitempty"`
}

// NodeStatusReport is the agent's periodic report of its node process's
// liveness and chain height (post_node_status).
type NodeStatusReport struct {
	Agent  ids.AgentID `json:"agent"`
	Online bool        `json:"online"`
	Height uint64      `json:"height,omitempty"`
}

// BlockStatusReport announces that a transaction the agent broadcast
// has been confirmed in a block (post_block_status); the control
// plane republishes it as a BlockConfirmed event for the cannon
// pipeline awaiting that transaction id.
type BlockStatusReport struct {
	Agent         ids.AgentID `json:"agent"`
	TransactionID string      `json:"transaction_id"`
	Height        uint64      `json:"height"`
}

// ReconcileStatusReport is the agent's asynchronous narration of its
// own reconcile progress (post_reconcile_status), distinct from the
// synchronous ack returned from the AgentService.reconcile call itself
// and is how an agent reports an Aborted outcome when a newer
// reconcile superseded an in-flight one after the RPC caller's
// deadline had already elapsed.
type ReconcileStatusReport struct {
	Agent  ids.AgentID `json:"agent"`
	Kind   string      `json:"kind"` // "ok" | "aborted" | "error"
	Reason string      `json:"reason,omitempty"`
}

// BroadcastTxRequest carries one serialized transaction for the agent
// to submit to its local node.
type BroadcastTxRequest struct {
	Network string `json:"network,omitempty"`
	Tx      []byte `json:"tx"`
}

// BroadcastTxResult carries the transaction id the node assigned.
type BroadcastTxResult struct {
	TransactionID string `json:"transaction_id"`
}

// ExecuteAuthorizationRequest asks a compute agent to build a
// transaction authorization from the given keys and queries.
type ExecuteAuthorizationRequest struct {
	PrivateKeys []string `json:"private_keys"`
	Queries     []string `json:"queries"`
}

// ExecuteAuthorizationResult carries the serialized authorization.
type ExecuteAuthorizationResult struct {
	Tx []byte `json:"tx"`
}

// GetAddrsResult reports the agent's own view of its addresses, used
// by the control plane to refresh a record without a full handshake.
type GetAddrsResult struct {
	External string   `json:"external,omitempty"`
	Internal []string `json:"internal"`
}

// KillRequest asks the agent to terminate its node process and, unlike
// Inventory's stop-the-child-process semantics, the agent process
// itself. Kill is the only path on which an agent exits 0.
type KillRequest struct {
	Reason string `json:"reason,omitempty"`
}

// GetMetricRequest asks the agent's node process for one named metric
// from its local /metrics endpoint.
type GetMetricRequest struct {
	Metric string `json:"metric"`
}

// GetMetricResult carries the raw metric value as text (Prometheus
// exposition format is line-oriented text, so no further structure is
// imposed here).
type GetMetricResult struct {
	Value string `json:"value"`
}

// SetLogLevelRequest asks the agent to change its local slog level.
type SetLogLevelRequest struct {
	Level string `json:"level"`
}

// SnarkosGetRequest proxies a GET to the node's local REST endpoint,
// used by operator tooling to inspect node state without the operator
// needing direct network access to the agent's host.
type SnarkosGetRequest struct {
	Path string `json:"path"`
}

// SnarkosGetResult carries the proxied response.
type SnarkosGetResult struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}
