// Package agentproc implements the agent-side reconciler: the loop
// that takes a target AgentState handed down over the RPC channel and
// converges the local node process (and its storage) to match it.
package agentproc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/ids"
	"github.com/snopsgo/snops/pkg/rpc"
)

// ControlClient is the narrow seam the Reconciler uses to call back into
// the control plane over the same Conn it was dispatched on, kept
// separate from *rpc.Conn so tests can substitute a fake.
type ControlClient interface {
	CallControlService(ctx context.Context, method string, body, out any) error
}

// NodeRunner owns the local node child process: spawning it with the
// flags computed from a NodeStateSpec, waiting for it to report Started
// on its own HTTP surface, and tearing it down.
type NodeRunner interface {
	// Start spawns (or respawns, if already running with a different
	// spec) the node process and blocks until it reports Started via its
	// local /status webhook or ctx is done.
	Start(ctx context.Context, env ids.EnvID, spec agentstate.NodeStateSpec, ports agentstate.PortConfig, peers map[ids.AgentID]string) error
	// Stop sends SIGTERM, waits up to a grace period, then SIGKILL.
	Stop(ctx context.Context) error
	// Running reports whether a node process is currently active.
	Running() bool
}

// StorageFetcher ensures the local on-disk storage (binaries,
// checkpoints) matches what an EnvInfo describes, downloading whatever
// is missing.
type StorageFetcher interface {
	// Ensure downloads any binary/checkpoint artifacts this agent is
	// missing for info, invoking progress as bytes land.
	Ensure(ctx context.Context, info rpc.EnvInfo, progress func(total, downloaded uint64)) error
	// LocalVersion reports the storage version this agent currently has
	// cached on disk for id, if any.
	LocalVersion(id ids.StorageID) (uint16, bool)
}

// Reconciler drives one agent's local state toward whatever target the
// control plane most recently assigned, implementing the AgentService
// side of the RPC channel.
type Reconciler struct {
	self    ids.AgentID
	control ControlClient
	node    NodeRunner
	storage StorageFetcher
	ports   agentstate.PortConfig
	log     *slog.Logger

	// Optional wiring, set after New the way pkg/api's Server wires its
	// optional services: nil means the corresponding RPC method answers
	// with an error instead of panicking.
	snarkos    SnarkosClient
	authorizer Authorizer
	logLevel   *slog.LevelVar
	network    string
	external   string
	internal   []string
	localPK    bool

	mu      sync.Mutex
	current agentstate.AgentState
	cancel  context.CancelFunc
}

// SetSnarkosClient wires the local node REST/metrics client used by
// broadcast_tx, snarkos_get, and get_metric.
func (r *Reconciler) SetSnarkosClient(c SnarkosClient) { r.snarkos = c }

// SetAuthorizer wires the compute-side authorization builder used by
// execute_authorization.
func (r *Reconciler) SetAuthorizer(a Authorizer) { r.authorizer = a }

// SetLogLevel wires the level var set_log_level mutates.
func (r *Reconciler) SetLogLevel(lv *slog.LevelVar) { r.logLevel = lv }

// SetNetwork records the network name used in node REST paths.
func (r *Reconciler) SetNetwork(network string) { r.network = network }

// SetLocalAddrs records the address set get_addrs reports.
func (r *Reconciler) SetLocalAddrs(external string, internal []string) {
	r.external = external
	r.internal = internal
}

// SetLocalPrivateKey records whether this agent holds local key
// material; a target requiring PrivateKeyLocal is rejected without it.
func (r *Reconciler) SetLocalPrivateKey(have bool) { r.localPK = have }

// New builds a Reconciler starting from the Inventory state.
func New(self ids.AgentID, control ControlClient, node NodeRunner, storage StorageFetcher, ports agentstate.PortConfig, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		self:    self,
		control: control,
		node:    node,
		storage: storage,
		ports:   ports,
		log:     log,
		current: agentstate.Inventory(),
	}
}

// Current returns the reconciler's last-acked state.
func (r *Reconciler) Current() agentstate.AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Handle adapts the Reconciler to rpc.Handler for registration as the
// agent's AgentService dispatcher (MethodReconcile and friends).
func (r *Reconciler) Handle(ctx context.Context, method string, body json.RawMessage) (any, error) {
	switch method {
	case rpc.MethodReconcile:
		var target agentstate.AgentState
		if err := json.Unmarshal(body, &target); err != nil {
			return nil, &UnknownError{Err: err}
		}
		if err := r.Reconcile(ctx, target); err != nil {
			return nil, err
		}
		return r.Current(), nil
	case rpc.MethodKill:
		r.mu.Lock()
		if r.cancel != nil {
			r.cancel()
		}
		r.mu.Unlock()
		if err := r.node.Stop(ctx); err != nil {
			return nil, &ProcessError{Err: err}
		}
		return struct{}{}, nil
	case rpc.MethodGetAddrs:
		return rpc.GetAddrsResult{External: r.external, Internal: r.internal}, nil
	case rpc.MethodBroadcastTx:
		if r.snarkos == nil {
			return nil, rpc.ErrNoHandler
		}
		var req rpc.BroadcastTxRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, &UnknownError{Err: err}
		}
		network := req.Network
		if network == "" {
			network = r.network
		}
		txID, err := r.snarkos.BroadcastTx(ctx, network, req.Tx)
		if err != nil {
			return nil, err
		}
		return rpc.BroadcastTxResult{TransactionID: txID}, nil
	case rpc.MethodSnarkosGet:
		if r.snarkos == nil {
			return nil, rpc.ErrNoHandler
		}
		var req rpc.SnarkosGetRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, &UnknownError{Err: err}
		}
		status, respBody, err := r.snarkos.Get(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		return rpc.SnarkosGetResult{Status: status, Body: respBody}, nil
	case rpc.MethodGetMetric:
		if r.snarkos == nil {
			return nil, rpc.ErrNoHandler
		}
		var req rpc.GetMetricRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, &UnknownError{Err: err}
		}
		value, err := r.snarkos.Metric(ctx, req.Metric)
		if err != nil {
			return nil, err
		}
		return rpc.GetMetricResult{Value: value}, nil
	case rpc.MethodExecuteAuthorization:
		if r.authorizer == nil {
			return nil, rpc.ErrNoHandler
		}
		var req rpc.ExecuteAuthorizationRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, &UnknownError{Err: err}
		}
		tx, err := r.authorizer.ExecuteAuthorization(ctx, req.PrivateKeys, req.Queries)
		if err != nil {
			return nil, err
		}
		return rpc.ExecuteAuthorizationResult{Tx: tx}, nil
	case rpc.MethodSetLogLevel:
		var req rpc.SetLogLevelRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, &UnknownError{Err: err}
		}
		if r.logLevel != nil {
			var level slog.Level
			if err := level.UnmarshalText([]byte(req.Level)); err != nil {
				return nil, &UnknownError{Err: err}
			}
			r.logLevel.Set(level)
		}
		return struct{}{}, nil
	default:
		return nil, rpc.ErrNoHandler
	}
}

// Reconcile drives the agent toward target. Only one reconcile may be
// in flight at a time: a newly arrived call cancels an in-progress one,
// which then reports Aborted.
func (r *Reconciler) Reconcile(ctx context.Context, target agentstate.AgentState) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	err := r.converge(runCtx, target)

	if err != nil && runCtx.Err() == context.Canceled && ctx.Err() == nil {
		// runCtx was cancelled but the caller's own ctx wasn't: a newer
		// Reconcile call superseded us.
		return &AbortedError{}
	}

	r.mu.Lock()
	if err == nil {
		r.current = target
	}
	r.mu.Unlock()

	return err
}

// converge walks the full reconcile sequence: no-op check, stop on
// Inventory, storage sync, peer resolution, spawn, readiness wait.
func (r *Reconciler) converge(ctx context.Context, target agentstate.AgentState) error {
	current := r.Current()

	// Step 1: no-op if already there.
	if current.Equal(target) {
		return nil
	}

	// Step 2: releasing back to Inventory just stops the node.
	if target.IsInventory() {
		if err := r.node.Stop(ctx); err != nil {
			return &ProcessError{Err: err}
		}
		return nil
	}

	if target.Spec == nil {
		return &UnknownError{Err: fmt.Errorf("node target carries a nil spec")}
	}
	if target.Spec.PrivateKey.Mode == agentstate.PrivateKeyLocal && !r.localPK {
		return &NoLocalPrivateKeyError{}
	}

	// Step 3: fetch EnvInfo, compare storage versions, download gaps.
	var info rpc.EnvInfo
	if err := r.control.CallControlService(ctx, rpc.MethodGetEnvInfo, target.Env, &info); err != nil {
		return &EnvNotFoundError{Err: err}
	}
	if local, ok := r.storage.LocalVersion(info.Storage); !ok || local != info.StorageVersion {
		progress := func(total, downloaded uint64) {
			_ = r.control.CallControlService(ctx, rpc.MethodPostTransferStatus,
				rpc.TransferStatus{Total: total, Downloaded: downloaded}, nil)
		}
		if err := r.storage.Ensure(ctx, info, progress); err != nil {
			return &StorageAcquireError{Err: err}
		}
	}

	// Step 4: resolve addresses for every internal peer/validator.
	peers, err := r.resolvePeers(ctx, target.Spec)
	if err != nil {
		return err
	}

	// Step 5: spawn (or respawn) the node and wait for it to report
	// Started on its own status webhook.
	if err := r.node.Start(ctx, target.Env, *target.Spec, r.ports, peers); err != nil {
		return &ProcessError{Err: err}
	}

	// Step 6: success is implicit in returning nil; the caller acks and
	// records target as current.
	return nil
}

// resolvePeers collects every Internal AgentPeer referenced by spec and
// asks the control plane to resolve them to dialable addresses.
func (r *Reconciler) resolvePeers(ctx context.Context, spec *agentstate.NodeStateSpec) (map[ids.AgentID]string, error) {
	seen := make(map[ids.AgentID]struct{})
	var want []ids.AgentID
	collect := func(peers []agentstate.AgentPeer) error {
		for _, p := range peers {
			if p.Kind != agentstate.PeerInternal {
				continue
			}
			if p.Agent == "" {
				return &ExpectedInternalAgentPeerError{}
			}
			if _, ok := seen[p.Agent]; ok {
				continue
			}
			seen[p.Agent] = struct{}{}
			want = append(want, p.Agent)
		}
		return nil
	}
	if err := collect(spec.Peers); err != nil {
		return nil, err
	}
	if err := collect(spec.Validators); err != nil {
		return nil, err
	}
	if len(want) == 0 {
		return nil, nil
	}

	var result rpc.ResolveAddrsResult
	if err := r.control.CallControlService(ctx, rpc.MethodResolveAddrs, rpc.ResolveAddrsRequest{Peers: want}, &result); err != nil {
		return nil, &ResolveAddrError{Err: err}
	}
	for _, id := range want {
		if _, ok := result.Addrs[id]; !ok {
			reason := result.Failures[id]
			if reason == "" {
				reason = "no address returned"
			}
			return nil, &ResolveAddrError{Err: fmt.Errorf("peer %q: %s", id, reason)}
		}
	}
	return result.Addrs, nil
}
