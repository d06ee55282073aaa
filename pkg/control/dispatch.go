package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/env"
	"github.com/snopsgo/snops/pkg/events"
	"github.com/snopsgo/snops/pkg/ids"
	"github.com/snopsgo/snops/pkg/registry"
	"github.com/snopsgo/snops/pkg/resolve"
	"github.com/snopsgo/snops/pkg/rpc"
	"github.com/snopsgo/snops/pkg/version"
)

// agentClaims is the JWT payload minted for an agent on handshake;
// reconnects present it back so the control plane can recognize a
// previously-seen agent without re-deriving identity from the
// transport.
type agentClaims struct {
	jwt.RegisteredClaims
	AgentID string `json:"agent_id"`
}

func mintJWT(secret string, id ids.AgentID) (string, error) {
	claims := agentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.New().String(),
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
		AgentID: string(id),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func validateJWT(secret, token string) (ids.AgentID, error) {
	claims := &agentClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return "", &InvalidHandshakeTokenError{}
	}
	return ids.AgentID(claims.AgentID), nil
}

// Handshake processes a newly connected agent's first call (sent via
// CallControlService, see pkg/api's websocket handler). It validates
// the agent's semver, mints or re-validates its session token, and
// registers the agent in the registry with handle as its live RPC
// connection.
func (c *Control) Handshake(ctx context.Context, handle registry.RPCHandle, body json.RawMessage) (any, error) {
	var payload rpc.HandshakePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("control: decode handshake payload: %w", err)
	}

	compatible, err := rpc.CompatibleVersion(version.Semver, payload.Version)
	if err != nil {
		return nil, err
	}
	if !compatible {
		return nil, &IncompatibleVersionError{Control: version.Semver, Agent: payload.Version}
	}

	id := ids.AgentID(payload.ID)
	if err := ids.Validate(string(id)); err != nil {
		return nil, err
	}

	if payload.JWT != "" {
		got, err := validateJWT(c.cfg.JWTSecret, payload.JWT)
		if err != nil || got != id {
			return nil, &InvalidHandshakeTokenError{}
		}
	}

	token, err := mintJWT(c.cfg.JWTSecret, id)
	if err != nil {
		return nil, fmt.Errorf("control: mint handshake token: %w", err)
	}

	flags := agentstate.Flags{
		Mode:    agentstate.Mode(payload.Mode),
		LocalPK: payload.LocalPK,
		Labels:  c.interner.InternAll(payload.Labels),
	}
	addrs := agentstate.Addrs{External: payload.External, Internal: payload.Internal}

	var state agentstate.AgentState
	if raw, merr := json.Marshal(payload.State); merr == nil {
		_ = json.Unmarshal(raw, &state)
	}

	if _, err := c.Registry.UpsertOnHandshake(registry.HandshakeInput{
		ID: id, Flags: flags, Addrs: addrs, Handle: handle, State: state,
	}); err != nil {
		return nil, err
	}

	snap, err := c.Registry.Snapshot(id)
	if err != nil {
		return nil, err
	}

	c.Bus.Publish(events.Event{Timestamp: time.Now(), Kind: events.KindAgentConnected, Agent: id})

	return rpc.HandshakeResult{JWT: token, Nonce: snap.Nonce}, nil
}

// HandleAgentRequest dispatches a ControlService call from observer
// (the agent the call arrived on, identified by pkg/api's per-conn
// handshake bookkeeping since rpc.Handler itself carries no caller
// identity).
func (c *Control) HandleAgentRequest(ctx context.Context, observer ids.AgentID, method string, body json.RawMessage) (any, error) {
	switch method {
	case rpc.MethodResolveAddrs:
		return c.handleResolveAddrs(observer, body)
	case rpc.MethodGetEnvInfo:
		return c.handleGetEnvInfo(observer)
	case rpc.MethodPostTransferStatus, rpc.MethodPostTransferStatuses:
		c.log.Debug("transfer status", "agent", observer)
		return struct{}{}, nil
	case rpc.MethodPostBlockStatus:
		return c.handlePostBlockStatus(observer, body)
	case rpc.MethodPostNodeStatus:
		return c.handlePostNodeStatus(observer, body)
	case rpc.MethodPostReconcileStatus:
		return c.handlePostReconcileStatus(observer, body)
	default:
		return nil, fmt.Errorf("control: unknown control-service method %q", method)
	}
}

func (c *Control) handleResolveAddrs(observer ids.AgentID, body json.RawMessage) (any, error) {
	var req rpc.ResolveAddrsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	results, err := resolve.ResolveTolerant(c.resolveLookup, observer, req.Peers)
	if err != nil {
		return nil, err
	}
	res := rpc.ResolveAddrsResult{Addrs: make(map[ids.AgentID]string)}
	for _, r := range results {
		if r.Err != nil {
			if res.Failures == nil {
				res.Failures = make(map[ids.AgentID]string)
			}
			res.Failures[r.Peer] = r.Err.Error()
			continue
		}
		res.Addrs[r.Peer] = r.Addr
	}
	return res, nil
}

func (c *Control) handleGetEnvInfo(observer ids.AgentID) (any, error) {
	snap, err := c.Registry.Snapshot(observer)
	if err != nil {
		return nil, err
	}
	if snap.Target.IsInventory() {
		return nil, &NotBoundError{Agent: observer}
	}
	e, ok := c.lookupEnv(snap.Target.Env)
	if !ok {
		return nil, &env.EnvNotFoundError{ID: snap.Target.Env}
	}
	sd, ok := c.GetStorage(e.Network, e.Storage)
	if !ok {
		return nil, &StorageNotFoundError{Network: e.Network, Storage: e.Storage}
	}

	binaries := make(map[ids.BinaryID]rpc.BinaryRef, len(sd.Binaries))
	for bid, be := range sd.Binaries {
		binaries[bid] = rpc.BinaryRef{URL: be.URL, SHA256: be.SHA256}
	}
	checkpoints := make([]rpc.CheckpointRef, 0, len(sd.Checkpoints))
	for _, cp := range sd.Checkpoints {
		checkpoints = append(checkpoints, rpc.CheckpointRef{Height: cp.Height, Timestamp: cp.Timestamp, Hash: cp.Hash})
	}

	return rpc.EnvInfo{
		Env:            e.ID,
		Storage:        e.Storage,
		StorageVersion: sd.Version,
		Network:        e.Network,
		NativeGenesis:  sd.NativeGenesis,
		Binaries:       binaries,
		Checkpoints:    checkpoints,
	}, nil
}

func (c *Control) handlePostBlockStatus(observer ids.AgentID, body json.RawMessage) (any, error) {
	var report rpc.BlockStatusReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, err
	}
	c.Bus.Publish(events.Event{
		Timestamp:   time.Now(),
		Kind:        events.KindBlockConfirmed,
		Agent:       observer,
		Transaction: report.TransactionID,
	})
	return struct{}{}, nil
}

func (c *Control) handlePostNodeStatus(observer ids.AgentID, body json.RawMessage) (any, error) {
	var report rpc.NodeStatusReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, err
	}
	c.log.Debug("node status", "agent", observer, "online", report.Online, "height", report.Height)
	return struct{}{}, nil
}

func (c *Control) handlePostReconcileStatus(observer ids.AgentID, body json.RawMessage) (any, error) {
	var report rpc.ReconcileStatusReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, err
	}
	kind := events.KindAgentReconciled
	if report.Kind != "ok" {
		kind = events.KindAgentReconcileFailed
	}
	c.Bus.Publish(events.Event{Timestamp: time.Now(), Kind: kind, Agent: observer, Reason: report.Reason})
	return struct{}{}, nil
}
