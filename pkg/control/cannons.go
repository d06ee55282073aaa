package control

import (
	"context"
	"fmt"

	"github.com/snopsgo/snops/pkg/cannon"
	"github.com/snopsgo/snops/pkg/env"
	"github.com/snopsgo/snops/pkg/ids"
	"github.com/snopsgo/snops/pkg/rpc"
)

type runningCannon struct {
	cannon *cannon.Cannon
	envID  ids.EnvID
	doc    env.CannonDocument
	done   chan struct{}
}

// StartCannon attaches and runs a cannon for envID, resuming from
// resume's bookkeeping if given (an instance cannon restored across a
// restart).
func (c *Control) StartCannon(envID ids.EnvID, doc env.CannonDocument, resume *cannon.PersistCannon) error {
	c.mu.Lock()
	if _, exists := c.cannons[doc.ID]; exists {
		c.mu.Unlock()
		return &CannonAlreadyRunningError{ID: doc.ID}
	}
	c.mu.Unlock()

	cn := cannon.New(envID, doc, &controlCannonDirectory{c: c}, c.Bus, c.cannonTree, resume, c.log)
	rc := &runningCannon{cannon: cn, envID: envID, doc: doc, done: make(chan struct{})}

	c.mu.Lock()
	c.cannons[doc.ID] = rc
	if e, ok := c.envs[envID]; ok {
		e.Cannons[doc.ID] = struct{}{}
	}
	c.mu.Unlock()

	go func() {
		defer close(rc.done)
		if err := cn.Run(context.Background()); err != nil {
			c.log.Error("cannon stopped", "cannon_id", doc.ID, "error", err)
		}
		c.mu.Lock()
		delete(c.cannons, doc.ID)
		if e, ok := c.envs[envID]; ok {
			delete(e.Cannons, doc.ID)
		}
		c.mu.Unlock()
		if !doc.Instance {
			_ = c.cannonTree.Delete(string(doc.ID))
		}
	}()
	return nil
}

// StopCannon stops a running cannon and waits for its pipeline to
// drain.
func (c *Control) StopCannon(id ids.CannonID) error {
	c.mu.Lock()
	rc, ok := c.cannons[id]
	c.mu.Unlock()
	if !ok {
		return &CannonNotFoundError{ID: id}
	}
	rc.cannon.Stop()
	<-rc.done
	return nil
}

// CannonSummary is an operator-facing snapshot of a running cannon.
type CannonSummary struct {
	ID          ids.CannonID
	Env         ids.EnvID
	TxCount     uint64
	DrainOffset uint64
}

// CannonStateRoot answers the fake blockchain endpoint GET
// /<cannon-id>/<network>/latest/stateRoot: the ledger
// format itself is out of scope, so this returns a stable placeholder
// derived from the cannon's current tx_count rather than a real
// Merkle root, just enough for a node pointed at this URL to get a
// well-formed response.
func (c *Control) CannonStateRoot(id ids.CannonID) (string, error) {
	c.mu.Lock()
	rc, ok := c.cannons[id]
	c.mu.Unlock()
	if !ok {
		return "", &CannonNotFoundError{ID: id}
	}
	txCount, _ := rc.cannon.Stats()
	return fmt.Sprintf("sr1%016x", txCount), nil
}

// CannonProxyBroadcast answers POST
// /<cannon-id>/<network>/transaction/broadcast: a node (or any client
// pointed at the cannon's fake endpoint) submits a raw transaction,
// which is forwarded to any currently online node bound within the
// cannon's environment, exactly as the cannon's own Nodes sink would
// deliver it.
func (c *Control) CannonProxyBroadcast(ctx context.Context, id ids.CannonID, tx []byte) (string, error) {
	c.mu.Lock()
	rc, ok := c.cannons[id]
	c.mu.Unlock()
	if !ok {
		return "", &CannonNotFoundError{ID: id}
	}
	if rc.doc.Sink.Kind != env.SinkNodes {
		return "", &CannonNotFoundError{ID: id}
	}

	dir := &controlCannonDirectory{c: c}
	targets := dir.OnlineTargets(rc.doc.Sink.Targets)
	if len(targets) == 0 {
		return "", &cannon.NoOnlineTargetError{CannonID: string(id)}
	}

	var result rpc.BroadcastTxResult
	if err := dir.CallAgentService(ctx, targets[0], rpc.MethodBroadcastTx, rpc.BroadcastTxRequest{Tx: tx}, &result); err != nil {
		return "", err
	}
	return result.TransactionID, nil
}

// ListCannons returns a summary of every currently running cannon.
func (c *Control) ListCannons() []CannonSummary {
	c.mu.Lock()
	entries := make([]*runningCannon, 0, len(c.cannons))
	for _, rc := range c.cannons {
		entries = append(entries, rc)
	}
	c.mu.Unlock()

	out := make([]CannonSummary, 0, len(entries))
	for _, rc := range entries {
		txCount, drainOffset := rc.cannon.Stats()
		out = append(out, CannonSummary{ID: rc.doc.ID, Env: rc.envID, TxCount: txCount, DrainOffset: drainOffset})
	}
	return out
}
