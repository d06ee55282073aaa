// Package reconcile implements the reconciliation engine: it
// dispatches target-state changes to connected agents over their RPC
// channel and reports outcomes back into the registry and event bus.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/events"
	"github.com/snopsgo/snops/pkg/ids"
	"github.com/snopsgo/snops/pkg/registry"
	"github.com/snopsgo/snops/pkg/rpc"
	"golang.org/x/sync/errgroup"
)

// reconcileDeadline is the RPC deadline the control plane applies to
// AgentService.reconcile calls.
const reconcileDeadline = 300 * time.Second

// Assignment pairs an agent with the target state it should converge
// to.
type Assignment struct {
	Agent  ids.AgentID
	Target agentstate.AgentState
}

// AgentDirectory is the narrow seam reconcile uses to read and mutate
// agent records, keeping this package decoupled from the registry's
// locking internals beyond its public API.
type AgentDirectory interface {
	Snapshot(id ids.AgentID) (registry.Agent, error)
	SetTarget(id ids.AgentID, target agentstate.AgentState) error
	AckCurrent(id ids.AgentID, current agentstate.AgentState) error
	ReleaseClaim(id ids.AgentID) error
}

// Engine dispatches reconcile assignments and publishes outcomes.
type Engine struct {
	dir AgentDirectory
	bus *events.Bus
	log *slog.Logger
}

func New(dir AgentDirectory, bus *events.Bus, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{dir: dir, bus: bus, log: log.With("component", "reconcile")}
}

// ReconcileAgents dispatches every assignment concurrently, one
// goroutine per agent via errgroup, and waits for all of them to
// finish. It always
// writes target_state first, then calls out; a failure leaves
// current_state untouched. Returns a *BatchReconcileError listing every
// failure, or nil if all succeeded.
func (e *Engine) ReconcileAgents(ctx context.Context, assignments []Assignment) error {
	g, gctx := errgroup.WithContext(ctx)
	failures := make(chan AgentFailure, len(assignments))

	for _, a := range assignments {
		a := a
		g.Go(func() error {
			if err := e.dir.SetTarget(a.Agent, a.Target); err != nil {
				return err // persistence errors are surfaced, not recovered
			}
			if reason, ok := e.dispatchOne(gctx, a); !ok {
				failures <- AgentFailure{Agent: a.Agent, Reason: reason}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	close(failures)

	var batch BatchReconcileError
	for f := range failures {
		batch.Failures = append(batch.Failures, f)
	}
	if len(batch.Failures) > 0 {
		return &batch
	}
	return nil
}

// dispatchOne invokes AgentService.reconcile on a single agent,
// reports success/failure into the registry and event bus, and returns
// (reason, ok) where ok is false on any failure.
func (e *Engine) dispatchOne(ctx context.Context, a Assignment) (string, bool) {
	agent, err := e.dir.Snapshot(a.Agent)
	if err != nil {
		e.fail(a, err.Error())
		return err.Error(), false
	}
	if agent.Liveness.Kind != registry.LivenessConnected || agent.Liveness.Handle == nil {
		reason := (&NotConnectedError{Agent: a.Agent}).Error()
		e.fail(a, reason)
		return reason, false
	}

	callCtx, cancel := context.WithTimeout(ctx, reconcileDeadline)
	defer cancel()

	var ack agentstate.AgentState
	if err := agent.Liveness.Handle.CallAgentService(callCtx, rpc.MethodReconcile, a.Target, &ack); err != nil {
		e.fail(a, err.Error())
		return err.Error(), false
	}

	if err := e.dir.AckCurrent(a.Agent, a.Target); err != nil {
		e.fail(a, err.Error())
		return err.Error(), false
	}
	e.bus.Publish(events.Event{Timestamp: time.Now(), Kind: events.KindAgentReconciled, Agent: a.Agent})
	return "", true
}

func (e *Engine) fail(a Assignment, reason string) {
	e.log.Warn("reconcile failed", "agent_id", a.Agent, "reason", reason)
	e.bus.Publish(events.Event{Timestamp: time.Now(), Kind: events.KindAgentReconcileFailed, Agent: a.Agent, Reason: reason})
}

// ReconcileNewEnv applies assignments for a newly created environment.
// Unlike a patch, a fresh environment is all-or-nothing: on any
// failure, every agent in assignments is
// released and re-dispatched to Inventory; the original batch error is
// still returned so the operator sees what failed.
func (e *Engine) ReconcileNewEnv(ctx context.Context, assignments []Assignment) error {
	err := e.ReconcileAgents(ctx, assignments)
	if err == nil {
		return nil
	}

	cleanup := make([]Assignment, 0, len(assignments))
	for _, a := range assignments {
		if releaseErr := e.dir.ReleaseClaim(a.Agent); releaseErr != nil {
			e.log.Error("reconcile: cleanup release failed", "agent_id", a.Agent, "error", releaseErr)
		}
		cleanup = append(cleanup, Assignment{Agent: a.Agent, Target: agentstate.Inventory()})
	}
	if cleanupErr := e.ReconcileAgents(ctx, cleanup); cleanupErr != nil {
		e.log.Error("reconcile: cleanup dispatch had failures", "error", cleanupErr)
	}
	return err
}
