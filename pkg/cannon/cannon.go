package cannon

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/snopsgo/snops/pkg/env"
	"github.com/snopsgo/snops/pkg/events"
	"github.com/snopsgo/snops/pkg/ids"
	"github.com/snopsgo/snops/pkg/rpc"
	"github.com/snopsgo/snops/pkg/store"
)

// stallPollInterval is how often a stalled cannon rechecks for a
// matching online node before resuming.
const stallPollInterval = 2 * time.Second

// Directory is the narrow seam the cannon pipeline uses to reach
// compute agents and bound nodes, keeping this package decoupled from
// pkg/registry the same way pkg/reconcile and pkg/env are.
type Directory interface {
	ClaimCompute(cannon ids.CannonID) (ids.AgentID, error)
	ReleaseClaim(agent ids.AgentID) error
	// OnlineTargets returns the agents currently bound to a NodeKey
	// matching any of targets, online (target_state.spec.online), and
	// Connected.
	OnlineTargets(targets []env.NodeTarget) []ids.AgentID
	CallAgentService(ctx context.Context, agent ids.AgentID, method string, body, out any) error
}

// Cannon runs one environment-attached transaction pipeline: source,
// bounded queue, sink.
type Cannon struct {
	doc  env.CannonDocument
	env  ids.EnvID
	dir  Directory
	bus  *events.Bus
	tree *store.Tree[PersistCannon]
	log  *slog.Logger

	q *ring

	mu          sync.Mutex
	txCount     uint64
	produced    uint64
	drainOffset uint64
	// confirmedOffset trails drainOffset: lines enqueued but not yet
	// confirmed are replayed after a restart rather than skipped.
	confirmedOffset uint64
	stalled         bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Cannon. If resume is non-nil (an instance cannon
// restored from the store), counts pick up where the prior run left
// off instead of starting at zero.
func New(envID ids.EnvID, doc env.CannonDocument, dir Directory, bus *events.Bus, tree *store.Tree[PersistCannon], resume *PersistCannon, log *slog.Logger) *Cannon {
	if log == nil {
		log = slog.Default()
	}
	c := &Cannon{
		doc:  doc,
		env:  envID,
		dir:  dir,
		bus:  bus,
		tree: tree,
		log:  log.With("component", "cannon", "cannon_id", doc.ID),
		q:    newRing(0),
	}
	if doc.Instance && resume != nil {
		c.txCount = resume.TxCount
		c.drainOffset = resume.DrainOffset
		c.confirmedOffset = resume.DrainOffset
	}
	return c
}

// Run starts the authorize/source and broadcast/sink goroutines and
// blocks until the cannon terminates (source exhaustion, count
// reached, or ctx cancellation). Stop is cooperative: the current
// in-flight stage is allowed to finish.
func (c *Cannon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	defer close(c.done)

	var wg sync.WaitGroup
	var sourceErr, sinkErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		sourceErr = c.sourceLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		sinkErr = c.sinkLoop(ctx)
	}()
	wg.Wait()

	if sourceErr != nil && !isExhaustion(sourceErr) {
		return sourceErr
	}
	return sinkErr
}

// Stop cancels the pipeline and waits for both stages to drain.
func (c *Cannon) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}

func isExhaustion(err error) bool {
	_, ok := err.(*SourceExhaustedError)
	return ok
}

// reachedCount gates the source stage: it stops producing once enough
// transactions have been handed to the sink, regardless of whether
// they've been confirmed yet (txCount, used for persistence, only
// advances on confirmed broadcast).
func (c *Cannon) reachedCount() bool {
	if c.doc.Count == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.produced >= uint64(*c.doc.Count)
}

// sourceLoop is the authorize stage: for Drain sources it reads lines
// from a file; for Realtime sources it claims a compute agent and
// calls execute_authorization, retrying per authorize_attempts/
// authorize_timeout.
func (c *Cannon) sourceLoop(ctx context.Context) error {
	defer close(c.q.channel())

	switch c.doc.Source.Kind {
	case env.SourceDrain:
		return c.drainLoop(ctx)
	case env.SourceRealtime:
		return c.realtimeLoop(ctx)
	default:
		return fmt.Errorf("cannon: unknown source kind %q", c.doc.Source.Kind)
	}
}

func (c *Cannon) drainLoop(ctx context.Context) error {
	f, err := os.Open(c.doc.Source.Path)
	if err != nil {
		return fmt.Errorf("cannon: open drain source: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var line uint64
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if line < c.drainOffset {
			line++
			continue
		}
		if c.reachedCount() {
			return nil
		}
		tx := append([]byte(nil), scanner.Bytes()...)
		select {
		case c.q.channel() <- tx:
			c.mu.Lock()
			c.drainOffset = line + 1
			c.produced++
			c.mu.Unlock()
		case <-ctx.Done():
			return ctx.Err()
		}
		line++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("cannon: read drain source: %w", err)
	}
	return &SourceExhaustedError{}
}

func (c *Cannon) realtimeLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.reachedCount() {
			return nil
		}

		var tx []byte
		err := c.withRetry(ctx, c.doc.AuthorizeAttempts, c.attemptTimeout(c.doc.AuthorizeTimeoutSeconds), func() error {
			t, aerr := c.authorizeOnce(ctx)
			if aerr != nil {
				return aerr
			}
			tx = t
			return nil
		})
		if err != nil {
			return &AuthorizeGaveUpError{Attempts: attemptsOrZero(c.doc.AuthorizeAttempts)}
		}

		select {
		case c.q.channel() <- tx:
			c.mu.Lock()
			c.produced++
			c.mu.Unlock()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Cannon) authorizeOnce(ctx context.Context) ([]byte, error) {
	agent, err := c.dir.ClaimCompute(c.doc.ID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.dir.ReleaseClaim(agent) }()

	var result rpc.ExecuteAuthorizationResult
	req := rpc.ExecuteAuthorizationRequest{PrivateKeys: c.doc.Source.PrivateKeys, Queries: c.doc.Source.Queries}
	if err := c.dir.CallAgentService(ctx, agent, rpc.MethodExecuteAuthorization, req, &result); err != nil {
		return nil, err
	}
	return result.Tx, nil
}

// sinkLoop is the broadcast stage: dequeue, deliver to the configured
// sink, observe confirmation (Nodes sink only), retry per
// broadcast_attempts/broadcast_timeout, and persist tx_count on every
// successful broadcast.
func (c *Cannon) sinkLoop(ctx context.Context) error {
	var fileAppender *os.File
	if c.doc.Sink.Kind == env.SinkFile {
		f, err := os.OpenFile(c.doc.Sink.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("cannon: open sink file: %w", err)
		}
		defer f.Close()
		fileAppender = f
	}

	for {
		select {
		case tx, ok := <-c.q.channel():
			if !ok {
				return nil // source closed the queue and it's drained
			}
			if err := c.deliver(ctx, tx, fileAppender); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Cannon) deliver(ctx context.Context, tx []byte, fileAppender *os.File) error {
	switch c.doc.Sink.Kind {
	case env.SinkFile:
		if _, err := fileAppender.Write(append(tx, '\n')); err != nil {
			return fmt.Errorf("cannon: write sink file: %w", err)
		}
		if err := fileAppender.Sync(); err != nil {
			return fmt.Errorf("cannon: fsync sink file: %w", err)
		}
		c.recordSuccess()
		return nil
	case env.SinkNodes:
		return c.broadcastToNodes(ctx, tx)
	default:
		return fmt.Errorf("cannon: unknown sink kind %q", c.doc.Sink.Kind)
	}
}

func (c *Cannon) broadcastToNodes(ctx context.Context, tx []byte) error {
	attempts := 0
	for {
		agent, ok := c.waitForOnlineTarget(ctx)
		if !ok {
			return ctx.Err()
		}

		var result rpc.BroadcastTxResult
		err := c.dir.CallAgentService(ctx, agent, rpc.MethodBroadcastTx, rpc.BroadcastTxRequest{Tx: tx}, &result)
		if err == nil {
			if c.awaitConfirmation(ctx, result.TransactionID) {
				c.recordSuccess()
				return nil
			}
			err = fmt.Errorf("cannon: no BlockConfirmed for %s within timeout", result.TransactionID)
		}

		attempts++
		if !shouldRetry(c.doc.BroadcastAttempts, attempts) {
			return &BroadcastGaveUpError{Attempts: attempts}
		}
		select {
		case <-time.After(c.attemptTimeout(c.doc.BroadcastTimeoutSeconds)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitForOnlineTarget blocks (emitting CannonStalled/CannonResumed
// around the wait) until at least one bound node matches the sink's
// targets and is online, then returns it.
func (c *Cannon) waitForOnlineTarget(ctx context.Context) (ids.AgentID, bool) {
	for {
		candidates := c.dir.OnlineTargets(c.doc.Sink.Targets)
		if len(candidates) > 0 {
			c.clearStall()
			return candidates[0], true
		}
		c.markStalled()
		select {
		case <-time.After(stallPollInterval):
		case <-ctx.Done():
			return "", false
		}
	}
}

func (c *Cannon) markStalled() {
	c.mu.Lock()
	already := c.stalled
	c.stalled = true
	c.mu.Unlock()
	if !already {
		c.bus.Publish(events.Event{Timestamp: time.Now(), Kind: events.KindCannonStalled, Cannon: c.doc.ID, Env: c.env, Reason: (&NoOnlineTargetError{CannonID: string(c.doc.ID)}).Error()})
	}
}

func (c *Cannon) clearStall() {
	c.mu.Lock()
	was := c.stalled
	c.stalled = false
	c.mu.Unlock()
	if was {
		c.bus.Publish(events.Event{Timestamp: time.Now(), Kind: events.KindCannonResumed, Cannon: c.doc.ID, Env: c.env})
	}
}

// awaitConfirmation subscribes to the bus for a BlockConfirmed event
// naming txID, waiting up to broadcast_timeout seconds.
func (c *Cannon) awaitConfirmation(ctx context.Context, txID string) bool {
	sub := c.bus.Subscribe(events.AllOf(events.EventIs(events.KindBlockConfirmed), events.TransactionIs(txID)))
	defer sub.Close()

	timer := time.NewTimer(c.attemptTimeout(c.doc.BroadcastTimeoutSeconds))
	defer timer.Stop()

	select {
	case <-sub.Events():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Cannon) recordSuccess() {
	c.mu.Lock()
	c.txCount++
	if c.doc.Source.Kind == env.SourceDrain {
		c.confirmedOffset++
	}
	record := PersistCannon{
		CannonID:    c.doc.ID,
		EnvID:       c.env,
		Source:      c.doc.Source,
		Sink:        c.doc.Sink,
		TxCount:     c.txCount,
		DrainOffset: c.confirmedOffset,
	}
	c.mu.Unlock()

	if err := c.tree.Put(string(c.doc.ID), record); err != nil {
		c.log.Error("cannon: failed to persist bookkeeping", "error", err)
	}
}

// Stats returns the cannon's running transaction count and drain
// offset, used by operator-facing listings.
func (c *Cannon) Stats() (txCount, drainOffset uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txCount, c.drainOffset
}

func (c *Cannon) attemptTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return time.Second
	}
	return time.Duration(seconds) * time.Second
}

// withRetry runs fn, retrying on failure per attempts with a constant
// interval. attempts counts ADDITIONAL tries beyond the first: nil
// retries forever, 0 means a single try, N means up to N+1 total.
func (c *Cannon) withRetry(ctx context.Context, attempts *int, interval time.Duration, fn func() error) error {
	var b backoff.BackOff = backoff.NewConstantBackOff(interval)
	if attempts != nil {
		if *attempts <= 0 {
			return fn()
		}
		b = backoff.WithMaxRetries(b, uint64(*attempts))
	}
	b = backoff.WithContext(b, ctx)
	return backoff.Retry(fn, b)
}

// shouldRetry mirrors withRetry's counting for the broadcast loop:
// attemptsSoFar tries have completed; N additional tries are allowed
// after the first, so the budget is N+1 total.
func shouldRetry(attempts *int, attemptsSoFar int) bool {
	if attempts == nil {
		return true
	}
	return attemptsSoFar < *attempts+1
}

func attemptsOrZero(attempts *int) int {
	if attempts == nil {
		return 0
	}
	return *attempts
}
