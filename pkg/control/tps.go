package control

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/snopsgo/snops/pkg/ids"
	"github.com/snopsgo/snops/pkg/rpc"
)

// snarkosBlocksTransactionsMetric is the cumulative-counter metric
// name an agent's node process exposes.
const snarkosBlocksTransactionsMetric = "snarkos_blocks_transactions_total"

// tpsSample is the last observed (value, timestamp) pair for one agent,
// used to compute a delta-over-interval rate on the next request. An
// on-demand two-sample rate needs no background poller per agent; the
// cost is no smoothing across bursts, acceptable since the operator
// endpoint is polled interactively rather than consumed as a time
// series.
type tpsSample struct {
	value     float64
	timestamp time.Time
}

type tpsTracker struct {
	mu      sync.Mutex
	samples map[ids.AgentID]tpsSample
}

func newTPSTracker() *tpsTracker {
	return &tpsTracker{samples: make(map[ids.AgentID]tpsSample)}
}

// TPS fetches the agent's current transaction counter via GetMetric and
// returns the rate since the previous call for this agent, or 0 on the
// first observation.
func (c *Control) TPS(ctx context.Context, agent ids.AgentID) (float64, error) {
	a, err := c.Registry.Snapshot(agent)
	if err != nil {
		return 0, err
	}
	if a.Liveness.Handle == nil {
		return 0, &NotConnectedError{Agent: agent}
	}

	var result rpc.GetMetricResult
	if err := a.Liveness.Handle.CallAgentService(ctx, rpc.MethodGetMetric, rpc.GetMetricRequest{Metric: snarkosBlocksTransactionsMetric}, &result); err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(result.Value, 64)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	c.tps.mu.Lock()
	defer c.tps.mu.Unlock()
	prev, ok := c.tps.samples[agent]
	c.tps.samples[agent] = tpsSample{value: value, timestamp: now}
	if !ok {
		return 0, nil
	}

	elapsed := now.Sub(prev.timestamp).Seconds()
	if elapsed <= 0 || value < prev.value {
		return 0, nil
	}
	return (value - prev.value) / elapsed, nil
}
