package agentproc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snopsgo/snops/pkg/agentstate"
	"github.com/snopsgo/snops/pkg/ids"
	"github.com/snopsgo/snops/pkg/rpc"
)

type fakeControl struct {
	mu    sync.Mutex
	calls []string

	envInfo      rpc.EnvInfo
	envInfoErr   error
	resolved     rpc.ResolveAddrsResult
	resolveErr   error
}

func (f *fakeControl) CallControlService(ctx context.Context, method string, body, out any) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()

	switch method {
	case rpc.MethodGetEnvInfo:
		if f.envInfoErr != nil {
			return f.envInfoErr
		}
		return copyOut(f.envInfo, out)
	case rpc.MethodResolveAddrs:
		if f.resolveErr != nil {
			return f.resolveErr
		}
		return copyOut(f.resolved, out)
	default:
		return nil
	}
}

func copyOut(v, out any) error {
	if out == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

type fakeNode struct {
	mu      sync.Mutex
	started bool
	fail    error
	block   chan struct{} // if non-nil, Start blocks until closed
}

func (n *fakeNode) Start(ctx context.Context, env ids.EnvID, spec agentstate.NodeStateSpec, ports agentstate.PortConfig, peers map[ids.AgentID]string) error {
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if n.fail != nil {
		return n.fail
	}
	n.mu.Lock()
	n.started = true
	n.mu.Unlock()
	return nil
}

func (n *fakeNode) Stop(ctx context.Context) error {
	n.mu.Lock()
	n.started = false
	n.mu.Unlock()
	return nil
}

func (n *fakeNode) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started
}

type fakeStorage struct {
	version    uint16
	haveLocal  bool
	ensureErr  error
	ensureCall int
}

func (s *fakeStorage) Ensure(ctx context.Context, info rpc.EnvInfo, progress func(total, downloaded uint64)) error {
	s.ensureCall++
	if s.ensureErr != nil {
		return s.ensureErr
	}
	s.haveLocal = true
	s.version = info.StorageVersion
	return nil
}

func (s *fakeStorage) LocalVersion(id ids.StorageID) (uint16, bool) {
	if !s.haveLocal {
		return 0, false
	}
	return s.version, true
}

func newTestReconciler(control ControlClient, node NodeRunner, storage StorageFetcher) *Reconciler {
	return New("agent-1", control, node, storage, agentstate.DefaultPortConfig(), nil)
}

func TestReconcileNoopWhenAlreadyTarget(t *testing.T) {
	r := newTestReconciler(&fakeControl{}, &fakeNode{}, &fakeStorage{})
	require.NoError(t, r.Reconcile(context.Background(), agentstate.Inventory()))
	assert.True(t, r.Current().IsInventory())
}

func TestReconcileToInventoryStopsNode(t *testing.T) {
	node := &fakeNode{started: true}
	r := newTestReconciler(&fakeControl{}, node, &fakeStorage{})

	spec := agentstate.NodeStateSpec{NodeKey: ids.NodeKey{Type: ids.NodeTypeValidator, ID: "0"}, Online: true}
	r.current = agentstate.Node("env-1", spec)

	require.NoError(t, r.Reconcile(context.Background(), agentstate.Inventory()))
	assert.False(t, node.Running())
	assert.True(t, r.Current().IsInventory())
}

func TestReconcileDownloadsMissingStorageAndSpawnsNode(t *testing.T) {
	control := &fakeControl{envInfo: rpc.EnvInfo{
		Env:            "env-1",
		Storage:        "storage-1",
		StorageVersion: 2,
		Network:        "testnet",
	}}
	node := &fakeNode{}
	storage := &fakeStorage{}
	r := newTestReconciler(control, node, storage)

	spec := agentstate.NodeStateSpec{
		NodeKey: ids.NodeKey{Type: ids.NodeTypeValidator, ID: "0"},
		Online:  true,
	}
	target := agentstate.Node("env-1", spec)

	require.NoError(t, r.Reconcile(context.Background(), target))
	assert.True(t, node.Running())
	assert.Equal(t, 1, storage.ensureCall)
	assert.True(t, r.Current().Equal(target))
}

func TestReconcileResolvesInternalPeers(t *testing.T) {
	control := &fakeControl{
		envInfo: rpc.EnvInfo{Env: "env-1", Storage: "storage-1", StorageVersion: 1},
		resolved: rpc.ResolveAddrsResult{
			Addrs: map[ids.AgentID]string{"agent-2": "10.0.0.2:4130"},
		},
	}
	storage := &fakeStorage{version: 1, haveLocal: true}
	node := &fakeNode{}
	r := newTestReconciler(control, node, storage)

	spec := agentstate.NodeStateSpec{
		NodeKey: ids.NodeKey{Type: ids.NodeTypeValidator, ID: "0"},
		Online:  true,
		Peers:   []agentstate.AgentPeer{agentstate.InternalPeer("agent-2", 4130)},
	}
	target := agentstate.Node("env-1", spec)

	require.NoError(t, r.Reconcile(context.Background(), target))
	assert.True(t, node.Running())
}

func TestReconcileResolveFailureSurfacesResolveAddrError(t *testing.T) {
	control := &fakeControl{
		envInfo:  rpc.EnvInfo{Env: "env-1", Storage: "storage-1", StorageVersion: 1},
		resolved: rpc.ResolveAddrsResult{Addrs: map[ids.AgentID]string{}},
	}
	storage := &fakeStorage{version: 1, haveLocal: true}
	r := newTestReconciler(control, &fakeNode{}, storage)

	spec := agentstate.NodeStateSpec{
		NodeKey: ids.NodeKey{Type: ids.NodeTypeValidator, ID: "0"},
		Online:  true,
		Peers:   []agentstate.AgentPeer{agentstate.InternalPeer("agent-2", 4130)},
	}
	target := agentstate.Node("env-1", spec)

	err := r.Reconcile(context.Background(), target)
	require.Error(t, err)
	var resolveErr *ResolveAddrError
	assert.ErrorAs(t, err, &resolveErr)
	assert.Equal(t, "Reconcile.ResolveAddrError", resolveErr.Kind())
}

func TestReconcileEnvNotFound(t *testing.T) {
	control := &fakeControl{envInfoErr: errors.New("no such env")}
	r := newTestReconciler(control, &fakeNode{}, &fakeStorage{})

	spec := agentstate.NodeStateSpec{NodeKey: ids.NodeKey{Type: ids.NodeTypeValidator, ID: "0"}, Online: true}
	err := r.Reconcile(context.Background(), agentstate.Node("env-1", spec))
	require.Error(t, err)
	var notFound *EnvNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestReconcileNewerCallAbortsOlder(t *testing.T) {
	control := &fakeControl{envInfo: rpc.EnvInfo{Env: "env-1", Storage: "storage-1", StorageVersion: 1}}
	storage := &fakeStorage{version: 1, haveLocal: true}
	blocked := &fakeNode{block: make(chan struct{})}
	r := newTestReconciler(control, blocked, storage)

	spec := agentstate.NodeStateSpec{NodeKey: ids.NodeKey{Type: ids.NodeTypeValidator, ID: "0"}, Online: true}
	target := agentstate.Node("env-1", spec)

	errCh := make(chan error, 1)
	go func() { errCh <- r.Reconcile(context.Background(), target) }()

	// Give the first Reconcile time to reach node.Start and block there.
	time.Sleep(20 * time.Millisecond)

	// A newer reconcile to Inventory cancels the in-flight one and stops
	// the (not-yet-started) node.
	require.NoError(t, r.Reconcile(context.Background(), agentstate.Inventory()))

	close(blocked.block)
	firstErr := <-errCh
	var aborted *AbortedError
	assert.ErrorAs(t, firstErr, &aborted)
}

func TestHandleReconcileDispatch(t *testing.T) {
	control := &fakeControl{}
	r := newTestReconciler(control, &fakeNode{}, &fakeStorage{})

	body, err := json.Marshal(agentstate.Inventory())
	require.NoError(t, err)

	result, err := r.Handle(context.Background(), rpc.MethodReconcile, body)
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func TestHandleUnknownMethod(t *testing.T) {
	r := newTestReconciler(&fakeControl{}, &fakeNode{}, &fakeStorage{})
	_, err := r.Handle(context.Background(), "not_a_method", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, rpc.ErrNoHandler)
}

type fakeSnarkos struct {
	txID   string
	metric string
}

func (s *fakeSnarkos) BroadcastTx(ctx context.Context, network string, tx []byte) (string, error) {
	return s.txID, nil
}

func (s *fakeSnarkos) Get(ctx context.Context, path string) (int, string, error) {
	return 200, `{"height":42}`, nil
}

func (s *fakeSnarkos) Metric(ctx context.Context, name string) (string, error) {
	return s.metric, nil
}

type fakeAuthorizer struct{}

func (fakeAuthorizer) ExecuteAuthorization(ctx context.Context, privateKeys, queries []string) ([]byte, error) {
	return []byte("authorized"), nil
}

func TestHandleBroadcastTx(t *testing.T) {
	r := newTestReconciler(&fakeControl{}, &fakeNode{}, &fakeStorage{})
	r.SetSnarkosClient(&fakeSnarkos{txID: "tx-123"})

	body, _ := json.Marshal(rpc.BroadcastTxRequest{Tx: []byte("raw")})
	result, err := r.Handle(context.Background(), rpc.MethodBroadcastTx, body)
	require.NoError(t, err)
	assert.Equal(t, rpc.BroadcastTxResult{TransactionID: "tx-123"}, result)
}

func TestHandleBroadcastTxWithoutClientFails(t *testing.T) {
	r := newTestReconciler(&fakeControl{}, &fakeNode{}, &fakeStorage{})
	body, _ := json.Marshal(rpc.BroadcastTxRequest{Tx: []byte("raw")})
	_, err := r.Handle(context.Background(), rpc.MethodBroadcastTx, body)
	assert.ErrorIs(t, err, rpc.ErrNoHandler)
}

func TestHandleGetMetric(t *testing.T) {
	r := newTestReconciler(&fakeControl{}, &fakeNode{}, &fakeStorage{})
	r.SetSnarkosClient(&fakeSnarkos{metric: "17"})

	body, _ := json.Marshal(rpc.GetMetricRequest{Metric: "snarkos_blocks_transactions_total"})
	result, err := r.Handle(context.Background(), rpc.MethodGetMetric, body)
	require.NoError(t, err)
	assert.Equal(t, rpc.GetMetricResult{Value: "17"}, result)
}

func TestHandleExecuteAuthorization(t *testing.T) {
	r := newTestReconciler(&fakeControl{}, &fakeNode{}, &fakeStorage{})
	r.SetAuthorizer(fakeAuthorizer{})

	body, _ := json.Marshal(rpc.ExecuteAuthorizationRequest{PrivateKeys: []string{"pk"}, Queries: []string{"q"}})
	result, err := r.Handle(context.Background(), rpc.MethodExecuteAuthorization, body)
	require.NoError(t, err)
	assert.Equal(t, rpc.ExecuteAuthorizationResult{Tx: []byte("authorized")}, result)
}

func TestHandleGetAddrs(t *testing.T) {
	r := newTestReconciler(&fakeControl{}, &fakeNode{}, &fakeStorage{})
	r.SetLocalAddrs("203.0.113.7", []string{"10.0.0.5"})

	result, err := r.Handle(context.Background(), rpc.MethodGetAddrs, nil)
	require.NoError(t, err)
	assert.Equal(t, rpc.GetAddrsResult{External: "203.0.113.7", Internal: []string{"10.0.0.5"}}, result)
}

func TestHandleSetLogLevel(t *testing.T) {
	r := newTestReconciler(&fakeControl{}, &fakeNode{}, &fakeStorage{})
	lv := new(slog.LevelVar)
	r.SetLogLevel(lv)

	body, _ := json.Marshal(rpc.SetLogLevelRequest{Level: "debug"})
	_, err := r.Handle(context.Background(), rpc.MethodSetLogLevel, body)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lv.Level())
}

func TestReconcileRequiresLocalKeyMaterial(t *testing.T) {
	r := newTestReconciler(&fakeControl{}, &fakeNode{}, &fakeStorage{})

	target := agentstate.Node("E1", agentstate.NodeStateSpec{
		PrivateKey: agentstate.PrivateKey{Mode: agentstate.PrivateKeyLocal},
		Online:     true,
	})
	err := r.Reconcile(context.Background(), target)
	var noKey *NoLocalPrivateKeyError
	require.ErrorAs(t, err, &noKey)

	r.SetLocalPrivateKey(true)
	require.NoError(t, r.Reconcile(context.Background(), target))
}

func TestReconcileRejectsInternalPeerWithoutAgent(t *testing.T) {
	r := newTestReconciler(&fakeControl{}, &fakeNode{}, &fakeStorage{})

	target := agentstate.Node("E1", agentstate.NodeStateSpec{
		Online: true,
		Peers:  []agentstate.AgentPeer{{Kind: agentstate.PeerInternal}},
	})
	err := r.Reconcile(context.Background(), target)
	var expected *ExpectedInternalAgentPeerError
	require.ErrorAs(t, err, &expected)
}
