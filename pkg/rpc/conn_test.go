package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeTransport is an in-memory Transport pair used to test the
// multiplexer without a real socket.
type pipeTransport struct {
	out chan []byte
	in  chan []byte
}

func newPipePair() (Transport, Transport) {
	a := make(chan []byte, 16)
	b := make(chan []byte, 16)
	return &pipeTransport{out: a, in: b}, &pipeTransport{out: b, in: a}
}

func (p *pipeTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-p.in:
		if !ok {
			return nil, ErrChannelClosed
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeTransport) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) Close(string) error {
	close(p.out)
	return nil
}

func TestCallAgentServiceRoundTrip(t *testing.T) {
	controlT, agentT := newPipePair()
	control := New(controlT, nil)
	agent := New(agentT, nil)

	agent.SetControlHandler(func(ctx context.Context, method string, body json.RawMessage) (any, error) {
		assert.Equal(t, MethodGetMetric, method)
		return map[string]string{"value": "42"}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = control.Serve(ctx) }()
	go func() { _ = agent.Serve(ctx) }()

	var out map[string]string
	callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
	defer callCancel()
	err := control.CallAgentService(callCtx, MethodGetMetric, map[string]string{"name": "tps"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "42", out["value"])
}

func TestCallControlServiceRoundTrip(t *testing.T) {
	controlT, agentT := newPipePair()
	control := New(controlT, nil)
	agent := New(agentT, nil)

	control.SetAgentHandler(func(ctx context.Context, method string, body json.RawMessage) (any, error) {
		assert.Equal(t, MethodResolveAddrs, method)
		return []string{"10.0.0.5"}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = control.Serve(ctx) }()
	go func() { _ = agent.Serve(ctx) }()

	var out []string
	callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
	defer callCancel()
	err := agent.CallControlService(callCtx, MethodResolveAddrs, nil, &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5"}, out)
}

func TestCallNoHandlerReturnsError(t *testing.T) {
	controlT, agentT := newPipePair()
	control := New(controlT, nil)
	agent := New(agentT, nil)
	// agent never registers a control handler.

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = control.Serve(ctx) }()
	go func() { _ = agent.Serve(ctx) }()

	callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
	defer callCancel()
	err := control.CallAgentService(callCtx, MethodKill, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NoHandler")
}

func TestCloseFailsPendingCalls(t *testing.T) {
	controlT, agentT := newPipePair()
	control := New(controlT, nil)
	agent := New(agentT, nil)
	// agent handler never responds (simulates a hung agent); we never
	// start agent.Serve so no response can ever arrive, only Close can
	// resolve the call.

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = control.Serve(ctx) }()
	_ = agent

	done := make(chan error, 1)
	go func() {
		done <- control.CallAgentService(context.Background(), MethodKill, nil, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, control.Close("test teardown"))

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("call did not resolve after Close")
	}
}

func TestSemverCompatibility(t *testing.T) {
	tests := []struct {
		control, agent string
		want           bool
	}{
		{"1.4.2", "1.4.7", true},
		{"1.4.2", "1.4.0", true},
		{"1.4.2", "1.5.0", true},
		{"1.4.2", "1.3.9", false},
		{"1.4.2", "2.0.0", false},
	}
	for _, tt := range tests {
		got, err := CompatibleVersion(tt.control, tt.agent)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "control=%s agent=%s", tt.control, tt.agent)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	l := NewLifecycle()
	assert.Equal(t, StateNew, l.State())
	assert.False(t, l.Transition(StateActive)) // NEW can only go to HANDSHAKING
	assert.True(t, l.Transition(StateHandshaking))
	assert.False(t, l.Transition(StateReconnecting)) // illegal from HANDSHAKING
	assert.True(t, l.Transition(StateActive))
	assert.True(t, l.Transition(StateReconnecting))
	assert.True(t, l.Transition(StateHandshaking))
	assert.True(t, l.Transition(StateRejected))
	assert.Equal(t, StateRejected, l.State())
	assert.False(t, l.Transition(StateHandshaking)) // REJECTED is terminal
}
