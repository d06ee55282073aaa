package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Handler processes one inbound request for a logical service and
// returns the value to serialize back as the response body.
type Handler func(ctx context.Context, method string, body json.RawMessage) (any, error)

// Kinder lets a handler error surface a structured wire-error kind
// (e.g. "Reconcile.Aborted") instead of the generic "HandlerError"
// every other error falls back to.
type Kinder interface{ Kind() string }

// Conn is one multiplexed bidirectional RPC channel over a Transport. The
// same type runs on both sides of the socket: the control plane
// registers an AgentHandler (to answer RequestFromAgent calls) and calls
// out via CallAgentService; the agent registers a ControlHandler (to
// answer RequestFromControl calls) and calls out via CallControlService.
type Conn struct {
	t      Transport
	log    *slog.Logger
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Frame

	outbox chan Message
	done   chan struct{}
	closeOnce sync.Once
	closeErrMu sync.Mutex
	closeErr   error

	controlHandler Handler // answers RequestFromControl (agent side)
	agentHandler   Handler // answers RequestFromAgent (control side)
}

// New creates a Conn over an already-established Transport. Call
// SetControlHandler/SetAgentHandler before Serve as needed, then Serve to
// pump the connection until it closes.
func New(t Transport, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		t:       t,
		log:     log,
		pending: make(map[uint64]chan Frame),
		outbox:  make(chan Message, 64),
		done:    make(chan struct{}),
	}
}

// SetControlHandler registers the handler for inbound RequestFromControl
// frames (the agent side of the channel implements AgentService).
func (c *Conn) SetControlHandler(h Handler) { c.controlHandler = h }

// SetAgentHandler registers the handler for inbound RequestFromAgent
// frames (the control-plane side implements ControlService).
func (c *Conn) SetAgentHandler(h Handler) { c.agentHandler = h }

// Serve pumps the read and write loops until the transport fails, ctx is
// cancelled, or Close is called. It always returns a non-nil error
// (ErrChannelClosed on a clean Close).
func (c *Conn) Serve(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- c.readLoop(ctx) }()
	go func() { errCh <- c.writeLoop(ctx) }()

	err := <-errCh
	c.closeWith(err)
	<-errCh // wait for the other loop to notice closure and exit
	return c.currentCloseErr()
}

// Close tears down the connection, failing every outstanding call with
// ErrChannelClosed.
func (c *Conn) Close(reason string) error {
	c.closeWith(ErrChannelClosed)
	return c.t.Close(reason)
}

func (c *Conn) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.closeErrMu.Lock()
		c.closeErr = err
		c.closeErrMu.Unlock()
		close(c.done)

		c.mu.Lock()
		pending := c.pending
		c.pending = make(map[uint64]chan Frame)
		c.mu.Unlock()
		for _, ch := range pending {
			ch <- Frame{Error: &WireError{Kind: "ChannelClosed", Message: err.Error()}}
		}
	})
}

func (c *Conn) currentCloseErr() error {
	c.closeErrMu.Lock()
	defer c.closeErrMu.Unlock()
	if c.closeErr == nil {
		return ErrChannelClosed
	}
	return c.closeErr
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		data, err := c.t.ReadMessage(ctx)
		if err != nil {
			return err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("rpc: dropping malformed frame", "error", err)
			continue
		}
		if msg.ProtoVersion != protoVersion {
			c.log.Warn("rpc: dropping frame with incompatible proto version", "proto_version", msg.ProtoVersion)
			continue
		}
		switch msg.Kind {
		case ResponseFromControl, ResponseFromAgent:
			c.deliverResponse(msg.Payload)
		case RequestFromControl:
			go c.handleRequest(msg.Payload, c.controlHandler, ResponseFromAgent)
		case RequestFromAgent:
			go c.handleRequest(msg.Payload, c.agentHandler, ResponseFromControl)
		default:
			c.log.Warn("rpc: dropping frame with unknown kind", "kind", msg.Kind)
		}
	}
}

func (c *Conn) deliverResponse(f Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()
	if !ok {
		// Response doesn't match any outstanding request; log and drop.
		c.log.Warn("rpc: dropping unmatched response", "id", f.ID)
		return
	}
	ch <- f
}

func (c *Conn) handleRequest(req Frame, handler Handler, respKind Kind) {
	var deadlineCtx context.Context
	var cancel context.CancelFunc
	if req.Deadline > 0 {
		deadlineCtx, cancel = context.WithDeadline(context.Background(), time.UnixMilli(req.Deadline))
	} else {
		deadlineCtx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	resp := Frame{ID: req.ID}
	if handler == nil {
		resp.Error = &WireError{Kind: "NoHandler", Message: ErrNoHandler.Error()}
	} else {
		result, err := handler(deadlineCtx, req.Method, req.Body)
		if err != nil {
			kind := "HandlerError"
			if k, ok := err.(Kinder); ok {
				kind = k.Kind()
			}
			resp.Error = &WireError{Kind: kind, Message: err.Error()}
		} else {
			body, merr := json.Marshal(result)
			if merr != nil {
				resp.Error = &WireError{Kind: "SerializeError", Message: merr.Error()}
			} else {
				resp.Body = body
			}
		}
	}

	select {
	case c.outbox <- newMessage(respKind, resp):
	case <-c.done:
	}
}

func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.outbox:
			data, err := json.Marshal(msg)
			if err != nil {
				c.log.Error("rpc: failed to marshal outbound message", "error", err)
				continue
			}
			if err := c.t.WriteMessage(ctx, data); err != nil {
				return err
			}
		case <-c.done:
			return c.currentCloseErr()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// call sends reqKind/method/body and blocks for the matching response on
// respKind, honoring ctx's deadline and cancellation.
func (c *Conn) call(ctx context.Context, reqKind Kind, method string, body any) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request body: %w", err)
	}

	var deadlineMillis int64
	if dl, ok := ctx.Deadline(); ok {
		deadlineMillis = dl.UnixMilli()
	}

	ch := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := newMessage(reqKind, Frame{ID: id, Deadline: deadlineMillis, Method: method, Body: payload})
	select {
	case c.outbox <- req:
	case <-c.done:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Body, nil
	case <-c.done:
		return nil, c.currentCloseErr()
	case <-ctx.Done():
		return nil, ErrDeadlineExceeded
	}
}

// CallAgentService invokes an AgentService method on the agent at the
// other end of this channel (control plane → agent direction) and
// decodes the response into out (pass nil to ignore the body).
func (c *Conn) CallAgentService(ctx context.Context, method string, body any, out any) error {
	raw, err := c.call(ctx, RequestFromControl, method, body)
	if err != nil {
		return err
	}
	return decodeInto(raw, out)
}

// CallControlService invokes a ControlService method on the control
// plane at the other end of this channel (agent → control direction).
func (c *Conn) CallControlService(ctx context.Context, method string, body any, out any) error {
	raw, err := c.call(ctx, RequestFromAgent, method, body)
	if err != nil {
		return err
	}
	return decodeInto(raw, out)
}

func decodeInto(raw json.RawMessage, out any) error {
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
