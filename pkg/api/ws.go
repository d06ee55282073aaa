package api

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v5"

	"github.com/snopsgo/snops/pkg/control"
	"github.com/snopsgo/snops/pkg/ids"
	"github.com/snopsgo/snops/pkg/registry"
	"github.com/snopsgo/snops/pkg/rpc"
)

// agentWSHandler upgrades GET /agent to a WebSocket and hands the
// connection off to pkg/rpc, writing the magic ping header before the
// first framed message, then pumping the connection until it closes.
// The first ControlService call an agent makes on a fresh connection
// must be handshake; every call after that is dispatched with the
// AgentID the handshake resolved.
func (s *Server) agentWSHandler(c *echo.Context) error {
	wsConn, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	if err := wsConn.Write(ctx, websocket.MessageText, []byte(rpc.PingHeaderControl)); err != nil {
		_ = wsConn.Close(websocket.StatusInternalError, "ping header write failed")
		return nil
	}

	transport := rpc.NewWebSocketTransport(wsConn)
	conn := rpc.New(transport, s.log)

	lc := rpc.NewLifecycle()
	lc.Transition(rpc.StateHandshaking)

	bound := &boundObserver{}
	conn.SetAgentHandler(func(ctx context.Context, method string, body json.RawMessage) (any, error) {
		if method == rpc.MethodHandshake {
			handle := &connHandle{conn: conn}
			result, err := s.ctrl.Handshake(ctx, handle, body)
			if err != nil {
				var mismatch *control.IncompatibleVersionError
				if errors.As(err, &mismatch) {
					lc.Transition(rpc.StateRejected)
					// Let the error response flush before tearing the
					// socket down with the user-visible reason.
					go func() {
						time.Sleep(100 * time.Millisecond)
						_ = conn.Close(mismatch.Error())
					}()
				}
				return nil, err
			}
			lc.Transition(rpc.StateActive)
			var payload struct {
				ID string `json:"id"`
			}
			_ = json.Unmarshal(body, &payload)
			bound.set(ids.AgentID(payload.ID))
			return result, nil
		}
		observer := bound.get()
		if observer == "" {
			return nil, rpc.ErrNoHandler
		}
		return s.ctrl.HandleAgentRequest(ctx, observer, method, body)
	})

	err = conn.Serve(ctx)
	if observer := bound.get(); observer != "" {
		if merr := s.ctrl.Registry.MarkDisconnected(observer); merr != nil {
			s.log.Warn("mark disconnected after channel close", "agent_id", observer, "error", merr)
		}
	}
	s.log.Info("agent connection closed", "error", err)
	return nil
}

// boundObserver stores the AgentID a connection's handshake resolved,
// read by every subsequent ControlService call dispatched on the same
// Conn (requests run on their own goroutine, so this needs its own
// synchronization rather than a plain field).
type boundObserver struct {
	v atomic.Value
}

func (b *boundObserver) set(id ids.AgentID) { b.v.Store(id) }

func (b *boundObserver) get() ids.AgentID {
	v := b.v.Load()
	if v == nil {
		return ""
	}
	return v.(ids.AgentID)
}

// connHandle adapts *rpc.Conn to registry.RPCHandle.
type connHandle struct {
	conn *rpc.Conn
}

func (h *connHandle) Close(reason string) error { return h.conn.Close(reason) }

func (h *connHandle) CallAgentService(ctx context.Context, method string, body, out any) error {
	return h.conn.CallAgentService(ctx, method, body, out)
}

var _ registry.RPCHandle = (*connHandle)(nil)
