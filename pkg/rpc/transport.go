package rpc

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// Transport is the minimal message-oriented duplex the multiplexer needs.
// It is implemented by wsTransport (the real WebSocket carrier) and, in
// tests, by an in-memory pipe, keeping Conn itself free of any direct
// dependency on a live socket.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close(reason string) error
}

// PingHeader is the magic byte sequence sent before the first frame of
// a connection, distinguishing a control-initiated
// connection from an agent-to-node one.
const (
	PingHeaderControl = "snops-agent"
	PingHeaderNode    = "snops-node"
)

// wsTransport adapts a *websocket.Conn to the Transport interface.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an already-upgraded WebSocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	kind, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if kind != websocket.MessageText && kind != websocket.MessageBinary {
		return nil, fmt.Errorf("rpc: unexpected websocket message type %v", kind)
	}
	return data, nil
}

func (t *wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
