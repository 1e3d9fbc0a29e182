package protocol

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Codec reads and writes frames over a websocket connection. Frames travel
// as text messages since the wire format is JSON with base64-encoded binary
// fields, kept text-safe for cross-language agents and easy debugging.
type Codec struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewCodec wraps a websocket connection with frame encoding/decoding.
func NewCodec(conn *websocket.Conn) *Codec {
	return &Codec{conn: conn}
}

// WriteFrame serialises and sends a frame.
func (c *Codec) WriteFrame(f *Frame) error {
	data, err := Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame reads the next frame. A malformed frame is returned as
// *ErrMalformedFrame: the connection is still healthy and the caller should
// log and keep reading. Any other error means the connection itself failed.
func (c *Codec) ReadFrame() (*Frame, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading websocket message: %w", err)
	}
	if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
		return nil, &ErrMalformedFrame{Err: fmt.Errorf("unexpected websocket message type: %d", msgType)}
	}
	return Unmarshal(data)
}

// Close closes the underlying websocket connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}

// UnderlyingConn exposes the wrapped websocket connection for deadline and
// ping/pong handler configuration.
func (c *Codec) UnderlyingConn() *websocket.Conn {
	return c.conn
}
