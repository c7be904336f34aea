// Package output pins the contract an out-of-scope HTTP/WebSocket gateway
// would use to forward a resolver's assembled output records to a
// subscribed browser client. This module never opens that gateway itself
// (SPEC_FULL.md Non-goals exclude the HTTP/WebSocket fan-out surface) —
// Forwarder exists so the wire format and the library it would ride on are
// pinned and exercised here rather than rediscovered by whatever project
// eventually builds the gateway.
package output

import "github.com/gorilla/websocket"

// Forwarder relays assembled output records verbatim onto a WebSocket
// connection, one text frame per record, matching how the gateway would
// forward a resolver's published message to a subscribed client without
// re-encoding it.
type Forwarder struct {
	conn *websocket.Conn
}

// NewForwarder wraps an already-established WebSocket connection (the
// gateway owns the HTTP upgrade; this package only forwards frames once
// one exists).
func NewForwarder(conn *websocket.Conn) *Forwarder {
	return &Forwarder{conn: conn}
}

// ForwardRecord writes data — typically an already-JSON-encoded
// wire.OutputRecord — as a single WebSocket text frame.
func (f *Forwarder) ForwardRecord(data []byte) error {
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal-closure control frame and closes the underlying
// connection.
func (f *Forwarder) Close() error {
	_ = f.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return f.conn.Close()
}
