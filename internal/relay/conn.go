// Package relay implements the broadcast core: a registry of live connections and
// the per-connection loop that fans every received message out to all of them.
package relay

import "context"

// Kind tells whether a message payload is text or binary.
// Transports without the distinction treat everything as binary.
type Kind int

const (
	KindBinary Kind = iota
	KindText
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// Message is one relayed payload. The relay never inspects Payload.
type Message struct {
	Kind    Kind
	Payload []byte
}

// Text builds a text message.
func Text(s string) Message {
	return Message{Kind: KindText, Payload: []byte(s)}
}

// Binary builds a binary message.
func Binary(b []byte) Message {
	return Message{Kind: KindBinary, Payload: b}
}

// Conn abstracts a bidirectional connection for both TCP and WebSocket.
// This interface isolates transport details from relay logic.
type Conn interface {
	// Read returns the next inbound message.
	// Returns io.EOF when the peer closed the connection cleanly.
	Read(ctx context.Context) (Message, error)

	// Write sends a single message. It must be safe for concurrent use,
	// since several broadcasting loops may target the same peer at once.
	Write(ctx context.Context, msg Message) error

	// Close closes the connection. Calling it more than once is allowed.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
