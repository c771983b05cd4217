// Package ws provides the WebSocket transport for the relay, built on gobwas/ws.
package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/socket-relay/internal/relay"
)

const (
	// DefaultMaxMessageSize bounds a single message when Options leaves it unset.
	DefaultMaxMessageSize = 1 << 20
	// DefaultReadHeaderTimeout bounds the upgrade request headers when Options
	// leaves it unset.
	DefaultReadHeaderTimeout = 5 * time.Second
)

// ErrMessageTooLarge is returned by Read when a message exceeds the size limit.
var ErrMessageTooLarge = errors.New("ws: message too large")

// Options tunes a Conn.
type Options struct {
	// MaxMessageSize is the largest accepted message, summed over fragments.
	MaxMessageSize int
	// WriteTimeout bounds each Write. Zero means no deadline.
	WriteTimeout time.Duration
	// ReadHeaderTimeout bounds reading the upgrade request on the Server.
	ReadHeaderTimeout time.Duration
}

func (o Options) readHeaderTimeout() time.Duration {
	if o.ReadHeaderTimeout <= 0 {
		return DefaultReadHeaderTimeout
	}
	return o.ReadHeaderTimeout
}

func (o Options) maxMessageSize() int {
	if o.MaxMessageSize <= 0 {
		return DefaultMaxMessageSize
	}
	return o.MaxMessageSize
}

// Conn adapts a WebSocket stream to relay.Conn interface.
type Conn struct {
	conn       net.Conn
	state      ws.State
	reader     *wsutil.Reader
	opts       Options
	remoteAddr string
	writeMu    sync.Mutex
	closeSent  bool
	closeOnce  sync.Once
	closeErr   error
}

// NewServerConn wraps the server side of an upgraded connection.
// br may hold bytes the handshake buffered past the upgrade request.
func NewServerConn(conn net.Conn, br *bufio.Reader, opts Options) *Conn {
	return newConn(conn, br, ws.StateServerSide, opts)
}

// NewClientConn wraps the client side of a dialed connection.
func NewClientConn(conn net.Conn, br *bufio.Reader, opts Options) *Conn {
	return newConn(conn, br, ws.StateClientSide, opts)
}

func newConn(conn net.Conn, br *bufio.Reader, state ws.State, opts Options) *Conn {
	var src io.Reader = conn
	if br != nil && br.Buffered() > 0 {
		src = br
	}
	c := &Conn{
		conn:       conn,
		state:      state,
		opts:       opts,
		remoteAddr: conn.RemoteAddr().String(),
	}
	c.reader = &wsutil.Reader{
		Source:         src,
		State:          state,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	return c
}

// Dial connects to a relay WebSocket endpoint such as ws://localhost:8000/.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewClientConn(conn, br, opts), nil
}

// Read implements relay.Conn.
// It returns the next text or binary message, reassembling fragments.
// A close frame from the peer ends the stream with io.EOF.
func (c *Conn) Read(ctx context.Context) (relay.Message, error) {
	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return relay.Message{}, err
		}

		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, c.reader); err != nil {
				return relay.Message{}, closeAsEOF(err)
			}
			continue
		}

		var kind relay.Kind
		switch hdr.OpCode {
		case ws.OpText:
			kind = relay.KindText
		case ws.OpBinary:
			kind = relay.KindBinary
		default:
			if err := c.reader.Discard(); err != nil {
				return relay.Message{}, err
			}
			continue
		}

		limit := int64(c.opts.maxMessageSize())
		payload, err := io.ReadAll(io.LimitReader(c.reader, limit+1))
		if err != nil {
			return relay.Message{}, closeAsEOF(err)
		}
		if int64(len(payload)) > limit {
			return relay.Message{}, fmt.Errorf("%w: limit %d", ErrMessageTooLarge, limit)
		}
		return relay.Message{Kind: kind, Payload: payload}, nil
	}
}

// handleControl answers ping and close frames. It holds the write lock so the
// reply cannot interleave with a broadcast frame.
func (c *Conn) handleControl(hdr ws.Header, r io.Reader) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if hdr.OpCode == ws.OpClose {
		c.closeSent = true
	}
	if err := c.setWriteDeadline(); err != nil {
		return err
	}
	return wsutil.ControlFrameHandler(c.conn, c.state)(hdr, r)
}

// setWriteDeadline arms the write timeout for the next frame. Callers hold
// writeMu; a deadline left from an earlier write must never govern this one.
func (c *Conn) setWriteDeadline() error {
	if c.opts.WriteTimeout <= 0 {
		return nil
	}
	return c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
}

// Write implements relay.Conn.
// The opcode follows msg.Kind, so text stays text.
func (c *Conn) Write(ctx context.Context, msg relay.Message) error {
	op := ws.OpBinary
	if msg.Kind == relay.KindText {
		op = ws.OpText
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.setWriteDeadline(); err != nil {
		return err
	}
	return wsutil.WriteMessage(c.conn, c.state, op, msg.Payload)
}

// Close implements relay.Conn.
// It sends a best-effort normal-closure frame before closing the socket,
// skipped when a write is stuck or a close frame already went out.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.writeMu.TryLock() {
			if !c.closeSent {
				c.closeSent = true
				_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
				body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
				_ = wsutil.WriteMessage(c.conn, c.state, ws.OpClose, body)
			}
			c.writeMu.Unlock()
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements relay.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// closeAsEOF reports a peer close frame as a clean end of stream.
func closeAsEOF(err error) error {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return io.EOF
	}
	return err
}
