// Package tcp provides the raw TCP transport for the relay. Messages are
// framed with a protobuf varint length prefix.
package tcp

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/omochice/socket-relay/internal/relay"
)

// DefaultMaxMessageSize bounds a single frame when Options leaves it unset.
const DefaultMaxMessageSize = 1 << 20

// Options tunes a Conn.
type Options struct {
	// MaxMessageSize is the largest accepted frame payload.
	MaxMessageSize int
	// WriteTimeout bounds each Write. Zero means no deadline.
	WriteTimeout time.Duration
}

func (o Options) maxMessageSize() int {
	if o.MaxMessageSize <= 0 {
		return DefaultMaxMessageSize
	}
	return o.MaxMessageSize
}

// Conn adapts net.Conn to relay.Conn interface.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	opts    Options
	writeMu sync.Mutex
}

// NewConn wraps a net.Conn.
func NewConn(conn net.Conn, opts Options) *Conn {
	return NewConnWithReader(conn, conn, opts)
}

// NewConnWithReader wraps a net.Conn whose first bytes were already consumed
// into r, e.g. by protocol sniffing.
func NewConnWithReader(conn net.Conn, r io.Reader, opts Options) *Conn {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Conn{conn: conn, reader: br, opts: opts}
}

// Dial connects to a relay TCP listener.
func Dial(ctx context.Context, address string, opts Options) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, opts), nil
}

// Read implements relay.Conn.
// Every TCP message is reported as binary.
func (c *Conn) Read(ctx context.Context) (relay.Message, error) {
	payload, err := readFrame(c.reader, c.opts.maxMessageSize())
	if err != nil {
		return relay.Message{}, err
	}
	return relay.Binary(payload), nil
}

// Write implements relay.Conn.
// The frame goes out in a single write so concurrent broadcasts never interleave.
func (c *Conn) Write(ctx context.Context, msg relay.Message) error {
	frame := appendFrame(make([]byte, 0, len(msg.Payload)+maxVarintLen), msg.Payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(frame)
	return err
}

// Close implements relay.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements relay.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
