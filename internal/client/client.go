// Package client provides a relay client over either transport. The address
// scheme picks the transport: ws:// or wss:// dials WebSocket, anything else
// is a TCP host:port with an optional tcp:// prefix.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/socket-relay/internal/relay"
	"github.com/omochice/socket-relay/internal/transport/tcp"
	"github.com/omochice/socket-relay/internal/transport/ws"
)

var (
	// ErrNotConnected is returned by Send before Connect or after Disconnect.
	ErrNotConnected = errors.New("not connected to server")
	// ErrAlreadyConnected is returned by every Connect after the first successful one.
	ErrAlreadyConnected = errors.New("client already connected")
)

// Options tunes a Client.
type Options struct {
	MaxMessageSize int
	WriteTimeout   time.Duration
	Logger         *zap.Logger
}

// Client represents a relay client.
type Client struct {
	address  string
	opts     Options
	logger   *zap.Logger
	conn     relay.Conn
	messages chan relay.Message
	mu       sync.RWMutex
	started  bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Client instance.
func New(address string, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		address:  address,
		opts:     opts,
		logger:   logger,
		messages: make(chan relay.Message, 64),
		done:     make(chan struct{}),
	}
}

// Connect dials the server and starts receiving messages.
// A Client connects at most once; a failed dial may be retried.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.started = true
	c.mu.Unlock()

	conn, err := dial(ctx, c.address, c.opts)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveMessages(conn)

	return nil
}

// Disconnect closes the connection and waits for the receiver to exit.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Send sends a message to the server.
func (c *Client) Send(ctx context.Context, msg relay.Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Write(ctx, msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SendText sends s as a text message.
func (c *Client) SendText(ctx context.Context, s string) error {
	return c.Send(ctx, relay.Text(s))
}

// Messages returns the channel of relayed messages.
// It is closed once the connection ends.
func (c *Client) Messages() <-chan relay.Message {
	return c.messages
}

func (c *Client) receiveMessages(conn relay.Conn) {
	defer c.wg.Done()
	defer close(c.messages)

	for {
		msg, err := conn.Read(context.Background())
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Info("connection to server ended", zap.Error(err))
			}
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		}
	}
}

func dial(ctx context.Context, address string, opts Options) (relay.Conn, error) {
	switch {
	case strings.HasPrefix(address, "ws://"), strings.HasPrefix(address, "wss://"):
		return ws.Dial(ctx, address, ws.Options{
			MaxMessageSize: opts.MaxMessageSize,
			WriteTimeout:   opts.WriteTimeout,
		})
	default:
		return tcp.Dial(ctx, strings.TrimPrefix(address, "tcp://"), tcp.Options{
			MaxMessageSize: opts.MaxMessageSize,
			WriteTimeout:   opts.WriteTimeout,
		})
	}
}
