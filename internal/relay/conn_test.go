package relay_test

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/omochice/socket-relay/internal/relay"
)

// mockConn is a mock implementation of relay.Conn for testing.
type mockConn struct {
	readCh     chan relay.Message
	readErr    error
	writtenMu  sync.Mutex
	written    []relay.Message
	writeErr   error
	closeOnce  sync.Once
	closed     chan struct{}
	remoteAddr string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan relay.Message, 10),
		closed:     make(chan struct{}),
		remoteAddr: addr,
	}
}

func (m *mockConn) Read(ctx context.Context) (relay.Message, error) {
	if m.readErr != nil {
		return relay.Message{}, m.readErr
	}
	select {
	case <-m.closed:
		return relay.Message{}, net.ErrClosed
	case msg, ok := <-m.readCh:
		if !ok {
			return relay.Message{}, io.EOF
		}
		return msg, nil
	}
}

func (m *mockConn) Write(ctx context.Context, msg relay.Message) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	select {
	case <-m.closed:
		return net.ErrClosed
	default:
	}
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	copied := make([]byte, len(msg.Payload))
	copy(copied, msg.Payload)
	m.written = append(m.written, relay.Message{Kind: msg.Kind, Payload: copied})
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *mockConn) GetWritten() []relay.Message {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	out := make([]relay.Message, len(m.written))
	copy(out, m.written)
	return out
}

func (m *mockConn) payloads() []string {
	var out []string
	for _, msg := range m.GetWritten() {
		out = append(out, string(msg.Payload))
	}
	return out
}

// Compile-time check that mockConn implements relay.Conn
var _ relay.Conn = (*mockConn)(nil)
