package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/socket-relay/internal/relay"
)

// ErrServerStopped is returned by Serve after Stop.
var ErrServerStopped = errors.New("tcp: server stopped")

// Server handles TCP connections and delegates each one to the Relay.
type Server struct {
	address  string
	relay    *relay.Relay
	opts     Options
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	listener net.Listener
	stopped  bool
	wg       sync.WaitGroup
}

// New creates a TCP server that uses the provided Relay.
func New(address string, r *relay.Relay, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		address: address,
		relay:   r,
		opts:    opts,
		logger:  logger.Named("tcp"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Listen binds the listening socket without accepting yet.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start TCP server: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("TCP server listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Start listens and accepts TCP connections until Stop.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections on the bound listener until Stop.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("tcp: Serve called before Listen")
	}

	var delay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isStopped() {
				return ErrServerStopped
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			delay = acceptDelay(delay)
			s.logger.Warn("failed to accept TCP connection",
				zap.Error(err),
				zap.Duration("retry_in", delay),
			)
			select {
			case <-time.After(delay):
			case <-s.ctx.Done():
			}
			continue
		}
		delay = 0
		s.ServeConn(conn, conn)
	}
}

// acceptDelay is the pause after a failed Accept: 5ms, doubling up to 1s.
func acceptDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	return min(2*prev, time.Second)
}

// ServeConn runs the relay loop for conn on its own goroutine. r supplies the
// inbound bytes, which lets a caller hand over data it already peeked.
func (s *Server) ServeConn(conn net.Conn, r io.Reader) {
	if !s.track() {
		_ = conn.Close()
		return
	}
	go func() {
		defer s.wg.Done()
		if err := s.relay.Handle(s.ctx, NewConnWithReader(conn, r, s.opts)); err != nil {
			s.logger.Debug("TCP connection ended with error", zap.Error(err))
		}
	}()
}

// Stop closes the listener, ends every connection loop and waits for them.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	s.cancel()
	s.wg.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// track registers a connection goroutine unless the server is stopping.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
