// Package mux serves the TCP and WebSocket transports on a single port by
// sniffing the first bytes of every connection.
package mux

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omochice/socket-relay/internal/transport/tcp"
	"github.com/omochice/socket-relay/internal/transport/ws"
)

// DefaultSniffTimeout is how long a connection may stay silent before it is
// treated as a raw TCP client.
const DefaultSniffTimeout = time.Second

// ErrServerStopped is returned by Serve after Stop.
var ErrServerStopped = errors.New("mux: server stopped")

// Server accepts on one address and routes each connection to the TCP or
// the WebSocket server. Both servers share the Relay they were built with.
type Server struct {
	address      string
	tcp          *tcp.Server
	ws           *ws.Server
	sniffTimeout time.Duration
	logger       *zap.Logger
	mu           sync.Mutex
	listener     net.Listener
	httpConns    *connListener
	stopped      bool
	quit         chan struct{}
	wg           sync.WaitGroup
}

// New creates a single-port server over the given transport servers.
// Their own Listen is never called; the mux feeds them instead.
func New(address string, tcpSrv *tcp.Server, wsSrv *ws.Server, sniffTimeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sniffTimeout <= 0 {
		sniffTimeout = DefaultSniffTimeout
	}
	return &Server{
		address:      address,
		tcp:          tcpSrv,
		ws:           wsSrv,
		sniffTimeout: sniffTimeout,
		logger:       logger.Named("mux"),
		quit:         make(chan struct{}),
	}
}

// Listen binds the shared port without accepting yet.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.httpConns = newConnListener(listener.Addr())
	s.mu.Unlock()

	s.logger.Info("server listening (TCP and WebSocket)", zap.String("addr", listener.Addr().String()))
	return nil
}

// Start listens and serves until Stop.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections on the shared port until Stop.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener, httpConns := s.listener, s.httpConns
	s.mu.Unlock()
	if listener == nil {
		return errors.New("mux: Serve called before Listen")
	}

	if !s.track() {
		return ErrServerStopped
	}
	go func() {
		defer s.wg.Done()
		if err := s.ws.ServeListener(httpConns); err != nil && !errors.Is(err, ws.ErrServerStopped) {
			s.logger.Warn("WebSocket server error", zap.Error(err))
		}
	}()

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
			s.logger.Warn("failed to accept connection",
				zap.Error(err),
				zap.Duration("retry_in", delay),
			)
			select {
			case <-time.After(delay):
			case <-s.quit:
			}
			continue
		}
		delay = 0

		if !s.track() {
			_ = conn.Close()
			return ErrServerStopped
		}
		go s.handleConnection(conn, httpConns)
	}
}

// handleConnection determines whether the connection is HTTP (WebSocket) or TCP.
func (s *Server) handleConnection(conn net.Conn, httpConns *connListener) {
	defer s.wg.Done()

	proto, reader, err := detectProtocol(conn, s.sniffTimeout)
	if err != nil {
		s.logger.Debug("failed to peek connection",
			zap.String("remote_addr", conn.RemoteAddr().String()),
			zap.Error(err),
		)
		_ = conn.Close()
		return
	}
	s.logger.Debug("connection routed",
		zap.String("remote_addr", conn.RemoteAddr().String()),
		zap.Stringer("protocol", proto),
	)

	switch proto {
	case protocolHTTP:
		if !httpConns.push(&bufferedConn{Conn: conn, reader: reader}) {
			_ = conn.Close()
		}
	default:
		s.tcp.ServeConn(conn, reader)
	}
}

// Stop closes the shared port, then stops both transport servers.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	listener, httpConns := s.listener, s.httpConns
	s.mu.Unlock()
	close(s.quit)

	if listener != nil {
		_ = listener.Close()
	}
	if httpConns != nil {
		_ = httpConns.Close()
	}
	s.ws.Stop()
	s.tcp.Stop()
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

// track registers a goroutine unless the server is stopping.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

// acceptDelay is the pause after a failed Accept: 5ms, doubling up to 1s.
func acceptDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	return min(2*prev, time.Second)
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}
