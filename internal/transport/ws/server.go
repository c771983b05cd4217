package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/omochice/socket-relay/internal/relay"
)

// ErrServerStopped is returned by Serve after Stop.
var ErrServerStopped = errors.New("ws: server stopped")

// Server handles WebSocket upgrades on any path and delegates each
// connection to the Relay.
type Server struct {
	address  string
	relay    *relay.Relay
	opts     Options
	logger   *zap.Logger
	server   *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	listener net.Listener
	stopped  bool
	wg       sync.WaitGroup
}

// New creates a WebSocket server that uses the provided Relay.
func New(address string, r *relay.Relay, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		address: address,
		relay:   r,
		opts:    opts,
		logger:  logger.Named("ws"),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: opts.readHeaderTimeout(),
	}
	return s
}

// Listen binds the listening socket without accepting yet.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start WebSocket server: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("WebSocket server listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Start listens and serves WebSocket connections until Stop.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections on the listener bound by Listen until Stop.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("ws: Serve called before Listen")
	}
	return s.ServeListener(listener)
}

// ServeListener accepts HTTP connections from l until Stop. The single-port
// mux passes its own in-memory listener here.
func (s *Server) ServeListener(l net.Listener) error {
	err := s.server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return ErrServerStopped
	}
	return err
}

// Stop closes the HTTP server, ends every connection loop and waits for them.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	// Close also closes every listener passed to ServeListener.
	_ = s.server.Close()
	s.cancel()
	s.wg.Wait()
}

// Addr returns the listening address bound by Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ServeHTTP upgrades the request and runs the relay loop on the handler's
// goroutine. Hijacked connections are not tracked by http.Server, so the
// loop is tracked here instead.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("failed to upgrade WebSocket connection",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("WebSocket upgraded",
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr),
	)

	var br *bufio.Reader
	if rw != nil {
		br = rw.Reader
	}
	if err := s.relay.Handle(s.ctx, NewServerConn(conn, br, s.opts)); err != nil {
		s.logger.Debug("WebSocket connection ended with error", zap.Error(err))
	}
}

// track registers a connection loop unless the server is stopping.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}
