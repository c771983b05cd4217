package relay

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/omochice/socket-relay/internal/metrics"
)

// Relay owns the Registry and runs one broadcast loop per connection.
type Relay struct {
	registry *Registry
	logger   *zap.Logger
	metrics  *metrics.RelayMetrics
}

// New creates a Relay with an empty Registry. m may be nil.
func New(logger *zap.Logger, m *metrics.RelayMetrics) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		registry: NewRegistry(),
		logger:   logger,
		metrics:  m,
	}
}

// Registry returns the shared connection registry.
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Delivery is the result of fanning one message out.
type Delivery struct {
	Delivered int
	Failed    int
}

// Handle runs the broadcast loop for a newly accepted connection and blocks
// until the connection ends. The connection is registered before the first
// read and always deregistered and closed on return. Cancelling ctx closes
// the connection, which ends the loop through the same path.
//
// A clean disconnect returns nil; any other read error is returned.
func (r *Relay) Handle(ctx context.Context, conn Conn) error {
	client := NewClient(conn)
	log := r.logger.With(
		zap.String("conn_id", client.ID.String()),
		zap.String("remote_addr", conn.RemoteAddr()),
	)

	r.registry.Add(client)
	r.metrics.Connected()
	log.Info("connection registered", zap.Int("clients", r.registry.Len()))

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	defer func() {
		stop()
		r.registry.Remove(client)
		r.metrics.Disconnected()
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			log.Debug("close failed", zap.Error(cerr))
		}
		log.Info("connection closed", zap.Int("clients", r.registry.Len()))
	}()

	for {
		msg, rerr := conn.Read(ctx)
		if rerr != nil {
			if classify(rerr) == readClosed {
				log.Debug("client disconnected", zap.Error(rerr))
				return nil
			}
			log.Warn("read failed", zap.Error(rerr))
			return fmt.Errorf("read from %s: %w", conn.RemoteAddr(), rerr)
		}

		r.metrics.Received(len(msg.Payload))
		d := r.broadcast(ctx, msg, log)
		r.metrics.Delivered(d.Delivered, d.Failed)
	}
}

// Broadcast sends msg to every currently registered client.
func (r *Relay) Broadcast(ctx context.Context, msg Message) Delivery {
	d := r.broadcast(ctx, msg, r.logger)
	r.metrics.Delivered(d.Delivered, d.Failed)
	return d
}

// broadcast writes msg to a snapshot of the registry, one peer at a time.
// A failed peer is skipped; its own loop observes the broken link.
func (r *Relay) broadcast(ctx context.Context, msg Message, log *zap.Logger) Delivery {
	var d Delivery
	for _, peer := range r.registry.Snapshot() {
		if err := peer.Conn.Write(ctx, msg); err != nil {
			d.Failed++
			log.Debug("send to peer failed",
				zap.String("peer_id", peer.ID.String()),
				zap.Error(err),
			)
			continue
		}
		d.Delivered++
	}
	return d
}
