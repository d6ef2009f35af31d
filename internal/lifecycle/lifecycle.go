// Package lifecycle implements §4.8's graceful shutdown and
// per-connection cleanup, generalizing the teacher's Hub.Shutdown
// (internal/domain/registry/hub.go) from "stop every cell" to "drain every
// physical connection, then stop every cell."
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nogipx/rpcmesh/internal/domain"
	"github.com/nogipx/rpcmesh/internal/registry"
	"github.com/nogipx/rpcmesh/pkg/transport"
)

// Supervisor owns the set of live physical connections plus the router's
// client Directory, and coordinates their shutdown (§4.8).
type Supervisor struct {
	dir          *registry.Directory
	logger       *slog.Logger
	drainTimeout time.Duration

	mu      sync.Mutex
	conns   map[*transport.Conn]context.CancelFunc
	draining bool
}

// New builds a Supervisor over an already-constructed Directory.
func New(dir *registry.Directory, logger *slog.Logger, drainTimeout time.Duration) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	return &Supervisor{dir: dir, logger: logger, drainTimeout: drainTimeout, conns: make(map[*transport.Conn]context.CancelFunc)}
}

// Track registers a connection's dispatcher cancel function so Shutdown can
// stop it. It returns false (and does nothing) once a shutdown is already
// underway, per §4.8's "stop accepting new connections."
func (s *Supervisor) Track(conn *transport.Conn, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.conns[conn] = cancel
	return true
}

// Untrack removes a connection once its dispatcher loop has exited on its
// own (normal per-connection disconnect, not a supervisor-driven shutdown).
func (s *Supervisor) Untrack(conn *transport.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// DisconnectClient performs §4.8's per-connection cleanup for one client
// that left outside of an explicit unregister call (transport error, idle
// reaper, or forced shutdown): notify it if still reachable, then tear its
// directory state down.
func (s *Supervisor) DisconnectClient(clientID string, reason domain.DisconnectReason) {
	s.dir.PublishEvent(domain.RouterEvent{
		Kind:      domain.EventClientDisconnected,
		Payload:   map[string]any{"clientId": clientID, "reason": string(reason)},
		Timestamp: time.Now(),
	})
	s.dir.Unregister(clientID, reason)
}

// Shutdown implements §4.8's shutdown sequence: stop accepting new
// connections, announce a shutdown event, wait for drainTimeout (less only if
// ctx ends first), then forcibly close every tracked connection and the
// directory's own reapers. The wait does not end early when outgoing queues
// have emptied; their state is not checked.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.draining = true
	conns := make([]*transport.Conn, 0, len(s.conns))
	cancels := make([]context.CancelFunc, 0, len(s.conns))
	for c, cancel := range s.conns {
		conns = append(conns, c)
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	s.dir.PublishEvent(domain.RouterEvent{Kind: domain.EventShuttingDown, Timestamp: time.Now()})

	drain, stop := context.WithTimeout(ctx, s.drainTimeout)
	defer stop()
	<-drain.Done()

	for _, cancel := range cancels {
		cancel()
	}
	for _, c := range conns {
		if err := c.Close(); err != nil {
			s.logger.Warn("error closing connection during shutdown", slog.String("error", err.Error()))
		}
	}

	s.dir.Shutdown()
	s.logger.Info("router shutdown complete")
}
