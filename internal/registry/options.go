package registry

import (
	"log/slog"
	"time"

	"github.com/nogipx/rpcmesh/internal/diagnostics"
)

// Option configures a Directory at construction time.
type Option func(*Directory)

// WithMailboxSize sets the per-client mailbox capacity backing Cell.Push.
func WithMailboxSize(size int) Option {
	return func(d *Directory) { d.mailboxSize = size }
}

// WithEvictionInterval configures how often the idle reaper runs.
func WithEvictionInterval(interval time.Duration) Option {
	return func(d *Directory) { d.evictionInterval = interval }
}

// WithIdleTimeout sets clientIdleTimeout (§4.7): a client with zero
// attached sessions and no activity for longer than this is evicted.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(d *Directory) { d.idleTimeout = timeout }
}

// WithPendingReapInterval configures how often expired PendingRequests are
// swept and resolved with a timeout error.
func WithPendingReapInterval(interval time.Duration) Option {
	return func(d *Directory) { d.pendingReapInterval = interval }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Directory) { d.logger = logger }
}

// WithTap wires a diagnostics.Tap to observe every routed operation and
// lifecycle transition. Defaults to diagnostics.Noop.
func WithTap(tap diagnostics.Tap) Option {
	return func(d *Directory) { d.tap = tap }
}
