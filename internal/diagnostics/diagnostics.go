// Package diagnostics implements the router's EventTap (§2 component 9):
// a seam through which every routed operation and lifecycle transition is
// observed, without that observation ever feeding back into routing
// decisions (§9's open question resolves to "diagnostics-only, no
// behavioral coupling"). The default Tap pairs structured slog logging,
// grounded on the teacher's own *slog.Logger-through-constructor style
// (internal/handler/grpc/delivery.go), with OpenTelemetry metric
// instruments, grounded on the teacher's cmd/fx.go ProvideLogger wiring an
// otelslog bridge.
package diagnostics

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/nogipx/rpcmesh/internal/domain"
)

// Tap receives every significant router event. Implementations must not
// block the calling goroutine for long; the registry and router call Tap
// methods inline on the hot path.
type Tap interface {
	ClientRegistered(clientID, name string, groups []string)
	ClientUnregistered(clientID string, reason domain.DisconnectReason)
	MessageRouted(kind domain.MessageKind, senderID string, delivered int)
	MessageDropped(kind domain.MessageKind, targetID string, reason string)
	RequestCompleted(correlationID string, ok bool)
	Event(ev domain.RouterEvent)
}

// noopTap discards everything; used where no Tap is configured so callers
// never need a nil check.
type noopTap struct{}

func (noopTap) ClientRegistered(string, string, []string)                {}
func (noopTap) ClientUnregistered(string, domain.DisconnectReason)       {}
func (noopTap) MessageRouted(domain.MessageKind, string, int)            {}
func (noopTap) MessageDropped(domain.MessageKind, string, string)        {}
func (noopTap) RequestCompleted(string, bool)                            {}
func (noopTap) Event(domain.RouterEvent)                                 {}

// Noop is the zero-cost Tap used when diagnostics are not configured.
var Noop Tap = noopTap{}

// instruments bundles the otel metric instruments a Tap publishes to.
type instruments struct {
	clientsRegistered   metric.Int64Counter
	clientsUnregistered metric.Int64Counter
	messagesRouted      metric.Int64Counter
	messagesDropped     metric.Int64Counter
	requestsCompleted   metric.Int64Counter
	requestsFailed      metric.Int64Counter
	deliveredPerMessage metric.Int64Histogram
}

// slogOtelTap is the default production Tap: structured logs plus otel
// counters, matching the teacher's ambient-stack combination of slog and an
// otelslog bridge rather than a bespoke metrics façade.
type slogOtelTap struct {
	logger *slog.Logger
	inst   *instruments
}

// New builds a Tap backed by logger and the metric instruments registered
// against meter. If meter is nil, metrics are skipped and only logging
// occurs.
func New(logger *slog.Logger, meter metric.Meter) (Tap, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &slogOtelTap{logger: logger}
	if meter == nil {
		return t, nil
	}

	inst := &instruments{}
	var err error
	if inst.clientsRegistered, err = meter.Int64Counter("router.clients.registered"); err != nil {
		return nil, err
	}
	if inst.clientsUnregistered, err = meter.Int64Counter("router.clients.unregistered"); err != nil {
		return nil, err
	}
	if inst.messagesRouted, err = meter.Int64Counter("router.messages.routed"); err != nil {
		return nil, err
	}
	if inst.messagesDropped, err = meter.Int64Counter("router.messages.dropped"); err != nil {
		return nil, err
	}
	if inst.requestsCompleted, err = meter.Int64Counter("router.requests.completed"); err != nil {
		return nil, err
	}
	if inst.requestsFailed, err = meter.Int64Counter("router.requests.failed"); err != nil {
		return nil, err
	}
	if inst.deliveredPerMessage, err = meter.Int64Histogram("router.messages.delivered_count"); err != nil {
		return nil, err
	}
	t.inst = inst
	return t, nil
}

func (t *slogOtelTap) ClientRegistered(clientID, name string, groups []string) {
	t.logger.Info("client registered", slog.String("clientId", clientID), slog.String("name", name), slog.Any("groups", groups))
	if t.inst != nil {
		t.inst.clientsRegistered.Add(context.Background(), 1)
	}
}

func (t *slogOtelTap) ClientUnregistered(clientID string, reason domain.DisconnectReason) {
	t.logger.Info("client unregistered", slog.String("clientId", clientID), slog.String("reason", string(reason)))
	if t.inst != nil {
		t.inst.clientsUnregistered.Add(context.Background(), 1, metric.WithAttributes())
	}
}

func (t *slogOtelTap) MessageRouted(kind domain.MessageKind, senderID string, delivered int) {
	t.logger.Debug("message routed", slog.String("kind", string(kind)), slog.String("senderId", senderID), slog.Int("delivered", delivered))
	if t.inst != nil {
		t.inst.messagesRouted.Add(context.Background(), 1)
		t.inst.deliveredPerMessage.Record(context.Background(), int64(delivered))
	}
}

func (t *slogOtelTap) MessageDropped(kind domain.MessageKind, targetID string, reason string) {
	t.logger.Warn("message dropped", slog.String("kind", string(kind)), slog.String("targetId", targetID), slog.String("reason", reason))
	if t.inst != nil {
		t.inst.messagesDropped.Add(context.Background(), 1)
	}
}

func (t *slogOtelTap) RequestCompleted(correlationID string, ok bool) {
	t.logger.Debug("request completed", slog.String("correlationId", correlationID), slog.Bool("ok", ok))
	if t.inst == nil {
		return
	}
	if ok {
		t.inst.requestsCompleted.Add(context.Background(), 1)
	} else {
		t.inst.requestsFailed.Add(context.Background(), 1)
	}
}

func (t *slogOtelTap) Event(ev domain.RouterEvent) {
	t.logger.Debug("router event", slog.String("kind", string(ev.Kind)), slog.Time("timestamp", ev.Timestamp))
}
