// Package export implements the optional fan-out of RouterEvents to an
// external message bus (SUPPLEMENTED FEATURES / §9's pluggable diagnostics
// consumer), grounded on the teacher's internal/adapter/pubsub
// EventDispatcher — same watermill message.Publisher seam, generalized
// from a single domain event type to any domain.RouterEvent — wrapped in a
// sony/gobreaker circuit breaker so a stalled or unreachable bus degrades
// the publish path instead of the router itself.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sony/gobreaker"

	"github.com/nogipx/rpcmesh/internal/diagnostics"
	"github.com/nogipx/rpcmesh/internal/domain"
)

// RoutingKey derives the topic a RouterEvent is published under, mirroring
// the teacher's event.Eventer.GetRoutingKey contract.
func RoutingKey(ev domain.RouterEvent) string {
	return "router.events." + string(ev.Kind)
}

// Exporter publishes RouterEvents onto an external bus. A nil Exporter
// (Noop) is a valid, inert choice — export is entirely optional (§9).
type Exporter interface {
	Export(ctx context.Context, ev domain.RouterEvent) error
}

type noopExporter struct{}

func (noopExporter) Export(context.Context, domain.RouterEvent) error { return nil }

// Noop discards every event; used when no external bus is configured.
var Noop Exporter = noopExporter{}

// watermillExporter is the production Exporter: a watermill
// message.Publisher guarded by a gobreaker.CircuitBreaker so that a
// publish failure streak trips the breaker open and subsequent Export
// calls fail fast instead of blocking router goroutines on a dead bus.
type watermillExporter struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger
}

// New wraps publisher in a circuit breaker named "router-export". More than
// five consecutive publish failures trip the breaker open for gobreaker's
// default timeout before it half-opens to probe the bus again.
func New(publisher message.Publisher, logger *slog.Logger) Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name: "router-export",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("export circuit breaker state change", slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
		},
	}
	return &watermillExporter{
		publisher: publisher,
		breaker:   gobreaker.NewCircuitBreaker(settings),
		logger:    logger,
	}
}

func (e *watermillExporter) Export(ctx context.Context, ev domain.RouterEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("export: marshal event: %w", err)
	}

	_, err = e.breaker.Execute(func() (any, error) {
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.SetContext(ctx)
		return nil, e.publisher.Publish(RoutingKey(ev), msg)
	})
	if err != nil {
		e.logger.Warn("export: publish failed", slog.String("kind", string(ev.Kind)), slog.String("error", err.Error()))
		return fmt.Errorf("export: publish %s: %w", RoutingKey(ev), err)
	}
	return nil
}

// TappedExporter wraps a diagnostics.Tap so that every RouterEvent observed
// by the tap is also fanned out to the external bus, letting
// registry.WithTap be the single seam that both the slog/otel Tap and the
// optional external export path attach to.
type TappedExporter struct {
	diagnostics.Tap
	Exporter Exporter
	Logger   *slog.Logger
}

// Event satisfies diagnostics.Tap, delegating to the wrapped Tap and then
// exporting asynchronously so a slow or unreachable bus never adds latency
// to the routing hot path.
func (t *TappedExporter) Event(ev domain.RouterEvent) {
	t.Tap.Event(ev)
	go func() {
		if err := t.Exporter.Export(context.Background(), ev); err != nil {
			logger := t.Logger
			if logger == nil {
				logger = slog.Default()
			}
			logger.Debug("tapped export failed", slog.String("error", err.Error()))
		}
	}()
}
