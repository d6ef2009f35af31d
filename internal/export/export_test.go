package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/nogipx/rpcmesh/internal/diagnostics"
	"github.com/nogipx/rpcmesh/internal/domain"
)

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	failNext bool
}

func (f *fakePublisher) Publish(topic string, messages ...*message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errors.New("publish failed")
	}
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func TestNoopExportIsInert(t *testing.T) {
	if err := Noop.Export(context.Background(), domain.RouterEvent{Kind: domain.EventClientConnected}); err != nil {
		t.Fatalf("Noop.Export: %v", err)
	}
}

func TestExporterPublishesUnderRoutingKey(t *testing.T) {
	pub := &fakePublisher{}
	exp := New(pub, nil)

	ev := domain.RouterEvent{Kind: domain.EventClientConnected, Timestamp: time.Now()}
	if err := exp.Export(context.Background(), ev); err != nil {
		t.Fatalf("Export: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.topics) != 1 || pub.topics[0] != RoutingKey(ev) {
		t.Fatalf("topics = %v", pub.topics)
	}
}

func TestExporterSurfacesPublishError(t *testing.T) {
	pub := &fakePublisher{failNext: true}
	exp := New(pub, nil)
	if err := exp.Export(context.Background(), domain.RouterEvent{Kind: domain.EventQueueOverflow}); err == nil {
		t.Fatal("expected an error from a failing publisher")
	}
}

func TestTappedExporterDelegatesAndExports(t *testing.T) {
	pub := &fakePublisher{}
	tapped := &TappedExporter{Tap: diagnostics.Noop, Exporter: New(pub, nil)}

	tapped.Event(domain.RouterEvent{Kind: domain.EventShuttingDown, Timestamp: time.Now()})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		pub.mu.Lock()
		n := len(pub.topics)
		pub.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected tapped export to publish asynchronously")
}
