package diagnostics

import (
	"testing"

	"github.com/nogipx/rpcmesh/internal/domain"
)

func TestNoopTapDoesNotPanic(t *testing.T) {
	Noop.ClientRegistered("c1", "Alice", []string{"g"})
	Noop.ClientUnregistered("c1", domain.ReasonShutdown)
	Noop.MessageRouted(domain.KindMulticast, "c1", 3)
	Noop.MessageDropped(domain.KindUnicast, "c2", "mailbox full")
	Noop.RequestCompleted("corr-1", true)
	Noop.Event(domain.RouterEvent{Kind: domain.EventClientConnected})
}

func TestNewWithNilMeterLogsOnly(t *testing.T) {
	tap, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tap.ClientRegistered("c1", "Alice", nil)
	tap.RequestCompleted("corr-1", false)
}
