package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/nogipx/rpcmesh/internal/domain"
	"github.com/nogipx/rpcmesh/internal/registry"
	"github.com/nogipx/rpcmesh/pkg/transport"
)

func TestShutdownClosesTrackedConnections(t *testing.T) {
	dir := registry.New()
	t.Cleanup(dir.Shutdown)

	sup := New(dir, nil, 10*time.Millisecond)

	client, server := transport.NewMemoryPair(0)
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	if !sup.Track(server, cancel) {
		t.Fatal("Track rejected before any shutdown began")
	}

	sup.Shutdown(context.Background())

	select {
	case <-server.Done():
	case <-time.After(time.Second):
		t.Fatal("server connection was not closed by Shutdown")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("dispatcher context was not cancelled by Shutdown")
	}
}

func TestTrackRejectedDuringShutdown(t *testing.T) {
	dir := registry.New()
	t.Cleanup(dir.Shutdown)
	sup := New(dir, nil, 0)
	sup.Shutdown(context.Background())

	_, server := transport.NewMemoryPair(0)
	t.Cleanup(func() { server.Close() })
	if sup.Track(server, func() {}) {
		t.Fatal("expected Track to reject new connections once draining")
	}
}

func TestDisconnectClientRemovesFromDirectory(t *testing.T) {
	dir := registry.New()
	t.Cleanup(dir.Shutdown)
	sup := New(dir, nil, time.Second)

	if _, err := dir.Register("c1", "C1", nil, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	sup.DisconnectClient("c1", domain.ReasonEvicted)

	if _, ok := dir.Lookup("c1"); ok {
		t.Fatal("expected client to be removed after DisconnectClient")
	}
}
