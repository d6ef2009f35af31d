package registry

import (
	"testing"
	"time"

	"github.com/nogipx/rpcmesh/internal/domain"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	d := New(
		WithMailboxSize(16),
		WithEvictionInterval(20*time.Millisecond),
		WithIdleTimeout(30*time.Millisecond),
		WithPendingReapInterval(10*time.Millisecond),
	)
	t.Cleanup(d.Shutdown)
	return d
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	d := newTestDirectory(t)
	if _, err := d.Register("a", "Alice", nil, nil); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := d.Register("a", "Alice2", nil, nil); err != ErrAlreadyRegistered {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestGroupMembershipAndMulticast(t *testing.T) {
	d := newTestDirectory(t)
	if _, err := d.Register("a", "Alice", []string{"team-x"}, nil); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if _, err := d.Register("b", "Bob", nil, nil); err != nil {
		t.Fatalf("register b: %v", err)
	}
	d.JoinGroup("b", "team-x")

	members := d.OnlineClients("team-x")
	if len(members) != 2 {
		t.Fatalf("expected 2 members in team-x, got %d", len(members))
	}

	sessA := &domain.Session{ID: "sess-a"}
	queueA, err := d.AttachSession("a", sessA, 4)
	if err != nil {
		t.Fatalf("attach session a: %v", err)
	}

	delivered := d.SendMulticast("team-x", &domain.RouterMessage{Kind: domain.KindMulticast, Payload: []byte("hi")})
	if delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}

	select {
	case msg := <-queueA:
		if string(msg.Payload) != "hi" {
			t.Fatalf("payload = %q", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for multicast delivery")
	}

	d.LeaveGroup("b", "team-x")
	if len(d.OnlineClients("team-x")) != 1 {
		t.Fatalf("expected 1 member after leave")
	}
}

func TestUnicastUnknownTargetErrors(t *testing.T) {
	d := newTestDirectory(t)
	if err := d.SendUnicast("ghost", &domain.RouterMessage{}); err == nil {
		t.Fatal("expected error for unknown target")
	}
}

func TestRequestResponseCorrelation(t *testing.T) {
	d := newTestDirectory(t)
	if _, err := d.Register("requester", "R", nil, nil); err != nil {
		t.Fatalf("register requester: %v", err)
	}
	if _, err := d.Register("target", "T", nil, nil); err != nil {
		t.Fatalf("register target: %v", err)
	}

	pr, err := d.BeginRequest("requester", "target", "corr-1", time.Second, &domain.RouterMessage{Kind: domain.KindRequest})
	if err != nil {
		t.Fatalf("BeginRequest: %v", err)
	}

	if !d.Respond("corr-1", []byte("ack"), nil) {
		t.Fatal("expected Respond to find the pending request")
	}
	if d.Respond("corr-1", []byte("again"), nil) {
		t.Fatal("expected second Respond to be a no-op")
	}

	select {
	case res := <-pr.Wait():
		if string(res.Payload) != "ack" {
			t.Fatalf("payload = %q", res.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestPendingRequestReapedOnTimeout(t *testing.T) {
	d := newTestDirectory(t)
	if _, err := d.Register("requester", "R", nil, nil); err != nil {
		t.Fatalf("register requester: %v", err)
	}
	if _, err := d.Register("target", "T", nil, nil); err != nil {
		t.Fatalf("register target: %v", err)
	}

	pr, err := d.BeginRequest("requester", "target", "corr-timeout", 5*time.Millisecond, &domain.RouterMessage{})
	if err != nil {
		t.Fatalf("BeginRequest: %v", err)
	}

	select {
	case res := <-pr.Wait():
		if res.Err == nil {
			t.Fatal("expected a timeout error")
		}
	case <-time.After(time.Second):
		t.Fatal("pending reaper never resolved the expired request")
	}
}

func TestUnregisterFailsOwnedPendingRequests(t *testing.T) {
	d := newTestDirectory(t)
	if _, err := d.Register("requester", "R", nil, nil); err != nil {
		t.Fatalf("register requester: %v", err)
	}
	if _, err := d.Register("target", "T", nil, nil); err != nil {
		t.Fatalf("register target: %v", err)
	}

	pr, err := d.BeginRequest("requester", "target", "corr-disc", time.Minute, &domain.RouterMessage{})
	if err != nil {
		t.Fatalf("BeginRequest: %v", err)
	}

	d.Unregister("requester", domain.ReasonShutdown)

	select {
	case res := <-pr.Wait():
		if res.Err == nil {
			t.Fatal("expected an error once the requester disconnects")
		}
	case <-time.After(time.Second):
		t.Fatal("pending request was never resolved after requester unregistered")
	}
}

func TestIdleClientIsEvicted(t *testing.T) {
	d := newTestDirectory(t)
	if _, err := d.Register("idle", "Idle", nil, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := d.Lookup("idle"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("idle client was never evicted")
}

func TestHeartbeatKeepsClientAlive(t *testing.T) {
	d := newTestDirectory(t)
	if _, err := d.Register("active", "Active", nil, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	stop := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(stop) {
		if !d.Heartbeat("active") {
			t.Fatal("heartbeat lost the client")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := d.Lookup("active"); !ok {
		t.Fatal("actively heartbeating client was evicted")
	}
}

func TestSubscribeEventsReceivesPublished(t *testing.T) {
	d := newTestDirectory(t)
	msgs := d.SubscribeEvents("watcher", 4)
	d.PublishEvent(domain.RouterEvent{Kind: domain.EventClientConnected, Timestamp: time.Now()})

	select {
	case msg := <-msgs:
		if msg.Kind != domain.KindEvent {
			t.Fatalf("kind = %v", msg.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("event was never delivered to subscriber")
	}

	d.UnsubscribeEvents("watcher")
}
