package router

import (
	"context"
	"testing"
	"time"

	"github.com/nogipx/rpcmesh/internal/registry"
	"github.com/nogipx/rpcmesh/pkg/codec"
	"github.com/nogipx/rpcmesh/pkg/contract"
	"github.com/nogipx/rpcmesh/pkg/transport"
)

// harness wires one in-memory transport pair to a fresh Router responder
// and a caller stub set, mirroring how cmd/ wires a real connection.
type harness struct {
	t      *testing.T
	dir    *registry.Directory
	client *transport.Conn
	server *transport.Conn
	caller *contract.Caller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := registry.New(
		registry.WithEvictionInterval(20*time.Millisecond),
		registry.WithIdleTimeout(50*time.Millisecond),
		registry.WithPendingReapInterval(10*time.Millisecond),
	)
	t.Cleanup(dir.Shutdown)

	client, server := transport.NewMemoryPair(0)
	t.Cleanup(func() { client.Close(); server.Close() })

	svc := New(dir)
	sc, err := svc.Contract()
	if err != nil {
		t.Fatalf("Contract: %v", err)
	}
	responder := contract.NewResponder(server, nil)
	responder.Register(sc)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go responder.Serve(ctx)

	return &harness{t: t, dir: dir, client: client, server: server, caller: contract.NewCaller(client)}
}

func register(t *testing.T, h *harness, name string, groups []string) string {
	t.Helper()
	stub := contract.Unary[RegisterRequest, RegisterResponse](h.caller, "Router", "register", codec.JSON(), codec.JSON())
	resp, err := stub.Call(&RegisterRequest{Name: name, Groups: groups})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	if resp.ClientID == "" {
		t.Fatalf("register %s: empty client id", name)
	}
	return resp.ClientID
}

func TestRegisterAndGetOnlineClients(t *testing.T) {
	h := newHarness(t)
	id := register(t, h, "Alice", []string{"team-x"})

	stub := contract.Unary[GetOnlineClientsRequest, GetOnlineClientsResponse](h.caller, "Router", "getOnlineClients", codec.JSON(), codec.JSON())
	resp, err := stub.Call(&GetOnlineClientsRequest{})
	if err != nil {
		t.Fatalf("getOnlineClients: %v", err)
	}
	if len(resp.Clients) != 1 || resp.Clients[0].ID != id {
		t.Fatalf("clients = %+v", resp.Clients)
	}
}

func TestHeartbeatUnknownClientIsNotFound(t *testing.T) {
	h := newHarness(t)
	stub := contract.Unary[HeartbeatRequest, Empty](h.caller, "Router", "heartbeat", codec.JSON(), codec.JSON())
	_, err := stub.Call(&HeartbeatRequest{IdentifiedRequest: IdentifiedRequest{ClientID: "ghost"}})
	if err == nil {
		t.Fatal("expected NotFound for unknown client")
	}
}

func TestSendUnicastUnknownTargetIsNotFound(t *testing.T) {
	h := newHarness(t)
	id := register(t, h, "Alice", nil)
	stub := contract.Unary[SendUnicastRequest, SendUnicastResponse](h.caller, "Router", "sendUnicast", codec.JSON(), codec.JSON())
	_, err := stub.Call(&SendUnicastRequest{IdentifiedRequest: IdentifiedRequest{ClientID: id}, TargetID: "ghost", Payload: []byte("hi")})
	if err == nil {
		t.Fatal("expected NotFound for unknown target")
	}
}

// connectP2P opens a connectP2P bidi stream, sends the identifying
// handshake message every router connectP2P call requires, and consumes the
// "connected" welcome message the router sends back first.
func connectP2P(t *testing.T, h *harness, clientID string) *contract.TypedBidiStream[MessagePayload, MessagePayload] {
	t.Helper()
	stub := contract.Bidi[MessagePayload, MessagePayload](h.caller, "Router", "connectP2P", codec.JSON(), codec.JSON())
	stream, err := stub.Call()
	if err != nil {
		t.Fatalf("connectP2P: %v", err)
	}
	if err := stream.Send(&MessagePayload{SenderID: clientID, Kind: "heartbeat"}); err != nil {
		t.Fatalf("connectP2P handshake: %v", err)
	}
	if welcome := stream.Recv(); welcome == nil || welcome.Kind != "connected" {
		t.Fatalf("connectP2P welcome = %+v", welcome)
	}
	return stream
}

func TestRouterMulticastExcludesSender(t *testing.T) {
	h := newHarness(t)
	c1 := register(t, h, "c1", []string{"g"})
	c2 := register(t, h, "c2", []string{"g"})
	c3 := register(t, h, "c3", []string{"g"})

	s2 := connectP2P(t, h, c2)
	s3 := connectP2P(t, h, c3)

	stub := contract.Unary[SendMulticastRequest, DeliveredCountResponse](h.caller, "Router", "sendMulticast", codec.JSON(), codec.JSON())
	resp, err := stub.Call(&SendMulticastRequest{IdentifiedRequest: IdentifiedRequest{ClientID: c1}, Group: "g", Payload: []byte("P")})
	if err != nil {
		t.Fatalf("sendMulticast: %v", err)
	}
	if resp.DeliveredCount != 2 {
		t.Fatalf("deliveredCount = %d", resp.DeliveredCount)
	}

	for _, s := range []*contract.TypedBidiStream[MessagePayload, MessagePayload]{s2, s3} {
		got := s.Recv()
		if got == nil {
			t.Fatal("expected one multicast message")
		}
		if got.SenderID != c1 || got.Kind != string("multicast") || string(got.Payload) != "P" {
			t.Fatalf("message = %+v", got)
		}
	}
}

func TestRouterRequestResponseRoundTrip(t *testing.T) {
	h := newHarness(t)
	a := register(t, h, "a", nil)
	b := register(t, h, "b", nil)

	sb := connectP2P(t, h, b)

	respondCh := make(chan error, 1)
	go func() {
		msg := sb.Recv()
		if msg == nil || msg.Kind != "request" {
			respondCh <- nil
			return
		}
		stub := contract.Unary[RespondRequest, Empty](h.caller, "Router", "respond", codec.JSON(), codec.JSON())
		_, err := stub.Call(&RespondRequest{IdentifiedRequest: IdentifiedRequest{ClientID: b}, CorrelationID: msg.CorrelationID, Payload: []byte("R")})
		respondCh <- err
	}()

	reqStub := contract.Unary[RequestRequest, RequestResponse](h.caller, "Router", "request", codec.JSON(), codec.JSON())
	resp, err := reqStub.Call(&RequestRequest{IdentifiedRequest: IdentifiedRequest{ClientID: a}, TargetID: b, Payload: []byte("Q"), DeadlineMS: 2000})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(resp.Payload) != "R" {
		t.Fatalf("response payload = %q", resp.Payload)
	}
	if err := <-respondCh; err != nil {
		t.Fatalf("respond: %v", err)
	}
}

func TestRequestDeadlineExceededWhenNoRespond(t *testing.T) {
	h := newHarness(t)
	a := register(t, h, "a", nil)
	b := register(t, h, "b", nil)
	connectP2P(t, h, b) // b never responds

	reqStub := contract.Unary[RequestRequest, RequestResponse](h.caller, "Router", "request", codec.JSON(), codec.JSON())
	_, err := reqStub.Call(&RequestRequest{IdentifiedRequest: IdentifiedRequest{ClientID: a}, TargetID: b, Payload: []byte("Q"), DeadlineMS: 20})
	if err == nil {
		t.Fatal("expected a DeadlineExceeded error")
	}
}

func TestSubscribeToEventsReceivesClientConnected(t *testing.T) {
	h := newHarness(t)
	watcher := register(t, h, "watcher", nil)

	stub := contract.ServerStream[SubscribeEventsRequest, EventPayload](h.caller, "Router", "subscribeToEvents", codec.JSON(), codec.JSON())
	reader, err := stub.Call(&SubscribeEventsRequest{IdentifiedRequest: IdentifiedRequest{ClientID: watcher}})
	if err != nil {
		t.Fatalf("subscribeToEvents: %v", err)
	}

	go register(t, h, "newcomer", nil)

	ev := reader.Recv()
	if ev == nil {
		t.Fatalf("expected an event, got status %+v", reader.Status())
	}
	if ev.Kind != "clientConnected" {
		t.Fatalf("event kind = %q", ev.Kind)
	}
}
