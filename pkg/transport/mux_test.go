package transport

import (
	"testing"
	"time"

	"github.com/nogipx/rpcmesh/pkg/metadata"
	"google.golang.org/grpc/codes"
)

func TestUnaryRoundTripOverMemoryPair(t *testing.T) {
	client, server := NewMemoryPair(0)
	defer client.Close()
	defer server.Close()

	st, err := client.CreateStream()
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	md := metadata.ClientInitial("Router", "Request")
	if err := client.SendMetadata(st.ID(), md, false); err != nil {
		t.Fatalf("SendMetadata: %v", err)
	}
	if err := client.SendMessage(st.ID(), []byte("ping"), true); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	var serverStream uint32
	select {
	case msg := <-server.IncomingMessages():
		if !msg.IsMetadata {
			t.Fatalf("expected first message to be metadata, got payload")
		}
		if msg.MethodPath != "/Router/Request" {
			t.Fatalf("method path = %q", msg.MethodPath)
		}
		serverStream = msg.StreamID
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for incoming stream")
	}

	msgs, err := server.GetMessagesForStream(serverStream)
	if err != nil {
		t.Fatalf("GetMessagesForStream: %v", err)
	}

	// The stream's real queue replays its own first message (the same
	// metadata already seen via IncomingMessages) before the payload that
	// followed it, since subscription starts from the beginning of the
	// per-stream buffer rather than from whatever arrived after discovery.
	select {
	case msg := <-msgs:
		if !msg.IsMetadata {
			t.Fatalf("expected replayed metadata message first, got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replayed metadata")
	}

	select {
	case msg := <-msgs:
		if string(msg.Payload) != "ping" {
			t.Fatalf("payload = %q", msg.Payload)
		}
		if !msg.EndStream {
			t.Fatal("expected end-of-stream on request payload")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for request payload")
	}

	trailer := metadata.Trailer(metadata.OK)
	if err := server.SendMetadata(serverStream, trailer, true); err != nil {
		t.Fatalf("server SendMetadata: %v", err)
	}

	clientMsgs := st.Messages()
	select {
	case msg := <-clientMsgs:
		if !msg.IsMetadata || !msg.EndStream {
			t.Fatalf("expected trailer end-of-stream, got %+v", msg)
		}
		status := metadata.FromTrailer(msg.Metadata)
		if status.Code != codes.OK {
			t.Fatalf("status code = %v", status.Code)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for trailer")
	}
}

func TestSendAfterLocalEndIsFailedPrecondition(t *testing.T) {
	client, server := NewMemoryPair(0)
	defer client.Close()
	defer server.Close()

	st, _ := client.CreateStream()
	if err := client.SendMessage(st.ID(), []byte("a"), true); err != nil {
		t.Fatalf("first send: %v", err)
	}
	err := client.SendMessage(st.ID(), []byte("b"), false)
	if CodeOf(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
}

func TestFinishSendingIsIdempotent(t *testing.T) {
	client, server := NewMemoryPair(0)
	defer client.Close()
	defer server.Close()

	st, _ := client.CreateStream()
	if err := client.FinishSending(st.ID()); err != nil {
		t.Fatalf("first FinishSending: %v", err)
	}
	if err := client.FinishSending(st.ID()); err != nil {
		t.Fatalf("second FinishSending should be a no-op, got %v", err)
	}
}

func TestCloseClosesOpenStreams(t *testing.T) {
	client, server := NewMemoryPair(0)
	defer server.Close()

	st, _ := client.CreateStream()
	_ = client.SendMetadata(st.ID(), metadata.ClientInitial("Router", "Subscribe"), false)

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-st.Done():
	case <-time.After(time.Second):
		t.Fatal("stream did not close alongside transport")
	}
}

// TestFinishSendingDoesNotTripCancelled pins down the distinction §4.5
// relies on: a one-shot request's ordinary endStream (finishSending) is
// ordinary half-close, not a cancellation — only an explicit reset trips
// Cancelled.
func TestFinishSendingDoesNotTripCancelled(t *testing.T) {
	client, server := NewMemoryPair(0)
	defer client.Close()
	defer server.Close()

	st, _ := client.CreateStream()
	if err := client.SendMessage(st.ID(), []byte("req"), true); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	var serverStream uint32
	select {
	case msg := <-server.IncomingMessages():
		serverStream = msg.StreamID
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for incoming stream")
	}
	ss, err := server.GetStream(serverStream)
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}

	select {
	case <-ss.Cancelled():
		t.Fatal("Cancelled tripped on an ordinary end-of-stream, not a reset")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestCancelStreamTripsCancelled verifies the new kindReset wire signal:
// the responder's Stream observes Cancelled once the caller sends an
// explicit reset, distinct from the ordinary half-close path above.
func TestCancelStreamTripsCancelled(t *testing.T) {
	client, server := NewMemoryPair(0)
	defer client.Close()
	defer server.Close()

	st, _ := client.CreateStream()
	if err := client.SendMessage(st.ID(), []byte("req"), false); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	var serverStream uint32
	select {
	case msg := <-server.IncomingMessages():
		serverStream = msg.StreamID
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for incoming stream")
	}
	ss, err := server.GetStream(serverStream)
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}

	if err := client.CancelStream(st.ID()); err != nil {
		t.Fatalf("CancelStream: %v", err)
	}

	select {
	case <-ss.Cancelled():
	case <-time.After(time.Second):
		t.Fatal("responder never observed Cancelled after an explicit reset")
	}
	if ss.State() != StateClosed {
		t.Fatalf("state after reset = %v, want StateClosed", ss.State())
	}
}
