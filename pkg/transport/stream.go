package transport

import (
	"sync"
	"sync/atomic"

	"github.com/nogipx/rpcmesh/pkg/metadata"
	"google.golang.org/grpc/codes"
)

// State is a stream's position in the state machine described in §4.3:
//
//	OPEN --sendEnd--> HALF_CLOSED_LOCAL --recvEnd--> CLOSED
//	OPEN --recvEnd--> HALF_CLOSED_REMOTE --sendEnd--> CLOSED
type State int32

const (
	StateOpen State = iota
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfClosedLocal:
		return "HALF_CLOSED_LOCAL"
	case StateHalfClosedRemote:
		return "HALF_CLOSED_REMOTE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Message is one unit delivered to or received from a stream: either an
// opaque payload to be deserialized by the recipient's codec, or a
// metadata-only message carrying headers/trailers and the end-of-stream
// flag (§3).
type Message struct {
	StreamID   uint32
	IsMetadata bool
	Metadata   metadata.MD
	Payload    []byte
	EndStream  bool

	// MethodPath is populated only on the first metadata message of a new
	// stream, for components that discover streams via IncomingMessages.
	MethodPath string
}

// inboundQueueSize is the default per-stream inbound bound (§5).
const inboundQueueSize = 64

// lateFrameLimit is the number of post-remote-end messages tolerated
// before the stream is reset for a protocol violation (§4.3).
const lateFrameLimit = 4

// Stream is one bidirectional, uniquely-identified sequence of messages
// within a connection (§3).
type Stream struct {
	id     uint32
	conn   *Conn
	initer bool // true if this side created the stream

	methodPath atomic.Value // string

	ch         chan Message
	subscribed int32

	mu          sync.Mutex
	state       State
	lateFrames  int
	closeStatus metadata.Status

	done     chan struct{}
	doneOnce sync.Once

	// cancelCh is closed when the peer resets the stream (kindReset) or the
	// stream is forcibly closed (transport closed, protocol reset). An
	// ordinary end-of-stream from the peer does not close it, nor does a
	// normal close once both sides have ended (§4.3's cancellation scenario).
	cancelCh   chan struct{}
	cancelOnce sync.Once
}

func newStream(id uint32, conn *Conn, initer bool) *Stream {
	s := &Stream{
		id:       id,
		conn:     conn,
		initer:   initer,
		ch:       make(chan Message, inboundQueueSize),
		state:    StateOpen,
		done:     make(chan struct{}),
		cancelCh: make(chan struct{}),
	}
	s.methodPath.Store("")
	return s
}

// ID returns the stream's connection-scoped identifier.
func (s *Stream) ID() uint32 { return s.id }

// State returns the current state-machine position.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MethodPath returns the method path carried on this stream's initial
// metadata, if any has arrived yet.
func (s *Stream) MethodPath() string {
	return s.methodPath.Load().(string)
}

func (s *Stream) setMethodPath(p string) {
	if p != "" {
		s.methodPath.CompareAndSwap("", p)
	}
}

// Done is closed once the stream reaches StateClosed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Cancelled is closed when the peer resets the stream or the stream is
// forcibly closed (transport closed, protocol reset). An ordinary
// end-of-stream from the peer (half-closed-remote) does not close it, and
// neither does a normal close after both sides have ended (§4.3).
func (s *Stream) Cancelled() <-chan struct{} { return s.cancelCh }

func (s *Stream) markCancelled() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// beginSend validates and, if endStream is set, performs the local-side
// state transition for an outbound send. It returns a FailedPrecondition
// error if local end-of-stream was already sent (§4.3: a send after local
// end-of-stream is a caller error, not a protocol violation).
func (s *Stream) beginSend(endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateHalfClosedLocal || s.state == StateClosed {
		return &StreamError{Code: codes.FailedPrecondition, Msg: "stream: local side already end-streamed"}
	}
	if endStream {
		switch s.state {
		case StateOpen:
			s.state = StateHalfClosedLocal
		case StateHalfClosedRemote:
			s.state = StateClosed
			s.closeLocked()
		}
	}
	return nil
}

// localEnded reports whether this side has already sent end-of-stream.
func (s *Stream) localEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateHalfClosedLocal || s.state == StateClosed
}

// markRemoteEnd records that the peer has sent end-of-stream. This is the
// ordinary, structural half-close every unary/client-stream/server-stream
// call performs once its one-shot request is fully sent — it is NOT by
// itself a cancellation (§4.5: a server-stream call always half-closes
// remote immediately after its single request, before the server has
// produced anything).
func (s *Stream) markRemoteEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateOpen:
		s.state = StateHalfClosedRemote
	case StateHalfClosedLocal:
		s.state = StateClosed
		s.closeLocked()
	}
}

// markReset records an explicit cancellation: the peer abandoned the call
// outright (kindReset on the wire) rather than performing an ordinary
// half-close. Unlike markRemoteEnd this always closes the stream and always
// trips Cancelled, matching §4.3/§4.5's "client sends an end-stream (or a
// reset message) while the server is still producing" cancellation path.
func (s *Stream) markReset() {
	s.mu.Lock()
	s.state = StateClosed
	s.closeStatus = metadata.Status{Code: codes.Cancelled, Message: "stream: reset by peer"}
	s.closeLocked()
	s.mu.Unlock()
	s.markCancelled()
}

// recordLateFrame counts a message received after remote end-of-stream.
// It reports whether the stream must now be reset for a protocol violation.
func (s *Stream) recordLateFrame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lateFrames++
	return s.lateFrames > lateFrameLimit
}

// isRemoteEnded reports whether the peer has already sent end-of-stream,
// used by the demux loop to decide whether an arriving message is late.
func (s *Stream) isRemoteEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateHalfClosedRemote || s.state == StateClosed
}

// closeWithStatus forces the stream to StateClosed immediately, used when
// the transport itself closes or a protocol violation resets the stream.
func (s *Stream) closeWithStatus(status metadata.Status) {
	s.mu.Lock()
	s.state = StateClosed
	s.closeStatus = status
	s.closeLocked()
	s.mu.Unlock()
	s.markCancelled()
}

// closeLocked must be called with s.mu held.
func (s *Stream) closeLocked() {
	s.doneOnce.Do(func() { close(s.done) })
}

// deliver pushes an inbound message onto the stream's queue. Before the
// first subscription, a full queue fails the stream (§9 design notes: the
// pre-subscription buffer cannot block forever with nobody to drain it).
// After subscription, a full queue blocks the caller, which is how
// back-pressure propagates to the physical read pump (§4.3, §5).
func (s *Stream) deliver(msg Message) error {
	if msg.IsMetadata && msg.MethodPath != "" {
		s.setMethodPath(msg.MethodPath)
	}

	if atomic.LoadInt32(&s.subscribed) == 0 {
		select {
		case s.ch <- msg:
			return nil
		default:
			return &StreamError{Code: codes.ResourceExhausted, Msg: "stream: pre-subscription buffer overflow"}
		}
	}

	select {
	case s.ch <- msg:
		return nil
	case <-s.done:
		return &StreamError{Code: codes.Unavailable, Msg: "stream: closed"}
	}
}

// Messages returns the stream's inbound sequence. The first call marks the
// stream subscribed; subsequent calls return the same channel (it is not
// restartable once subscription has begun, per §4.3).
func (s *Stream) Messages() <-chan Message {
	atomic.StoreInt32(&s.subscribed, 1)
	return s.ch
}

// StreamError carries a status code alongside a message, the way every
// per-stream failure in §7 is represented.
type StreamError struct {
	Code codes.Code
	Msg  string
}

func (e *StreamError) Error() string { return e.Msg }
