// Package transport implements the stream-multiplexing layer (§4.3): one
// physical connection carries many logical Streams, each an ordered,
// bidirectional sequence of Messages. Concrete physical bindings
// (in-memory loopback, WebSocket) live alongside this file; both honor the
// same Multiplexer contract.
package transport

import (
	"fmt"
	"io"
	"sync"

	"github.com/nogipx/rpcmesh/pkg/frame"
	"github.com/nogipx/rpcmesh/pkg/metadata"
	"google.golang.org/grpc/codes"
)

// Multiplexer is the contract §4.3 exposes to higher layers, implemented
// by *Conn for every physical binding in this package.
type Multiplexer interface {
	CreateStream() (*Stream, error)
	SendMetadata(streamID uint32, md metadata.MD, endStream bool) error
	SendMessage(streamID uint32, payload []byte, endStream bool) error
	FinishSending(streamID uint32) error
	CancelStream(streamID uint32) error
	GetStream(streamID uint32) (*Stream, error)
	GetMessagesForStream(streamID uint32) (<-chan Message, error)
	IncomingMessages() <-chan Message
	Close() error
	CloseWithStatus(status metadata.Status) error
	Done() <-chan struct{}
}

var _ Multiplexer = (*Conn)(nil)

// Conn multiplexes many Streams over one physical connection (an
// io.ReadWriteCloser — a net.Conn, a net.Pipe half, or a WebSocket
// adapter). One goroutine serializes all outbound writes; one goroutine
// demultiplexes all inbound reads onto per-stream queues.
type Conn struct {
	rw        io.ReadWriteCloser
	initiator bool
	maxLength int

	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32
	closed  bool
	onClose func()

	writeCh chan []byte
	done    chan struct{}
	doneErr error

	incoming chan Message
}

// NewConn wraps rw as a multiplexed connection. initiator selects the
// parity of ids this side allocates via CreateStream (odd for the
// connection's initiating side, even for the accepting side — §4.3, §6.2;
// informational only, used for debugging).
func NewConn(rw io.ReadWriteCloser, initiator bool, maxLength int) *Conn {
	if maxLength <= 0 {
		maxLength = frame.DefaultMaxLength
	}
	c := &Conn{
		rw:        rw,
		initiator: initiator,
		maxLength: maxLength,
		streams:   make(map[uint32]*Stream),
		writeCh:   make(chan []byte, 64),
		done:      make(chan struct{}),
		incoming:  make(chan Message, inboundQueueSize),
	}
	if initiator {
		c.nextID = 1
	} else {
		c.nextID = 2
	}
	go c.writePump()
	go c.readPump()
	return c
}

// CreateStream allocates a new stream id for this side and registers it.
func (c *Conn) CreateStream() (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &StreamError{Code: codes.Unavailable, Msg: "transport: closed"}
	}
	id := c.nextID
	c.nextID += 2
	st := newStream(id, c, true)
	c.streams[id] = st
	return st, nil
}

func (c *Conn) getOrCreateRemoteStream(id uint32) (*Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.streams[id]; ok {
		return st, false
	}
	st := newStream(id, c, false)
	c.streams[id] = st
	return st, true
}

func (c *Conn) lookupStream(id uint32) (*Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[id]
	return st, ok
}

func (c *Conn) dropStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// SendMetadata sends a metadata message on streamID.
func (c *Conn) SendMetadata(streamID uint32, md metadata.MD, endStream bool) error {
	st, ok := c.lookupStream(streamID)
	if !ok {
		return &StreamError{Code: codes.NotFound, Msg: "transport: unknown stream"}
	}
	if err := st.beginSend(endStream); err != nil {
		return err
	}
	payload, err := encodeMetadata(md, endStream)
	if err != nil {
		return err
	}
	return c.write(streamID, kindMetadata, endStream, payload)
}

// SendMessage sends a payload message on streamID.
func (c *Conn) SendMessage(streamID uint32, payload []byte, endStream bool) error {
	st, ok := c.lookupStream(streamID)
	if !ok {
		return &StreamError{Code: codes.NotFound, Msg: "transport: unknown stream"}
	}
	if err := st.beginSend(endStream); err != nil {
		return err
	}
	return c.write(streamID, kindPayload, endStream, payload)
}

// FinishSending sends an empty end-of-stream message if local
// end-of-stream has not already been sent; otherwise it is a no-op.
func (c *Conn) FinishSending(streamID uint32) error {
	st, ok := c.lookupStream(streamID)
	if !ok {
		return &StreamError{Code: codes.NotFound, Msg: "transport: unknown stream"}
	}
	if st.localEnded() {
		return nil
	}
	return c.SendMessage(streamID, nil, true)
}

// CancelStream abandons streamID outright: it sends a kindReset frame to
// the peer and immediately marks the local Stream handle reset, so a
// caller that is done waiting on responses (§4.5's "closes the stream
// before reading any response") doesn't also have to wait for the
// transport round-trip to observe its own cancellation.
func (c *Conn) CancelStream(streamID uint32) error {
	st, ok := c.lookupStream(streamID)
	if !ok {
		return &StreamError{Code: codes.NotFound, Msg: "transport: unknown stream"}
	}
	st.markReset()
	c.dropStream(streamID)
	return c.write(streamID, kindReset, true, nil)
}

func (c *Conn) write(streamID uint32, kind frameKind, endStream bool, payload []byte) error {
	wire := encodeMuxFrame(streamID, kind, endStream, payload)
	select {
	case c.writeCh <- wire:
		return nil
	case <-c.done:
		return &StreamError{Code: codes.Unavailable, Msg: "transport: closed"}
	}
}

// GetStream returns the Stream handle for an already-known stream id, used
// by the endpoint dispatcher (§4.6) once it has decided which interaction
// primitive to run on a newly-discovered stream.
func (c *Conn) GetStream(streamID uint32) (*Stream, error) {
	st, ok := c.lookupStream(streamID)
	if !ok {
		return nil, &StreamError{Code: codes.NotFound, Msg: "transport: unknown stream"}
	}
	return st, nil
}

// GetMessagesForStream returns the channel of inbound messages for an
// already-known stream.
func (c *Conn) GetMessagesForStream(streamID uint32) (<-chan Message, error) {
	st, ok := c.lookupStream(streamID)
	if !ok {
		return nil, &StreamError{Code: codes.NotFound, Msg: "transport: unknown stream"}
	}
	return st.Messages(), nil
}

// IncomingMessages returns the union feed of the first message of every
// remotely-initiated stream, for components that discover new streams
// (the endpoint dispatcher, §4.6).
func (c *Conn) IncomingMessages() <-chan Message { return c.incoming }

// Done is closed once the connection is closed, by either side.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close closes the transport and every open stream with Unavailable
// (§4.3: "Closing the transport closes all streams with UNAVAILABLE.").
func (c *Conn) Close() error {
	return c.CloseWithStatus(metadata.New(codes.Unavailable, "transport: closed"))
}

// CloseWithStatus closes the transport, closing every stream with status.
func (c *Conn) CloseWithStatus(status metadata.Status) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := make([]*Stream, 0, len(c.streams))
	for _, st := range c.streams {
		streams = append(streams, st)
	}
	c.mu.Unlock()

	for _, st := range streams {
		st.closeWithStatus(status)
	}

	close(c.done)
	err := c.rw.Close()
	if onClose := c.onClose; onClose != nil {
		onClose()
	}
	return err
}

func (c *Conn) writePump() {
	for {
		select {
		case wire := <-c.writeCh:
			if _, err := c.rw.Write(wire); err != nil {
				c.doneErr = err
				_ = c.CloseWithStatus(metadata.New(codes.Unavailable, fmt.Sprintf("transport: write failed: %v", err)))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readPump() {
	dec := newMuxDecoder(c.maxLength)
	buf := make([]byte, 32*1024)
	for {
		n, err := c.rw.Read(buf)
		if n > 0 {
			msgs, decErr := dec.Feed(buf[:n])
			for _, mm := range msgs {
				c.routeInbound(mm)
			}
			if decErr != nil {
				_ = c.CloseWithStatus(metadata.New(codes.ResourceExhausted, decErr.Error()))
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				c.doneErr = err
			}
			_ = c.CloseWithStatus(metadata.New(codes.Unavailable, "transport: peer closed"))
			return
		}
	}
}

func (c *Conn) routeInbound(mm muxMessage) {
	st, isNew := c.getOrCreateRemoteStream(mm.StreamID)

	if mm.Kind == kindReset {
		st.markReset()
		c.dropStream(mm.StreamID)
		return
	}

	msg := Message{StreamID: mm.StreamID, EndStream: mm.EndStream}
	switch mm.Kind {
	case kindMetadata:
		md, endStream, err := decodeMetadata(mm.Payload)
		if err != nil {
			c.resetStream(st, metadata.New(codes.DataLoss, "transport: malformed metadata frame"))
			return
		}
		msg.IsMetadata = true
		msg.Metadata = md
		msg.EndStream = endStream
		if path, ok := md.MethodPath(); ok {
			msg.MethodPath = path
		}
	case kindPayload:
		msg.Payload = mm.Payload
	}

	if st.isRemoteEnded() {
		if st.recordLateFrame() {
			c.resetStream(st, metadata.New(codes.Internal, "transport: protocol violation: too many late frames"))
		}
		return
	}

	if err := st.deliver(msg); err != nil {
		var se *StreamError
		if ok := asStreamError(err, &se); ok {
			c.resetStream(st, metadata.New(se.Code, se.Msg))
		} else {
			c.resetStream(st, metadata.New(codes.Internal, err.Error()))
		}
		return
	}

	if msg.EndStream {
		st.markRemoteEnd()
	}

	if isNew {
		select {
		case c.incoming <- msg:
		default:
			// Best-effort discovery feed: a consumer that is not keeping up
			// will still see the message via GetMessagesForStream.
		}
	}
}

func (c *Conn) resetStream(st *Stream, status metadata.Status) {
	st.closeWithStatus(status)
	c.dropStream(st.ID())
}

func asStreamError(err error, target **StreamError) bool {
	se, ok := err.(*StreamError)
	if ok {
		*target = se
	}
	return ok
}
