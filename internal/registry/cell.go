// Package registry holds the router's client directory: a Virtual Cell
// (Actor) per registered client, generalized from the teacher's per-user
// Hub/Cell/Connector actor model (internal/domain/registry/{cell,connect,
// hub}.go) from per-*user* fan-out to per-*client* fan-out across that
// client's attached sessions (§4.7).
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nogipx/rpcmesh/internal/domain"
)

// outbox is a single session's bounded delivery queue, with the
// priority-aware backpressure described in SPEC_FULL.md's "Priority-aware
// backpressure" supplemented feature (grounded on connect.Send /
// connect.handleBackpressure).
type outbox struct {
	ch           chan *domain.RouterMessage
	droppedCount uint64
}

func newOutbox(size int) *outbox {
	return &outbox{ch: make(chan *domain.RouterMessage, size)}
}

// send attempts delivery within timeout; on a saturated queue it falls back
// to priority-based eviction rather than blocking the cell's drain loop
// indefinitely.
func (o *outbox) send(msg *domain.RouterMessage, timeout time.Duration) bool {
	select {
	case o.ch <- msg:
		return true
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case o.ch <- msg:
		return true
	case <-t.C:
		return o.handleBackpressure(msg)
	}
}

func (o *outbox) handleBackpressure(msg *domain.RouterMessage) bool {
	if msg.Priority <= domain.PriorityLow {
		atomic.AddUint64(&o.droppedCount, 1)
		return false
	}
	select {
	case old := <-o.ch:
		if old.Priority < msg.Priority {
			select {
			case o.ch <- msg:
				return true
			default:
			}
		}
		select {
		case o.ch <- old:
		default:
		}
	default:
	}
	atomic.AddUint64(&o.droppedCount, 1)
	return false
}

func (o *outbox) messages() <-chan *domain.RouterMessage { return o.ch }
func (o *outbox) dropped() uint64                        { return atomic.LoadUint64(&o.droppedCount) }

// Cell implements isolated, ordered delivery for a single client (§4.7).
// Its mailbox decouples whoever is routing a message (sendUnicast,
// sendMulticast, sendBroadcast, respond) from however many sessions that
// client currently has attached; a slow device never blocks the router.
type Cell struct {
	clientID string

	mailbox chan *domain.RouterMessage

	mu       sync.RWMutex
	outboxes map[string]*outbox

	doneCh           chan struct{}
	lastActivityUnix int64
}

// NewCell starts a client's delivery actor. The goroutine exits once Stop
// is called.
func NewCell(clientID string, mailboxSize int) *Cell {
	c := &Cell{
		clientID:         clientID,
		mailbox:          make(chan *domain.RouterMessage, mailboxSize),
		outboxes:         make(map[string]*outbox),
		doneCh:           make(chan struct{}),
		lastActivityUnix: time.Now().UnixNano(),
	}
	go c.loop()
	return c
}

func (c *Cell) touch() {
	atomic.StoreInt64(&c.lastActivityUnix, time.Now().UnixNano())
}

// IsIdle reports whether this cell has no attached sessions and has been
// quiet for longer than timeout, making it eligible for the heartbeat
// reaper (§4.7: "clients that go silent for longer than clientIdleTimeout
// are evicted").
func (c *Cell) IsIdle(timeout time.Duration) bool {
	c.mu.RLock()
	hasSessions := len(c.outboxes) > 0
	c.mu.RUnlock()
	if hasSessions {
		return false
	}
	last := time.Unix(0, atomic.LoadInt64(&c.lastActivityUnix))
	return time.Since(last) > timeout
}

// Push enqueues a message for asynchronous fan-out to every attached
// session. It drops (rather than blocks) on a saturated mailbox, since the
// caller is typically the router's own dispatch goroutine.
func (c *Cell) Push(msg *domain.RouterMessage) bool {
	c.touch()
	select {
	case c.mailbox <- msg:
		return true
	default:
		return false
	}
}

// AttachSession registers a new outbound queue for one of this client's
// sessions (SUPPLEMENTED FEATURES: peer/session fan-out). The returned
// outbox is drained by the connectP2P handler goroutine owning that
// session's transport stream.
func (c *Cell) AttachSession(sessionID string, bufferSize int) <-chan *domain.RouterMessage {
	c.mu.Lock()
	ob := newOutbox(bufferSize)
	c.outboxes[sessionID] = ob
	c.mu.Unlock()
	c.touch()
	return ob.messages()
}

// DetachSession removes one session's outbound queue, reporting whether the
// client now has zero attached sessions.
func (c *Cell) DetachSession(sessionID string) (empty bool) {
	c.mu.Lock()
	delete(c.outboxes, sessionID)
	empty = len(c.outboxes) == 0
	c.mu.Unlock()
	c.touch()
	return empty
}

func (c *Cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case msg := <-c.mailbox:
			c.deliver(msg)
			for range 64 {
				select {
				case next := <-c.mailbox:
					c.deliver(next)
				default:
					goto wait
				}
			}
		wait:
		}
	}
}

// deliver fans a message out to every attached session. A 250ms per-session
// window keeps one stalled device from starving the others.
func (c *Cell) deliver(msg *domain.RouterMessage) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ob := range c.outboxes {
		ob.send(msg, 250*time.Millisecond)
	}
}

// Notify delivers msg to every attached session immediately, bypassing the
// mailbox. Used for the teardown-time DisconnectedPayload push, where
// queuing onto the mailbox would race Stop's closing of doneCh.
func (c *Cell) Notify(msg *domain.RouterMessage) {
	c.deliver(msg)
}

// Stop terminates the actor's goroutine. Attached outboxes are left for
// their owning connectP2P handlers to notice via the stream's own teardown;
// the registry removes this cell from its directory at the same time.
func (c *Cell) Stop() {
	close(c.doneCh)
}
