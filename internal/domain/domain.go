// Package domain holds the router's core entities (§3): Client,
// RouterMessage, PendingRequest, RouterEvent, and the supplemented
// connect/disconnect handshake payloads recovered from the teacher's own
// evolution of this subsystem (model.ConnectedPayload,
// model.DisconnectedPayload, model.HubStats).
package domain

import (
	"sync"
	"time"

	"github.com/nogipx/rpcmesh/pkg/transport"
)

// Priority tags a RouterMessage or RouterEvent for a session outbox's
// backpressure (SPEC_FULL.md's priority-aware backpressure, grounded on the
// teacher's connect.handleBackpressure): when a full queue does not free up
// in time, a low-priority incoming message is dropped, and a higher-priority
// one replaces the oldest buffered entry only if that entry has lower
// priority. Other buffered entries are not examined.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// MessageKind identifies what a RouterMessage carries (§3).
type MessageKind string

const (
	KindUnicast   MessageKind = "unicast"
	KindMulticast MessageKind = "multicast"
	KindBroadcast MessageKind = "broadcast"
	KindRequest   MessageKind = "request"
	KindResponse  MessageKind = "response"
	KindHeartbeat MessageKind = "heartbeat"
	KindEvent     MessageKind = "event"

	// KindConnected is the welcome message delivered as the first frame on a
	// freshly opened connectP2P stream, carrying a ConnectedPayload.
	KindConnected MessageKind = "connected"
	// KindDisconnected carries a DisconnectedPayload pushed to a client's own
	// channel just before its teardown completes.
	KindDisconnected MessageKind = "disconnected"
)

// RouterMessage is one routed unit carried over a client's connectP2P
// stream (§3). Request kind always carries a CorrelationID; response kind
// carries the same id plus a terminal status.
type RouterMessage struct {
	SenderID      string
	Kind          MessageKind
	TargetID      string
	TargetGroup   string
	CorrelationID string
	Payload       []byte
	Priority      Priority
	Timestamp     time.Time

	// EventKind carries the original RouterEvent.Kind through a KindEvent
	// message (e.g. "clientConnected"), since Kind itself is pinned to the
	// generic "event" marker for every system event.
	EventKind EventKind
}

// EventKind identifies a RouterEvent's nature (§3).
type EventKind string

const (
	EventClientConnected    EventKind = "clientConnected"
	EventClientDisconnected EventKind = "clientDisconnected"
	EventClientUpdated      EventKind = "clientUpdated"
	EventQueueOverflow      EventKind = "queueOverflow"
	EventShuttingDown       EventKind = "shuttingDown"
)

// RouterEvent is broadcast to every subscribed client over subscribeToEvents
// (§3, §4.7).
type RouterEvent struct {
	Kind      EventKind
	Payload   map[string]any
	Timestamp time.Time
}

// DisconnectReason explains why a client's channel was torn down, carried
// on the supplemented DisconnectedPayload system event.
type DisconnectReason string

const (
	ReasonShutdown DisconnectReason = "SHUTDOWN"
	ReasonEvicted  DisconnectReason = "EVICTED"
	ReasonTimeout  DisconnectReason = "TIMEOUT"
)

// DisconnectedPayload is pushed to a client's own channel just before
// teardown, when that channel is still writable (SUPPLEMENTED FEATURES,
// grounded on model.DisconnectedPayload).
type DisconnectedPayload struct {
	Reason DisconnectReason `json:"reason"`
}

// ConnectedPayload is the welcome message delivered as the first message on
// a freshly opened connectP2P stream (SUPPLEMENTED FEATURES, grounded on
// the teacher's grpc delivery handler sending a welcome event before
// entering its read loop).
type ConnectedPayload struct {
	OK            bool   `json:"ok"`
	ConnectionID  string `json:"connectionId"`
	ServerVersion string `json:"serverVersion"`
}

// PendingRequest tracks one outstanding request/response correlation
// (§3, §4.7). It is resolved exactly once, either by a matching respond or
// by the deadline reaper.
type PendingRequest struct {
	CorrelationID string
	RequesterID   string
	TargetID      string
	Deadline      time.Time

	once   sync.Once
	result chan PendingResult
}

// PendingResult is the terminal outcome of a PendingRequest.
type PendingResult struct {
	Payload []byte
	Err     error
}

// NewPendingRequest constructs an unresolved PendingRequest.
func NewPendingRequest(correlationID, requesterID, targetID string, deadline time.Time) *PendingRequest {
	return &PendingRequest{
		CorrelationID: correlationID,
		RequesterID:   requesterID,
		TargetID:      targetID,
		Deadline:      deadline,
		result:        make(chan PendingResult, 1),
	}
}

// Resolve completes the request exactly once; later calls are a no-op
// (§4.7: "on respond the entry is looked up, removed"; a duplicate or late
// respond after expiry must not panic on a closed channel).
func (p *PendingRequest) Resolve(payload []byte, err error) {
	p.once.Do(func() {
		p.result <- PendingResult{Payload: payload, Err: err}
		close(p.result)
	})
}

// Wait blocks until the request resolves.
func (p *PendingRequest) Wait() <-chan PendingResult { return p.result }

// Session is one live connectP2P channel for a Client. A client may hold
// more than one (SUPPLEMENTED FEATURES: peer/session fan-out — the same
// identity, several devices, grounded on Cell.sessions).
type Session struct {
	ID       string
	Mux      transport.Multiplexer
	Platform string
}

// Client is the router's view of one registered participant (§3).
type Client struct {
	ID           string
	Name         string
	Groups       map[string]struct{}
	Metadata     map[string]any
	RegisteredAt time.Time

	mu           sync.RWMutex
	sessions     map[string]*Session
	lastActivity time.Time
}

// NewClient constructs a Client with no sessions yet attached.
func NewClient(id, name string, groups []string, metadata map[string]any) *Client {
	groupSet := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		groupSet[g] = struct{}{}
	}
	return &Client{
		ID:           id,
		Name:         name,
		Groups:       groupSet,
		Metadata:     metadata,
		RegisteredAt: time.Now(),
		sessions:     make(map[string]*Session),
		lastActivity: time.Now(),
	}
}

// Touch records activity, used by heartbeat and any routed operation
// (§4.7: "Each client is expected to call heartbeat or perform any routed
// operation at least once per clientIdleTimeout").
func (c *Client) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the last recorded activity time.
func (c *Client) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// AttachSession registers a new live connectP2P channel.
func (c *Client) AttachSession(s *Session) {
	c.mu.Lock()
	c.sessions[s.ID] = s
	c.mu.Unlock()
	c.Touch()
}

// DetachSession removes a session, reporting whether the client now has no
// live sessions at all.
func (c *Client) DetachSession(sessionID string) (empty bool) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	empty = len(c.sessions) == 0
	c.mu.Unlock()
	return empty
}

// Sessions returns a snapshot of currently attached sessions.
func (c *Client) Sessions() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// SessionCount reports how many live sessions the client currently holds.
func (c *Client) SessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// HasGroup reports group membership.
func (c *Client) HasGroup(group string) bool {
	_, ok := c.Groups[group]
	return ok
}

// Stats is the supplemented diagnostics snapshot modeled on model.HubStats.
type Stats struct {
	TotalClients  int            `json:"totalClients"`
	TotalSessions int            `json:"totalSessions"`
	GroupCounts   map[string]int `json:"groupCounts"`
}
