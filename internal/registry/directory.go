package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nogipx/rpcmesh/internal/diagnostics"
	"github.com/nogipx/rpcmesh/internal/domain"
	"github.com/nogipx/rpcmesh/pkg/codec"
)

// eventCodec serializes a RouterEvent's Payload map onto the wire, the
// same jsoniter-backed codec every other wire payload in this tree uses.
var eventCodec = codec.JSON()

// Directory is the router engine's client directory (§4.7): every
// registered Client plus its delivery Cell, group membership, pending
// request/response correlations, and event subscribers. It generalizes the
// teacher's Hub from a per-user registry keyed by uuid.UUID to a
// per-client registry keyed by an opaque client id string, and from a
// single gRPC delivery event to the router's four send shapes (unicast,
// multicast, broadcast, and system RouterEvents).
type Directory struct {
	mailboxSize int

	evictionInterval    time.Duration
	idleTimeout         time.Duration
	pendingReapInterval time.Duration

	mu      sync.RWMutex
	clients map[string]*domain.Client
	cells   map[string]*Cell
	byName  map[string]string
	groups  map[string]map[string]struct{}

	pendingMu sync.Mutex
	pending   map[string]*domain.PendingRequest

	eventsMu sync.RWMutex
	events   map[string]*outbox

	// seenCorrelations bounds the set of recently resolved correlation ids
	// so a duplicate or late respond for an already-completed request is
	// recognized and logged rather than silently discarded as "unknown".
	seenCorrelations *lru.Cache[string, struct{}]

	logger *slog.Logger
	tap    diagnostics.Tap
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Directory and starts its background reapers. Call Shutdown
// to stop them.
func New(opts ...Option) *Directory {
	seen, _ := lru.New[string, struct{}](4096)
	d := &Directory{
		mailboxSize:         1024,
		evictionInterval:    10 * time.Second,
		idleTimeout:         60 * time.Second,
		pendingReapInterval: 1 * time.Second,
		clients:             make(map[string]*domain.Client),
		cells:               make(map[string]*Cell),
		byName:              make(map[string]string),
		groups:              make(map[string]map[string]struct{}),
		pending:             make(map[string]*domain.PendingRequest),
		events:              make(map[string]*outbox),
		seenCorrelations:    seen,
		logger:              slog.Default(),
		tap:                 diagnostics.Noop,
		stopCh:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.wg.Add(2)
	go d.runIdleReaper()
	go d.runPendingReaper()
	return d
}

// Sentinel errors distinguished by router-level handlers (internal/router)
// to pick the right trailer status.
var (
	// ErrAlreadyRegistered is returned by Register when the client id is
	// already present in the directory (§4.7: register is not idempotent
	// across distinct calls — a client must unregister/disconnect first).
	ErrAlreadyRegistered = fmt.Errorf("registry: client already registered")

	// ErrUnknownClient is returned when an operation names a client id
	// that is not (or no longer) registered.
	ErrUnknownClient = fmt.Errorf("registry: unknown client")

	// ErrMailboxFull is returned by SendUnicast in back-pressure mode when
	// the target's mailbox is saturated (§4.7: ResourceExhausted for
	// unicast/request traffic).
	ErrMailboxFull = fmt.Errorf("registry: mailbox full")

	// ErrRequestTimedOut resolves a PendingRequest whose deadline elapsed
	// before a matching respond arrived (§4.7's pending reaper).
	ErrRequestTimedOut = fmt.Errorf("registry: request timed out")

	// ErrRequesterDisconnected resolves a PendingRequest whose issuing
	// client unregistered before a response arrived (§4.8).
	ErrRequesterDisconnected = fmt.Errorf("registry: requester disconnected")
)

// Register creates a new Client and its delivery Cell (§4.7's register
// operation). It is rejected if the id is already present.
func (d *Directory) Register(id, name string, groups []string, metadata map[string]any) (*domain.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.clients[id]; exists {
		return nil, ErrAlreadyRegistered
	}
	client := domain.NewClient(id, name, groups, metadata)
	d.clients[id] = client
	d.cells[id] = NewCell(id, d.mailboxSize)
	if name != "" {
		d.byName[name] = id
	}
	for g := range client.Groups {
		d.addToGroupLocked(g, id)
	}
	d.logger.Info("client registered", "client_id", id, "name", name)
	d.tap.ClientRegistered(id, name, groups)
	return client, nil
}

func (d *Directory) addToGroupLocked(group, clientID string) {
	set, ok := d.groups[group]
	if !ok {
		set = make(map[string]struct{})
		d.groups[group] = set
	}
	set[clientID] = struct{}{}
}

func (d *Directory) removeFromGroupLocked(group, clientID string) {
	if set, ok := d.groups[group]; ok {
		delete(set, clientID)
		if len(set) == 0 {
			delete(d.groups, group)
		}
	}
}

// Unregister tears a client down entirely: its cell, group memberships,
// name index entry, and event subscription are all removed (§4.8's
// per-connection cleanup, applied here to an explicit unregister call
// rather than a transport disconnect). Before the cell stops, a
// DisconnectedPayload carrying reason is pushed to the client's own still-
// attached sessions (SUPPLEMENTED FEATURES: "Disconnection notice").
func (d *Directory) Unregister(id string, reason domain.DisconnectReason) {
	d.mu.Lock()
	client, ok := d.clients[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.clients, id)
	if client.Name != "" && d.byName[client.Name] == id {
		delete(d.byName, client.Name)
	}
	for g := range client.Groups {
		d.removeFromGroupLocked(g, id)
	}
	cell := d.cells[id]
	delete(d.cells, id)
	d.mu.Unlock()

	if cell != nil {
		if payload, err := eventCodec.Marshal(domain.DisconnectedPayload{Reason: reason}); err != nil {
			d.logger.Warn("failed to marshal disconnected payload", "error", err, "client_id", id)
		} else {
			cell.Notify(&domain.RouterMessage{Kind: domain.KindDisconnected, TargetID: id, Payload: payload, Timestamp: time.Now()})
		}
		cell.Stop()
	}
	d.eventsMu.Lock()
	delete(d.events, id)
	d.eventsMu.Unlock()

	d.failPendingOwnedBy(id)
	d.failPendingTargeting(id)
	d.logger.Info("client unregistered", "client_id", id, "reason", reason)
	d.tap.ClientUnregistered(id, reason)
}

// Lookup returns a registered client by id.
func (d *Directory) Lookup(id string) (*domain.Client, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.clients[id]
	return c, ok
}

// LookupByName resolves a client by its registered display name.
func (d *Directory) LookupByName(name string) (*domain.Client, bool) {
	d.mu.RLock()
	id, ok := d.byName[name]
	d.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return d.Lookup(id)
}

// Heartbeat records activity for a client, resetting its idle-eviction
// clock (§4.7).
func (d *Directory) Heartbeat(id string) bool {
	d.mu.RLock()
	client, ok := d.clients[id]
	cell := d.cells[id]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	client.Touch()
	if cell != nil {
		cell.touch()
	}
	return true
}

// OnlineClients returns every currently registered client, optionally
// filtered to a single group (§4.7's getOnlineClients).
func (d *Directory) OnlineClients(group string) []*domain.Client {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if group == "" {
		out := make([]*domain.Client, 0, len(d.clients))
		for _, c := range d.clients {
			out = append(out, c)
		}
		return out
	}
	set, ok := d.groups[group]
	if !ok {
		return nil
	}
	out := make([]*domain.Client, 0, len(set))
	for id := range set {
		if c, ok := d.clients[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// JoinGroup adds a client to a routing group.
func (d *Directory) JoinGroup(clientID, group string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	client, ok := d.clients[clientID]
	if !ok {
		return false
	}
	client.Groups[group] = struct{}{}
	d.addToGroupLocked(group, clientID)
	return true
}

// LeaveGroup removes a client from a routing group.
func (d *Directory) LeaveGroup(clientID, group string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	client, ok := d.clients[clientID]
	if !ok {
		return false
	}
	delete(client.Groups, group)
	d.removeFromGroupLocked(group, clientID)
	return true
}

// AttachSession wires a newly opened connectP2P stream into the client's
// Cell, returning the outbound queue the caller's handler goroutine should
// drain and forward onto the stream.
func (d *Directory) AttachSession(clientID string, session *domain.Session, bufferSize int) (<-chan *domain.RouterMessage, error) {
	d.mu.RLock()
	client, ok := d.clients[clientID]
	cell := d.cells[clientID]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: unknown client %q", clientID)
	}
	client.AttachSession(session)
	return cell.AttachSession(session.ID, bufferSize), nil
}

// DetachSession removes one session from a client's Cell. The client
// itself remains registered (possibly with other live sessions) until
// either Unregister or the idle reaper removes it.
func (d *Directory) DetachSession(clientID, sessionID string) {
	d.mu.RLock()
	client, ok := d.clients[clientID]
	cell := d.cells[clientID]
	d.mu.RUnlock()
	if !ok {
		return
	}
	client.DetachSession(sessionID)
	if cell != nil {
		cell.DetachSession(sessionID)
	}
}

// SendUnicast enqueues msg for delivery to exactly one client (§4.7).
func (d *Directory) SendUnicast(targetID string, msg *domain.RouterMessage) error {
	d.mu.RLock()
	cell, ok := d.cells[targetID]
	d.mu.RUnlock()
	if !ok {
		return ErrUnknownClient
	}
	msg.TargetID = targetID
	if !cell.Push(msg) {
		d.tap.MessageDropped(msg.Kind, targetID, "mailbox full")
		return ErrMailboxFull
	}
	return nil
}

// SendMulticast enqueues msg for delivery to every client in a group.
func (d *Directory) SendMulticast(group string, msg *domain.RouterMessage) (delivered int) {
	for _, c := range d.OnlineClients(group) {
		m := *msg
		m.TargetID = c.ID
		m.TargetGroup = group
		if d.pushTo(c.ID, &m) {
			delivered++
		}
	}
	d.tap.MessageRouted(msg.Kind, msg.SenderID, delivered)
	return delivered
}

// SendBroadcast enqueues msg for delivery to every registered client.
func (d *Directory) SendBroadcast(msg *domain.RouterMessage) (delivered int) {
	for _, c := range d.OnlineClients("") {
		m := *msg
		m.TargetID = c.ID
		if d.pushTo(c.ID, &m) {
			delivered++
		}
	}
	d.tap.MessageRouted(msg.Kind, msg.SenderID, delivered)
	return delivered
}

func (d *Directory) pushTo(clientID string, msg *domain.RouterMessage) bool {
	d.mu.RLock()
	cell, ok := d.cells[clientID]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	return cell.Push(msg)
}

// BeginRequest registers a PendingRequest and enqueues its request message
// to the target, implementing §4.7's request/response correlation.
func (d *Directory) BeginRequest(requesterID, targetID, correlationID string, timeout time.Duration, msg *domain.RouterMessage) (*domain.PendingRequest, error) {
	pr := domain.NewPendingRequest(correlationID, requesterID, targetID, time.Now().Add(timeout))
	d.pendingMu.Lock()
	d.pending[correlationID] = pr
	d.pendingMu.Unlock()

	if err := d.SendUnicast(targetID, msg); err != nil {
		d.pendingMu.Lock()
		delete(d.pending, correlationID)
		d.pendingMu.Unlock()
		return nil, err
	}
	return pr, nil
}

// Respond resolves a pending request by correlation id (§4.7's respond
// operation). It reports false if no matching pending request exists
// (already resolved, expired, or never issued).
func (d *Directory) Respond(correlationID string, payload []byte, respErr error) bool {
	d.pendingMu.Lock()
	pr, ok := d.pending[correlationID]
	if ok {
		delete(d.pending, correlationID)
	}
	d.pendingMu.Unlock()
	if !ok {
		if d.seenCorrelations.Contains(correlationID) {
			d.logger.Debug("duplicate respond for already-resolved correlation id", "correlation_id", correlationID)
		}
		return false
	}
	d.seenCorrelations.Add(correlationID, struct{}{})
	pr.Resolve(payload, respErr)
	d.tap.RequestCompleted(correlationID, respErr == nil)
	return true
}

// failPendingOwnedBy resolves every PendingRequest issued by requesterID
// with Unavailable (§4.8: "resolve any PendingRequest owned by the departed
// client with UNAVAILABLE").
func (d *Directory) failPendingOwnedBy(requesterID string) {
	d.pendingMu.Lock()
	var owned []*domain.PendingRequest
	for id, pr := range d.pending {
		if pr.RequesterID == requesterID {
			owned = append(owned, pr)
			delete(d.pending, id)
		}
	}
	d.pendingMu.Unlock()
	for _, pr := range owned {
		pr.Resolve(nil, ErrRequesterDisconnected)
	}
}

// failPendingTargeting resolves every PendingRequest aimed at targetID with
// NotFound (§4.8: "requests targeted at the departed client are terminated
// with NOT_FOUND").
func (d *Directory) failPendingTargeting(targetID string) {
	d.pendingMu.Lock()
	var targeted []*domain.PendingRequest
	for id, pr := range d.pending {
		if pr.TargetID == targetID {
			targeted = append(targeted, pr)
			delete(d.pending, id)
		}
	}
	d.pendingMu.Unlock()
	for _, pr := range targeted {
		pr.Resolve(nil, ErrUnknownClient)
	}
}

// SubscribeEvents registers an event outbox for a client (§4.7's
// subscribeToEvents), returning the channel the caller's handler goroutine
// should forward onto the client's event stream.
func (d *Directory) SubscribeEvents(clientID string, bufferSize int) <-chan *domain.RouterMessage {
	ob := newOutbox(bufferSize)
	d.eventsMu.Lock()
	d.events[clientID] = ob
	d.eventsMu.Unlock()
	return ob.messages()
}

// UnsubscribeEvents removes a client's event subscription.
func (d *Directory) UnsubscribeEvents(clientID string) {
	d.eventsMu.Lock()
	delete(d.events, clientID)
	d.eventsMu.Unlock()
}

// PublishEvent fans a RouterEvent out to every subscribed client.
func (d *Directory) PublishEvent(ev domain.RouterEvent) {
	d.tap.Event(ev)

	var payload []byte
	if ev.Payload != nil {
		p, err := eventCodec.Marshal(ev.Payload)
		if err != nil {
			d.logger.Warn("failed to marshal event payload", "error", err, "kind", ev.Kind)
		} else {
			payload = p
		}
	}

	d.eventsMu.RLock()
	defer d.eventsMu.RUnlock()
	msg := &domain.RouterMessage{Kind: domain.KindEvent, EventKind: ev.Kind, Payload: payload, Timestamp: ev.Timestamp}
	for _, ob := range d.events {
		ob.send(msg, 250*time.Millisecond)
	}
}

// Stats returns a diagnostics snapshot (internal/diagnostics, internal/adminhttp).
func (d *Directory) Stats() domain.Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sessions := 0
	for _, c := range d.clients {
		sessions += c.SessionCount()
	}
	groupCounts := make(map[string]int, len(d.groups))
	for g, set := range d.groups {
		groupCounts[g] = len(set)
	}
	return domain.Stats{
		TotalClients:  len(d.clients),
		TotalSessions: sessions,
		GroupCounts:   groupCounts,
	}
}

func (d *Directory) runIdleReaper() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.reapIdle()
		}
	}
}

func (d *Directory) reapIdle() {
	d.mu.RLock()
	var idle []string
	for id, cell := range d.cells {
		if cell.IsIdle(d.idleTimeout) {
			idle = append(idle, id)
		}
	}
	d.mu.RUnlock()
	for _, id := range idle {
		d.logger.Info("evicting idle client", "client_id", id)
		d.Unregister(id, domain.ReasonTimeout)
	}
}

func (d *Directory) runPendingReaper() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.pendingReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.reapExpiredPending()
		}
	}
}

func (d *Directory) reapExpiredPending() {
	now := time.Now()
	d.pendingMu.Lock()
	var expired []*domain.PendingRequest
	for id, pr := range d.pending {
		if now.After(pr.Deadline) {
			expired = append(expired, pr)
			delete(d.pending, id)
		}
	}
	d.pendingMu.Unlock()
	for _, pr := range expired {
		pr.Resolve(nil, ErrRequestTimedOut)
		d.tap.RequestCompleted(pr.CorrelationID, false)
	}
}

// Shutdown stops both reapers and every client's delivery cell (§4.8's
// graceful shutdown, applied to directory state).
func (d *Directory) Shutdown() {
	select {
	case <-d.stopCh:
		return
	default:
	}
	close(d.stopCh)
	d.wg.Wait()

	d.mu.Lock()
	cells := make([]*Cell, 0, len(d.cells))
	for _, c := range d.cells {
		cells = append(cells, c)
	}
	d.mu.Unlock()
	for _, c := range cells {
		c.Stop()
	}
}
