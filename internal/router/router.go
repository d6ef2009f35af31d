package router

import (
	"context"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nogipx/rpcmesh/internal/domain"
	"github.com/nogipx/rpcmesh/internal/registry"
	"github.com/nogipx/rpcmesh/pkg/codec"
	"github.com/nogipx/rpcmesh/pkg/contract"
	"github.com/nogipx/rpcmesh/pkg/rpc"
)

// ServerVersion is reported to every successful register call (supplemented
// ConnectedPayload field, SPEC_FULL.md).
const ServerVersion = "1.0.0"

// Service implements §4.7's Router Engine as a "Router" ServiceContract: a
// thin adapter layer translating wire requests into internal/registry.Directory
// calls and domain events back into wire responses.
type Service struct {
	dir *registry.Directory
}

// New builds the Router service contract bound to dir.
func New(dir *registry.Directory) *Service {
	return &Service{dir: dir}
}

// Contract builds the "Router" ServiceContract with every method in §4.7's
// table registered, ready to be handed to contract.NewResponder.Register.
func (s *Service) Contract() (*contract.ServiceContract, error) {
	c := contract.New("Router")
	jc := codec.JSON()

	registrations := []*contract.MethodRegistration{
		{
			Name: "register", Shape: rpc.Unary, RequestCodec: jc, ResponseCodec: jc,
			NewRequest:   func() any { return new(RegisterRequest) },
			UnaryHandler: s.handleRegister,
		},
		{
			Name: "unregister", Shape: rpc.Unary, RequestCodec: jc, ResponseCodec: jc,
			NewRequest:   func() any { return new(IdentifiedRequest) },
			UnaryHandler: s.handleUnregister,
		},
		{
			Name: "heartbeat", Shape: rpc.Unary, RequestCodec: jc, ResponseCodec: jc,
			NewRequest:   func() any { return new(HeartbeatRequest) },
			UnaryHandler: s.handleHeartbeat,
		},
		{
			Name: "getOnlineClients", Shape: rpc.Unary, RequestCodec: jc, ResponseCodec: jc,
			NewRequest:   func() any { return new(GetOnlineClientsRequest) },
			UnaryHandler: s.handleGetOnlineClients,
		},
		{
			Name: "sendUnicast", Shape: rpc.Unary, RequestCodec: jc, ResponseCodec: jc,
			NewRequest:   func() any { return new(SendUnicastRequest) },
			UnaryHandler: s.handleSendUnicast,
		},
		{
			Name: "sendMulticast", Shape: rpc.Unary, RequestCodec: jc, ResponseCodec: jc,
			NewRequest:   func() any { return new(SendMulticastRequest) },
			UnaryHandler: s.handleSendMulticast,
		},
		{
			Name: "sendBroadcast", Shape: rpc.Unary, RequestCodec: jc, ResponseCodec: jc,
			NewRequest:   func() any { return new(SendBroadcastRequest) },
			UnaryHandler: s.handleSendBroadcast,
		},
		{
			Name: "request", Shape: rpc.Unary, RequestCodec: jc, ResponseCodec: jc,
			NewRequest:   func() any { return new(RequestRequest) },
			UnaryHandler: s.handleRequest,
		},
		{
			Name: "respond", Shape: rpc.Unary, RequestCodec: jc, ResponseCodec: jc,
			NewRequest:   func() any { return new(RespondRequest) },
			UnaryHandler: s.handleRespond,
		},
		{
			Name: "subscribeToEvents", Shape: rpc.ServerStreaming, RequestCodec: jc, ResponseCodec: jc,
			NewRequest:          func() any { return new(SubscribeEventsRequest) },
			ServerStreamHandler: s.handleSubscribeToEvents,
		},
		{
			Name: "connectP2P", Shape: rpc.Bidirectional, RequestCodec: jc, ResponseCodec: jc,
			BidiHandler: s.handleConnectP2P,
		},
	}

	for _, reg := range registrations {
		if err := c.Register(reg); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func statusErr(code codes.Code, msg string) error { return status.Error(code, msg) }

// pendingErrCode maps a resolved PendingRequest's sentinel error to the
// trailer status §4.7/§4.8 specify for it.
func pendingErrCode(err error) codes.Code {
	switch err {
	case registry.ErrUnknownClient:
		return codes.NotFound
	case registry.ErrRequesterDisconnected:
		return codes.Unavailable
	case registry.ErrRequestTimedOut:
		return codes.DeadlineExceeded
	default:
		return codes.DeadlineExceeded
	}
}

func (s *Service) handleRegister(ctx context.Context, req any) (any, error) {
	r := req.(*RegisterRequest)
	id := uuid.New().String()
	if _, err := s.dir.Register(id, r.Name, r.Groups, r.Metadata); err != nil {
		return nil, statusErr(codes.Internal, err.Error())
	}
	s.dir.PublishEvent(domain.RouterEvent{
		Kind:      domain.EventClientConnected,
		Payload:   map[string]any{"clientId": id, "name": r.Name},
		Timestamp: time.Now(),
	})
	return &RegisterResponse{ClientID: id, ServerVersion: ServerVersion}, nil
}

func (s *Service) handleUnregister(ctx context.Context, req any) (any, error) {
	r := req.(*IdentifiedRequest)
	if _, ok := s.dir.Lookup(r.ClientID); !ok {
		return nil, statusErr(codes.NotFound, "unknown client")
	}
	s.dir.Unregister(r.ClientID, domain.ReasonEvicted)
	s.dir.PublishEvent(domain.RouterEvent{
		Kind:      domain.EventClientDisconnected,
		Payload:   map[string]any{"clientId": r.ClientID},
		Timestamp: time.Now(),
	})
	return &Empty{}, nil
}

func (s *Service) handleHeartbeat(ctx context.Context, req any) (any, error) {
	r := req.(*HeartbeatRequest)
	if !s.dir.Heartbeat(r.ClientID) {
		return nil, statusErr(codes.NotFound, "unknown client")
	}
	return &Empty{}, nil
}

func (s *Service) handleGetOnlineClients(ctx context.Context, req any) (any, error) {
	r := req.(*GetOnlineClientsRequest)
	clients := s.dir.OnlineClients(r.Group)
	out := make([]ClientInfo, 0, len(clients))
	for _, c := range clients {
		groups := make([]string, 0, len(c.Groups))
		for g := range c.Groups {
			groups = append(groups, g)
		}
		out = append(out, ClientInfo{
			ID: c.ID, Name: c.Name, Groups: groups,
			RegisteredAt: c.RegisteredAt, Sessions: c.SessionCount(),
		})
	}
	return &GetOnlineClientsResponse{Clients: out}, nil
}

func (s *Service) handleSendUnicast(ctx context.Context, req any) (any, error) {
	r := req.(*SendUnicastRequest)
	msg := &domain.RouterMessage{
		SenderID: r.ClientID, Kind: domain.KindUnicast, Payload: r.Payload,
		Priority: domain.Priority(r.Priority), Timestamp: time.Now(),
	}
	err := s.dir.SendUnicast(r.TargetID, msg)
	switch err {
	case nil:
		s.dir.Heartbeat(r.ClientID)
		return &SendUnicastResponse{Delivered: true}, nil
	case registry.ErrUnknownClient:
		return nil, statusErr(codes.NotFound, "unknown target client")
	case registry.ErrMailboxFull:
		return nil, statusErr(codes.ResourceExhausted, "target mailbox full")
	default:
		return nil, statusErr(codes.Internal, err.Error())
	}
}

func (s *Service) handleSendMulticast(ctx context.Context, req any) (any, error) {
	r := req.(*SendMulticastRequest)
	msg := &domain.RouterMessage{
		SenderID: r.ClientID, Kind: domain.KindMulticast, Payload: r.Payload,
		Priority: domain.Priority(r.Priority), Timestamp: time.Now(),
	}
	count := s.deliverExceptSender(r.ClientID, s.dir.OnlineClients(r.Group), msg, r.Group)
	s.dir.Heartbeat(r.ClientID)
	return &DeliveredCountResponse{DeliveredCount: count}, nil
}

func (s *Service) handleSendBroadcast(ctx context.Context, req any) (any, error) {
	r := req.(*SendBroadcastRequest)
	msg := &domain.RouterMessage{
		SenderID: r.ClientID, Kind: domain.KindBroadcast, Payload: r.Payload,
		Priority: domain.Priority(r.Priority), Timestamp: time.Now(),
	}
	count := s.deliverExceptSender(r.ClientID, s.dir.OnlineClients(""), msg, "")
	s.dir.Heartbeat(r.ClientID)
	return &DeliveredCountResponse{DeliveredCount: count}, nil
}

// deliverExceptSender implements §4.7's "every member of the group except
// the sender" / "every client except the sender" routing rule, shared by
// sendMulticast and sendBroadcast.
func (s *Service) deliverExceptSender(senderID string, recipients []*domain.Client, msg *domain.RouterMessage, group string) int {
	delivered := 0
	for _, c := range recipients {
		if c.ID == senderID {
			continue
		}
		m := *msg
		m.TargetID = c.ID
		m.TargetGroup = group
		if err := s.dir.SendUnicast(c.ID, &m); err == nil {
			delivered++
		}
	}
	return delivered
}

func (s *Service) handleRequest(ctx context.Context, req any) (any, error) {
	r := req.(*RequestRequest)
	if _, ok := s.dir.Lookup(r.TargetID); !ok {
		return nil, statusErr(codes.NotFound, "unknown target client")
	}
	correlationID := uuid.New().String()
	deadline := time.Duration(r.DeadlineMS) * time.Millisecond
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	msg := &domain.RouterMessage{
		SenderID: r.ClientID, Kind: domain.KindRequest, TargetID: r.TargetID,
		CorrelationID: correlationID, Payload: r.Payload, Timestamp: time.Now(),
	}
	pending, err := s.dir.BeginRequest(r.ClientID, r.TargetID, correlationID, deadline, msg)
	if err != nil {
		if err == registry.ErrMailboxFull {
			return nil, statusErr(codes.ResourceExhausted, "target mailbox full")
		}
		return nil, statusErr(codes.NotFound, "unknown target client")
	}
	s.dir.Heartbeat(r.ClientID)

	select {
	case res := <-pending.Wait():
		if res.Err != nil {
			return nil, statusErr(pendingErrCode(res.Err), res.Err.Error())
		}
		return &RequestResponse{Payload: res.Payload}, nil
	case <-ctx.Done():
		return nil, statusErr(codes.Cancelled, "caller cancelled")
	}
}

func (s *Service) handleRespond(ctx context.Context, req any) (any, error) {
	r := req.(*RespondRequest)
	s.dir.Respond(r.CorrelationID, r.Payload, nil)
	s.dir.Heartbeat(r.ClientID)
	return &Empty{}, nil
}

func (s *Service) handleSubscribeToEvents(ctx context.Context, req any, sender *rpc.ServerStreamSender) error {
	r := req.(*SubscribeEventsRequest)
	msgs := s.dir.SubscribeEvents(r.ClientID, 256)
	defer s.dir.UnsubscribeEvents(r.ClientID)

	for {
		select {
		case <-sender.Cancelled():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var payload map[string]any
			if len(msg.Payload) > 0 {
				if err := codec.JSON().Unmarshal(msg.Payload, &payload); err != nil {
					return err
				}
			}
			ev := EventPayload{Kind: string(msg.EventKind), Payload: payload, Timestamp: msg.Timestamp}
			if err := sender.Send(&ev); err != nil {
				return err
			}
		}
	}
}

func (s *Service) handleConnectP2P(ctx context.Context, stream *rpc.BidiStream) error {
	var first MessagePayload
	if !stream.Recv(&first) {
		return statusErr(codes.InvalidArgument, "connectP2P requires an initial message identifying the client")
	}
	clientID := first.SenderID
	if _, ok := s.dir.Lookup(clientID); !ok {
		return statusErr(codes.NotFound, "unknown client")
	}

	sessionID := uuid.New().String()
	session := &domain.Session{ID: sessionID, Platform: first.Kind}
	outbound, err := s.dir.AttachSession(clientID, session, 1024)
	if err != nil {
		return statusErr(codes.Internal, err.Error())
	}
	defer s.dir.DetachSession(clientID, sessionID)

	welcome, err := codec.JSON().Marshal(domain.ConnectedPayload{OK: true, ConnectionID: sessionID, ServerVersion: ServerVersion})
	if err != nil {
		return statusErr(codes.Internal, err.Error())
	}
	if err := stream.Send(&MessagePayload{SenderID: clientID, Kind: string(domain.KindConnected), Payload: welcome, Timestamp: time.Now().UnixMilli()}); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stream.Cancelled():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				if err := stream.Send(toMessagePayload(msg)); err != nil {
					return
				}
			}
		}
	}()

	if err := s.routeInbound(&first, clientID); err != nil {
		return err
	}
	var in MessagePayload
	for stream.Recv(&in) {
		if err := s.routeInbound(&in, clientID); err != nil {
			return err
		}
	}
	<-done
	return nil
}

// routeInbound applies a RouterMessage arriving on connectP2P to the
// routing algorithm's recipient lookup (§4.7).
func (s *Service) routeInbound(msg *MessagePayload, clientID string) error {
	rm := &domain.RouterMessage{
		SenderID: clientID, Kind: domain.MessageKind(msg.Kind), TargetID: msg.TargetID,
		TargetGroup: msg.TargetGroup, CorrelationID: msg.CorrelationID,
		Payload: msg.Payload, Priority: domain.Priority(msg.Priority), Timestamp: time.Now(),
	}
	s.dir.Heartbeat(clientID)
	switch rm.Kind {
	case domain.KindResponse:
		s.dir.Respond(rm.CorrelationID, rm.Payload, nil)
		return nil
	case domain.KindUnicast, domain.KindRequest:
		if rm.TargetID == "" {
			return nil
		}
		_ = s.dir.SendUnicast(rm.TargetID, rm)
		return nil
	case domain.KindMulticast:
		if rm.TargetGroup != "" {
			s.deliverExceptSender(clientID, s.dir.OnlineClients(rm.TargetGroup), rm, rm.TargetGroup)
		}
		return nil
	case domain.KindBroadcast:
		s.deliverExceptSender(clientID, s.dir.OnlineClients(""), rm, "")
		return nil
	default:
		return nil
	}
}

func toMessagePayload(msg *domain.RouterMessage) *MessagePayload {
	return &MessagePayload{
		SenderID: msg.SenderID, Kind: string(msg.Kind), TargetID: msg.TargetID,
		TargetGroup: msg.TargetGroup, CorrelationID: msg.CorrelationID,
		Payload: msg.Payload, Priority: int(msg.Priority), Timestamp: msg.Timestamp.UnixMilli(),
	}
}
