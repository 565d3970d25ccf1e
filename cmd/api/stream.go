package main

import (
	"sync"
	"sync/atomic"

	"github.com/PaulBabatuyi/carhub-realtime/internal/realtime"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// streamSubscriber lets a gRPC stream sit in the presence registry next to
// WebSocket connections. Frames are buffered; a full buffer closes it.
type streamSubscriber struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
	lagged atomic.Bool
}

func newStreamSubscriber(buffer int) *streamSubscriber {
	return &streamSubscriber{frames: make(chan []byte, buffer), done: make(chan struct{})}
}

func (s *streamSubscriber) Send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.frames <- frame:
		return true
	default:
		s.lagged.Store(true)
		return false
	}
}

func (s *streamSubscriber) Close() {
	s.once.Do(func() { close(s.done) })
}

// StreamEvents streams the caller's realtime events (the same frames a
// WebSocket client receives) until the client goes away. The request may
// list conversationIds to join up front.
func (s *Server) StreamEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	id, err := s.caller(ctx)
	if err != nil {
		return err
	}
	var req struct {
		ConversationIDs []string `json:"conversationIds"`
	}
	if err := decodeRequest(in, &req); err != nil {
		return err
	}

	connID := "grpc-" + uuid.NewString()
	sub := newStreamSubscriber(s.streamBuffer)
	s.svc.Connect(connID, id, sub)
	defer func() {
		s.svc.Disconnect(connID)
		sub.Close()
	}()

	actor := realtime.Actor{Identity: id, ConnID: connID}
	for _, convID := range req.ConversationIDs {
		if err := s.svc.JoinConversation(ctx, actor, convID); err != nil {
			return rpcError(err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-sub.frames:
			out := new(structpb.Struct)
			if err := protojson.Unmarshal(frame, out); err != nil {
				return status.Errorf(codes.Internal, "failed to encode event: %v", err)
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-sub.done:
			if sub.lagged.Load() {
				return status.Errorf(codes.ResourceExhausted, "event stream fell behind")
			}
			return status.Error(codes.Unavailable, "server shutting down")
		}
	}
}
