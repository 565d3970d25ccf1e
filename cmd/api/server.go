package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/PaulBabatuyi/carhub-realtime/internal/data"
	"github.com/PaulBabatuyi/carhub-realtime/internal/presence"
	"github.com/PaulBabatuyi/carhub-realtime/internal/push"
	"github.com/PaulBabatuyi/carhub-realtime/internal/realtime"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "realtime.v1.RealtimeService"

// Full method names, used by the interceptors.
const (
	methodRegisterPushToken    = "/" + serviceName + "/RegisterPushToken"
	methodUnregisterPushToken  = "/" + serviceName + "/UnregisterPushToken"
	methodSendTestNotification = "/" + serviceName + "/SendTestNotification"
	methodGetPresence          = "/" + serviceName + "/GetPresence"
	methodSendMessage          = "/" + serviceName + "/SendMessage"
	methodOpenConversation     = "/" + serviceName + "/OpenConversation"
	methodGetMessageHistory    = "/" + serviceName + "/GetMessageHistory"
	methodStreamEvents         = "/" + serviceName + "/StreamEvents"
)

// pushTokenStore is the subset of PushTokensStore the control API uses.
type pushTokenStore interface {
	RegisterPushToken(ctx context.Context, userID, token, deviceType string) (*data.PushToken, error)
	UnregisterPushToken(ctx context.Context, userID, token string) error
}

// conversationStore is the subset of ConversationsStore the control API uses.
type conversationStore interface {
	GetConversation(ctx context.Context, id string) (*data.Conversation, error)
	FindOrCreateConversation(ctx context.Context, participantIDs []string, carID string) (*data.Conversation, bool, error)
}

type historyStore interface {
	GetMessageHistory(ctx context.Context, conversationID bson.ObjectID, limit int64) ([]*data.Message, error)
}

// pushSender delivers a notification synchronously.
type pushSender interface {
	Send(ctx context.Context, n push.Notification) bool
}

// RealtimeServer is the control API implemented by Server.
type RealtimeServer interface {
	RegisterPushToken(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UnregisterPushToken(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendTestNotification(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPresence(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMessageHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamEvents(*structpb.Struct, grpc.ServerStream) error
}

// Server implements the realtime control API on top of the message channel,
// the presence registry and the push dispatcher.
type Server struct {
	svc      *realtime.Service
	registry *presence.Registry
	tokens   pushTokenStore
	convs    conversationStore
	history  historyStore
	push     pushSender
	logger   zerolog.Logger

	streamBuffer int
	opTimeout    time.Duration
}

// newServer returns a ready-to-use Server.
func newServer(svc *realtime.Service, tokens pushTokenStore, convs conversationStore, history historyStore, sender pushSender, opTimeout time.Duration, logger zerolog.Logger) *Server {
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	return &Server{
		svc:          svc,
		registry:     svc.Registry(),
		tokens:       tokens,
		convs:        convs,
		history:      history,
		push:         sender,
		logger:       logger.With().Str("component", "rpc").Logger(),
		streamBuffer: 256,
		opTimeout:    opTimeout,
	}
}

// registerService registers the RealtimeService on the given gRPC server.
func registerService(s *grpc.Server, srv RealtimeServer) {
	s.RegisterService(&serviceDesc, srv)
}

type unaryMethod func(RealtimeServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RealtimeServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RealtimeServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RealtimeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterPushToken", Handler: unaryHandler(methodRegisterPushToken, RealtimeServer.RegisterPushToken)},
		{MethodName: "UnregisterPushToken", Handler: unaryHandler(methodUnregisterPushToken, RealtimeServer.UnregisterPushToken)},
		{MethodName: "SendTestNotification", Handler: unaryHandler(methodSendTestNotification, RealtimeServer.SendTestNotification)},
		{MethodName: "GetPresence", Handler: unaryHandler(methodGetPresence, RealtimeServer.GetPresence)},
		{MethodName: "SendMessage", Handler: unaryHandler(methodSendMessage, RealtimeServer.SendMessage)},
		{MethodName: "OpenConversation", Handler: unaryHandler(methodOpenConversation, RealtimeServer.OpenConversation)},
		{MethodName: "GetMessageHistory", Handler: unaryHandler(methodGetMessageHistory, RealtimeServer.GetMessageHistory)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(RealtimeServer).StreamEvents(in, stream)
			},
		},
	},
	Metadata: "realtime/v1/realtime.proto",
}

// decodeRequest copies a Struct into a typed request via its JSON form.
func decodeRequest(in *structpb.Struct, v any) error {
	b, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}

// encodeResponse converts a JSON-tagged value into a Struct.
func encodeResponse(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// rpcError maps domain errors onto gRPC status codes.
func rpcError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	e := realtime.AsError(err)
	switch e.Code {
	case realtime.CodeValidation:
		return status.Error(codes.InvalidArgument, e.Message)
	case realtime.CodeNotFound:
		return status.Error(codes.NotFound, e.Message)
	case realtime.CodeForbidden:
		return status.Error(codes.PermissionDenied, e.Message)
	case realtime.CodeRateLimited:
		return status.Error(codes.ResourceExhausted, e.Message)
	default:
		return status.Error(codes.Internal, e.Message)
	}
}
