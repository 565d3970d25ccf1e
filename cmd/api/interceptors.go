package main

import (
	"context"
	"strings"

	"github.com/PaulBabatuyi/carhub-realtime/internal/auth"
	"github.com/PaulBabatuyi/carhub-realtime/internal/realtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// context key type for storing the caller identity in context
type identityContextKey struct{}

// identityFromContext returns the identity attached by the auth interceptors.
func identityFromContext(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(auth.Identity)
	return id, ok
}

// userKey is the rate limit key for an RPC.
func userKey(ctx context.Context) string {
	if id, ok := identityFromContext(ctx); ok {
		return "rpc:" + id.UserID
	}
	return ""
}

// methods that don't require authentication
var publicMethods = map[string]bool{
	"/grpc.health.v1.Health/Check": true,
	"/grpc.health.v1.Health/Watch": true,
}

// limitedMethods are the RPCs guarded by the rate limiter.
var limitedMethods = map[string]bool{
	methodRegisterPushToken:    true,
	methodUnregisterPushToken:  true,
	methodSendTestNotification: true,
	methodSendMessage:          true,
}

func authenticate(ctx context.Context, v realtime.Authenticator) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
	}
	authHeaders := md.Get("authorization")
	if len(authHeaders) == 0 {
		return nil, status.Errorf(codes.Unauthenticated, "missing authorization header")
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeaders[0], "Bearer"))
	if token == "" {
		return nil, status.Errorf(codes.Unauthenticated, "invalid credential")
	}

	id, err := v.Verify(ctx, token)
	if err != nil {
		return nil, status.Errorf(codes.Unauthenticated, "%s", auth.Reason(err))
	}
	return context.WithValue(ctx, identityContextKey{}, id), nil
}

// authUnaryInterceptor verifies the bearer credential and attaches the
// caller's identity for handlers.
func authUnaryInterceptor(v realtime.Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		ctx, err := authenticate(ctx, v)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// authStreamInterceptor is the stream equivalent of authUnaryInterceptor.
func authStreamInterceptor(v realtime.Authenticator) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if publicMethods[info.FullMethod] {
			return handler(srv, ss)
		}
		ctx, err := authenticate(ss.Context(), v)
		if err != nil {
			return err
		}
		return handler(srv, identityServerStream{ServerStream: ss, ctx: ctx})
	}
}

// identityServerStream overrides Context() to carry the caller identity.
type identityServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s identityServerStream) Context() context.Context { return s.ctx }
