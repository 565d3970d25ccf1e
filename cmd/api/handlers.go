package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/PaulBabatuyi/carhub-realtime/internal/auth"
	"github.com/PaulBabatuyi/carhub-realtime/internal/data"
	"github.com/PaulBabatuyi/carhub-realtime/internal/normalize"
	"github.com/PaulBabatuyi/carhub-realtime/internal/push"
	"github.com/PaulBabatuyi/carhub-realtime/internal/realtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	maxPresenceQuery   = 100
	defaultHistorySize = 50
	maxHistorySize     = 200
)

var deviceTypes = map[string]bool{"ios": true, "android": true, "web": true}

// caller returns the identity injected by the auth interceptor.
func (s *Server) caller(ctx context.Context) (auth.Identity, error) {
	id, ok := identityFromContext(ctx)
	if !ok {
		return auth.Identity{}, status.Errorf(codes.Unauthenticated, "missing identity")
	}
	return id, nil
}

type pushTokenRequest struct {
	Token      string `json:"token"`
	DeviceType string `json:"deviceType"`
}

type pushTokenResponse struct {
	ID         string    `json:"id"`
	Token      string    `json:"token"`
	DeviceType string    `json:"deviceType"`
	IsActive   bool      `json:"isActive"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// RegisterPushToken stores (or reactivates) a device token for the caller.
func (s *Server) RegisterPushToken(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	var req pushTokenRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}

	token := strings.TrimSpace(req.Token)
	if !push.IsValidToken(token) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid push token")
	}
	deviceType := strings.ToLower(strings.TrimSpace(req.DeviceType))
	if !deviceTypes[deviceType] {
		return nil, status.Errorf(codes.InvalidArgument, "deviceType must be ios, android or web")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	pt, err := s.tokens.RegisterPushToken(ctx, id.UserID, token, deviceType)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", id.UserID).Msg("register push token failed")
		return nil, status.Errorf(codes.Internal, "failed to register push token")
	}

	return encodeResponse(pushTokenResponse{
		ID:         pt.ID.Hex(),
		Token:      pt.Token,
		DeviceType: pt.DeviceType,
		IsActive:   pt.IsActive,
		UpdatedAt:  pt.UpdatedAt,
	})
}

// UnregisterPushToken removes one of the caller's device tokens.
func (s *Server) UnregisterPushToken(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	var req pushTokenRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		return nil, status.Errorf(codes.InvalidArgument, "token is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	if err := s.tokens.UnregisterPushToken(ctx, id.UserID, token); err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return nil, status.Errorf(codes.NotFound, "push token not found")
		}
		s.logger.Error().Err(err).Str("user_id", id.UserID).Msg("unregister push token failed")
		return nil, status.Errorf(codes.Internal, "failed to unregister push token")
	}
	return encodeResponse(map[string]any{"removed": true})
}

// SendTestNotification pushes a test notification to the caller's devices.
func (s *Server) SendTestNotification(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	if s.push == nil {
		return nil, status.Errorf(codes.Unavailable, "push notifications are not configured")
	}

	sent := s.push.Send(ctx, push.Notification{
		RecipientID: id.UserID,
		SenderID:    id.UserID,
		Title:       "Test notification",
		Body:        "Push notifications are working, " + id.DisplayName,
		Type:        push.TypeTest,
		Data:        map[string]any{"type": push.TypeTest},
	})
	return encodeResponse(map[string]any{"sent": sent})
}

type presenceEntry struct {
	UserID      string `json:"userId"`
	Online      bool   `json:"online"`
	Connections int    `json:"connections"`
}

// GetPresence reports whether the given users (default: the caller) are online.
func (s *Server) GetPresence(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	var req struct {
		UserIDs []string `json:"userIds"`
	}
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if len(req.UserIDs) == 0 {
		req.UserIDs = []string{id.UserID}
	}
	if len(req.UserIDs) > maxPresenceQuery {
		return nil, status.Errorf(codes.InvalidArgument, "at most %d userIds per call", maxPresenceQuery)
	}

	users := make([]presenceEntry, 0, len(req.UserIDs))
	for _, uid := range req.UserIDs {
		uid = normalize.ID(uid)
		n := s.registry.UserConnectionCount(uid)
		users = append(users, presenceEntry{UserID: uid, Online: n > 0, Connections: n})
	}
	return encodeResponse(map[string]any{
		"users":            users,
		"totalConnections": s.registry.ConnectionCount(),
	})
}

// SendMessage is the non-socket path into the message channel.
func (s *Server) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	var req realtime.SendMessageRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	msg, err := s.svc.SendMessage(ctx, realtime.Actor{Identity: id}, req)
	if err != nil {
		return nil, rpcError(err)
	}
	return encodeResponse(msg)
}

type conversationResponse struct {
	ConversationID string   `json:"conversationId"`
	ParticipantIDs []string `json:"participantIds"`
	CarID          string   `json:"carId,omitempty"`
	Created        bool     `json:"created"`
}

// OpenConversation finds or creates the caller's conversation with another user.
func (s *Server) OpenConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	var req struct {
		ParticipantID string `json:"participantId"`
		CarID         string `json:"carId"`
	}
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	other := normalize.ID(req.ParticipantID)
	if other == "" {
		return nil, status.Errorf(codes.InvalidArgument, "participantId is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	conv, created, err := s.convs.FindOrCreateConversation(ctx, []string{id.UserID, other}, normalize.ID(req.CarID))
	if err != nil {
		if errors.Is(err, data.ErrTooFewParticipants) {
			return nil, status.Errorf(codes.InvalidArgument, "cannot open a conversation with yourself")
		}
		s.logger.Error().Err(err).Str("user_id", id.UserID).Msg("open conversation failed")
		return nil, status.Errorf(codes.Internal, "failed to open conversation")
	}

	return encodeResponse(conversationResponse{
		ConversationID: conv.ID.Hex(),
		ParticipantIDs: conv.ParticipantIDs,
		CarID:          conv.CarID,
		Created:        created,
	})
}

type historyMessage struct {
	ID        string     `json:"id"`
	SenderID  string     `json:"senderId"`
	Content   string     `json:"content"`
	Type      string     `json:"type"`
	IsRead    bool       `json:"isRead"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// GetMessageHistory returns the most recent messages of a conversation,
// oldest first. Only participants may read it.
func (s *Server) GetMessageHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	var req struct {
		ConversationID string `json:"conversationId"`
		Limit          int64  `json:"limit"`
	}
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	convID := normalize.ID(req.ConversationID)
	if convID == "" {
		return nil, status.Errorf(codes.InvalidArgument, "conversationId is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultHistorySize
	}
	if limit > maxHistorySize {
		limit = maxHistorySize
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	conv, err := s.convs.GetConversation(ctx, convID)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return nil, status.Errorf(codes.NotFound, "conversation not found")
		}
		return nil, status.Errorf(codes.Internal, "failed to load conversation")
	}
	if !conv.HasParticipant(id.UserID) {
		return nil, status.Errorf(codes.PermissionDenied, "not a participant in this conversation")
	}

	msgs, err := s.history.GetMessageHistory(ctx, conv.ID, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("conversation_id", convID).Msg("read history failed")
		return nil, status.Errorf(codes.Internal, "failed to read history")
	}

	out := make([]historyMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, historyMessage{
			ID:        m.ID.Hex(),
			SenderID:  m.SenderID,
			Content:   m.Content,
			Type:      string(m.Type),
			IsRead:    m.IsRead,
			ReadAt:    m.ReadAt,
			EditedAt:  m.EditedAt,
			CreatedAt: m.CreatedAt,
		})
	}
	return encodeResponse(map[string]any{"conversationId": convID, "messages": out})
}
