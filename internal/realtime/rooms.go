package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/PaulBabatuyi/carhub-realtime/internal/auth"
	"github.com/PaulBabatuyi/carhub-realtime/internal/normalize"
	"github.com/PaulBabatuyi/carhub-realtime/internal/presence"
)

// Connect registers an authenticated connection, subscribes it to the user's
// personal room and announces the user if this is their first connection.
func (s *Service) Connect(connID string, identity auth.Identity, sender presence.Sender) {
	cameOnline := s.registry.Add(connID, identity, sender)
	if _, err := s.registry.Join(connID, presence.UserRoom(identity.UserID)); err != nil {
		s.logger.Warn().Err(err).Str("conn_id", connID).Msg("failed to join user room")
	}
	if cameOnline {
		if b := s.frame(EventUserOnline, presenceOf(identity)); b != nil {
			s.registry.Broadcast(b, identity.UserID)
		}
	}
	s.logger.Info().
		Str("conn_id", connID).
		Str("user_id", identity.UserID).
		Bool("came_online", cameOnline).
		Msg("connection registered")
}

// Disconnect removes a connection from every room. userOffline goes out only
// when the user's last connection is gone.
func (s *Service) Disconnect(connID string) {
	d := s.registry.Remove(connID)
	if d.Identity.UserID == "" {
		return
	}
	if d.WentOffline {
		if b := s.frame(EventUserOffline, presenceOf(d.Identity)); b != nil {
			s.registry.Broadcast(b, d.Identity.UserID)
		}
	}
	s.logger.Info().
		Str("conn_id", connID).
		Str("user_id", d.Identity.UserID).
		Int("rooms", len(d.Rooms)).
		Bool("went_offline", d.WentOffline).
		Msg("connection removed")
}

// drainPoll is how often Shutdown checks that closed connections are gone.
const drainPoll = 10 * time.Millisecond

// Shutdown closes every live connection and waits until each has run its
// disconnect path, so no event handler is still touching storage when the
// caller tears it down. It returns ctx.Err() if connections remain.
func (s *Service) Shutdown(ctx context.Context) error {
	closed := s.registry.CloseAll()
	s.logger.Info().Int("connections", closed).Msg("closing live connections")

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for s.registry.ConnectionCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// JoinConversation subscribes the actor's connection to a conversation room
// after checking membership in persistence.
func (s *Service) JoinConversation(ctx context.Context, actor Actor, conversationID string) error {
	if actor.ConnID == "" {
		return validationError("joining requires a live connection")
	}
	convID := normalize.ID(conversationID)
	if convID == "" {
		return validationError("conversationId is required")
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	conv, err := s.participantConversation(opCtx, convID, actor.Identity.UserID)
	if err != nil {
		return err
	}

	room := presence.ConversationRoom(conv.ID.Hex())
	joined, err := s.registry.Join(actor.ConnID, room)
	if err != nil {
		if errors.Is(err, presence.ErrUnknownConn) {
			return notFound("connection closed")
		}
		return internalError("join conversation", err)
	}
	if joined {
		s.emitRoom(room, EventUserJoined, memberOf(actor.Identity, conv.ID.Hex()), actor.ConnID)
	}
	s.emitConn(actor.ConnID, EventJoinedConversation, JoinedPayload{ConversationID: conv.ID.Hex(), RoomName: room})
	return nil
}

// LeaveConversation unsubscribes the actor's connection. Leaving a room that
// was never joined is acknowledged without notifying anyone.
func (s *Service) LeaveConversation(actor Actor, conversationID string) error {
	convID := normalize.ID(conversationID)
	if convID == "" {
		return validationError("conversationId is required")
	}
	room := presence.ConversationRoom(convID)
	if s.registry.Leave(actor.ConnID, room) {
		s.emitRoom(room, EventUserLeft, memberOf(actor.Identity, convID), actor.ConnID)
	}
	s.emitConn(actor.ConnID, EventLeftConversation, ConversationRequest{ConversationID: convID})
	return nil
}

// Typing relays a typing indicator to the rest of the room.
func (s *Service) Typing(actor Actor, conversationID string, started bool) error {
	convID := normalize.ID(conversationID)
	if convID == "" {
		return validationError("conversationId is required")
	}
	room := presence.ConversationRoom(convID)
	if !s.registry.InRoom(actor.ConnID, room) {
		return forbidden("join the conversation first")
	}
	event := EventUserStoppedTyping
	if started {
		event = EventUserStartedTyping
	}
	s.emitRoom(room, event, memberOf(actor.Identity, convID), actor.ConnID)
	return nil
}

// GetOnlineUsers replies with the distinct users currently in the room.
func (s *Service) GetOnlineUsers(ctx context.Context, actor Actor, conversationID string) error {
	convID := normalize.ID(conversationID)
	if convID == "" {
		return validationError("conversationId is required")
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	if _, err := s.participantConversation(opCtx, convID, actor.Identity.UserID); err != nil {
		return err
	}

	ids := s.registry.RoomUsers(presence.ConversationRoom(convID))
	users := make([]PresencePayload, 0, len(ids))
	for _, id := range ids {
		users = append(users, presenceOf(id))
	}
	s.emitConn(actor.ConnID, EventOnlineUsers, OnlineUsersPayload{ConversationID: convID, Users: users})
	return nil
}

// RejoinActiveConversations subscribes a reconnecting client to all of its
// recent conversations in one call.
func (s *Service) RejoinActiveConversations(ctx context.Context, actor Actor) error {
	if actor.ConnID == "" {
		return validationError("rejoining requires a live connection")
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	convs, err := s.convs.ListConversationsForUser(opCtx, actor.Identity.UserID, rejoinLimit)
	if err != nil {
		return internalError("list conversations", err)
	}

	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		id := c.ID.Hex()
		room := presence.ConversationRoom(id)
		joined, err := s.registry.Join(actor.ConnID, room)
		if err != nil {
			return notFound("connection closed")
		}
		if joined {
			s.emitRoom(room, EventUserReconnected, memberOf(actor.Identity, id), actor.ConnID)
		}
		ids = append(ids, id)
	}
	s.emitConn(actor.ConnID, EventRejoined, RejoinedPayload{Count: len(ids), ConversationIDs: ids})
	return nil
}

func presenceOf(id auth.Identity) PresencePayload {
	return PresencePayload{UserID: id.UserID, Username: id.DisplayName}
}

func memberOf(id auth.Identity, conversationID string) RoomMemberPayload {
	return RoomMemberPayload{UserID: id.UserID, Username: id.DisplayName, ConversationID: conversationID}
}
