package realtime

import (
	"context"
	"testing"

	"github.com/PaulBabatuyi/carhub-realtime/internal/presence"
)

func TestPresence_OfflineOnlyAfterLastConnection(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect("b1", bob)
	h.connect("a1", alice)
	h.connect("a2", alice)

	if got := h.conns["b1"].events(EventUserOnline); len(got) != 1 {
		t.Fatalf("bob saw %d userOnline frames, want 1", len(got))
	}

	h.svc.Disconnect("a1")
	if got := h.conns["b1"].events(EventUserOffline); len(got) != 0 {
		t.Fatal("userOffline sent while alice still had a connection")
	}
	h.svc.Disconnect("a2")
	got := h.conns["b1"].events(EventUserOffline)
	if len(got) != 1 {
		t.Fatalf("bob saw %d userOffline frames, want 1", len(got))
	}
	if p := decodeData[PresencePayload](t, got[0]); p.UserID != "alice" {
		t.Fatalf("unexpected offline payload: %+v", p)
	}

	// unknown or repeated disconnects are no-ops
	h.svc.Disconnect("a2")
	if n := len(h.conns["b1"].events(EventUserOffline)); n != 1 {
		t.Fatalf("repeated disconnect produced %d offline frames", n)
	}
}

func TestConnect_SubscribesUserRoom(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect("a1", alice)
	if !h.svc.Registry().InRoom("a1", presence.UserRoom("alice")) {
		t.Fatal("connection should be subscribed to its user room")
	}
}

func TestJoinConversation(t *testing.T) {
	h := newHarness(t, Options{})
	conv := h.store.addConversation("alice", "bob")
	a := h.connect("a1", alice)
	b := h.connect("b1", bob)
	c := h.connect("c1", carol)
	room := presence.ConversationRoom(conv.ID.Hex())

	if err := h.svc.JoinConversation(context.Background(), c, conv.ID.Hex()); !IsCode(err, CodeForbidden) {
		t.Fatalf("non-participant join: expected FORBIDDEN, got %v", err)
	}
	if h.svc.Registry().InRoom("c1", room) {
		t.Fatal("forbidden join must not subscribe the connection")
	}

	h.join(t, a, conv)
	h.join(t, b, conv)
	h.join(t, b, conv)

	if got := h.conns["b1"].events(EventJoinedConversation); len(got) != 2 {
		t.Fatalf("bob got %d join acks, want 2", len(got))
	} else if p := decodeData[JoinedPayload](t, got[0]); p.RoomName != room {
		t.Fatalf("unexpected room name %q", p.RoomName)
	}
	// the repeated join is idempotent and not announced again
	if got := h.conns["a1"].events(EventUserJoined); len(got) != 1 {
		t.Fatalf("alice saw %d userJoinedConversation frames, want 1", len(got))
	}
	if n := h.svc.Registry().RoomSize(room); n != 2 {
		t.Fatalf("RoomSize = %d, want 2", n)
	}

	if err := h.svc.LeaveConversation(b, conv.ID.Hex()); err != nil {
		t.Fatalf("LeaveConversation failed: %v", err)
	}
	if err := h.svc.LeaveConversation(b, conv.ID.Hex()); err != nil {
		t.Fatalf("second LeaveConversation failed: %v", err)
	}
	if got := h.conns["a1"].events(EventUserLeft); len(got) != 1 {
		t.Fatalf("alice saw %d userLeftConversation frames, want 1", len(got))
	}
	if got := h.conns["b1"].events(EventLeftConversation); len(got) != 2 {
		t.Fatalf("bob got %d leave acks, want 2", len(got))
	}
}

func TestTyping_RequiresJoin(t *testing.T) {
	h := newHarness(t, Options{})
	conv := h.store.addConversation("alice", "bob")
	a := h.connect("a1", alice)
	b := h.connect("b1", bob)

	if err := h.svc.Typing(b, conv.ID.Hex(), true); !IsCode(err, CodeForbidden) {
		t.Fatalf("typing before join: expected FORBIDDEN, got %v", err)
	}

	h.join(t, a, conv)
	h.join(t, b, conv)
	if err := h.svc.Typing(b, conv.ID.Hex(), true); err != nil {
		t.Fatalf("Typing failed: %v", err)
	}
	if err := h.svc.Typing(b, conv.ID.Hex(), false); err != nil {
		t.Fatalf("Typing failed: %v", err)
	}
	if len(h.conns["a1"].events(EventUserStartedTyping)) != 1 || len(h.conns["a1"].events(EventUserStoppedTyping)) != 1 {
		t.Fatal("alice should see start and stop typing")
	}
	if len(h.conns["b1"].events(EventUserStartedTyping)) != 0 {
		t.Fatal("typing must not echo to the typist")
	}
}

func TestGetOnlineUsers(t *testing.T) {
	h := newHarness(t, Options{})
	conv := h.store.addConversation("alice", "bob")
	a := h.connect("a1", alice)
	a2 := h.connect("a2", alice)
	b := h.connect("b1", bob)
	h.join(t, a, conv)
	h.join(t, a2, conv)
	h.join(t, b, conv)

	if err := h.svc.GetOnlineUsers(context.Background(), a, conv.ID.Hex()); err != nil {
		t.Fatalf("GetOnlineUsers failed: %v", err)
	}
	got := h.conns["a1"].events(EventOnlineUsers)
	if len(got) != 1 {
		t.Fatalf("got %d onlineUsers frames, want 1", len(got))
	}
	if p := decodeData[OnlineUsersPayload](t, got[0]); len(p.Users) != 2 {
		t.Fatalf("expected 2 distinct users, got %+v", p.Users)
	}

	c := h.connect("c1", carol)
	if err := h.svc.GetOnlineUsers(context.Background(), c, conv.ID.Hex()); !IsCode(err, CodeForbidden) {
		t.Fatalf("non-participant: expected FORBIDDEN, got %v", err)
	}
}

func TestRejoinActiveConversations(t *testing.T) {
	h := newHarness(t, Options{})
	c1 := h.store.addConversation("alice", "bob")
	c2 := h.store.addConversation("alice", "carol")
	h.store.addConversation("bob", "carol")
	a := h.connect("a1", alice)

	if err := h.svc.RejoinActiveConversations(context.Background(), a); err != nil {
		t.Fatalf("RejoinActiveConversations failed: %v", err)
	}
	reg := h.svc.Registry()
	if !reg.InRoom("a1", presence.ConversationRoom(c1.ID.Hex())) || !reg.InRoom("a1", presence.ConversationRoom(c2.ID.Hex())) {
		t.Fatal("connection should be in both of alice's conversations")
	}
	got := h.conns["a1"].events(EventRejoined)
	if len(got) != 1 {
		t.Fatalf("got %d rejoined frames, want 1", len(got))
	}
	if p := decodeData[RejoinedPayload](t, got[0]); p.Count != 2 {
		t.Fatalf("rejoined count = %d, want 2", p.Count)
	}

	if err := h.svc.RejoinActiveConversations(context.Background(), Actor{Identity: alice}); !IsCode(err, CodeValidation) {
		t.Fatalf("rejoin without a connection: expected VALIDATION_ERROR, got %v", err)
	}
}
