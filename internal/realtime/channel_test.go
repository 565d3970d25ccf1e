package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PaulBabatuyi/carhub-realtime/internal/auth"
	"github.com/PaulBabatuyi/carhub-realtime/internal/data"
	"github.com/PaulBabatuyi/carhub-realtime/internal/middleware"
	"github.com/PaulBabatuyi/carhub-realtime/internal/presence"
	"github.com/PaulBabatuyi/carhub-realtime/internal/push"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var (
	alice = auth.Identity{UserID: "alice", DisplayName: "Alice", Role: "authenticated"}
	bob   = auth.Identity{UserID: "bob", DisplayName: "Bob", Role: "authenticated"}
	carol = auth.Identity{UserID: "carol", DisplayName: "Carol", Role: "authenticated"}
)

type fakeStore struct {
	mu      sync.Mutex
	convs   map[string]*data.Conversation
	msgs    map[string]*data.Message
	saves   int
	touches int
	panicOn string
}

func newFakeStore() *fakeStore {
	return &fakeStore{convs: map[string]*data.Conversation{}, msgs: map[string]*data.Message{}}
}

func (f *fakeStore) addConversation(participants ...string) *data.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &data.Conversation{ID: bson.NewObjectID(), ParticipantIDs: participants, LastActivity: time.Now()}
	f.convs[c.ID.Hex()] = c
	return c
}

func (f *fakeStore) GetConversation(_ context.Context, id string) (*data.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return nil, data.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) ListConversationsForUser(_ context.Context, userID string, _ int64) ([]*data.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.Conversation
	for _, c := range f.convs {
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) TouchConversation(_ context.Context, id, lastMessageID bson.ObjectID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches++
	if c, ok := f.convs[id.Hex()]; ok {
		c.LastMessageID = &lastMessageID
		c.LastActivity = at
	}
	return nil
}

func (f *fakeStore) SaveMessage(_ context.Context, convID bson.ObjectID, senderID, content string, typ data.MessageType) (*data.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn == "save" {
		panic("boom")
	}
	f.saves++
	m := &data.Message{ID: bson.NewObjectID(), ConversationID: convID, SenderID: senderID, Content: content, Type: typ, CreatedAt: time.Now().UTC()}
	f.msgs[m.ID.Hex()] = m
	cp := *m
	return &cp, nil
}

func (f *fakeStore) GetMessage(_ context.Context, id string) (*data.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok {
		return nil, data.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) UpdateMessageContent(_ context.Context, id bson.ObjectID, content string) (*data.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id.Hex()]
	if !ok {
		return nil, data.ErrNotFound
	}
	now := time.Now().UTC()
	m.Content = content
	m.EditedAt = &now
	cp := *m
	return &cp, nil
}

func (f *fakeStore) DeleteMessage(_ context.Context, id bson.ObjectID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.msgs[id.Hex()]; !ok {
		return data.ErrNotFound
	}
	delete(f.msgs, id.Hex())
	return nil
}

func (f *fakeStore) MarkMessagesRead(_ context.Context, convID bson.ObjectID, readerID string, ids []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	changed := []string{}
	now := time.Now().UTC()
	for _, id := range ids {
		m, ok := f.msgs[id]
		if !ok || m.ConversationID != convID || m.SenderID == readerID || m.IsRead {
			continue
		}
		m.IsRead = true
		m.ReadAt = &now
		changed = append(changed, id)
	}
	return changed, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []push.Notification
}

func (f *fakeNotifier) Enqueue(n push.Notification) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return true
}

// recorder captures frames delivered to one connection.
type recorder struct {
	mu     sync.Mutex
	frames []Envelope
}

func (r *recorder) Send(frame []byte) bool {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return false
	}
	r.mu.Lock()
	r.frames = append(r.frames, env)
	r.mu.Unlock()
	return true
}

func (r *recorder) Close() {}

func (r *recorder) events(name string) []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Envelope
	for _, e := range r.frames {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	svc      *Service
	store    *fakeStore
	notifier *fakeNotifier
	conns    map[string]*recorder
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store := newFakeStore()
	notifier := &fakeNotifier{}
	registry := presence.NewRegistry(zerolog.Nop())
	return &harness{
		svc:      NewService(store, store, registry, notifier, opts, zerolog.Nop()),
		store:    store,
		notifier: notifier,
		conns:    map[string]*recorder{},
	}
}

func (h *harness) connect(connID string, id auth.Identity) Actor {
	rec := &recorder{}
	h.conns[connID] = rec
	h.svc.Connect(connID, id, rec)
	return Actor{Identity: id, ConnID: connID}
}

func (h *harness) join(t *testing.T, actor Actor, conv *data.Conversation) {
	t.Helper()
	if err := h.svc.JoinConversation(context.Background(), actor, conv.ID.Hex()); err != nil {
		t.Fatalf("JoinConversation(%s) failed: %v", actor.ConnID, err)
	}
}

func decodeData[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode %s: %v", env.Event, err)
	}
	return v
}

func TestSendMessage_FanOut(t *testing.T) {
	h := newHarness(t, Options{})
	conv := h.store.addConversation("alice", "bob")
	a := h.connect("a1", alice)
	b := h.connect("b1", bob)
	h.join(t, a, conv)
	h.join(t, b, conv)

	msg, err := h.svc.SendMessage(context.Background(), a, SendMessageRequest{
		ConversationID: conv.ID.Hex(),
		Content:        "  Is the car still available?  ",
		TempID:         "tmp-1",
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if msg.Content != "Is the car still available?" || msg.Read || msg.Type != "text" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	got := h.conns["b1"].events(EventNewMessage)
	if len(got) != 1 {
		t.Fatalf("bob got %d newMessage frames, want 1", len(got))
	}
	if p := decodeData[MessagePayload](t, got[0]); p.ID != msg.ID || p.Sender.Username != "Alice" {
		t.Fatalf("unexpected newMessage payload: %+v", p)
	}
	if n := h.conns["b1"].events(EventNewMessageNotification); len(n) != 1 {
		t.Fatalf("bob got %d notifications, want 1", len(n))
	} else if p := decodeData[MessageNotificationPayload](t, n[0]); p.SenderName != "Alice" || p.ConversationID != conv.ID.Hex() {
		t.Fatalf("unexpected notification payload: %+v", p)
	}

	if n := len(h.conns["a1"].events(EventNewMessage)); n != 0 {
		t.Fatalf("sender connection got %d newMessage frames, want 0", n)
	}
	sent := h.conns["a1"].events(EventMessageSent)
	if len(sent) != 1 {
		t.Fatalf("sender got %d messageSent frames, want 1", len(sent))
	}
	if p := decodeData[MessageSentPayload](t, sent[0]); p.TempID != "tmp-1" || p.Message.ID != msg.ID {
		t.Fatalf("unexpected messageSent payload: %+v", p)
	}

	if h.store.touches != 1 || conv.LastMessageID == nil || conv.LastMessageID.Hex() != msg.ID {
		t.Fatalf("conversation not touched: touches=%d last=%v", h.store.touches, conv.LastMessageID)
	}

	if len(h.notifier.sent) != 1 {
		t.Fatalf("enqueued %d push notifications, want 1", len(h.notifier.sent))
	}
	n := h.notifier.sent[0]
	if n.RecipientID != "bob" || n.Title != "New message from Alice" || n.Type != push.TypeMessage {
		t.Fatalf("unexpected push notification: %+v", n)
	}
	if n.Data["conversationId"] != conv.ID.Hex() || n.Data["messageId"] != msg.ID {
		t.Fatalf("unexpected push data: %v", n.Data)
	}
}

func TestSendMessage_PushesOfflineRecipients(t *testing.T) {
	h := newHarness(t, Options{})
	conv := h.store.addConversation("alice", "bob")
	a := h.connect("a1", alice)

	if _, err := h.svc.SendMessage(context.Background(), a, SendMessageRequest{ConversationID: conv.ID.Hex(), Content: "hi"}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(h.notifier.sent) != 1 || h.notifier.sent[0].RecipientID != "bob" {
		t.Fatalf("expected a push for offline bob, got %+v", h.notifier.sent)
	}
}

func TestSendMessage_NonParticipantForbidden(t *testing.T) {
	h := newHarness(t, Options{})
	conv := h.store.addConversation("alice", "bob")
	c := h.connect("c1", carol)

	_, err := h.svc.SendMessage(context.Background(), c, SendMessageRequest{ConversationID: conv.ID.Hex(), Content: "hello", TempID: "t"})
	if !IsCode(err, CodeForbidden) {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	if AsError(err).TempID != "t" {
		t.Fatal("error should carry the tempId")
	}
	if h.store.saves != 0 || len(h.notifier.sent) != 0 {
		t.Fatal("forbidden send must not write or notify")
	}
}

func TestSendMessage_Validation(t *testing.T) {
	h := newHarness(t, Options{MaxMessageLength: 10})
	conv := h.store.addConversation("alice", "bob")
	a := h.connect("a1", alice)

	cases := []struct {
		name string
		req  SendMessageRequest
		want Code
	}{
		{"empty", SendMessageRequest{ConversationID: conv.ID.Hex()}, CodeValidation},
		{"whitespace", SendMessageRequest{ConversationID: conv.ID.Hex(), Content: " \n\t "}, CodeValidation},
		{"too long", SendMessageRequest{ConversationID: conv.ID.Hex(), Content: strings.Repeat("é", 11)}, CodeValidation},
		{"bad type", SendMessageRequest{ConversationID: conv.ID.Hex(), Content: "hi", Type: "video"}, CodeValidation},
		{"missing conversation id", SendMessageRequest{Content: "hi"}, CodeValidation},
		{"unknown conversation", SendMessageRequest{ConversationID: bson.NewObjectID().Hex(), Content: "hi"}, CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.SendMessage(context.Background(), a, tc.req)
			if !IsCode(err, tc.want) {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
		})
	}

	if _, err := h.svc.SendMessage(context.Background(), a, SendMessageRequest{ConversationID: conv.ID.Hex(), Content: strings.Repeat("é", 10)}); err != nil {
		t.Fatalf("message at the limit should be accepted: %v", err)
	}
	if h.store.saves != 1 {
		t.Fatalf("saves = %d, want 1", h.store.saves)
	}
}

func TestSendMessage_RateLimited(t *testing.T) {
	limiter := middleware.NewFixedWindow(1, time.Minute, 0)
	h := newHarness(t, Options{Limiter: limiter})
	conv := h.store.addConversation("alice", "bob")
	a := h.connect("a1", alice)
	req := SendMessageRequest{ConversationID: conv.ID.Hex(), Content: "hi"}

	if _, err := h.svc.SendMessage(context.Background(), a, req); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	_, err := h.svc.SendMessage(context.Background(), a, req)
	if !IsCode(err, CodeRateLimited) {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
	if AsError(err).RetryAfter <= 0 {
		t.Fatal("rate limit error should carry a retry delay")
	}
}

func TestSendMessage_ConnectionlessSkipsSocketLimit(t *testing.T) {
	limiter := middleware.NewFixedWindow(1, time.Minute, 0)
	h := newHarness(t, Options{Limiter: limiter})
	conv := h.store.addConversation("alice", "bob")
	req := SendMessageRequest{ConversationID: conv.ID.Hex(), Content: "hi"}

	rpc := Actor{Identity: alice}
	for i := 0; i < 3; i++ {
		if _, err := h.svc.SendMessage(context.Background(), rpc, req); err != nil {
			t.Fatalf("connectionless send %d failed: %v", i, err)
		}
	}

	// the socket budget is untouched by those sends
	a := h.connect("a1", alice)
	if _, err := h.svc.SendMessage(context.Background(), a, req); err != nil {
		t.Fatalf("socket send after RPC sends failed: %v", err)
	}
	if _, err := h.svc.SendMessage(context.Background(), a, req); !IsCode(err, CodeRateLimited) {
		t.Fatalf("expected RATE_LIMITED on second socket send, got %v", err)
	}
}

func TestEditAndDelete_AuthorOnly(t *testing.T) {
	h := newHarness(t, Options{})
	conv := h.store.addConversation("alice", "bob")
	a := h.connect("a1", alice)
	b := h.connect("b1", bob)
	h.join(t, b, conv)

	msg, err := h.svc.SendMessage(context.Background(), a, SendMessageRequest{ConversationID: conv.ID.Hex(), Content: "original"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if _, err := h.svc.EditMessage(context.Background(), b, EditMessageRequest{MessageID: msg.ID, NewContent: "hacked"}); !IsCode(err, CodeForbidden) {
		t.Fatalf("edit by non-author: expected FORBIDDEN, got %v", err)
	}
	if _, err := h.svc.DeleteMessage(context.Background(), b, DeleteMessageRequest{MessageID: msg.ID}); !IsCode(err, CodeForbidden) {
		t.Fatalf("delete by non-author: expected FORBIDDEN, got %v", err)
	}
	other := h.store.addConversation("alice", "carol")
	if _, err := h.svc.EditMessage(context.Background(), a, EditMessageRequest{MessageID: msg.ID, NewContent: "x", ConversationID: other.ID.Hex()}); !IsCode(err, CodeValidation) {
		t.Fatalf("mismatched conversation: expected VALIDATION_ERROR, got %v", err)
	}

	edited, err := h.svc.EditMessage(context.Background(), a, EditMessageRequest{MessageID: msg.ID, NewContent: "updated", ConversationID: conv.ID.Hex()})
	if err != nil {
		t.Fatalf("EditMessage failed: %v", err)
	}
	if edited.NewContent != "updated" || edited.EditedBy != "alice" {
		t.Fatalf("unexpected edit payload: %+v", edited)
	}
	if len(h.conns["b1"].events(EventMessageEdited)) != 1 || len(h.conns["a1"].events(EventMessageEdited)) != 1 {
		t.Fatal("messageEdited should reach the room and the actor")
	}

	if _, err := h.svc.DeleteMessage(context.Background(), a, DeleteMessageRequest{MessageID: msg.ID}); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	if len(h.conns["b1"].events(EventMessageDeleted)) != 1 || len(h.conns["a1"].events(EventMessageDeleted)) != 1 {
		t.Fatal("messageDeleted should reach the room and the actor")
	}

	if _, err := h.svc.EditMessage(context.Background(), a, EditMessageRequest{MessageID: msg.ID, NewContent: "again"}); !IsCode(err, CodeNotFound) {
		t.Fatalf("edit after delete: expected NOT_FOUND, got %v", err)
	}
	if _, err := h.svc.DeleteMessage(context.Background(), a, DeleteMessageRequest{MessageID: msg.ID}); !IsCode(err, CodeNotFound) {
		t.Fatalf("delete twice: expected NOT_FOUND, got %v", err)
	}
}

func TestMarkAsRead_SkipsOwnMessages(t *testing.T) {
	h := newHarness(t, Options{})
	conv := h.store.addConversation("alice", "bob")
	a := h.connect("a1", alice)
	b := h.connect("b1", bob)
	h.join(t, a, conv)

	fromBob, err := h.svc.SendMessage(context.Background(), b, SendMessageRequest{ConversationID: conv.ID.Hex(), Content: "offer"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	fromAlice, err := h.svc.SendMessage(context.Background(), a, SendMessageRequest{ConversationID: conv.ID.Hex(), Content: "counter"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	res, err := h.svc.MarkAsRead(context.Background(), a, MarkAsReadRequest{ConversationID: conv.ID.Hex(), MessageIDs: []string{fromBob.ID, fromAlice.ID}})
	if err != nil {
		t.Fatalf("MarkAsRead failed: %v", err)
	}
	if len(res.MessageIDs) != 1 || res.MessageIDs[0] != fromBob.ID || res.ReadBy != "alice" {
		t.Fatalf("unexpected read payload: %+v", res)
	}
	if m, _ := h.store.GetMessage(context.Background(), fromAlice.ID); m.IsRead {
		t.Fatal("own message must stay unread")
	}
	if got := h.conns["a1"].events(EventMessagesRead); len(got) != 1 {
		t.Fatalf("room got %d messagesRead frames, want 1", len(got))
	}

	c := h.connect("c1", carol)
	if _, err := h.svc.MarkAsRead(context.Background(), c, MarkAsReadRequest{ConversationID: conv.ID.Hex(), MessageIDs: []string{fromBob.ID}}); !IsCode(err, CodeForbidden) {
		t.Fatalf("non-participant: expected FORBIDDEN, got %v", err)
	}
	if _, err := h.svc.MarkAsRead(context.Background(), a, MarkAsReadRequest{ConversationID: conv.ID.Hex()}); !IsCode(err, CodeValidation) {
		t.Fatalf("no ids: expected VALIDATION_ERROR, got %v", err)
	}
}

func TestHandleEvent_ErrorFrames(t *testing.T) {
	h := newHarness(t, Options{})
	conv := h.store.addConversation("alice", "bob")
	c := h.connect("c1", carol)

	h.svc.HandleEvent(context.Background(), c, Envelope{Event: "selfDestruct", Data: json.RawMessage(`{}`)})
	h.svc.HandleEvent(context.Background(), c, Envelope{
		Event: EventSendMessage,
		Data:  json.RawMessage(`{"conversationId":"` + conv.ID.Hex() + `","content":"hi","tempId":"t-9"}`),
	})
	h.svc.HandleEvent(context.Background(), c, Envelope{Event: EventMarkAsRead, Data: json.RawMessage(`"nope"`)})

	errs := h.conns["c1"].events(EventError)
	if len(errs) != 3 {
		t.Fatalf("got %d error frames, want 3", len(errs))
	}
	want := []ErrorPayload{
		{Code: CodeValidation, Event: "selfDestruct"},
		{Code: CodeForbidden, Event: EventSendMessage, TempID: "t-9"},
		{Code: CodeValidation, Event: EventMarkAsRead},
	}
	for i, w := range want {
		p := decodeData[ErrorPayload](t, errs[i])
		if p.Code != w.Code || p.Event != w.Event || p.TempID != w.TempID {
			t.Fatalf("error %d = %+v, want %+v", i, p, w)
		}
	}
}

func TestHandleEvent_RecoversPanics(t *testing.T) {
	h := newHarness(t, Options{})
	conv := h.store.addConversation("alice", "bob")
	a := h.connect("a1", alice)
	h.store.panicOn = "save"

	h.svc.HandleEvent(context.Background(), a, Envelope{
		Event: EventSendMessage,
		Data:  json.RawMessage(`{"conversationId":"` + conv.ID.Hex() + `","content":"hi"}`),
	})

	errs := h.conns["a1"].events(EventError)
	if len(errs) != 1 {
		t.Fatalf("got %d error frames, want 1", len(errs))
	}
	if p := decodeData[ErrorPayload](t, errs[0]); p.Code != CodeInternal {
		t.Fatalf("expected INTERNAL, got %+v", p)
	}
}

func TestSendMessage_StaleMembershipRechecked(t *testing.T) {
	h := newHarness(t, Options{})
	conv := h.store.addConversation("alice", "carol")
	c := h.connect("c1", carol)
	h.join(t, c, conv)

	// carol is dropped from the conversation after joining its room
	h.store.mu.Lock()
	conv.ParticipantIDs = []string{"alice", "bob"}
	h.store.mu.Unlock()

	_, err := h.svc.SendMessage(context.Background(), c, SendMessageRequest{ConversationID: conv.ID.Hex(), Content: "still here?"})
	if !IsCode(err, CodeForbidden) {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	if err := h.svc.JoinConversation(context.Background(), c, conv.ID.Hex()); !IsCode(err, CodeForbidden) {
		t.Fatalf("rejoin: expected FORBIDDEN, got %v", err)
	}
	if h.store.saves != 0 {
		t.Fatal("no message may be written for a former participant")
	}
}
