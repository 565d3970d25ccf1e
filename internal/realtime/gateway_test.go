package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PaulBabatuyi/carhub-realtime/internal/auth"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type fakeAuthenticator struct {
	tokens map[string]auth.Identity
}

func (f *fakeAuthenticator) Verify(_ context.Context, credential string) (auth.Identity, error) {
	switch credential {
	case "expired":
		return auth.Identity{}, auth.ErrExpired
	case "blocked":
		return auth.Identity{}, auth.ErrAccountDisabled
	}
	id, ok := f.tokens[credential]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidCredential
	}
	return id, nil
}

func newTestGateway(t *testing.T) (*harness, *httptest.Server) {
	t.Helper()
	h := newHarness(t, Options{})
	gate := NewGatekeeper(&fakeAuthenticator{tokens: map[string]auth.Identity{
		"alice-token": alice,
		"bob-token":   bob,
	}})
	gw := NewGateway(context.Background(), h.svc, gate, []string{"https://app.example"}, zerolog.Nop())
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return h, srv
}

func wsURL(srv *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	if query != "" {
		u += "?" + query
	}
	return u
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEvent reads frames until one with the given event arrives.
func readEvent(t *testing.T, conn *websocket.Conn, event string) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if env.Event == event {
			return env
		}
	}
}

func TestGateway_RejectsWithPolicyViolation(t *testing.T) {
	_, srv := newTestGateway(t)

	cases := []struct {
		name   string
		query  string
		header http.Header
		reason string
	}{
		{"missing credential", "", nil, "missing credential"},
		{"invalid credential", "token=forged", nil, "invalid credential"},
		{"expired", "", http.Header{"Authorization": {"Bearer expired"}}, "token expired"},
		{"disabled", "token=blocked", nil, "account disabled"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := dial(t, wsURL(srv, tc.query), tc.header)
			conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			_, _, err := conn.ReadMessage()

			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				t.Fatalf("expected close error, got %v", err)
			}
			if ce.Code != websocket.ClosePolicyViolation || ce.Text != tc.reason {
				t.Fatalf("close = %d %q, want %d %q", ce.Code, ce.Text, websocket.ClosePolicyViolation, tc.reason)
			}
		})
	}
}

func TestGateway_RejectsForeignOrigin(t *testing.T) {
	_, srv := newTestGateway(t)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=alice-token"), http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("expected handshake failure for a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}
}

func TestGateway_ConversationRoundTrip(t *testing.T) {
	h, srv := newTestGateway(t)
	conv := h.store.addConversation("alice", "bob")

	a := dial(t, wsURL(srv, ""), http.Header{"Authorization": {"Bearer alice-token"}, "Origin": {"https://app.example"}})
	b := dial(t, wsURL(srv, "token=bob-token"), nil)

	join := map[string]any{"event": EventJoinConversation, "data": map[string]string{"conversationId": conv.ID.Hex()}}
	if err := a.WriteJSON(join); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	readEvent(t, a, EventJoinedConversation)
	if err := b.WriteJSON(join); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	readEvent(t, b, EventJoinedConversation)

	send := map[string]any{"event": EventSendMessage, "data": map[string]string{
		"conversationId": conv.ID.Hex(),
		"content":        "Still for sale?",
		"tempId":         "tmp-42",
	}}
	if err := a.WriteJSON(send); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	sent := decodeData[MessageSentPayload](t, readEvent(t, a, EventMessageSent))
	if sent.TempID != "tmp-42" {
		t.Fatalf("tempId = %q, want tmp-42", sent.TempID)
	}
	got := decodeData[MessagePayload](t, readEvent(t, b, EventNewMessage))
	if got.ID != sent.Message.ID || got.Content != "Still for sale?" {
		t.Fatalf("unexpected newMessage: %+v", got)
	}

	if err := a.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if p := decodeData[ErrorPayload](t, readEvent(t, a, EventError)); p.Code != CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR for malformed frame, got %+v", p)
	}

	a.Close()
	p := decodeData[PresencePayload](t, readEvent(t, b, EventUserOffline))
	if p.UserID != "alice" {
		t.Fatalf("unexpected offline payload: %+v", p)
	}
}

func TestGateway_ShutdownClosesSockets(t *testing.T) {
	h, srv := newTestGateway(t)
	conv := h.store.addConversation("alice", "bob")

	a := dial(t, wsURL(srv, "token=alice-token"), nil)
	join := map[string]any{"event": EventJoinConversation, "data": map[string]string{"conversationId": conv.ID.Hex()}}
	if err := a.WriteJSON(join); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	readEvent(t, a, EventJoinedConversation)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if n := h.svc.Registry().ConnectionCount(); n != 0 {
		t.Fatalf("ConnectionCount = %d after shutdown, want 0", n)
	}

	a.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := a.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure {
			t.Fatalf("expected normal close frame, got %v", err)
		}
		break
	}
}

func TestCredential(t *testing.T) {
	cases := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"header", "Bearer alice-token", "", "alice-token"},
		{"header wins", "Bearer alice-token", "token=bob-token", "alice-token"},
		{"query", "", "token=bob-token", "bob-token"},
		{"bare bearer falls through", "Bearer", "token=bob-token", "bob-token"},
		{"blank bearer falls through", "Bearer   ", "token=bob-token", "bob-token"},
		{"none", "", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws?"+tc.query, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			if got := Credential(r); got != tc.want {
				t.Fatalf("Credential = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestGateway_EmptyBearerUsesQueryToken(t *testing.T) {
	h, srv := newTestGateway(t)
	conv := h.store.addConversation("alice", "bob")

	b := dial(t, wsURL(srv, "token=bob-token"), http.Header{"Authorization": {"Bearer"}})
	join := map[string]any{"event": EventJoinConversation, "data": map[string]string{"conversationId": conv.ID.Hex()}}
	if err := b.WriteJSON(join); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	readEvent(t, b, EventJoinedConversation)
}
