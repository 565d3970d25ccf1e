package main

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/PaulBabatuyi/carhub-realtime/internal/auth"
	"github.com/PaulBabatuyi/carhub-realtime/internal/data"
	"github.com/PaulBabatuyi/carhub-realtime/internal/db"
	"github.com/PaulBabatuyi/carhub-realtime/internal/middleware"
	"github.com/PaulBabatuyi/carhub-realtime/internal/presence"
	"github.com/PaulBabatuyi/carhub-realtime/internal/realtime"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestMongoBackedConversation(t *testing.T) {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set; skipping integration test")
	}

	ctx := context.Background()
	dbClient, err := db.New(ctx, uri, "carhub_api_test")
	if err != nil {
		t.Fatalf("db.New failed: %v", err)
	}
	defer func() {
		_ = dbClient.UsersCollection().Drop(context.Background())
		_ = dbClient.ConversationsCollection().Drop(context.Background())
		_ = dbClient.MessagesCollection().Drop(context.Background())
		_ = dbClient.Close(context.Background())
	}()
	if err := dbClient.CreateIndexes(ctx); err != nil {
		t.Fatalf("CreateIndexes failed: %v", err)
	}

	seller := data.User{ID: bson.NewObjectID(), Username: "seller", Email: "seller@example.com", Confirmed: true, CreatedAt: time.Now()}
	buyer := data.User{ID: bson.NewObjectID(), Username: "buyer", Email: "buyer@example.com", Confirmed: true, CreatedAt: time.Now()}
	if _, err := dbClient.UsersCollection().InsertMany(ctx, []any{seller, buyer}); err != nil {
		t.Fatalf("insert users failed: %v", err)
	}

	usersStore := data.NewUsersStore(dbClient.UsersCollection())
	convsStore := data.NewConversationsStore(dbClient.ConversationsCollection())
	msgsStore := data.NewMessagesStore(dbClient.MessagesCollection())
	jwtMgr, err := auth.NewJWTManager("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewJWTManager failed: %v", err)
	}
	verifier := auth.NewVerifier(jwtMgr, usersStore)

	pusher := &fakePush{}
	svc := realtime.NewService(convsStore, msgsStore, presence.NewRegistry(zerolog.Nop()), pusher, realtime.Options{}, zerolog.Nop())

	// set up bufconn server
	lis := bufconn.Listen(bufSize)
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			authUnaryInterceptor(verifier),
			middleware.RateLimitUnaryInterceptor(middleware.NewFixedWindow(100, time.Minute, 0), limitedMethods, userKey),
		),
		grpc.ChainStreamInterceptor(authStreamInterceptor(verifier)),
	)
	registerService(s, newServer(svc, data.NewPushTokensStore(dbClient.PushTokensCollection()), convsStore, msgsStore, pusher, 5*time.Second, zerolog.Nop()))
	go func() { _ = s.Serve(lis) }()
	defer s.GracefulStop()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	conn, err := grpc.NewClient("passthrough:///bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to dial bufnet: %v", err)
	}
	defer conn.Close()

	tokenFor := func(u data.User) context.Context {
		tok, _, err := jwtMgr.GenerateToken(u.ID, u.Email)
		if err != nil {
			t.Fatalf("GenerateToken failed: %v", err)
		}
		return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+tok)
	}
	invoke := func(ctx context.Context, method string, req map[string]any) *structpb.Struct {
		t.Helper()
		in, err := structpb.NewStruct(req)
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		out := new(structpb.Struct)
		if err := conn.Invoke(ctx, method, in, out); err != nil {
			t.Fatalf("%s failed: %v", method, err)
		}
		return out
	}

	opened := invoke(tokenFor(buyer), methodOpenConversation, map[string]any{"participantId": seller.ID.Hex(), "carId": "car-42"})
	convID := opened.Fields["conversationId"].GetStringValue()

	invoke(tokenFor(buyer), methodSendMessage, map[string]any{"conversationId": convID, "content": "Is the price negotiable?"})
	invoke(tokenFor(seller), methodSendMessage, map[string]any{"conversationId": convID, "content": "A little."})

	hist := invoke(tokenFor(seller), methodGetMessageHistory, map[string]any{"conversationId": convID})
	msgs := hist.Fields["messages"].GetListValue().GetValues()
	if len(msgs) != 2 {
		t.Fatalf("history has %d messages, want 2", len(msgs))
	}
	if first := msgs[0].GetStructValue().Fields["content"].GetStringValue(); first != "Is the price negotiable?" {
		t.Fatalf("history should be oldest first, got %q", first)
	}

	conv, err := convsStore.GetConversation(ctx, convID)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if conv.LastMessageID == nil {
		t.Fatal("conversation should point at its last message")
	}
	if len(pusher.sent) != 2 {
		t.Fatalf("expected 2 push notifications, got %d", len(pusher.sent))
	}
}
