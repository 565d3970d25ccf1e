package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PaulBabatuyi/carhub-realtime/internal/auth"
	"github.com/PaulBabatuyi/carhub-realtime/internal/config"
	"github.com/PaulBabatuyi/carhub-realtime/internal/data"
	"github.com/PaulBabatuyi/carhub-realtime/internal/db"
	"github.com/PaulBabatuyi/carhub-realtime/internal/middleware"
	"github.com/PaulBabatuyi/carhub-realtime/internal/presence"
	"github.com/PaulBabatuyi/carhub-realtime/internal/push"
	"github.com/PaulBabatuyi/carhub-realtime/internal/realtime"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	tokenTTL        = 24 * time.Hour
	shutdownTimeout = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	dbClient, err := db.New(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to MongoDB")
	}
	if err := dbClient.CreateIndexes(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to create indexes")
	}
	logger.Info().Str("database", cfg.MongoDatabase).Msg("connected to MongoDB")

	usersStore := data.NewUsersStore(dbClient.UsersCollection())
	convsStore := data.NewConversationsStore(dbClient.ConversationsCollection())
	msgsStore := data.NewMessagesStore(dbClient.MessagesCollection())
	tokensStore := data.NewPushTokensStore(dbClient.PushTokensCollection())
	notificationsStore := data.NewNotificationsStore(dbClient.NotificationsCollection())

	jwtMgr, err := newJWTManager(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise token verification")
	}
	verifier := auth.NewVerifier(jwtMgr, usersStore)

	limiter, closeLimiter, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise rate limiter")
	}

	dispatcher := push.NewDispatcher(
		push.NewExpoClient(cfg.PushAPIURL, cfg.PushAccessToken, &http.Client{Timeout: 30 * time.Second}),
		tokensStore,
		notificationsStore,
		push.Config{
			MaxRetries:   cfg.PushMaxRetries,
			BaseDelay:    cfg.PushBaseDelay,
			ReceiptDelay: cfg.PushReceiptDelay,
			SendRate:     cfg.PushSendRate,
			Workers:      cfg.PushWorkers,
			QueueSize:    cfg.PushQueueSize,
		},
		logger,
	)
	dispatcher.Start()

	registry := presence.NewRegistry(logger)
	svc := realtime.NewService(convsStore, msgsStore, registry, dispatcher, realtime.Options{
		MaxMessageLength: cfg.MessageMaxLength,
		OpTimeout:        cfg.OpTimeout,
		Limiter:          limiter,
	}, logger)

	// base context for socket event handlers; outlives individual requests
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	gateway := realtime.NewGateway(baseCtx, svc, realtime.NewGatekeeper(verifier), cfg.AllowedOrigins, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           newRouter(cfg, logger, gateway, dbClient, registry),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer, err := newGRPCServer(cfg, verifier, limiter)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure gRPC server")
	}
	registerService(grpcServer, newServer(svc, tokensStore, convsStore, msgsStore, dispatcher, cfg.OpTimeout, logger))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal().Err(err).Str("port", cfg.GRPCPort).Msg("failed to listen")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown incomplete")
		}
		// hijacked websockets and event streams outlive Shutdown
		if err := svc.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Int("remaining", registry.ConnectionCount()).Msg("connections did not drain")
		}
		gracefulStop(shutdownCtx, grpcServer)
		cancelBase()

		if err := dispatcher.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("push dispatcher did not drain")
		}
		closeLimiter()
		if err := dbClient.Close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to close MongoDB client")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("service", "carhub-realtime").Logger()
}

// newJWTManager prefers the key ring so secrets can be rotated, falling back
// to the single JWT_SECRET.
func newJWTManager(cfg *config.Config) (*auth.JWTManager, error) {
	if len(cfg.JWTKeys) > 0 {
		return auth.NewJWTManagerFromKeys(cfg.JWTKeys, cfg.JWTActiveKID, tokenTTL)
	}
	return auth.NewJWTManager(cfg.JWTSecret, tokenTTL)
}

// newLimiter returns the Redis limiter when REDIS_URL is set and the
// in-memory one otherwise, plus a func releasing its resources.
func newLimiter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (middleware.Limiter, func(), error) {
	if cfg.RedisURL == "" {
		l := middleware.NewFixedWindow(cfg.RateLimitMax, cfg.RateLimitWindow, cfg.RateLimitSweep)
		return l, l.Stop, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	l, err := middleware.NewRedisFixedWindow(client, "carhub:ratelimit", cfg.RateLimitMax, cfg.RateLimitWindow, logger)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	logger.Info().Msg("using Redis rate limiter")
	return l, func() { _ = client.Close() }, nil
}

func newGRPCServer(cfg *config.Config, verifier realtime.Authenticator, limiter middleware.Limiter) (*grpc.Server, error) {
	var opts []grpc.ServerOption

	// If TLS certs are configured, create server credentials
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load TLS certs: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	// auth first so the limiter can key on the caller
	opts = append(opts,
		grpc.ChainUnaryInterceptor(
			authUnaryInterceptor(verifier),
			middleware.RateLimitUnaryInterceptor(limiter, limitedMethods, userKey),
		),
		grpc.ChainStreamInterceptor(authStreamInterceptor(verifier)),
	)
	return grpc.NewServer(opts...), nil
}

// gracefulStop waits for in-flight RPCs, force-closing long-lived streams
// once ctx expires.
func gracefulStop(ctx context.Context, s *grpc.Server) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Stop()
	}
}

func newRouter(cfg *config.Config, logger zerolog.Logger, ws http.Handler, dbClient *db.Client, registry *presence.Registry) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/ws", ws)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", healthHandler(dbClient, registry))
	return r
}

// pinger is satisfied by *db.Client.
type pinger interface {
	Ping(ctx context.Context) error
}

func healthHandler(db pinger, registry *presence.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		code := http.StatusOK
		body := map[string]any{
			"status":      "ok",
			"database":    "ok",
			"connections": registry.ConnectionCount(),
			"time":        time.Now().UTC(),
		}
		if err := db.Ping(ctx); err != nil {
			code = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = "unreachable"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}
}
