package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/PaulBabatuyi/carhub-realtime/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Gateway is the /ws HTTP handler.
type Gateway struct {
	svc      *Service
	gate     *Gatekeeper
	upgrader websocket.Upgrader
	baseCtx  context.Context
	logger   zerolog.Logger
}

// NewGateway builds the handler. baseCtx is handed to event handlers in place
// of the request context, which ends with the handshake. An origin list
// containing "*" accepts any origin; requests without an Origin header are
// accepted because native clients do not send one.
func NewGateway(baseCtx context.Context, svc *Service, gate *Gatekeeper, allowedOrigins []string, logger zerolog.Logger) *Gateway {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Gateway{
		svc:  svc,
		gate: gate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
		baseCtx: baseCtx,
		logger:  logger.With().Str("component", "gateway").Logger(),
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, authErr := g.gate.Authenticate(r)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		g.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	if authErr != nil {
		reason := RejectReason(authErr)
		metrics.RejectedConnections.WithLabelValues(rejectLabel(authErr)).Inc()
		g.logger.Info().Err(authErr).Str("remote", r.RemoteAddr).Str("reason", reason).Msg("connection rejected")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	id := uuid.NewString()
	c := newClient(id, Actor{Identity: identity, ConnID: id}, conn, g.svc, g.logger)
	g.svc.Connect(id, identity, c)

	go c.writePump()
	c.readPump(g.baseCtx)
}
