package realtime

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tutorlink/backend/internal/auth"
	"github.com/tutorlink/backend/internal/middleware"
	"github.com/tutorlink/backend/internal/models"
	"github.com/tutorlink/backend/pkg/response"
)

const (
	sendBuffer   = 256
	readLimit    = 1 << 16
	writeWait    = 10 * time.Second
	eventTimeout = 5 * time.Second
)

// SessionGate is the session registry as seen by the relay.
type SessionGate interface {
	IsLive(ctx context.Context, sessionID uuid.UUID) bool
	TryJoin(ctx context.Context, a models.Attendee) error
	Leave(ctx context.Context, sessionID uuid.UUID, ref string) error
	SaveMessage(ctx context.Context, m *models.ChatMessage) error
	SetMicState(ctx context.Context, sessionID uuid.UUID, participant string, muted bool) error
}

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// ClientConfig bounds inbound traffic per connection and the browser origins allowed to connect.
type ClientConfig struct {
	EventsPerSecond int
	EventBurst      int
	AllowedOrigins  string // "*" or a comma-separated list, as for CORS
}

func (c ClientConfig) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     middleware.OriginChecker(c.AllowedOrigins),
	}
}

func (c ClientConfig) limiter() *rate.Limiter {
	if c.EventsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := c.EventBurst
	if burst < 1 {
		burst = c.EventsPerSecond
	}
	return rate.NewLimiter(rate.Limit(c.EventsPerSecond), burst)
}

// Client represents a single WebSocket connection. Group membership is guarded by the hub.
type Client struct {
	ID     string
	UserID uuid.UUID // uuid.Nil for anonymous connections
	Role   models.Role
	Name   string

	hub     *Hub
	gate    SessionGate
	conn    *websocket.Conn
	send    chan WSMessage
	groups  map[uuid.UUID]struct{}
	limiter *rate.Limiter
	logger  *zap.Logger
}

func newClient(hub *Hub, gate SessionGate, p auth.Principal, limiter *rate.Limiter, logger *zap.Logger) *Client {
	return &Client{
		ID:      uuid.New().String(),
		UserID:  p.UserID,
		Role:    p.Role,
		Name:    p.Name,
		hub:     hub,
		gate:    gate,
		send:    make(chan WSMessage, sendBuffer),
		groups:  make(map[uuid.UUID]struct{}),
		limiter: limiter,
		logger:  logger,
	}
}

// ref identifies the participant in attendee lists and presence events.
func (c *Client) ref() string {
	if c.UserID != uuid.Nil {
		return c.UserID.String()
	}
	return c.ID
}

func (c *Client) matches(target string) bool {
	return target == "" || target == c.ID || (c.UserID != uuid.Nil && target == c.UserID.String())
}

// ServeWs upgrades the request and runs the connection. A token (query or bearer header) is
// optional; when present it must be valid.
func ServeWs(hub *Hub, gate SessionGate, validator TokenValidator, cfg ClientConfig, logger *zap.Logger) gin.HandlerFunc {
	upgrader := cfg.upgrader()
	return func(c *gin.Context) {
		var p auth.Principal
		if token := bearerToken(c); token != "" {
			claims, err := validator.Validate(token)
			if err != nil {
				response.Unauthorized(c, "invalid token")
				return
			}
			p = claims.Principal()
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := newClient(hub, gate, p, cfg.limiter(), logger)
		client.conn = conn
		hub.Register(client)
		go client.writePump()
		client.readPump(c.Request.Context())
	}
}

func bearerToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func (c *Client) readPump(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	defer func() {
		c.close(ctx)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", zap.String("client_id", c.ID), zap.Error(err))
			}
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		c.handle(ctx, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close drops the connection from every group and tells each group the participant left.
func (c *Client) close(ctx context.Context) {
	left := c.hub.Disconnect(c)
	who := presence{UserID: c.ref(), Name: c.Name}
	for _, sid := range left {
		lctx, cancel := context.WithTimeout(ctx, eventTimeout)
		if err := c.gate.Leave(lctx, sid, c.ref()); err != nil {
			c.logger.Warn("leave on disconnect failed", zap.String("session_id", sid.String()), zap.Error(err))
		}
		cancel()
		c.hub.Relay(sid, EventUserLeft, who, nil)
	}
}
