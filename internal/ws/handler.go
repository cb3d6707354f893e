package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/joker96824/vg-api-sub000/internal/service/auth"
	"github.com/joker96824/vg-api-sub000/internal/service/match"
	"github.com/joker96824/vg-api-sub000/internal/service/realtime"
	appErr "github.com/joker96824/vg-api-sub000/pkg/errors"
	"github.com/joker96824/vg-api-sub000/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const readTimeout = 180 * time.Second

type Handler struct {
	authSvc  *auth.Service
	matchSvc *match.Service
	bus      *realtime.Bus
}

func NewHandler(authSvc *auth.Service, matchSvc *match.Service, bus *realtime.Bus) *Handler {
	return &Handler{authSvc: authSvc, matchSvc: matchSvc, bus: bus}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for dev
	},
}

// HandleWS upgrades the connection. Authentication happens in-band: the
// first accepted message must be an auth envelope.
func (h *Handler) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := newClient(conn, h)
	client.run(c.Request.Context())
}

// inbound is the envelope for every client-to-server message.
type inbound struct {
	Type       string `json:"type"`
	Token      string `json:"token,omitempty"`
	Content    string `json:"content,omitempty"`
	ReceiverID int64  `json:"receiver_id,omitempty"`
}

type client struct {
	conn          *websocket.Conn
	handler       *Handler
	userID        int64
	authenticated bool
}

func newClient(conn *websocket.Conn, handler *Handler) *client {
	c := &client{conn: conn, handler: handler}
	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		// Pong frames are liveness; keep the bus activity clock in step
		// with the read deadline.
		if c.authenticated {
			c.handler.bus.TouchUser(c.userID)
		}
		return nil
	})
	return c
}

func (c *client) run(ctx context.Context) {
	defer func() {
		if c.authenticated {
			c.handler.bus.Unregister(c.conn)
			if err := c.handler.matchSvc.CancelForUser(ctx, c.userID); err != nil {
				logger.Log.Warn("queue cancel on disconnect failed",
					zap.Int64("userID", c.userID),
					zap.Error(err),
				)
			}
		}
		c.conn.Close()
	}()

	for {
		mt, message, err := c.conn.ReadMessage()
		if err != nil {
			logger.Log.Info("WS read error", zap.Error(err), zap.Int64("userID", c.userID))
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		var msg inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendEvent(ctx, realtime.ErrorEvent("BAD_REQUEST", "invalid payload"))
			continue
		}
		if msg.Type == "" {
			continue
		}

		c.handleMessage(ctx, msg)
	}
}

func (c *client) handleMessage(ctx context.Context, msg inbound) {
	if !c.authenticated && msg.Type != "auth" {
		// The connection stays open pending valid auth.
		c.sendEvent(ctx, realtime.ErrorEvent(appErr.Code(appErr.ErrNotAuthenticated), "authenticate first"))
		return
	}

	switch msg.Type {
	case "auth":
		c.handleAuth(ctx, msg.Token)
	case "ping":
		c.handler.bus.TouchUser(c.userID)
		c.sendEvent(ctx, realtime.NewEvent(realtime.EventPong, nil))
	case "pong":
		c.handler.bus.TouchUser(c.userID)
	case "chat":
		c.handleChat(ctx, msg)
	default:
		c.sendEvent(ctx, realtime.ErrorEvent("BAD_REQUEST", "unsupported message type"))
	}
}

func (c *client) handleAuth(ctx context.Context, token string) {
	userID, err := c.handler.authSvc.ValidateToken(ctx, token)
	if err != nil {
		c.sendEvent(ctx, realtime.ErrorEvent(appErr.Code(err), "invalid token"))
		return
	}

	c.userID = userID
	c.authenticated = true
	c.handler.bus.Register(userID, c.conn)
	c.sendEvent(ctx, realtime.NewEvent(realtime.EventAuthSuccess, map[string]interface{}{
		"user_id": userID,
	}))

	logger.Log.Info("websocket authenticated", zap.Int64("userID", userID))
}

func (c *client) handleChat(ctx context.Context, msg inbound) {
	event := realtime.NewEvent(realtime.EventChat, map[string]interface{}{
		"content":   msg.Content,
		"sender_id": c.userID,
	})
	if msg.ReceiverID > 0 {
		if err := c.handler.bus.SendDirect(ctx, msg.ReceiverID, event); err != nil {
			c.sendEvent(ctx, realtime.ErrorEvent("INTERNAL", "chat delivery failed"))
		}
		return
	}
	if err := c.handler.bus.Broadcast(ctx, event, c.userID); err != nil {
		c.sendEvent(ctx, realtime.ErrorEvent("INTERNAL", "chat delivery failed"))
	}
}

// sendEvent reaches the socket through the bus once registered, so all
// post-auth writes share one writer; pre-auth errors go out directly.
func (c *client) sendEvent(ctx context.Context, event realtime.Event) {
	if c.authenticated {
		if err := c.handler.bus.SendDirect(ctx, c.userID, event); err != nil {
			logger.Log.Info("WS push failed", zap.Int64("userID", c.userID), zap.Error(err))
		}
		return
	}
	if err := c.conn.WriteJSON(event); err != nil {
		logger.Log.Info("WS write error", zap.Error(err))
	}
}
