package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"nudge-server/internal/hub"
	"nudge-server/internal/session"
	"nudge-server/internal/store"
)

const (
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 1024 * 1024
)

type WebSocketHandler struct {
	Hub     *hub.Hub
	Store   store.Gateway
	Engine  session.Engine
	Tokens  session.TokenIssuer
	Options session.Options
	Logger  *slog.Logger
	// BaseContext is canceled on server shutdown; hijacked connections are
	// not tracked by http.Server so sessions watch it directly.
	BaseContext context.Context
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla connection to session.Conn. gorilla allows one
// concurrent writer, and the hub writes from other goroutines.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (h *WebSocketHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *WebSocketHandler) Serve(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	conn := &wsConn{ws: ws}

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	if h.BaseContext != nil {
		stop := context.AfterFunc(h.BaseContext, cancel)
		defer stop()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeWait)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	sess := session.New(conn, session.Deps{
		Store:  h.Store,
		Engine: h.Engine,
		Hub:    h.Hub,
		Tokens: h.Tokens,
		Logger: h.logger(),
	}, h.Options)

	err = sess.Run(ctx)
	log := h.logger().With("session_id", sess.ID(), "user_id", sess.UserID(), "client_ip", c.ClientIP())
	switch {
	case errors.Is(err, session.ErrDisconnected), errors.Is(err, context.Canceled):
		log.Info("session closed", "reason", err)
	case errors.Is(err, session.ErrProtocolViolation), errors.Is(err, session.ErrRegisterTimeout):
		log.Warn("session closed", "reason", err)
	default:
		log.Error("session failed", "err", err)
	}
}
