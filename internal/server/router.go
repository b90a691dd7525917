package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"nudge-server/internal/auth"
	"nudge-server/internal/handler"
	"nudge-server/internal/hub"
	"nudge-server/internal/middleware"
	"nudge-server/internal/session"
	"nudge-server/internal/store"
)

type Deps struct {
	Store          store.Gateway
	Engine         session.Engine
	Hub            *hub.Hub
	TokenConfig    auth.TokenConfig
	SessionOptions session.Options
	// WSConnectsPerMinute caps websocket upgrades per client IP. Zero
	// disables the limit.
	WSConnectsPerMinute int
	Logger              *slog.Logger
	// BaseContext ends every live session when canceled.
	BaseContext context.Context
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	if deps.Hub == nil {
		deps.Hub = hub.New()
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true, "sessions": deps.Hub.Len()})
	})

	versionHandler := &handler.VersionHandler{}
	r.GET("/v1/version", versionHandler.Get)

	var tokens session.TokenIssuer
	if deps.TokenConfig.Secret != "" {
		tokens = auth.NewIssuer(deps.TokenConfig)
	}
	wsHandler := &handler.WebSocketHandler{
		Hub:         deps.Hub,
		Store:       deps.Store,
		Engine:      deps.Engine,
		Tokens:      tokens,
		Options:     deps.SessionOptions,
		Logger:      deps.Logger,
		BaseContext: deps.BaseContext,
	}
	if deps.WSConnectsPerMinute > 0 {
		baseCtx := deps.BaseContext
		if baseCtx == nil {
			baseCtx = context.Background()
		}
		wsLimiter := middleware.NewRateLimiterContext(baseCtx, deps.WSConnectsPerMinute, time.Minute)
		r.GET("/ws", middleware.RateLimitMiddleware(wsLimiter), wsHandler.Serve)
	} else {
		r.GET("/ws", wsHandler.Serve)
	}

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))

	historyHandler := &handler.HistoryHandler{Store: deps.Store}
	protected.GET("/messages", historyHandler.Messages)

	settingsHandler := &handler.SettingsHandler{Store: deps.Store, Hub: deps.Hub}
	protected.GET("/settings", settingsHandler.Get)
	protected.POST("/settings", settingsHandler.Update)

	return r
}
