package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"circles-server/internal/auth"
	"circles-server/internal/circles"
	"circles-server/internal/handler"
	"circles-server/internal/hub"
	"circles-server/internal/middleware"
	"circles-server/internal/store"
)

type Deps struct {
	Store       store.Store
	TokenConfig auth.TokenConfig
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	wsHub := hub.New()
	service := circles.NewServiceWithOptions(deps.Store, circles.Options{Events: wsHub})
	circleHandler := &handler.CircleHandler{Service: service}

	inviteLimiter := middleware.NewRateLimiter(10, time.Minute)

	protected := r.Group("/v1/circle")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))

	protected.POST("/init", circleHandler.Init)
	protected.GET("/me", circleHandler.Me)

	protected.POST("/invites", middleware.RateLimitMiddleware(inviteLimiter), circleHandler.CreateInvite)
	protected.POST("/invites/accept", circleHandler.AcceptInvite)
	protected.DELETE("/invites/:token", circleHandler.CancelInvite)

	protected.GET("/connections", circleHandler.ListConnections)
	protected.POST("/connections/:id/revoke", circleHandler.RevokeConnection)

	protected.POST("/blocks", circleHandler.Block)
	protected.DELETE("/blocks/:participantId", circleHandler.Unblock)

	protected.PUT("/signal", circleHandler.SetSignal)
	protected.GET("/signal", circleHandler.GetSignal)
	protected.DELETE("/signal", circleHandler.ClearSignal)
	protected.GET("/signals", circleHandler.ListSignals)
	protected.GET("/signals/:connectionId", circleHandler.GetConnectionSignal)

	protected.POST("/cleanup", circleHandler.Cleanup)
	protected.DELETE("", circleHandler.Wipe)

	protected.GET("/firewall", circleHandler.Firewall)
	protected.GET("/integrity", circleHandler.Integrity)

	wsHandler := &handler.WebSocketHandler{Hub: wsHub, TokenConfig: deps.TokenConfig}
	r.GET("/ws", wsHandler.Serve)

	return r
}
