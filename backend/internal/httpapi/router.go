package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"chainpad/backend/internal/auth"
	"chainpad/backend/internal/cache"
	"chainpad/backend/internal/collab"
	"chainpad/backend/internal/httpapi/handlers"
	"chainpad/backend/internal/httpapi/middleware"
	"chainpad/backend/internal/ws"
)

type RouterOptions struct {
	Registry *collab.Registry
	Presence cache.PresenceCache
	Manager  *ws.Manager
	// nil 表示不鉴权
	Issuer *auth.Issuer
	CORS   bool
	// /healthz 里返回的构建信息
	Version string
	Commit  string
}

func NewRouter(opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	if opts.CORS {
		router.Use(cors.New(cors.Config{
			// 允许任意来源（包括 file:// 的 Origin: null）
			AllowOriginFunc:  func(origin string) bool { return true },
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	h := handlers.NewPadHandler(opts.Registry, opts.Presence, opts.Issuer)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok", "version": opts.Version, "commit": opts.Commit})
	})
	router.POST("/tokens", h.IssueToken)

	pads := router.Group("/pads")
	pads.Use(middleware.AuthMiddleware(opts.Issuer))
	{
		pads.GET("", h.ListPads)
		pad := pads.Group("/:padId", handlers.ValidPadID())
		pad.GET("", h.GetPad)
		pad.GET("/members", h.Members)
		pad.GET("/ws", opts.Manager.WebSocketConnect)
	}
	return router
}
