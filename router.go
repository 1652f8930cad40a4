package main

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kendall-kelly/support-relay-api/config"
	"github.com/kendall-kelly/support-relay-api/controllers"
	"github.com/kendall-kelly/support-relay-api/gateway"
	"github.com/kendall-kelly/support-relay-api/metrics"
	"github.com/kendall-kelly/support-relay-api/middleware"
	"github.com/kendall-kelly/support-relay-api/models"
	"github.com/kendall-kelly/support-relay-api/services"
	"github.com/kendall-kelly/support-relay-api/store"
)

// Dependencies are the wired components the router serves.
type Dependencies struct {
	Config *config.Config
	Logger *zap.Logger
	Store  store.Store
	// DB is set for SQL stores; profile routes need it.
	DB       *gorm.DB
	Relay    *services.RelayService
	Gateway  *gateway.Gateway
	Metrics  *metrics.Metrics
	Limiter  *middleware.RateLimiter
	Auth     gin.HandlerFunc
	UserInfo services.UserInfoProvider
}

func setupRouter(deps Dependencies) *gin.Engine {
	if deps.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     deps.Config.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", healthCheck)
		v1.GET("/database/status", databaseStatus(deps.Store, deps.Config.StoreDriver))

		authed := v1.Group("", deps.Auth)

		support := controllers.NewSupportController(deps.Store, deps.Relay, deps.Logger.Named("support"))
		authed.GET("/support/chats/mine", support.GetMyChat)
		authed.GET("/support/chats/:id", support.GetChat)
		authed.GET("/support/chats/:id/messages", support.ListChatMessages)
		authed.POST("/support/message", deps.Limiter.Middleware(), support.SendMessage)

		admin := authed.Group("", middleware.RequireRole(models.RoleAdmin))
		admin.GET("/support/chats", support.ListChats)
		admin.POST("/support/chats/:id/close", support.CloseChat)
		admin.GET("/support/chats/:id/transcript", support.GetTranscript)

		authed.GET("/ws", deps.Gateway.Handle)

		if deps.DB != nil {
			users := controllers.NewUserController(deps.DB, deps.UserInfo, deps.Logger.Named("users"))
			if deps.UserInfo != nil {
				authed.POST("/users", users.CreateUser)
			}
			authed.GET("/users/me", users.GetMyProfile)
		}
	}

	return router
}

// healthCheck handles the health check endpoint
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Support Relay API is running",
	})
}

// databaseStatus checks store connectivity
func databaseStatus(st store.Store, driver string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := st.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "STORE_ERROR",
					"message": "Database connection failed",
				},
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Database connected",
			"driver":  driver,
		})
	}
}
