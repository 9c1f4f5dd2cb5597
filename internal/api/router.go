package api

import (
	"net/http"

	"github.com/bhandras/delight/hub/internal/api/handlers"
	"github.com/bhandras/delight/hub/internal/api/middleware"
	"github.com/bhandras/delight/hub/internal/store"
	"github.com/bhandras/delight/hub/internal/syncengine"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Deps bundles what the HTTP surface needs.
type Deps struct {
	Engine         *syncengine.Engine
	Store          store.Store
	Verifier       middleware.TokenVerifier
	AllowedOrigins []string
	// Updates serves GET /v1/updates when set.
	Updates gin.HandlerFunc
}

// NewRouter builds the gin engine with every /v1 route registered.
func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(origins),
	}))
	router.Use(middleware.LoggingMiddleware())

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Welcome to Delight Hub!")
	})

	sessionHandler := handlers.NewSessionHandler(deps.Engine)
	machineHandler := handlers.NewMachineHandler(deps.Engine)
	userHandler := handlers.NewUserHandler(deps.Store)
	pushHandler := handlers.NewPushHandler(deps.Store)

	protected := router.Group("/v1")
	protected.Use(middleware.AuthMiddleware(deps.Verifier))
	{
		// Sessions
		protected.GET("/sessions", sessionHandler.ListSessions)
		protected.POST("/sessions", sessionHandler.CreateSession)
		protected.GET("/sessions/:id", sessionHandler.GetSession)
		protected.DELETE("/sessions/:id", sessionHandler.DeleteSession)
		protected.POST("/sessions/:id/metadata", sessionHandler.UpdateMetadata)
		protected.POST("/sessions/:id/state", sessionHandler.UpdateAgentState)
		protected.POST("/sessions/:id/alive", sessionHandler.Alive)
		protected.POST("/sessions/:id/end", sessionHandler.End)
		protected.GET("/sessions/:id/messages", sessionHandler.GetSessionMessages)
		protected.GET("/sessions/:id/messages/after", sessionHandler.GetSessionMessagesAfter)
		protected.POST("/sessions/:id/messages", sessionHandler.AddMessage)
		protected.POST("/sessions/:id/merge", sessionHandler.Merge)

		// Machines
		protected.GET("/machines", machineHandler.ListMachines)
		protected.POST("/machines", machineHandler.CreateMachine)
		protected.GET("/machines/:id", machineHandler.GetMachine)
		protected.DELETE("/machines/:id", machineHandler.DeleteMachine)
		protected.POST("/machines/:id/metadata", machineHandler.UpdateMetadata)
		protected.POST("/machines/:id/state", machineHandler.UpdateDaemonState)
		protected.POST("/machines/:id/alive", machineHandler.Alive)

		// Users
		protected.GET("/me", userHandler.GetMe)
		protected.GET("/users", userHandler.ListUsers)
		protected.DELETE("/users/:id", userHandler.DeleteUser)

		// Push subscriptions
		protected.GET("/push-subscriptions", pushHandler.List)
		protected.POST("/push-subscriptions", pushHandler.Add)
		protected.DELETE("/push-subscriptions", pushHandler.Remove)

		if deps.Updates != nil {
			protected.GET("/updates", deps.Updates)
		}
	}

	return router
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
