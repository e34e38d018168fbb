package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/itemchat-server/internal/auth"
	"github.com/vovakirdan/itemchat-server/internal/config"
	"github.com/vovakirdan/itemchat-server/internal/service/directory"
	"github.com/vovakirdan/itemchat-server/internal/service/messages"
	"github.com/vovakirdan/itemchat-server/internal/service/projector"
	"github.com/vovakirdan/itemchat-server/internal/store"
)

// Deps are the services exposed over HTTP and WebSocket.
type Deps struct {
	Auth      *auth.Service
	Store     store.Store
	Directory *directory.Service
	Messages  *messages.Service
	Projector *projector.Service
}

// NewServer builds an HTTP server with REST and WebSocket routes.
func NewServer(deps Deps, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(deps, cfg, logger),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// NewRouter mounts the WebSocket endpoint on a plain mux and everything else on gin.
// The upgrade has to hijack an untouched ResponseWriter, which gin's writer does not allow.
func NewRouter(deps Deps, cfg *config.Config, logger *zerolog.Logger) *stdhttp.ServeMux {
	mux := stdhttp.NewServeMux()
	mux.Handle("/ws", NewWSHandler(deps.Auth, deps.Messages, cfg, logger))
	mux.Handle("/", newAPIRouter(deps, cfg, logger))
	return mux
}

func newAPIRouter(deps Deps, cfg *config.Config, logger *zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	router.GET("/health", healthHandler)

	apiHandlers := NewAPIHandlers(deps.Auth, logger)
	userHandlers := NewUserHandlers(deps.Store, logger)
	itemHandlers := NewItemHandlers(deps.Store, logger)
	convHandlers := NewConversationHandlers(deps.Directory, deps.Messages, deps.Projector, logger)

	api := router.Group("/api", TimeoutMiddleware(cfg.RequestTimeout))
	api.POST("/register", apiHandlers.Register)
	api.POST("/login", apiHandlers.Login)

	authed := api.Group("", AuthMiddleware(deps.Auth, logger))
	authed.GET("/me", userHandlers.Me)
	authed.GET("/users/:id", userHandlers.GetUser)

	authed.POST("/items", itemHandlers.CreateItem)
	authed.GET("/items/:id", itemHandlers.GetItem)

	authed.POST("/conversations", convHandlers.ResolveOrCreate)
	authed.GET("/conversations", convHandlers.List)
	authed.GET("/conversations/:id/messages", convHandlers.ListMessages)
	authed.POST("/conversations/:id/messages", convHandlers.PostMessage)

	return router
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
