package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/itemchat-server/internal/auth"
	"github.com/vovakirdan/itemchat-server/internal/cache"
	"github.com/vovakirdan/itemchat-server/internal/config"
	"github.com/vovakirdan/itemchat-server/internal/core"
	"github.com/vovakirdan/itemchat-server/internal/service/directory"
	"github.com/vovakirdan/itemchat-server/internal/service/messages"
	"github.com/vovakirdan/itemchat-server/internal/service/projector"
	"github.com/vovakirdan/itemchat-server/internal/store"
	"github.com/vovakirdan/itemchat-server/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/itemchat-server/internal/transport/http"
)

// App wires together storage, services and transport.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *core.Hub
	store           store.Store
	cache           cache.Cache
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	c, err := cache.New(cfg.Cache.Backend, cfg.Cache.RedisURL)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init cache: %w", err)
	}
	logger.Info().Str("backend", cfg.Cache.Backend).Msg("conversation list cache initialized")

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      cfg.JWTTTL,
	}
	authService := auth.NewService(st, jwtConfig)

	hub := core.NewHub(cfg.SubscriberBuffer, logger)
	proj := projector.New(st, c, cfg.Cache.TTL, logger)
	dir := directory.New(st, proj, logger)
	msgs := messages.New(st, hub, messages.Options{
		MaxContentLength: cfg.MaxContentLength,
		Projector:        proj,
		Logger:           logger,
	})

	server := transporthttp.NewServer(transporthttp.Deps{
		Auth:      authService,
		Store:     st,
		Directory: dir,
		Messages:  msgs,
		Projector: proj,
	}, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		store:           st,
		cache:           c,
		log:             logger,
	}, nil
}

// Run starts the hub and HTTP server and blocks until context cancellation or fatal error.
// Shutdown drains REST requests first, then ends WebSocket connections, then stops the hub.
func (a *App) Run(ctx context.Context) error {
	defer a.cleanup()

	// Hijacked WebSocket connections are not tracked by Shutdown; their request
	// contexts derive from connCtx instead.
	connCtx, closeConns := context.WithCancel(context.Background())
	defer closeConns()
	a.server.BaseContext = func(net.Listener) context.Context { return connCtx }

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		a.hub.Run(hubCtx)
		return nil
	})

	group.Go(func() error {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-gctx.Done()
		defer stopHub()
		defer closeConns()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})

	return group.Wait()
}

// cleanup closes the cache and database.
func (a *App) cleanup() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close cache")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
