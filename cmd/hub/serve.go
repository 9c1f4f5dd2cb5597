package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/bhandras/delight/hub/internal/api"
	"github.com/bhandras/delight/hub/internal/config"
	"github.com/bhandras/delight/hub/internal/crypto"
	"github.com/bhandras/delight/hub/internal/database"
	"github.com/bhandras/delight/hub/internal/database/migrations"
	"github.com/bhandras/delight/hub/internal/debug"
	"github.com/bhandras/delight/hub/internal/notification"
	"github.com/bhandras/delight/hub/internal/notify"
	"github.com/bhandras/delight/hub/internal/store"
	"github.com/bhandras/delight/hub/internal/syncengine"
	"github.com/bhandras/delight/hub/internal/websocket"
	"github.com/bhandras/delight/hub/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 10 * time.Second

func serveCommand(args []string) error {
	var flags configFlags
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flags.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := flags.load(fs)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg)
}

func serve(ctx context.Context, cfg *config.Config) error {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Infof("Opening database: %s", cfg.DatabasePath)
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if cfg.DevPruneMessages {
		logger.Warnf("DELIGHT_DEV_PRUNE_MESSAGES enabled - pruning messages table")
		if err := debug.PruneMessages(ctx, db.DB); err != nil {
			logger.Warnf("Failed to prune messages: %v", err)
		}
	}

	if err := migrations.WrapLegacyMessageContent(ctx, db.DB); err != nil {
		logger.Warnf("Failed to wrap legacy message content: %v", err)
	}

	jwtManager, err := crypto.NewJWTManager(cfg.MasterSecret)
	if err != nil {
		return fmt.Errorf("failed to create JWT manager: %w", err)
	}

	st := store.NewSQLStore(db.DB)
	engine := syncengine.New(st)

	channels, err := buildChannels(cfg, st)
	if err != nil {
		return err
	}
	hub := notification.NewHub(engine, channels, notification.Options{
		PermissionDebounce: cfg.PermissionDebounce,
		ReadyCooldown:      cfg.ReadyCooldown,
	})
	hub.Start()
	defer func() {
		hub.Stop()
		hub.Wait()
	}()

	updates := websocket.NewServer(engine, cfg.AllowedOrigins)
	defer updates.Close()

	router := api.NewRouter(api.Deps{
		Engine:         engine,
		Store:          st,
		Verifier:       jwtManager,
		AllowedOrigins: cfg.AllowedOrigins,
		Updates:        updates.HandleUpdates,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLS != nil {
			logger.Infof("Delight Hub starting on https://localhost%s", cfg.Addr)
			errCh <- srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		logger.Infof("Delight Hub starting on http://localhost%s", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Infof("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("HTTP shutdown: %v", err)
	}
	return nil
}

func buildChannels(cfg *config.Config, st store.Store) ([]notification.Channel, error) {
	channels := []notification.Channel{notify.NewWebhookPushChannel(st)}

	if p := cfg.Pushover; p != nil {
		pushover, err := notify.NewPushoverChannel(notify.PushoverConfig{
			Token:    p.Token,
			UserKey:  p.UserKey,
			Priority: p.Priority,
			Cooldown: p.Cooldown,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure pushover: %w", err)
		}
		channels = append(channels, pushover)
		logger.Infof("Pushover notifications enabled")
	}
	return channels, nil
}
