package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callgrid/internal/auth"
	"callgrid/internal/calls"
	"callgrid/internal/config"
	"callgrid/internal/presence"
	"callgrid/internal/session"
	"callgrid/internal/signaling"
	"callgrid/internal/store"
	"callgrid/pkg/logger"
	"callgrid/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	st := store.NewPostgres(db)
	if err := st.EnsureSchema(rootCtx); err != nil {
		log.Error("schema init failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	registry := session.NewRegistry()
	notifier := presence.NewNotifier(st, registry, log, cfg.Calls.PersistTimeout)
	statusStore := presence.NewStatusStore(rdb, cfg.Presence.StatusTTL)

	callService := calls.NewService(st, registry, log, cfg.Calls)
	if cfg.Calls.MaxActivePerUser > 0 {
		callService.SetCap(&calls.RedisCap{RDB: rdb, Limit: cfg.Calls.MaxActivePerUser, TTL: cfg.Calls.CapTTL})
	}

	wsServer := signaling.NewServer(cfg.Signaling, authManager, st, registry, callService, notifier, statusStore, log)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		auth:      authManager,
		store:     st,
		calls:     callService,
		signaling: wsServer,
		db:        db,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		// Signaling connections live past any request timeout; only the
		// header read is bounded.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
