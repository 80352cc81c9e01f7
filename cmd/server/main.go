package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"propdesk/config"
	"propdesk/internal/database"
	"propdesk/internal/router"
	"propdesk/internal/service"
	"propdesk/internal/ws"
	"propdesk/pkg/cloudinary"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(&cfg.Log)

	db, err := database.NewDB(&cfg.Database)
	if err != nil {
		logger.Fatalf("database: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		logger.Fatalf("migrate: %v", err)
	}

	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	if rdb == nil {
		logger.Info("redis disabled: settings cache and checkout locks off")
	}

	infra := service.Infra{Redis: rdb}
	if cfg.Cloudinary.CloudName != "" {
		cloud, err := cloudinary.NewClientFromParams(cfg.Cloudinary.CloudName, cfg.Cloudinary.APIKey, cfg.Cloudinary.APISecret)
		if err != nil {
			logger.Fatalf("cloudinary: %v", err)
		}
		infra.Cloud = cloud
	}
	events, err := service.NewEventPublisher(context.Background(), cfg.Events)
	if err != nil {
		logger.Fatalf("events: %v", err)
	}
	defer events.Close()
	infra.Events = events

	hub := ws.NewHub()
	infra.Live = hub
	svc := service.NewServices(cfg, db, infra, logger)

	if cfg.Sweeper.Enabled {
		c, err := svc.Sweeper.Start()
		if err != nil {
			logger.Fatalf("sweeper: %v", err)
		}
		defer c.Stop()
	}

	engine := router.Setup(cfg, svc, hub, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Infof("server listening on :%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("listen: %v", err)
		}
	}()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped")
}
