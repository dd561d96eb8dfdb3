package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"adminplane.org/internal/audit"
	"adminplane.org/internal/bus"
	"adminplane.org/internal/config"
	"adminplane.org/internal/directory"
	"adminplane.org/internal/dispatch"
	"adminplane.org/internal/httpapi"
	"adminplane.org/internal/obs"
	"adminplane.org/internal/quota"
	"adminplane.org/internal/session"
	"adminplane.org/internal/store/pg"
)

var version = "0.3.0"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("ADMINPLANE_COMMIT"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	var (
		store directory.Store
		db    *sql.DB
	)
	if cfg.PostgresDSN != "" {
		pgStore, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
		defer pgStore.Close()
	} else {
		store = directory.NewMemoryStore()
		log.Println("ADMINPLANE_PG_DSN not set, using in-memory store")
	}

	sessions, err := session.NewManager(store, []byte(cfg.AuthSecret),
		session.WithTokenTTL(cfg.TokenTTL),
		session.WithLockout(cfg.LockoutThreshold, cfg.LockoutCooldown),
	)
	if err != nil {
		log.Fatalf("sessions: %v", err)
	}

	svc := directory.NewService(store, directory.WithSessionRevoker(sessions))
	if _, err := svc.Bootstrap(ctx, cfg.BootstrapEmail, cfg.BootstrapPassword); err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	fabric := bus.New()
	recorder, err := audit.NewRecorder(ctx, store, audit.WithPublisher(func(rec *directory.AuditRecord) {
		if data, err := json.Marshal(rec); err == nil {
			fabric.Publish("audit.record", data)
		}
	}))
	if err != nil {
		log.Fatalf("audit: %v", err)
	}

	dispatcher := dispatch.New(store, sessions, quota.NewEnforcer(store), recorder,
		dispatch.WithTimeout(cfg.DispatchTimeout),
		dispatch.WithIdempotencyTTL(cfg.IdempotencyTTL),
	)
	routes := &dispatch.Routes{Directory: svc, Sessions: sessions, Recorder: recorder}
	routes.Register(dispatcher)
	dispatcher.BindBus(fabric)

	api := httpapi.New(dispatcher, httpapi.ReadyProbe{DB: db}, version, httpapi.Options{
		MaxBodyBytes:    cfg.MaxBodyBytes,
		RateLimitPerSec: cfg.RateLimitPerSec,
		RateLimitBurst:  cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	log.Printf("Starting adminplane-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}
