package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"warden/internal/alerts"
	"warden/internal/anomaly"
	"warden/internal/api"
	"warden/internal/config"
	"warden/internal/credstore"
	"warden/internal/db"
	"warden/internal/dispatch"
	"warden/internal/events"
	"warden/internal/gateway"
	"warden/internal/middleware"
	"warden/internal/nonce"
	"warden/internal/notify"
	"warden/internal/rotation"
	"warden/internal/session"
)

const version = "1.0.0"

func main() {
	log.SetFlags(log.Ltime | log.Ldate)
	log.Printf("🚀 Warden Server v%s starting...", version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Configuration error: %v", err)
	}

	conn, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ Database error: %v", err)
	}
	defer conn.Close()
	log.Printf("✅ Database connected (%s)", cfg.DBPath)

	if err := credstore.Migrate(conn); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}
	if err := notify.Migrate(conn); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}

	cipher, err := credstore.NewCipher(cfg.MasterKey)
	if err != nil {
		log.Fatalf("❌ Master key error: %v", err)
	}

	bus := events.NewBus()
	store := credstore.NewStore(conn, cipher)

	alertStore, err := alerts.NewStore(conn)
	if err != nil {
		log.Fatalf("❌ Alert store error: %v", err)
	}
	detector, err := anomaly.NewDetector(conn, alertStore, bus, anomaly.Thresholds{})
	if err != nil {
		log.Fatalf("❌ Anomaly detector error: %v", err)
	}

	sessions := session.NewRegistry(bus, cfg.SessionTTL)
	sessions.StartSweep(cfg.HeartbeatInterval, cfg.HeartbeatMissed)
	defer sessions.Stop()

	nonces := nonce.NewLedger(cfg.AuthWindow)
	nonces.StartPurge(time.Minute)
	defer nonces.Stop()

	dispatcher := dispatch.NewDispatcher(sessions, store)

	rotations := rotation.NewCoordinator(store, sessions, bus, cfg.RotationWindow)
	rotations.StartSweep(30 * time.Second)
	defer rotations.Stop()

	notifier := notify.NewDispatcher(conn, bus, nil)
	notifier.Start()
	defer notifier.Stop()

	gw := gateway.New(store, nonces, detector, alertStore, sessions, dispatcher, rotations, bus, gateway.Options{
		AuthWindow:        cfg.AuthWindow,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatMissed:   cfg.HeartbeatMissed,
	})

	// Cap dial attempts per source IP before any credential work happens.
	dialLimiter := middleware.NewRateLimiter(30, time.Minute)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Warden Server is Online"))
	})
	mux.HandleFunc("GET /api/v1/agents/connect", dialLimiter.Limit(gw.HandleConnection))

	adminAPI := &api.API{
		DB:         conn,
		Store:      store,
		Alerts:     alertStore,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Rotations:  rotations,
	}
	adminAPI.RegisterRoutes(mux)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: middleware.Logging(mux),
	}

	go func() {
		log.Printf("Warden Server listening on port %s...", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ HTTP server error: %v", err)
		}
	}()

	// Graceful shutdown: close agent channels with a going-away frame, then
	// drain the HTTP server.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("⏳ Shutting down...")

	sessions.CloseAll("server shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Shutdown error: %v", err)
	}
	log.Println("👋 Warden Server stopped")
}
