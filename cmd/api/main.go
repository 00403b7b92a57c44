package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pulseboard.org/internal/audit"
	"pulseboard.org/internal/auth"
	"pulseboard.org/internal/fanout"
	"pulseboard.org/internal/httpapi"
	"pulseboard.org/internal/obs"
	"pulseboard.org/internal/record"
	"pulseboard.org/internal/room"
	"pulseboard.org/internal/session"
	"pulseboard.org/internal/store/pg"
)

var version = "0.3.0"

var commit = "unknown"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	addr := os.Getenv("PULSEBOARD_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	// Durable stores when a DSN is configured, in-memory otherwise.
	var (
		db            *sql.DB
		recordStore   record.Store
		history       record.History
		notifications fanout.NotificationStore
		auditStore    audit.Store
	)
	if dsn := os.Getenv("PULSEBOARD_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db = pgStore.DB()
		recordStore = pgStore.Records()
		history = pgStore.History()
		notifications = pgStore.Notifications()
		auditStore = pgStore.Audit()
	} else {
		recordStore = record.NewMemoryStore()
		history = record.NewMemoryHistory()
		notifications = fanout.NewMemoryNotifications()
		auditStore = audit.NewMemoryStore()
	}

	recorder, err := audit.NewRecorder(auditStore)
	if err != nil {
		log.Fatalf("audit recorder: %v", err)
	}

	grants := auth.NewMemoryGrants()
	manager := session.NewManager(grants)
	registry := room.NewRegistry()
	manager.SetRooms(registry)

	// Grant changes reported by the identity store reach every live session.
	grants.OnChange = manager.RefreshGrantsForUser

	coordinator := record.NewCoordinator(recordStore, history, recorder)
	// The engine reads history through the coordinator so resync sees the
	// same damage bookkeeping the commit path maintains.
	engine := fanout.NewEngine(registry, manager, coordinator.History(), notifications,
		fanout.WithTerminator(manager.Terminate))
	coordinator.SetSink(engine)

	api := httpapi.New(manager, registry, coordinator, engine, recorder,
		httpapi.ReadyProbe{DB: db}, version)
	api.SetGrantStore(grants)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: the SSE stream is long-lived; heartbeats keep it
		// honest and disconnects tear sessions down.
	}

	log.Printf("Starting pulseboard-api %s on %s", version, srv.Addr)
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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
