package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentdeck/agentdeck/internal/agents"
	"github.com/agentdeck/agentdeck/internal/api"
	"github.com/agentdeck/agentdeck/internal/bridge"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/coordinator"
	"github.com/agentdeck/agentdeck/internal/journal"
	"github.com/agentdeck/agentdeck/internal/pool"
	"github.com/agentdeck/agentdeck/internal/runner"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/snapshot"
	"github.com/agentdeck/agentdeck/internal/store"
)

// The coordinator binary also runs an in-process runner so a single node is a
// complete deployment. Remote runners registering over the control plane add
// capacity on top.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("agentdeck: failed to load config: %v", err)
	}

	ctx := context.Background()

	if cfg.DatabaseURL == "" {
		log.Fatalf("agentdeck: AGENTDECK_DATABASE_URL is required")
	}
	st, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("agentdeck: failed to connect to database: %v", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("agentdeck: failed to run migrations: %v", err)
	}
	log.Printf("agentdeck: database ready")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("agentdeck: failed to create data dir %s: %v", cfg.DataDir, err)
	}
	if err := os.MkdirAll(cfg.AgentsDir, 0o755); err != nil {
		log.Fatalf("agentdeck: failed to create agents dir %s: %v", cfg.AgentsDir, err)
	}

	j, err := journal.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("agentdeck: failed to open session journal: %v", err)
	}
	defer j.Close()

	var publisher *journal.Publisher
	var consumer *store.SyncConsumer
	if cfg.NATSURL != "" {
		publisher, err = journal.NewPublisher(cfg.NATSURL, cfg.RunnerID, j)
		if err != nil {
			log.Printf("agentdeck: NATS unavailable, journal publishing disabled: %v", err)
		} else {
			publisher.Start()
		}

		consumer, err = store.NewSyncConsumer(st, cfg.NATSURL)
		if err != nil {
			log.Printf("agentdeck: NATS unavailable, message sync disabled: %v", err)
			consumer = nil
		} else if err := consumer.Start(); err != nil {
			log.Printf("agentdeck: message sync failed to start: %v", err)
			consumer = nil
		} else {
			log.Printf("agentdeck: message sync started (NATS: %s)", cfg.NATSURL)
		}
	}

	var backup *snapshot.BackupStore
	if cfg.S3Bucket != "" {
		backup, err = snapshot.NewBackupStore(snapshot.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		})
		if err != nil {
			log.Printf("agentdeck: S3 backup unavailable, snapshots stay local: %v", err)
			backup = nil
		} else {
			log.Printf("agentdeck: snapshot backup enabled (bucket: %s)", cfg.S3Bucket)
		}
	}
	snapshots := snapshot.NewManager(cfg.DataDir, backup)

	// The eviction hook needs the session manager, which needs the backend,
	// which needs the pool. Bind it after construction.
	var evict func(ctx context.Context, sb *pool.Sandbox)

	p := pool.New(st, &bridge.ProcessLauncher{Command: cfg.BridgeCommand}, pool.Options{
		RunnerID:    cfg.RunnerID,
		DataDir:     cfg.DataDir,
		MaxCapacity: cfg.MaxSandboxes,
		BridgeLimits: bridge.Limits{
			MemoryMB:  cfg.SandboxMemoryMB,
			CPUSec:    cfg.SandboxCPUSec,
			MaxPids:   cfg.SandboxMaxPids,
			MaxFileMB: cfg.SandboxMaxFileMB,
		},
		HandshakeTimeout:  cfg.BridgeHandshakeTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		IdleSweepInterval: cfg.IdleSweepInterval,
		ShutdownGrace:     cfg.ShutdownGrace,
		OnBeforeEvict: func(ctx context.Context, sb *pool.Sandbox) {
			if evict != nil {
				evict(ctx, sb)
			}
		},
	})

	if err := p.Reconcile(ctx); err != nil {
		log.Fatalf("agentdeck: failed to reconcile sandbox rows: %v", err)
	}
	p.StartIdleSweep()

	backend := runner.NewLocalBackend(p, snapshots, j)

	coord := coordinator.New(st, coordinator.Options{
		Local:           backend,
		InternalSecret:  cfg.InternalSecret,
		LivenessTimeout: cfg.LivenessTimeout,
	})
	coord.Start()

	sessions := session.NewManager(st, coord)
	evict = func(ctx context.Context, sb *pool.Sandbox) {
		if sb.SessionID == "" {
			return
		}
		sessions.OnBeforeEvict(ctx, backend, sb.SessionID, sb.ID)
	}

	registry := agents.NewRegistry(st, cfg.AgentsDir)

	if cfg.APIKey == "" {
		log.Printf("agentdeck: WARNING: AGENTDECK_API_KEY not set, API authentication disabled")
	}
	if cfg.InternalSecret == "" {
		log.Printf("agentdeck: WARNING: AGENTDECK_INTERNAL_SECRET not set, control plane unauthenticated")
	}

	srv := api.NewServer(sessions, registry, coord, st, api.Options{
		APIKey:          cfg.APIKey,
		InternalSecret:  cfg.InternalSecret,
		SSEWriteTimeout: cfg.SSEWriteTimeout,
	})

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Printf("agentdeck: coordinator listening on %s (local capacity: %d)", addr, cfg.MaxSandboxes)
		if err := srv.Start(addr); err != nil {
			log.Printf("agentdeck: server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("agentdeck: shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	coord.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("agentdeck: server shutdown: %v", err)
	}
	p.DestroyAll(shutdownCtx)
	if consumer != nil {
		consumer.Stop()
	}
	if publisher != nil {
		publisher.Stop()
	}
	log.Printf("agentdeck: stopped")
}
