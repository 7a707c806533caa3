package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentdeck/agentdeck/internal/bridge"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/journal"
	"github.com/agentdeck/agentdeck/internal/pool"
	"github.com/agentdeck/agentdeck/internal/runner"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/snapshot"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/pkg/types"
)

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
	log.Printf("agentdeck: connected to database")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("agentdeck: failed to create data dir %s: %v", cfg.DataDir, err)
	}

	j, err := journal.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("agentdeck: failed to open session journal: %v", err)
	}
	defer j.Close()

	var publisher *journal.Publisher
	if cfg.NATSURL != "" {
		publisher, err = journal.NewPublisher(cfg.NATSURL, cfg.RunnerID, j)
		if err != nil {
			log.Printf("agentdeck: NATS unavailable, journal publishing disabled: %v", err)
		} else {
			publisher.Start()
			log.Printf("agentdeck: journal publisher started (NATS: %s)", cfg.NATSURL)
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
	sessions := session.NewManager(st, session.StaticPlacement{Backend: backend})
	evict = func(ctx context.Context, sb *pool.Sandbox) {
		if sb.SessionID == "" {
			return
		}
		sessions.OnBeforeEvict(ctx, backend, sb.SessionID, sb.ID)
	}

	srv := runner.NewServer(backend, cfg.InternalSecret, cfg.SSEWriteTimeout)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.RunnerPort)
		log.Printf("agentdeck: runner %s listening on %s (capacity: %d)", cfg.RunnerID, addr, cfg.MaxSandboxes)
		if err := srv.Start(addr); err != nil {
			log.Printf("agentdeck: runner server stopped: %v", err)
		}
	}()

	var hb *runner.Heartbeater
	if cfg.CoordinatorURL != "" {
		hb = runner.NewHeartbeater(cfg.CoordinatorURL, cfg.InternalSecret, cfg.HeartbeatInterval, types.RegisterRunnerRequest{
			ID:           cfg.RunnerID,
			Host:         cfg.RunnerHost,
			Port:         cfg.RunnerPort,
			MaxSandboxes: cfg.MaxSandboxes,
		}, p)
		if err := hb.Register(ctx); err != nil {
			log.Fatalf("agentdeck: failed to register with coordinator %s: %v", cfg.CoordinatorURL, err)
		}
		hb.Start()
		log.Printf("agentdeck: registered with coordinator %s", cfg.CoordinatorURL)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("agentdeck: shutting down runner...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if hb != nil {
		hb.Stop(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("agentdeck: runner server shutdown: %v", err)
	}
	p.DestroyAll(shutdownCtx)
	if publisher != nil {
		publisher.Stop()
	}
	log.Printf("agentdeck: runner stopped")
}
