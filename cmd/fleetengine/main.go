// Command fleetengine is a minimal daemon bootstrap exercising the
// workflow engine end to end: it loads workflow definitions from disk,
// runs the trigger dispatcher's schedule tick on an interval, and serves
// no HTTP surface of its own (spec §1 Non-goals), matching the teacher's
// signal-driven daemon shape (cmd/workflow-runner/main.go) without its
// Redis-stream coordinator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lyzr/fleetengine/common/config"
	"github.com/lyzr/fleetengine/common/logger"
	"github.com/lyzr/fleetengine/common/telemetry"
	"github.com/lyzr/fleetengine/internal/archive"
	"github.com/lyzr/fleetengine/internal/engine"
	"github.com/lyzr/fleetengine/internal/scheduler"
	"github.com/lyzr/fleetengine/internal/services"
	"github.com/lyzr/fleetengine/internal/workflow"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load("fleetengine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	log.Info("fleetengine starting", "service", cfg.Service.Name)

	dataDir := getEnv("FLEETENGINE_DATA_DIR", "./data")

	tel := telemetry.New(pprofPort(), log)
	if err := tel.Start(ctx); err != nil {
		log.Error("failed to start telemetry", "error", err)
	}

	archiveBackend, err := newArchiveBackend(cfg, dataDir, log)
	if err != nil {
		log.Error("failed to initialize run archive", "error", err)
		os.Exit(1)
	}

	eng, err := engine.New(engine.Options{
		StoreDir: filepath.Join(dataDir, "workflows"),
		Bundle:   &services.Bundle{Config: envConfigSource{}},
		SchedulerOpts: scheduler.Options{
			MaxConcurrentBranches: cfg.Engine.MaxConcurrentBranches,
			NodeMaxRetries:        cfg.Engine.NodeMaxRetries,
			NodeTimeoutMS:         cfg.Engine.NodeTimeoutMS,
		},
		ArchiveBackend: archiveBackend,
		Logger:         log,
		Telemetry:      tel,
	})
	if err != nil {
		log.Error("failed to initialize engine", "error", err)
		os.Exit(1)
	}

	log.Info("loaded workflow definitions", "count", len(eng.Store().List()))

	if cfg.Features.EnableStoreWatch {
		events, err := eng.Store().Watch(ctx)
		if err != nil {
			log.Error("failed to start workflow store watch", "error", err)
		} else {
			log.Info("watching workflow store for external edits", "dir", filepath.Join(dataDir, "workflows"))
			go watchStore(events, log)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	log.Info("fleetengine running, ticking schedule triggers every 10s")
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			log.Info("shutting down", "signal", sig.String())
			return
		case now := <-ticker.C:
			for _, fire := range eng.Dispatcher().Tick(now) {
				go func(workflowID, triggeredBy string) {
					if _, err := eng.RunWithCancel(context.Background(), workflowID, engine.RunOptions{
						TriggerSource: "schedule",
						TriggeredBy:   triggeredBy,
					}, nil); err != nil {
						log.Error("scheduled run failed", "workflow_id", workflowID, "error", err)
					}
				}(fire.WorkflowID, fire.TriggeredBy)
			}
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newArchiveBackend builds the plain file-backed archive, wrapping it with
// a Redis mirror when cfg.Features.EnableRedisArchiveMirror is set
// (WORKFLOW_ENABLE_REDIS_MIRROR=true).
func newArchiveBackend(cfg *config.Config, dataDir string, log *logger.Logger) (archive.Backend, error) {
	plainArchive, err := archive.New(filepath.Join(dataDir, "workflow-runs"), archive.Options{
		MaxPersistedRuns: cfg.Engine.MaxPersistedRuns,
		StuckThresholdMS: cfg.Engine.RunStuckThresholdMS,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create run archive: %w", err)
	}
	if !cfg.Features.EnableRedisArchiveMirror {
		return plainArchive, nil
	}

	redisAddr := getEnv("FLEETENGINE_REDIS_ADDR", "localhost:6379")
	rdb := goredis.NewClient(&goredis.Options{Addr: redisAddr})
	mirror := archive.NewRedisMirror(rdb, log, "", 0)
	log.Info("redis archive mirror enabled", "addr", redisAddr)
	return archive.WithRedisMirror(plainArchive, mirror), nil
}

// watchStore drains the workflow store's filesystem-change events until
// events closes (the watch's context was canceled), logging each one.
func watchStore(events <-chan workflow.StoreEvent, log *logger.Logger) {
	for ev := range events {
		log.Info("workflow store change detected", "workflow_id", ev.WorkflowID, "op", ev.Op)
	}
}

// pprofPort reads FLEETENGINE_PPROF_PORT; 0 (the default) disables the
// debug endpoint.
func pprofPort() int {
	v := os.Getenv("FLEETENGINE_PPROF_PORT")
	if v == "" {
		return 0
	}
	port, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return port
}

// envConfigSource implements services.ConfigSource over plain environment
// variables, used for the "auto" SDK priority override (SPEC_FULL.md
// "Open Questions carried from spec.md").
type envConfigSource struct{}

func (envConfigSource) Get(key string, fallback interface{}) interface{} {
	envKey := "FLEETENGINE_" + key
	for i := range envKey {
		if envKey[i] == '.' {
			b := []byte(envKey)
			b[i] = '_'
			envKey = string(b)
		}
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return fallback
}
