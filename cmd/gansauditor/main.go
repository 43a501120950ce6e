// GansAuditor codex server - synchronous adversarial code auditing over MCP.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drcubix/gansauditor/pkg/audit"
	"github.com/drcubix/gansauditor/pkg/codex"
	"github.com/drcubix/gansauditor/pkg/config"
	"github.com/drcubix/gansauditor/pkg/observability"
	"github.com/drcubix/gansauditor/pkg/server"
	"github.com/drcubix/gansauditor/pkg/session"
	"github.com/drcubix/gansauditor/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	envFile := flag.String("env-file",
		getEnv("GAN_ENV_FILE", ".env"),
		"Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("Warning: Could not load %s file: %v", *envFile, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", *envFile)
	}

	log.Printf("Starting %s", version.Full())

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	log.Printf("Workers: %d, queue depth: %d, audit timeout: %s",
		cfg.Queue.MaxConcurrentAudits, cfg.Queue.MaxQueueDepth, cfg.Queue.AuditTimeout)
	log.Printf("Ship tiers: %d/%d %d/%d %d/%d, hard stop: %d",
		cfg.Completion.Tier1Score, cfg.Completion.Tier1MinLoops,
		cfg.Completion.Tier2Score, cfg.Completion.Tier2MinLoops,
		cfg.Completion.Tier3Score, cfg.Completion.Tier3MinLoops,
		cfg.Completion.HardStopLoops)
	log.Printf("State directory: %s", cfg.Store.StateDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability wiring root: one registry, one redactor, one stream
	// logger, composed here and injected everywhere.
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	redactor := observability.NewRedactor(cfg.Observability.ExtraSecretPatterns)
	logs := observability.NewStreamLogger(observability.LoggerOptions{
		Dir:           cfg.Observability.LogDir,
		BufferSize:    cfg.Observability.BufferSize,
		FlushInterval: cfg.Observability.FlushInterval,
		MaxFileSizeMB: cfg.Observability.MaxFileSizeMB,
		MaxBackups:    cfg.Observability.MaxBackups,
	}, redactor, metrics)
	logs.Start(ctx)
	defer logs.Stop()

	store, err := session.NewStore(cfg.Store, cfg.Completion.SessionConfig(), metrics, logs)
	if err != nil {
		log.Fatalf("Failed to initialize session store: %v", err)
	}

	reaper := session.NewReaper(store)
	reaper.Start(ctx)
	defer reaper.Stop()

	driver := codex.NewDriver(cfg.Codex, codex.NewExecRunner(), redactor, metrics, logs)
	if v, err := driver.CheckAvailable(ctx); err != nil {
		log.Printf("Warning: analyzer unavailable: %v", err)
	} else {
		log.Printf("Analyzer available: %s %s", cfg.Codex.Executable, v)
	}
	defer driver.Shutdown(context.Background())

	orch := audit.NewOrchestrator(cfg, store, driver, metrics, logs)
	orch.Start(ctx)
	defer orch.Stop()

	// Optional health/metrics listener; MCP itself runs on stdio.
	if port := os.Getenv("GAN_HTTP_PORT"); port != "" {
		gin.SetMode(getEnv("GIN_MODE", gin.ReleaseMode))
		router := gin.Default()
		router.GET("/health", func(c *gin.Context) {
			health := orch.Health()
			status := http.StatusOK
			if !health.IsHealthy {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{
				"healthy":         health.IsHealthy,
				"pool":            health,
				"active_sessions": store.ActiveCount(),
				"active_children": driver.ActiveChildren(),
				"active_contexts": driver.ActiveContexts(),
				"version":         version.Full(),
			})
		})
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		go func() {
			log.Printf("Health listener on :%s", port)
			if err := router.Run(":" + port); err != nil {
				log.Printf("Health listener stopped: %v", err)
			}
		}()
	}

	srv := server.NewServer(cfg, orch, logs)
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("MCP server failed: %v", err)
	}
	log.Printf("Shutting down")
}
