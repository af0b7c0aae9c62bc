package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/agentc2/backend/internal/agreement"
	"github.com/agentc2/backend/internal/api"
	"github.com/agentc2/backend/internal/audit"
	"github.com/agentc2/backend/internal/config"
	"github.com/agentc2/backend/internal/crypto"
	"github.com/agentc2/backend/internal/gateway"
	"github.com/agentc2/backend/internal/metrics"
	"github.com/agentc2/backend/internal/policy"
	"github.com/agentc2/backend/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Server.Env == "development" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	master, err := crypto.NewMasterKey(cfg.Security.MasterSecret)
	if err != nil {
		slog.Error("master key init failed", "error", err)
		os.Exit(1)
	}

	st, closeStore, err := buildStore(cfg)
	if err != nil {
		slog.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	m := metrics.NewMetrics()

	auditor := audit.NewLogger(st, cfg.Audit.QueueSize, func(entry *store.AuditEntry, reason string) {
		m.AuditDrops.WithLabelValues(reason).Inc()
	})
	defer auditor.Close()

	counters := buildCounters(cfg)
	breakers := policy.NewBreakerSet()

	manager := agreement.NewManager(st, master, auditor)
	if cfg.Federation.DefaultMaxRequestsPerHour > 0 {
		manager.DefaultMaxRequestsPerHour = cfg.Federation.DefaultMaxRequestsPerHour
	}
	if cfg.Federation.DefaultMaxRequestsPerDay > 0 {
		manager.DefaultMaxRequestsPerDay = cfg.Federation.DefaultMaxRequestsPerDay
	}
	engine := policy.NewEngine(st, counters, breakers, manager, auditor, m)
	gw := gateway.New(manager, engine, st, master, auditor, m)

	server := api.NewServer(manager, gw, auditor, buildInvoker(cfg))

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("federation trust gateway starting",
		"port", cfg.Server.Port,
		"env", cfg.Server.Env)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func buildStore(cfg *config.Config) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store; data will not survive restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	pg := store.NewPostgresStore(db)
	if cfg.Database.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		slog.Info("database schema migrated")
	}
	return pg, func() { db.Close() }, nil
}

func buildCounters(cfg *config.Config) policy.CounterStore {
	if cfg.Redis.Addr == "" {
		slog.Warn("REDIS_ADDR not set, rate-limit counters are per-process only")
		return policy.NewMemoryCounterStore()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return policy.NewRedisCounterStore(rdb)
}

// buildInvoker returns the agent-runtime callable. Production points at
// the runtime service via AGENT_RUNTIME_URL; development without one
// gets a local echo so the pipeline is exercisable end to end.
func buildInvoker(cfg *config.Config) gateway.InvokeAgentFunc {
	runtimeURL := os.Getenv("AGENT_RUNTIME_URL")
	if runtimeURL == "" {
		if cfg.Server.Env != "development" {
			slog.Warn("AGENT_RUNTIME_URL not set, invocations will fail")
			return func(ctx context.Context, agentSlug, message, orgID, conversationID string) (*gateway.InvokeResult, error) {
				return nil, fmt.Errorf("no agent runtime configured")
			}
		}
		slog.Warn("AGENT_RUNTIME_URL not set, using development echo runtime")
		return func(ctx context.Context, agentSlug, message, orgID, conversationID string) (*gateway.InvokeResult, error) {
			return &gateway.InvokeResult{
				Response:    fmt.Sprintf("echo from %s: %s", agentSlug, message),
				ContentType: "text/plain",
			}, nil
		}
	}

	client := &http.Client{Timeout: 120 * time.Second}
	return func(ctx context.Context, agentSlug, message, orgID, conversationID string) (*gateway.InvokeResult, error) {
		body, err := json.Marshal(map[string]string{
			"agentSlug":      agentSlug,
			"message":        message,
			"orgId":          orgID,
			"conversationId": conversationID,
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, runtimeURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("agent runtime request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("agent runtime returned %d", resp.StatusCode)
		}

		var out struct {
			Response     string  `json:"response"`
			ContentType  string  `json:"contentType"`
			RunID        string  `json:"runId"`
			InputTokens  int     `json:"inputTokens"`
			OutputTokens int     `json:"outputTokens"`
			CostUSD      float64 `json:"costUsd"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("agent runtime response: %w", err)
		}
		return &gateway.InvokeResult{
			Response:     out.Response,
			ContentType:  out.ContentType,
			RunID:        out.RunID,
			InputTokens:  out.InputTokens,
			OutputTokens: out.OutputTokens,
			CostUSD:      out.CostUSD,
		}, nil
	}
}
