package main

import (
	"database/sql"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/copilotgov/backend/internal/api"
	"github.com/copilotgov/backend/internal/audit"
	"github.com/copilotgov/backend/internal/broker"
	"github.com/copilotgov/backend/internal/config"
	"github.com/copilotgov/backend/internal/directory"
	"github.com/copilotgov/backend/internal/envelope"
	"github.com/copilotgov/backend/internal/orchestrator"
	"github.com/copilotgov/backend/internal/planner"
	"github.com/copilotgov/backend/internal/policy"
	"github.com/copilotgov/backend/internal/retriever"
	"github.com/copilotgov/backend/internal/worker"
)

func main() {
	log.Println("🔥 Starting Copilot Governance Backend...")

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	secret := os.Getenv("AGENT_SIG_SECRET")
	if secret == "" {
		log.Fatal("AGENT_SIG_SECRET is required")
	}

	cfg := loadConfig()

	// Audit trail: JSONL file, optional Redis tail for shared deployments.
	auditOpts := []audit.Option{audit.WithMaxRecent(cfg.Audit.MaxRecent)}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		store, err := audit.NewRedisStore(addr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatalf("Redis audit store: %v", err)
		}
		auditOpts = append(auditOpts, audit.WithStore(store))
		log.Printf("📨 Audit events mirrored to Redis at %s", addr)
	}
	trail, err := audit.NewFileTrail(cfg.Audit.LogPath, auditOpts...)
	if err != nil {
		log.Fatalf("Audit trail: %v", err)
	}

	// Policy layer.
	store := policy.NewStore(cfg.Policy.DenyKeywords, cfg.Policy.RolePermissions, cfg.Policy.AnomalyThreshold)
	interceptor := policy.NewInterceptor(store, trail)
	gate := policy.NewRoleGate(store, trail)
	detector := policy.NewDetector(store, trail)

	// Signed messaging.
	signer := envelope.NewSigner([]byte(secret), cfg.FreshnessWindow())
	bus := broker.New(broker.Config{
		RateLimitWindow: cfg.RateLimitWindow(),
		RateLimitMax:    cfg.Broker.RateLimitMaxRequests,
	}, signer, trail)

	// Data sources. The HR directory doubles as the ledger unless a real
	// Postgres ledger is configured.
	hr := directory.NewHRDirectory()
	docs := directory.NewDocumentStore()
	var ledger directory.Ledger = hr
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("Postgres: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("Postgres ping: %v", err)
		}
		ledger = directory.NewPostgresLedger(db)
		log.Println("📨 Ledger backed by Postgres")
	}

	expense := worker.NewExpenseWorker(bus, hr, docs, ledger, directory.NewLogNotifier(), trail)
	ret := retriever.New(trail)

	orch := orchestrator.New(
		planner.New(),
		interceptor,
		gate,
		detector,
		signer,
		bus,
		expense,
		ret,
		trail,
	)

	server := api.NewServer(orch, bus, gate, docs, trail, cfg)
	if err := server.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func loadConfig() *config.Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("Config: %v", err)
		}
		log.Printf("No config file at %s, using defaults", path)
		return config.Default()
	}
	log.Printf("Loaded config from %s", path)
	return cfg
}
