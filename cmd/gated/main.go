package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/exhazordinary/pr-comprehension-gate/internal/config"
	"github.com/exhazordinary/pr-comprehension-gate/internal/daemon"
	"github.com/exhazordinary/pr-comprehension-gate/internal/gate"
	"github.com/exhazordinary/pr-comprehension-gate/internal/github"
	"github.com/exhazordinary/pr-comprehension-gate/internal/llm"
	"github.com/exhazordinary/pr-comprehension-gate/internal/storage"
	"github.com/exhazordinary/pr-comprehension-gate/internal/version"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("gated %s\n", version.Version)
		return
	}

	var (
		dbPath     = flag.String("db", storage.DefaultDBPath(), "path to sqlite database")
		configPath = flag.String("config", config.DefaultConfigPath(), "path to config file")
		addr       = flag.String("addr", "", "server address (overrides config)")
	)
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("Starting gated...")

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config from %s: %v", *configPath, err)
	}
	if *addr != "" {
		cfg.ServerAddr = *addr
	}
	if cfg.WebhookSecret == "" {
		log.Fatal("webhook_secret is required in config")
	}
	if cfg.GitHubAppID == 0 || cfg.GitHubPrivateKeyPath == "" {
		log.Fatal("github_app_id and github_private_key_path are required in config")
	}
	if cfg.AnthropicAPIKey == "" {
		log.Fatal("anthropic_api_key is required in config")
	}

	db, err := storage.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	log.Printf("Database: %s", *dbPath)

	tokens, err := github.NewAppTokenProviderFromFile(cfg.GitHubAppID, cfg.GitHubPrivateKeyPath)
	if err != nil {
		log.Fatalf("Failed to load GitHub App key: %v", err)
	}
	gh := github.NewClient(tokens, cfg.GitHubAPIBase, cfg.StatusContext,
		cfg.StatusRetries, cfg.MaxDiffLines, cfg.MaxFilePatchLines)
	llmClient := llm.NewClient(cfg.AnthropicAPIKey, cfg.Model, cfg.LLMTimeout())

	orch := gate.NewOrchestrator(db, gh, llmClient, llmClient, gh,
		gate.NewRateLimiter(cfg.RateLimitMaxCalls, cfg.RateLimitWindow()),
		gate.NewMetrics(), cfg)

	server := daemon.NewServer(cfg, db, orch)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)
		if err := server.Stop(); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
