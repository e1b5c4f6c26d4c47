package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vipyrsec/dragonfly-mainframe/internal/api"
	"github.com/vipyrsec/dragonfly-mainframe/internal/config"
	"github.com/vipyrsec/dragonfly-mainframe/internal/report"
	"github.com/vipyrsec/dragonfly-mainframe/internal/rules"
	"github.com/vipyrsec/dragonfly-mainframe/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`mainframe - scan pipeline coordinator

Usage:
  mainframe <command> [options]

Commands:
  serve    Start the API server
  migrate  Apply database migrations and exit

Options:
  -config string   Path to config file (default "config.yaml")

Examples:
  mainframe migrate -config config.yaml
  mainframe serve -config config.yaml`)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Initialize components
	pg, err := store.Open(cfg.DB.URL, cfg.DB.PersistentSize, cfg.DB.MaxSize, cfg.DB.AcquireTimeout)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer pg.Close()

	if err := store.Migrate(pg.DB()); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	fetcher := &rules.GitFetcher{
		RepoURL: cfg.Rules.RepoURL,
		Branch:  cfg.Rules.Branch,
		Token:   cfg.Rules.Token,
	}
	provider := rules.NewProvider(fetcher, pg)

	// Workers cannot be dispatched without a ruleset, so a failed
	// initial fetch is fatal.
	startCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	snap, err := provider.Refresh(startCtx)
	cancel()
	if err != nil {
		log.Fatalf("failed to load initial ruleset: %v", err)
	}
	log.Printf("Loaded ruleset: commit %s, %d rules", snap.Commit, len(snap.Rules))

	if cfg.Rules.RefreshSchedule != "" {
		if err := provider.StartSchedule(cfg.Rules.RefreshSchedule); err != nil {
			log.Fatalf("failed to start ruleset refresh schedule: %v", err)
		}
		defer provider.Stop()
	}

	reporter := report.NewHTTPClient(cfg.Reporter.URL, cfg.Reporter.Timeout)

	verifier, err := buildVerifier(cfg)
	if err != nil {
		log.Fatalf("failed to configure authentication: %v", err)
	}

	srv := api.New(cfg, pg, provider, reporter, verifier, os.Getenv("GIT_SHA"))

	// Handle shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Starting mainframe server on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}

func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	pg, err := store.Open(cfg.DB.URL, cfg.DB.PersistentSize, cfg.DB.MaxSize, cfg.DB.AcquireTimeout)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer pg.Close()

	if err := store.Migrate(pg.DB()); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}
	log.Println("Migrations applied")
}

func buildVerifier(cfg *config.Config) (api.Verifier, error) {
	switch {
	case cfg.Auth.InsecureDisable:
		log.Println("WARNING: authentication is disabled")
		return nil, nil
	case cfg.Auth.HS256Secret != "":
		log.Println("Using HS256 shared-secret token validation")
		return api.NewHMACVerifier(cfg.Auth.HS256Secret, cfg.Auth.Audience), nil
	case cfg.Auth.Domain != "":
		return api.NewJWKSVerifier(cfg.Auth.Domain, cfg.Auth.Audience), nil
	default:
		return nil, fmt.Errorf("no authentication method configured")
	}
}
