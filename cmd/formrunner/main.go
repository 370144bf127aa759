package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"formrunner/internal/actor"
	"formrunner/internal/actor/browser"
	"formrunner/internal/actor/portalapi"
	"formrunner/internal/crypto"
	"formrunner/internal/database"
	"formrunner/internal/progress"
	"formrunner/internal/runner"
	"formrunner/internal/scheduler"
	"formrunner/internal/server"
	"formrunner/internal/store"
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	// Encryption is required before anything touches stored credentials
	if err := crypto.Init(); err != nil {
		log.Fatalf("FATAL: Encryption initialization failed: %v", err)
	}
	log.Println("Encryption initialized successfully")

	db, err := database.Init()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	hub := progress.NewHub(getEnvInt("LOG_BUFFER", progress.DefaultLogCapacity))
	checkpoints := store.New(db)

	opts := runner.Options{
		MaxAttempts: getEnvInt("MAX_ATTEMPTS", runner.DefaultMaxAttempts),
		RetryDelay:  getEnvDuration("RETRY_DELAY", runner.DefaultRetryDelay),
	}

	runs := runner.NewService(checkpoints, hub, actorFactory(), opts)
	log.Println("Runner service initialized")

	sched := scheduler.NewService(db, runs)
	if err := sched.Start(); err != nil {
		log.Printf("WARNING: Failed to start scheduler: %v", err)
	}

	srv := server.New(db, runs, hub, sched)

	// Graceful shutdown: stop the scheduler and close the database; an
	// active run keeps its checkpoint, so it can be resumed after restart
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down...")
		sched.Stop()
		if err := database.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
		os.Exit(0)
	}()

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("Listening on %s", addr)
	if err := srv.Start(addr); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
}

// actorFactory selects the portal driver: a headless browser by default, or
// the direct HTTP API client when ACTOR=portalapi
func actorFactory() runner.ActorFactory {
	if os.Getenv("ACTOR") == "portalapi" {
		return func() actor.Actor { return portalapi.New() }
	}

	cfg := browser.DefaultConfig()
	if os.Getenv("BROWSER_HEADFUL") == "true" {
		cfg.Headless = false
	}
	return func() actor.Actor { return browser.New(cfg) }
}

func getEnvInt(key string, defaultValue int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultValue
}
