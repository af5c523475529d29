package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"atlas/internal/logging"
	"atlas/internal/stubserver"
)

func main() {
	// Dev overrides may live in a local .env; absence is fine.
	_ = godotenv.Load()

	fs := flag.NewFlagSet("atlas-stub", flag.ExitOnError)
	addr := fs.String("addr", envOr("ATLAS_STUB_ADDR", "127.0.0.1:8620"), "listen address")
	delay := fs.Duration("token-delay", 40*time.Millisecond, "delay between streamed chunks")
	level := fs.String("log-level", envOr("ATLAS_STUB_LOG_LEVEL", "info"), "log level")
	_ = fs.Parse(os.Args[1:])

	log := logging.New(os.Stdout, logging.ParseLevel(*level))
	server := stubserver.New(log, stubserver.WithTokenDelay(*delay))

	log.Info("stub backend listening", logging.F("addr", *addr))
	if err := http.ListenAndServe(*addr, server.Handler()); err != nil {
		fmt.Fprintf(os.Stderr, "atlas-stub: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
