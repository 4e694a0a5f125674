package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tablekeep/campaignd/internal/campaign"
	"github.com/tablekeep/campaignd/internal/viewsync"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("CAMPAIGND_BASE_URL", "http://127.0.0.1:8080"), "campaignd base URL")
	pollInterval := flag.Duration("poll-interval", durationEnv("CAMPAIGND_WATCH_POLL_INTERVAL", 5*time.Second), "fallback poll interval")
	timeout := flag.Duration("timeout", durationEnv("CAMPAIGND_WATCH_TIMEOUT", 10*time.Second), "per-request timeout")
	flag.Parse()

	client, err := viewsync.New(viewsync.Options{
		BaseURL:        strings.TrimSpace(*baseURL),
		OnRender:       logDocument,
		HTTPClient:     &http.Client{},
		Logger:         log.Default(),
		PollInterval:   *pollInterval,
		RequestTimeout: *timeout,
	})
	if err != nil {
		log.Fatalf("failed to initialize sync client: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client.Start(rootCtx)
	defer client.Close()

	<-rootCtx.Done()
	log.Printf("campaign watch stopping: %v", rootCtx.Err())
}

func logDocument(doc campaign.Document) {
	revealed := len(doc.RevealedClues())
	open := 0
	for _, n := range doc.Notifications.Items {
		if n.Status == campaign.NotificationOpen {
			open++
		}
	}
	log.Printf("campaign updated: %d characters, %d shops, %d open notifications, %d/%d clues revealed",
		len(doc.Characters), len(doc.Shops.List), open, revealed, len(doc.Clues.Items))
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
