package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/tablekeep/campaignd/internal/broadcast"
	"github.com/tablekeep/campaignd/internal/campaign"
	"github.com/tablekeep/campaignd/internal/httpapi"
)

type config struct {
	Addr              string        `env:"CAMPAIGND_ADDR" envDefault:":8080"`
	StateDSN          string        `env:"CAMPAIGND_STATE_DSN"`
	StateFile         string        `env:"CAMPAIGND_STATE_FILE" envDefault:".campaignd/state.json"`
	ReplicaDSN        string        `env:"CAMPAIGND_REPLICA_DSN"`
	DMKey             string        `env:"CAMPAIGND_DM_KEY"`
	HeartbeatInterval time.Duration `env:"CAMPAIGND_HEARTBEAT_INTERVAL" envDefault:"10s"`
	WatchStateFile    bool          `env:"CAMPAIGND_WATCH_STATE_FILE"`
	MaxBodyBytes      int64         `env:"CAMPAIGND_MAX_BODY_BYTES"`
	ShutdownTimeout   time.Duration `env:"CAMPAIGND_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment: %v", err)
	}

	backend, err := buildBackend(cfg.StateDSN, cfg.StateFile)
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	var replica campaign.StateBackend
	if strings.TrimSpace(cfg.ReplicaDSN) != "" {
		replica, err = campaign.BuildStateBackendFromDSN(cfg.ReplicaDSN)
		if err != nil {
			log.Fatalf("failed to initialize replica backend: %v", err)
		}
	}

	store := campaign.NewStoreWithOptions(campaign.StoreOptions{
		Backend:      backend,
		Replica:      replica,
		StateFile:    cfg.StateFile,
		DefaultDMKey: cfg.DMKey,
		Logger:       log.Default(),
	})
	defer store.Close()

	hub := broadcast.NewHub(cfg.HeartbeatInterval)
	defer hub.Close()
	store.SetOnCommit(hub.Broadcast)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.WatchStateFile && strings.TrimSpace(cfg.StateFile) != "" && usesStateFile(cfg.StateDSN) {
		err := campaign.WatchStateFile(rootCtx, cfg.StateFile, 0, func() {
			if err := store.Reload(); err != nil {
				log.Printf("state file reload failed: %v", err)
				return
			}
			log.Printf("state file changed on disk, reloaded")
		}, log.Default())
		if err != nil {
			log.Fatalf("failed to watch state file: %v", err)
		}
	}

	api := httpapi.NewServerWithConfig(store, hub, httpapi.ServerConfig{
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	server := &http.Server{Addr: cfg.Addr, Handler: api}

	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}()

	log.Printf("campaignd listening on %s", cfg.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

// buildBackend prefers an explicit DSN and falls back to the JSON state
// file path. An empty result means the store runs in memory only.
func buildBackend(stateDSN, stateFile string) (campaign.StateBackend, error) {
	switch {
	case strings.TrimSpace(stateDSN) != "":
		return campaign.BuildStateBackendFromDSN(stateDSN)
	case strings.TrimSpace(stateFile) != "":
		return campaign.BuildStateBackendFromDSN(stateFile)
	default:
		return nil, nil
	}
}

// usesStateFile reports whether the durable layer is the local JSON file,
// the only backend worth watching for out-of-band edits.
func usesStateFile(stateDSN string) bool {
	dsn := strings.TrimSpace(stateDSN)
	return dsn == "" || strings.HasPrefix(dsn, "file://") || !strings.Contains(dsn, "://")
}
