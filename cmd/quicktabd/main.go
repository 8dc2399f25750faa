package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tabworks/quicktabs/internal/broker"
	"github.com/tabworks/quicktabs/internal/quicktab"
)

func main() {
	addr := os.Getenv("QUICKTABD_ADDR")
	if addr == "" {
		addr = ":8787"
	}

	backend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	store, err := quicktab.NewStore(quicktab.StoreOptions{
		Backend:         backend,
		MaxQuotaRetries: intEnv("QUICKTABD_MAX_QUOTA_RETRIES", 0),
		QuotaRetryDelay: durationEnv("QUICKTABD_QUOTA_RETRY_DELAY", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer func() { _ = store.Close() }()

	server, err := broker.NewServer(store, broker.ServerConfig{
		Registry: broker.RegistryOptions{
			HeartbeatInterval: durationEnv("QUICKTABD_HEARTBEAT_INTERVAL", 0),
			CriticalWindow:    durationEnv("QUICKTABD_CRITICAL_WINDOW", 0),
			EvictAfter:        durationEnv("QUICKTABD_EVICT_AFTER", 0),
		},
		Containers:   containersFromEnv(),
		MaxBodyBytes: int64Env("QUICKTABD_MAX_BODY_BYTES", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize broker: %v", err)
	}
	defer server.Close()

	log.Printf("quicktabd listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStateBackendFromEnv() (quicktab.StateBackend, error) {
	dsn := strings.TrimSpace(os.Getenv("QUICKTABD_STATE_BACKEND_DSN"))
	if dsn != "" {
		return quicktab.BuildStateBackendFromDSN(dsn)
	}
	dir := strings.TrimSpace(os.Getenv("QUICKTABD_STATE_DIR"))
	if dir == "" {
		dir = "quicktabs-state"
	}
	return quicktab.NewJSONFileStateBackend(dir), nil
}

// containersFromEnv reads an optional JSON map of browser tab id to
// container, e.g. `{"7":{"id":"work","name":"Work"}}`.
func containersFromEnv() broker.ContainerDirectory {
	raw := strings.TrimSpace(os.Getenv("QUICKTABD_CONTAINERS"))
	if raw == "" {
		return broker.StaticContainerDirectory(nil)
	}
	byTab := map[string]quicktab.Container{}
	if err := json.Unmarshal([]byte(raw), &byTab); err != nil {
		log.Printf("invalid QUICKTABD_CONTAINERS, ignoring: %v", err)
		return broker.StaticContainerDirectory(nil)
	}
	directory := broker.StaticContainerDirectory{}
	for tabID, container := range byTab {
		id, err := strconv.Atoi(tabID)
		if err != nil {
			log.Printf("invalid tab id %q in QUICKTABD_CONTAINERS, skipping", tabID)
			continue
		}
		directory[id] = container
	}
	return directory
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
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
