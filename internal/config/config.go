// Package config loads Refractor's process configuration from the
// environment into a single flat struct built by one Load function
// rather than a framework-driven config tree.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full set of knobs main wires into the rest of the
// process.
type Config struct {
	ListenAddr string

	StoreDriver string // "memory" or "postgres"
	DatabaseURL string

	AdminToken string // bearer token guarding the monitoring/admin routes

	QueueMinConcurrency int
	QueueMaxConcurrency int
	QueueInitialN       int

	FinalizerTickInterval time.Duration
	SweepInterval         time.Duration

	StellarEndpoints map[string]string // "blockchain:network" -> horizon url
	EVMEndpoints     map[string]string // network -> json-rpc url
}

// Load reads Config from the environment, applying sensible
// local-development defaults for every variable left unset.
func Load() (*Config, error) {
	c := &Config{
		ListenAddr:            getEnv("REFRACTOR_LISTEN_ADDR", ":8080"),
		StoreDriver:           getEnv("REFRACTOR_STORE_DRIVER", "memory"),
		DatabaseURL:           getEnv("REFRACTOR_DATABASE_URL", ""),
		AdminToken:            getEnv("REFRACTOR_ADMIN_TOKEN", ""),
		QueueMinConcurrency:   getEnvInt("REFRACTOR_QUEUE_MIN_CONCURRENCY", 2),
		QueueMaxConcurrency:   getEnvInt("REFRACTOR_QUEUE_MAX_CONCURRENCY", 32),
		QueueInitialN:         getEnvInt("REFRACTOR_QUEUE_INITIAL_CONCURRENCY", 4),
		FinalizerTickInterval: getEnvDuration("REFRACTOR_FINALIZER_TICK", 3*time.Second),
		SweepInterval:         getEnvDuration("REFRACTOR_SWEEP_INTERVAL", 60*time.Second),
		StellarEndpoints: map[string]string{
			"stellar:public":    getEnv("REFRACTOR_STELLAR_PUBLIC_HORIZON", "https://horizon.stellar.org"),
			"stellar:testnet":   getEnv("REFRACTOR_STELLAR_TESTNET_HORIZON", "https://horizon-testnet.stellar.org"),
			"stellar:futurenet": getEnv("REFRACTOR_STELLAR_FUTURENET_HORIZON", "https://horizon-futurenet.stellar.org"),
			"onemoney:mainnet":  getEnv("REFRACTOR_ONEMONEY_MAINNET_HORIZON", ""),
			"onemoney:testnet":  getEnv("REFRACTOR_ONEMONEY_TESTNET_HORIZON", ""),
		},
		EVMEndpoints: map[string]string{
			"mainnet": getEnv("REFRACTOR_ETHEREUM_MAINNET_RPC", "https://cloudflare-eth.com"),
			"sepolia": getEnv("REFRACTOR_ETHEREUM_SEPOLIA_RPC", "https://rpc.sepolia.org"),
			"goerli":  getEnv("REFRACTOR_ETHEREUM_GOERLI_RPC", "https://rpc.goerli.mudit.blog"),
		},
	}

	if c.StoreDriver == "postgres" && c.DatabaseURL == "" {
		return nil, fmt.Errorf("REFRACTOR_DATABASE_URL is required when REFRACTOR_STORE_DRIVER=postgres")
	}
	if c.StoreDriver != "memory" && c.StoreDriver != "postgres" {
		return nil, fmt.Errorf("unknown REFRACTOR_STORE_DRIVER %q: want \"memory\" or \"postgres\"", c.StoreDriver)
	}
	return c, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
