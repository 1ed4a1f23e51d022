// Package config loads the gateway's runtime configuration from the
// environment, with an optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentpayy/gateway/internal/chain"
)

// Config captures all runtime configuration for the gateway.
type Config struct {
	App      AppConfig
	Redis    RedisConfig
	TTL      TTLConfig
	Execute  ExecuteConfig
	Listener ListenerConfig
	Gateway  GatewayConfig
	Networks []chain.NetworkConfig
}

// AppConfig holds generic application settings.
type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

// RedisConfig selects the shared cache backend. An empty address falls back
// to the in-memory stores, which are fine for a single instance.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// TTLConfig bounds the three local stores.
type TTLConfig struct {
	Input    time.Duration
	Response time.Duration
	Receipt  time.Duration
}

// ExecuteConfig tunes the outbound execution policy.
type ExecuteConfig struct {
	AttemptTimeout time.Duration
	MaxAttempts    int
	BackoffStep    time.Duration
}

// ListenerConfig tunes event queueing and concurrency.
type ListenerConfig struct {
	QueueSize   int
	Concurrency int
}

// GatewayConfig holds the signing identity. The private key is the one piece
// of configuration the gateway cannot run without.
type GatewayConfig struct {
	PrivateKey string
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in when present.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{
		App: AppConfig{
			Env:      getEnv("APP_ENV", "production"),
			Port:     getEnvInt("PORT", 3000),
			LogLevel: getEnv("LOG_LEVEL", "info"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		TTL: TTLConfig{
			Input:    getEnvDuration("INPUT_TTL", time.Hour),
			Response: getEnvDuration("RESPONSE_TTL", time.Hour),
			Receipt:  getEnvDuration("RECEIPT_TTL", 24*time.Hour),
		},
		Execute: ExecuteConfig{
			AttemptTimeout: getEnvDuration("EXECUTE_TIMEOUT", 30*time.Second),
			MaxAttempts:    getEnvInt("EXECUTE_MAX_ATTEMPTS", 3),
			BackoffStep:    getEnvDuration("EXECUTE_BACKOFF", time.Second),
		},
		Listener: ListenerConfig{
			QueueSize:   getEnvInt("LISTENER_QUEUE_SIZE", 256),
			Concurrency: getEnvInt("LISTENER_CONCURRENCY", 32),
		},
		Gateway: GatewayConfig{
			PrivateKey: getEnv("GATEWAY_PRIVATE_KEY", ""),
		},
		Networks: loadNetworks(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the startup invariants. A missing signing key halts
// startup entirely: the gateway cannot produce valid proofs without it.
func (c *Config) Validate() error {
	if c.Gateway.PrivateKey == "" {
		return errors.New("config: GATEWAY_PRIVATE_KEY is required")
	}
	if c.App.Port < 1 || c.App.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.App.Port)
	}
	if c.Execute.MaxAttempts < 1 {
		return errors.New("config: EXECUTE_MAX_ATTEMPTS must be >= 1")
	}
	return nil
}

// loadNetworks parses NETWORKS, a comma-separated list of network names,
// each resolved through <NAME>_RPC_URL, <NAME>_WS_URL, and
// <NAME>_CONTRACT. Incompletely configured networks are kept; the registry
// warns and skips them so one bad entry doesn't block the rest.
func loadNetworks() []chain.NetworkConfig {
	names := strings.Split(getEnv("NETWORKS", "base"), ",")

	var configs []chain.NetworkConfig
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		prefix := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		configs = append(configs, chain.NetworkConfig{
			Name:     name,
			RPCURL:   getEnv(prefix+"_RPC_URL", ""),
			WSURL:    getEnv(prefix+"_WS_URL", ""),
			Contract: getEnv(prefix+"_CONTRACT", ""),
		})
	}
	return configs
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}
