// Package config holds the relay daemon configuration.
//
// Configuration is read from <data-dir>/config.yaml, created with defaults
// on first run. Secrets never live in the YAML file: they are overlaid from
// the environment and an optional <data-dir>/.env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/bridge-relay/internal/apperr"
)

// Environment variables carrying secrets.
const (
	EnvEthPrivateKey      = "RELAY_ETH_PRIVATE_KEY"
	EnvStellarSecret      = "RELAY_STELLAR_SECRET_SEED"
	EnvStellarClaimerSeed = "RELAY_STELLAR_CLAIMER_SEEDS"
	EnvSecretPassphrase   = "RELAY_SECRET_PASSPHRASE"
	EnvRedisURL           = "RELAY_REDIS_URL"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// EnvFileName is the optional secrets file inside the data directory.
const EnvFileName = ".env"

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = apperr.New(apperr.KindValidation, "invalid configuration")

// Config holds all configuration for the relay daemon.
type Config struct {
	// DevMode replaces both chain adapters with in-memory ledgers.
	DevMode bool `yaml:"dev_mode"`

	Storage       StorageConfig      `yaml:"storage"`
	Logging       LoggingConfig      `yaml:"logging"`
	API           APIConfig          `yaml:"api"`
	Ethereum      EthereumConfig     `yaml:"ethereum"`
	Stellar       StellarConfig      `yaml:"stellar"`
	Swap          SwapConfig         `yaml:"swap"`
	Orders        OrdersConfig       `yaml:"orders"`
	Events        EventsConfig       `yaml:"events"`
	Subscriptions SubscriptionConfig `yaml:"subscriptions"`
	Gas           GasConfig          `yaml:"gas"`
	Redis         RedisConfig        `yaml:"redis"`
	Metrics       MetricsConfig      `yaml:"metrics"`
	Health        HealthConfig       `yaml:"health"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`

	// SecretPassphrase seals submitted order secrets at rest. Env only.
	SecretPassphrase string `yaml:"-"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// APIConfig holds the JSON-RPC / WebSocket listener settings.
type APIConfig struct {
	Listen      string   `yaml:"listen"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// EthereumConfig holds the EVM side settings.
type EthereumConfig struct {
	RPCURL       string `yaml:"rpc_url"`
	ChainID      uint64 `yaml:"chain_id"`
	HTLCContract string `yaml:"htlc_contract"`

	// Confirmations before a lock counts as observed.
	Confirmations uint64 `yaml:"confirmations"`

	// PrivateKey is the relayer's hex key. Env only.
	PrivateKey string `yaml:"-"`
}

// StellarConfig holds the Stellar side settings.
type StellarConfig struct {
	HorizonURL string `yaml:"horizon_url"`

	// NetworkPassphrase is signed into every transaction.
	NetworkPassphrase string `yaml:"network_passphrase"`

	// BaseFee is the per-operation fee in stroops.
	BaseFee int64 `yaml:"base_fee"`

	// SecretSeed is the relayer account's S... seed. Env only.
	SecretSeed string `yaml:"-"`

	// ClaimerSeeds are comma-separated seeds of accounts the relayer claims
	// or reclaims balances for. Env only.
	ClaimerSeeds string `yaml:"-"`
}

// SwapConfig holds coordinator timing.
type SwapConfig struct {
	LockInterval     time.Duration `yaml:"lock_interval"`
	ClaimInterval    time.Duration `yaml:"claim_interval"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	ChainCallTimeout time.Duration `yaml:"chain_call_timeout"`

	// Concurrency bounds parallel chain calls within one sweep.
	Concurrency int `yaml:"concurrency"`

	// MaxLockAttempts is how many ticks a failing counterparty lock is retried
	// before the swap is expired and the source lock handed to the watchdog.
	MaxLockAttempts int `yaml:"max_lock_attempts"`

	// DefaultTimelock is used when a swap request carries no timelock.
	DefaultTimelock time.Duration `yaml:"default_timelock"`
}

// OrdersConfig holds order registry settings.
type OrdersConfig struct {
	Fragments     int           `yaml:"fragments"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// EventsConfig holds event retention settings.
type EventsConfig struct {
	RingSize    int `yaml:"ring_size"`
	HistorySize int `yaml:"history_size"`
}

// SubscriptionConfig holds delivery defaults.
type SubscriptionConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	BatchTimeout    time.Duration `yaml:"batch_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	AckTimeout      time.Duration `yaml:"ack_timeout"`
	MaxBuffer       int           `yaml:"max_buffer"`
	QuotaWindow     time.Duration `yaml:"quota_window"`
	QuotaEvents     int           `yaml:"quota_events"`
	QuotaBytes      int64         `yaml:"quota_bytes"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// GasConfig holds gas tracker settings.
type GasConfig struct {
	Interval time.Duration `yaml:"interval"`

	// Source is "ethereum" to query the node, or "static".
	Source string `yaml:"source"`
}

// RedisConfig enables the external event mirror.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
	MaxLen  int64  `yaml:"max_len"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HealthConfig tunes the dependency checks behind relay_health and /health.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`

	// MaxChainLag degrades a chain whose tip is older than this.
	MaxChainLag time.Duration `yaml:"max_chain_lag"`

	// MaxBusPending degrades the bus when this many events wait in
	// subscriber channels.
	MaxBusPending int `yaml:"max_bus_pending"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: "~/.bridge-relay",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		API: APIConfig{
			Listen:      "127.0.0.1:8645",
			CORSOrigins: []string{},
		},
		Ethereum: EthereumConfig{
			ChainID:       11155111,
			Confirmations: 1,
		},
		Stellar: StellarConfig{
			HorizonURL:        "https://horizon-testnet.stellar.org",
			NetworkPassphrase: StellarTestnetPassphrase,
			BaseFee:           100,
		},
		Swap: SwapConfig{
			LockInterval:     5 * time.Second,
			ClaimInterval:    10 * time.Second,
			WatchdogInterval: 30 * time.Second,
			ChainCallTimeout: 30 * time.Second,
			Concurrency:      8,
			MaxLockAttempts:  3,
			DefaultTimelock:  time.Hour,
		},
		Orders: OrdersConfig{
			Fragments:     10,
			DefaultTTL:    24 * time.Hour,
			SweepInterval: time.Minute,
		},
		Events: EventsConfig{
			RingSize:    500,
			HistorySize: 10000,
		},
		Subscriptions: SubscriptionConfig{
			BatchSize:       10,
			BatchTimeout:    time.Second,
			MaxRetries:      3,
			RetryDelay:      time.Second,
			AckTimeout:      5 * time.Second,
			MaxBuffer:       1000,
			QuotaWindow:     time.Minute,
			QuotaEvents:     1000,
			QuotaBytes:      10 << 20,
			IdleTimeout:     5 * time.Minute,
			CleanupInterval: 30 * time.Second,
		},
		Gas: GasConfig{
			Interval: 15 * time.Second,
			Source:   "ethereum",
		},
		Redis: RedisConfig{
			URL:    "redis://localhost:6379/0",
			Stream: "relay:events",
			MaxLen: 100000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Interval:      30 * time.Second,
			Timeout:       5 * time.Second,
			MaxChainLag:   5 * time.Minute,
			MaxBusPending: 256,
		},
	}
}

// LoadConfig loads configuration from <dataDir>/config.yaml.
// If the file doesn't exist, it creates one with default values.
// Secrets are overlaid from <dataDir>/.env and the process environment.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	cfg := DefaultConfig()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		if err := cfg.load(configPath); err != nil {
			return nil, err
		}
	}

	if err := cfg.LoadEnv(filepath.Join(expandedDir, EnvFileName)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads configuration from an explicit path without creating it.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.load(expandPath(path)); err != nil {
		return nil, err
	}
	envPath := filepath.Join(filepath.Dir(expandPath(path)), EnvFileName)
	if err := cfg.LoadEnv(envPath); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadEnv overlays secrets from an optional dotenv file and the environment.
// Variables already set in the environment take precedence over the file.
func (c *Config) LoadEnv(envFile string) error {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("failed to load %s: %w", envFile, err)
			}
		}
	}

	if v := os.Getenv(EnvEthPrivateKey); v != "" {
		c.Ethereum.PrivateKey = strings.TrimPrefix(v, "0x")
	}
	if v := os.Getenv(EnvStellarSecret); v != "" {
		c.Stellar.SecretSeed = v
	}
	if v := os.Getenv(EnvStellarClaimerSeed); v != "" {
		c.Stellar.ClaimerSeeds = v
	}
	if v := os.Getenv(EnvSecretPassphrase); v != "" {
		c.Storage.SecretPassphrase = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Redis.URL = v
	}
	return nil
}

// Validate checks that the required chain endpoints are present.
// Dev mode runs on in-memory chains and needs none of them.
func (c *Config) Validate() error {
	var missing []string

	if c.API.Listen == "" {
		missing = append(missing, "api.listen")
	}
	if c.Orders.Fragments <= 0 {
		missing = append(missing, "orders.fragments")
	}

	if !c.DevMode {
		if c.Ethereum.RPCURL == "" {
			missing = append(missing, "ethereum.rpc_url")
		}
		if c.Ethereum.HTLCContract == "" {
			missing = append(missing, "ethereum.htlc_contract")
		}
		if c.Ethereum.PrivateKey == "" {
			missing = append(missing, EnvEthPrivateKey)
		}
		if c.Stellar.HorizonURL == "" {
			missing = append(missing, "stellar.horizon_url")
		}
		if c.Stellar.SecretSeed == "" {
			missing = append(missing, EnvStellarSecret)
		}
	}

	if c.Redis.Enabled && c.Redis.URL == "" {
		missing = append(missing, "redis.url")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Bridge Relay Configuration\n# Generated automatically on first run\n# Secrets belong in .env (" +
		EnvEthPrivateKey + ", " + EnvStellarSecret + ", " + EnvSecretPassphrase + ")\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// DataDir returns the expanded data directory.
func (c *Config) DataDir() string {
	return expandPath(c.Storage.DataDir)
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
