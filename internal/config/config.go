// Package config loads daemon configuration from a YAML file, an optional
// .env file and the process environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/keyleu/secure-messaging/internal/coin"
	"github.com/keyleu/secure-messaging/internal/database"
	"github.com/keyleu/secure-messaging/internal/engine"
	"github.com/keyleu/secure-messaging/pkg/logger"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config is the daemon configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Logging  logger.LoggingConfig `yaml:"logging"`
	Database database.Config      `yaml:"database"`
	Ledger   LedgerConfig         `yaml:"ledger"`
	Auth     AuthConfig           `yaml:"auth"`
	Genesis  GenesisConfig        `yaml:"genesis"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"MESSAGING_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"MESSAGING_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"MESSAGING_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"MESSAGING_SHUTDOWN_TIMEOUT"`
	RateLimit       float64       `yaml:"rate_limit" env:"MESSAGING_RATE_LIMIT"`
	RateBurst       int           `yaml:"rate_burst" env:"MESSAGING_RATE_BURST"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"MESSAGING_CORS_ORIGINS"`
	MaxQueries      int           `yaml:"max_concurrent_queries" env:"MESSAGING_MAX_CONCURRENT_QUERIES"`
	MaxStreams      int           `yaml:"max_streams" env:"MESSAGING_MAX_STREAMS"`
}

// LedgerConfig configures the execution engine.
type LedgerConfig struct {
	ChainID          string `yaml:"chain_id" env:"MESSAGING_CHAIN_ID"`
	Storage          string `yaml:"storage" env:"MESSAGING_STORAGE"`
	EventBuffer      int    `yaml:"event_buffer" env:"MESSAGING_EVENT_BUFFER"`
	MetricsNamespace string `yaml:"metrics_namespace" env:"MESSAGING_METRICS_NAMESPACE"`
	MaxCallDepth     int    `yaml:"max_call_depth" env:"MESSAGING_MAX_CALL_DEPTH"`
}

// AuthConfig configures sender authentication on write endpoints.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"MESSAGING_JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"MESSAGING_JWT_ISSUER"`
}

// GenesisConfig seeds a fresh ledger.
type GenesisConfig struct {
	Admin      string            `yaml:"admin" env:"MESSAGING_GENESIS_ADMIN"`
	Balances   []GenesisBalance  `yaml:"balances"`
	Controller ControllerGenesis `yaml:"controller"`
}

// GenesisBalance credits coins such as "1000uatom,50uxyz" to an address.
type GenesisBalance struct {
	Address string `yaml:"address"`
	Coins   string `yaml:"coins"`
}

// ControllerGenesis is the Controller's instantiation parameters. Costs
// are single coins such as "10uatom"; empty disables the fee.
type ControllerGenesis struct {
	CreateProfileCost string `yaml:"create_profile_cost"`
	SendMessageCost   string `yaml:"send_message_cost"`
	MessageMaxLen     uint32 `yaml:"message_max_len"`
	DefaultQueryLimit uint32 `yaml:"default_query_limit"`
	MaxQueryLimit     uint32 `yaml:"max_query_limit"`
}

// Default returns a configuration for a local in-memory ledger.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       20,
			RateBurst:       40,
			MaxQueries:      64,
			MaxStreams:      256,
		},
		Logging: logger.LoggingConfig{Level: "info", Format: "text"},
		Database: database.Config{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
		},
		Ledger: LedgerConfig{
			ChainID:          "messaging-1",
			Storage:          StorageMemory,
			EventBuffer:      1024,
			MetricsNamespace: "messaging",
			MaxCallDepth:     engine.DefaultMaxCallDepth,
		},
		Auth: AuthConfig{Issuer: "messagingd"},
		Genesis: GenesisConfig{
			Controller: ControllerGenesis{
				MessageMaxLen:     2048,
				DefaultQueryLimit: 10,
				MaxQueryLimit:     50,
			},
		},
	}
}

// Load reads path (optional), then envFile (optional), then applies
// environment overrides and validates the result.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		problems = append(problems, "server rate limits must not be negative")
	}
	if c.Server.MaxQueries < 0 || c.Server.MaxStreams < 0 {
		problems = append(problems, "server concurrency limits must not be negative")
	}
	switch c.Ledger.Storage {
	case StorageMemory:
	case StoragePostgres:
		if c.Database.DSN == "" {
			problems = append(problems, "database.dsn is required for postgres storage")
		}
	default:
		problems = append(problems, fmt.Sprintf("ledger.storage %q is not one of memory, postgres", c.Ledger.Storage))
	}
	if c.Ledger.MaxCallDepth <= 0 {
		problems = append(problems, "ledger.max_call_depth must be positive")
	}

	if c.Genesis.Admin != "" {
		if err := engine.ValidateAddress(c.Genesis.Admin); err != nil {
			problems = append(problems, "genesis.admin: "+err.Error())
		}
	}
	for i, b := range c.Genesis.Balances {
		if err := engine.ValidateAddress(b.Address); err != nil {
			problems = append(problems, fmt.Sprintf("genesis.balances[%d]: %v", i, err))
		}
		if _, err := coin.ParseCoins(b.Coins); err != nil {
			problems = append(problems, fmt.Sprintf("genesis.balances[%d]: %v", i, err))
		}
	}
	ctrl := c.Genesis.Controller
	if _, err := ctrl.ProfileCost(); err != nil {
		problems = append(problems, "genesis.controller.create_profile_cost: "+err.Error())
	}
	if _, err := ctrl.MessageCost(); err != nil {
		problems = append(problems, "genesis.controller.send_message_cost: "+err.Error())
	}
	if ctrl.MessageMaxLen == 0 {
		problems = append(problems, "genesis.controller.message_max_len must be positive")
	}
	if ctrl.DefaultQueryLimit == 0 || ctrl.DefaultQueryLimit > ctrl.MaxQueryLimit {
		problems = append(problems, "genesis.controller query limits need 1 <= default <= max")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ProfileCost parses CreateProfileCost.
func (g ControllerGenesis) ProfileCost() (*coin.Coin, error) {
	return parseCost(g.CreateProfileCost)
}

// MessageCost parses SendMessageCost.
func (g ControllerGenesis) MessageCost() (*coin.Coin, error) {
	return parseCost(g.SendMessageCost)
}

func parseCost(s string) (*coin.Coin, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	c, err := coin.ParseCoin(s)
	if err != nil {
		return nil, err
	}
	if c.IsZero() {
		return nil, fmt.Errorf("zero fee %s; leave the cost empty to make the action free", c)
	}
	return &c, nil
}
