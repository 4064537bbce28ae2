// Package config loads and validates the relayer configuration from a YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the full relayer configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Source      SourceConfig      `mapstructure:"source"`
	Destination DestinationConfig `mapstructure:"destination"`
	Relay       RelayConfig       `mapstructure:"relay"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Executor    ExecutorConfig    `mapstructure:"executor"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// SourceConfig contains the watched source chain settings.
type SourceConfig struct {
	Name               string        `mapstructure:"name"`
	RPCURL             string        `mapstructure:"rpc_url"`
	ChainID            int64         `mapstructure:"chain_id"`
	BridgeContract     string        `mapstructure:"bridge_contract"`
	ConfirmationBlocks int           `mapstructure:"confirmation_blocks"`
	PollingInterval    time.Duration `mapstructure:"polling_interval"`
	StartBlock         int64         `mapstructure:"start_block"`
	// Tokens maps asset symbols to their contract addresses on this chain.
	Tokens map[string]string `mapstructure:"tokens"`
}

// DestinationConfig contains the settlement destination chain settings.
type DestinationConfig struct {
	Name              string        `mapstructure:"name"`
	RPCURL            string        `mapstructure:"rpc_url"`
	ChainID           int64         `mapstructure:"chain_id"`
	BridgeContract    string        `mapstructure:"bridge_contract"`
	RelayerPrivateKey string        `mapstructure:"relayer_private_key"`
	GasLimit          uint64        `mapstructure:"gas_limit"`
	MaxGasPrice       string        `mapstructure:"max_gas_price"`
	ConfirmTimeout    time.Duration `mapstructure:"confirm_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ConfirmationBlocks int          `mapstructure:"confirmation_blocks"`
	// Tokens maps asset symbols to their contract addresses on this chain.
	Tokens map[string]string `mapstructure:"tokens"`
}

// RelayConfig contains pipeline settings.
type RelayConfig struct {
	Workers              int           `mapstructure:"workers"`
	Assets               []string      `mapstructure:"assets"`
	ShutdownGrace        time.Duration `mapstructure:"shutdown_grace"`
	PendingRetryInterval time.Duration `mapstructure:"pending_retry_interval"`
	PendingRetryAge      time.Duration `mapstructure:"pending_retry_age"`
	ReconcileInterval    time.Duration `mapstructure:"reconcile_interval"`
	// MaxAmount caps a single settlement's amount, as a decimal string.
	// Empty or "0" disables the cap.
	MaxAmount string `mapstructure:"max_amount"`
}

// MonitorConfig contains event subscription liveness settings.
type MonitorConfig struct {
	ReconnectBase        time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax         time.Duration `mapstructure:"reconnect_max"`
	MaxAttemptsPerOutage int           `mapstructure:"max_attempts_per_outage"`
	SilenceWindow        time.Duration `mapstructure:"silence_window"`
	ProbeInterval        time.Duration `mapstructure:"probe_interval"`
	Buffer               int           `mapstructure:"buffer"`
}

// ExecutorConfig contains outbound submission retry settings.
type ExecutorConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// AdminConfig contains settings for the authenticated operator endpoints.
type AdminConfig struct {
	// JWTSecret signs and verifies operator tokens. Empty disables the
	// admin endpoints entirely.
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.database", "zenz_relayer")

	// Source chain defaults
	viper.SetDefault("source.name", "source")
	viper.SetDefault("source.confirmation_blocks", 12)
	viper.SetDefault("source.polling_interval", "15s")
	viper.SetDefault("source.start_block", 0)

	// Destination chain defaults
	viper.SetDefault("destination.name", "destination")
	viper.SetDefault("destination.gas_limit", 300000)
	viper.SetDefault("destination.confirm_timeout", "2m")
	viper.SetDefault("destination.poll_interval", "3s")

	// Relay defaults
	viper.SetDefault("relay.workers", 4)
	viper.SetDefault("relay.assets", []string{"ZEC"})
	viper.SetDefault("relay.shutdown_grace", "30s")
	viper.SetDefault("relay.pending_retry_interval", "1m")
	viper.SetDefault("relay.pending_retry_age", "1m")
	viper.SetDefault("relay.reconcile_interval", "5m")

	// Monitor defaults
	viper.SetDefault("monitor.reconnect_base", "1s")
	viper.SetDefault("monitor.reconnect_max", "30s")
	viper.SetDefault("monitor.max_attempts_per_outage", 10)
	viper.SetDefault("monitor.silence_window", "5m")
	viper.SetDefault("monitor.probe_interval", "30s")
	viper.SetDefault("monitor.buffer", 64)

	// Executor defaults
	viper.SetDefault("executor.max_attempts", 5)
	viper.SetDefault("executor.base_delay", "2s")
	viper.SetDefault("executor.max_delay", "60s")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output_path", "stdout")
}

func validate(config *Config) error {
	if config.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if config.Source.RPCURL == "" {
		return fmt.Errorf("source.rpc_url is required")
	}
	if config.Source.BridgeContract == "" {
		return fmt.Errorf("source.bridge_contract is required")
	}
	if config.Destination.RPCURL == "" {
		return fmt.Errorf("destination.rpc_url is required")
	}
	if config.Destination.BridgeContract == "" {
		return fmt.Errorf("destination.bridge_contract is required")
	}
	if len(config.Relay.Assets) == 0 {
		return fmt.Errorf("relay.assets must name at least one asset")
	}
	if config.Relay.MaxAmount != "" {
		if _, err := decimal.NewFromString(config.Relay.MaxAmount); err != nil {
			return fmt.Errorf("relay.max_amount is not a valid decimal: %w", err)
		}
	}
	return nil
}

// GetConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) GetConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
