// Package config loads rrelayer's YAML configuration file. Every module's
// demo program in the teacher repo reads its RPC endpoint from an
// environment variable with a flag-provided default
// (os.Getenv("INFURA_RPC_URL")); this package generalizes that single
// pattern to a whole document: any ${VAR} or ${VAR:-default} token in the
// raw YAML is expanded against the process environment before parsing.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of rrelayer's YAML configuration file.
type Config struct {
	DatabaseURL string `yaml:"database_url"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	HTTP struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"http"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
		Enabled    bool   `yaml:"enabled"`
	} `yaml:"metrics"`

	Networks []NetworkConfig `yaml:"networks"`
	Relayers []RelayerConfig `yaml:"relayers"`

	Signer SignerConfig `yaml:"signer"`

	Webhooks WebhookConfig `yaml:"webhooks"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// NetworkConfig describes one chain's RPC endpoints and queue tuning.
type NetworkConfig struct {
	ChainID              uint64        `yaml:"chain_id"`
	Name                 string        `yaml:"name"`
	ProviderURLs         []string      `yaml:"provider_urls"`
	ConfirmationsRequired uint64       `yaml:"confirmations_required"`
	GasBumpInterval      time.Duration `yaml:"gas_bump_interval"`
	SupportsBlobs        bool          `yaml:"supports_blobs"`
	GasEstimatorURL      string        `yaml:"gas_estimator_url"` // empty -> fallback estimator only
	NewHeadsWSURL        string        `yaml:"new_heads_ws_url"`  // empty -> mined worker polls only, no websocket subscription
}

// RelayerConfig seeds a relayer at startup (in addition to any created
// later through the store/API).
type RelayerConfig struct {
	Name            string `yaml:"name"`
	ChainID         uint64 `yaml:"chain_id"`
	WalletIndex     uint32 `yaml:"wallet_index"`
	AllowlistedOnly bool   `yaml:"allowlisted_only"`
	EIP1559Enabled  bool   `yaml:"eip1559_enabled"`
	MaxGasPriceGwei int64  `yaml:"max_gas_price_gwei"` // 0 means uncapped
}

// SignerConfig selects and configures the wallet-manager variant.
type SignerConfig struct {
	Kind       string   `yaml:"kind"` // "mnemonic" | "privatekey"; cmd/rrelayer builds a mnemonic manager for any other value and does not read the kms block
	Mnemonic   string   `yaml:"mnemonic"`
	PrivateKeys []string `yaml:"private_keys"`
	KMS        struct {
		Endpoint string `yaml:"endpoint"`
		KeyIDs   []string `yaml:"key_ids"`
	} `yaml:"kms"`
}

// WebhookConfig tunes the dispatcher's retry/backoff and pruning timers
// (spec §4.6).
type WebhookConfig struct {
	InitialDelay    time.Duration `yaml:"initial_delay"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryTick       time.Duration `yaml:"retry_tick"`
	CleanupTick     time.Duration `yaml:"cleanup_tick"`
	DBPruneTick     time.Duration `yaml:"db_prune_tick"`
	RetentionWindow time.Duration `yaml:"retention_window"`
}

var envToken = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// expandEnv replaces every ${VAR} or ${VAR:-default} token in raw with the
// corresponding environment variable, or the default if the variable is
// unset or empty.
func expandEnv(raw []byte) []byte {
	return envToken.ReplaceAllFunc(raw, func(tok []byte) []byte {
		m := envToken.FindSubmatch(tok)
		name := string(m[1])
		val, ok := os.LookupEnv(name)
		if ok && val != "" {
			return []byte(val)
		}
		if len(m[2]) > 2 { // ":-default"
			return m[2][2:]
		}
		return nil
	})
}

// Load reads path, expands ${VAR} references against the environment, and
// unmarshals the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := expandEnv(raw)

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "logfmt"
	}
	if cfg.HTTP.ListenAddr == "" {
		cfg.HTTP.ListenAddr = ":8080"
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Webhooks.InitialDelay == 0 {
		cfg.Webhooks.InitialDelay = 5 * time.Second
	}
	if cfg.Webhooks.Multiplier == 0 {
		cfg.Webhooks.Multiplier = 2.0
	}
	if cfg.Webhooks.MaxDelay == 0 {
		cfg.Webhooks.MaxDelay = 10 * time.Minute
	}
	if cfg.Webhooks.MaxRetries == 0 {
		cfg.Webhooks.MaxRetries = 10
	}
	if cfg.Webhooks.RetryTick == 0 {
		cfg.Webhooks.RetryTick = 30 * time.Second
	}
	if cfg.Webhooks.CleanupTick == 0 {
		cfg.Webhooks.CleanupTick = 5 * time.Minute
	}
	if cfg.Webhooks.DBPruneTick == 0 {
		cfg.Webhooks.DBPruneTick = time.Hour
	}
	if cfg.Webhooks.RetentionWindow == 0 {
		cfg.Webhooks.RetentionWindow = 30 * 24 * time.Hour
	}
	for i := range cfg.Networks {
		if cfg.Networks[i].ConfirmationsRequired == 0 {
			cfg.Networks[i].ConfirmationsRequired = 12
		}
		if cfg.Networks[i].GasBumpInterval == 0 {
			cfg.Networks[i].GasBumpInterval = 10 * time.Second
		}
	}
}
