package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/remitwatch/internal/indexing/normalizer"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML after expanding environment variables, applies
// defaults and validates the result.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	c := &cfg.Chain
	if c.NativeSymbol == "" {
		c.NativeSymbol = "ETH"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.Backoff.InitialDelay == 0 {
		c.Backoff.InitialDelay = 1 * time.Second
	}
	if c.Backoff.MaxDelay == 0 {
		c.Backoff.MaxDelay = 30 * time.Second
	}
	if c.Backoff.MaxAttempts == 0 {
		c.Backoff.MaxAttempts = 8
	}

	ix := &cfg.Indexer
	if ix.Confirmations == 0 {
		ix.Confirmations = 12
	}
	if ix.ReorgWindow == 0 {
		ix.ReorgWindow = 64
	}
	if ix.QueueSize == 0 {
		ix.QueueSize = 256
	}
	if ix.RetryDelay == 0 {
		ix.RetryDelay = 5 * time.Second
	}
	if ix.VerifyInterval == 0 {
		ix.VerifyInterval = 5 * time.Minute
	}

	if cfg.Alerts.Cooldown == 0 {
		cfg.Alerts.Cooldown = 5 * time.Minute
	}
}

// Validate checks required fields and cross-field constraints.
func (cfg *AppConfig) Validate() error {
	var errs []error

	if cfg.Chain.ID == "" {
		errs = append(errs, errors.New("chain.id is required"))
	}
	if cfg.Chain.RPCURL == "" {
		errs = append(errs, errors.New("chain.rpc_url is required"))
	}
	if _, err := normalizer.NormalizeAddress(cfg.Chain.ContractAddress); err != nil {
		errs = append(errs, fmt.Errorf("chain.contract: %w", err))
	}
	// A fork deeper than the window cannot be resolved, and records must
	// confirm before their block leaves it.
	if uint64(cfg.Indexer.ReorgWindow) <= cfg.Indexer.Confirmations {
		errs = append(errs, fmt.Errorf("indexer.reorg_window (%d) must exceed indexer.confirmations (%d)",
			cfg.Indexer.ReorgWindow, cfg.Indexer.Confirmations))
	}
	if cfg.Indexer.QueueSize < 1 {
		errs = append(errs, errors.New("indexer.queue_size must be positive"))
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level))
	}
	if d := cfg.Database.Driver; d != "" && d != "pgx" && d != "postgres" {
		errs = append(errs, fmt.Errorf("database.driver %q must be pgx or postgres", d))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
