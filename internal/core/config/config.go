package config

import (
	"time"

	"github.com/vietddude/remitwatch/internal/indexing/emitter"
	"github.com/vietddude/remitwatch/internal/indexing/recovery"
	redisclient "github.com/vietddude/remitwatch/internal/infra/redis"
	"github.com/vietddude/remitwatch/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	Chain    ChainConfig         `yaml:"chain"`
	Indexer  IndexerConfig       `yaml:"indexer"`
	Database postgres.Config     `yaml:"database"`
	Redis    redisclient.Config  `yaml:"redis"`
	Kafka    emitter.KafkaConfig `yaml:"kafka"`
	Alerts   AlertConfig         `yaml:"alerts"`
	Logging  LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// ChainConfig holds the node and contract settings for the indexed chain.
type ChainConfig struct {
	ID              string        `yaml:"id"`
	RPCURL          string        `yaml:"rpc_url"`
	ContractAddress string        `yaml:"contract"`
	NativeSymbol    string        `yaml:"native_symbol"`
	StartBlock      uint64        `yaml:"start_block"` // 0 = current head
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	RateLimit       float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	RateBurst       int           `yaml:"rate_burst"`
	CheckReceipts   bool          `yaml:"check_receipts"`

	Backoff recovery.ExponentialBackoff `yaml:"backoff"`
}

// IndexerConfig tunes the ingestion pipeline.
type IndexerConfig struct {
	Confirmations  uint64        `yaml:"confirmations"`
	ReorgWindow    int           `yaml:"reorg_window"`
	QueueSize      int           `yaml:"queue_size"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	VerifyInterval time.Duration `yaml:"verify_interval"` // negative disables balance verification
}

// AlertConfig configures the alerting path.
type AlertConfig struct {
	Cooldown   time.Duration `yaml:"cooldown"`
	WebhookURL string        `yaml:"webhook_url"`
}
