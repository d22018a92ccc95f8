// Package config provides configuration types and loading for gather.
package config

import "time"

// Config is the root configuration struct.
type Config struct {
	Paths   PathsConfig   `json:"paths"`
	Relays  RelaysConfig  `json:"relays"`
	Feed    FeedConfig    `json:"feed"`
	Outbox  OutboxConfig  `json:"outbox"`
	Archive ArchiveConfig `json:"archive"`
}

// PathsConfig groups filesystem path settings.
type PathsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
}

// RelaysConfig configures the relay connection manager.
type RelaysConfig struct {
	URLs        []string      `json:"urls" envconfig:"RELAY_URLS"`
	DialTimeout time.Duration `json:"dialTimeout" envconfig:"RELAY_DIAL_TIMEOUT"`
	OpenWait    time.Duration `json:"openWait" envconfig:"RELAY_OPEN_WAIT"`
	BackoffBase time.Duration `json:"backoffBase" envconfig:"RELAY_BACKOFF_BASE"`
	BackoffCap  time.Duration `json:"backoffCap" envconfig:"RELAY_BACKOFF_CAP"`
}

// FeedConfig configures read cycles.
type FeedConfig struct {
	Limit           int           `json:"limit" envconfig:"FEED_LIMIT"`
	RefreshInterval time.Duration `json:"refreshInterval" envconfig:"FEED_REFRESH_INTERVAL"`
}

// OutboxConfig configures the outbox worker.
type OutboxConfig struct {
	WorkerInterval time.Duration `json:"workerInterval" envconfig:"OUTBOX_WORKER_INTERVAL"`
}

// ArchiveConfig configures the optional Kafka event archive.
type ArchiveConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ARCHIVE_ENABLED"`
	Brokers string `json:"brokers" envconfig:"KAFKA_BROKERS"`
	Topic   string `json:"topic" envconfig:"ARCHIVE_TOPIC"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "~/.gather",
		},
		Relays: RelaysConfig{
			URLs: []string{
				"wss://relay.damus.io",
				"wss://nos.lol",
				"wss://relay.nostr.band",
			},
			DialTimeout: 10 * time.Second,
			OpenWait:    12 * time.Second,
			BackoffBase: time.Second,
			BackoffCap:  30 * time.Second,
		},
		Feed: FeedConfig{
			Limit:           50,
			RefreshInterval: 60 * time.Second,
		},
		Outbox: OutboxConfig{
			WorkerInterval: 5 * time.Second,
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Brokers: "localhost:9092",
			Topic:   "gather.events",
		},
	}
}
