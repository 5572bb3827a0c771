// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

// Package config loads layered configuration: built-in defaults, an
// optional YAML file, then environment variables, highest last.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/calyptra/repostats/internal/logging"
)

// Config is the full process configuration.
type Config struct {
	Logging     logging.Config    `koanf:"logging"`
	Store       StoreConfig       `koanf:"store"`
	Queue       QueueConfig       `koanf:"queue"`
	Pipeline    PipelineConfig    `koanf:"pipeline"`
	Aggregation AggregationConfig `koanf:"aggregation"`
	Geo         GeoConfig         `koanf:"geo"`
	Salt        SaltConfig        `koanf:"salt"`
	Server      ServerConfig      `koanf:"server"`
}

// StoreConfig configures the embedded document store.
type StoreConfig struct {
	// Path is the badger directory. Empty runs in-memory, which loses
	// data on restart and only suits tests and demos.
	Path string `koanf:"path"`
}

// QueueConfig selects the event queue backend.
type QueueConfig struct {
	// Backend is "memory" or "nats".
	Backend string `koanf:"backend" validate:"oneof=memory nats"`

	// Buffer bounds the in-process queue's backlog per topic.
	Buffer int `koanf:"buffer" validate:"min=0"`

	NATS NATSConfig `koanf:"nats"`
}

// NATSConfig configures the JetStream-backed queue.
type NATSConfig struct {
	URL            string        `koanf:"url"`
	StreamName     string        `koanf:"stream_name"`
	DurableName    string        `koanf:"durable_name"`
	QueueGroup     string        `koanf:"queue_group"`
	ConnectTimeout time.Duration `koanf:"connect_timeout" validate:"min=0"`
	MaxReconnects  int           `koanf:"max_reconnects"`
}

// PipelineConfig tunes event indexing.
type PipelineConfig struct {
	// DoubleClickWindow collapses identical events within the span.
	DoubleClickWindow time.Duration `koanf:"double_click_window" validate:"min=0"`

	// WindowDisabled turns deduplication off entirely.
	WindowDisabled bool `koanf:"window_disabled"`

	// ChunkSize bounds operations per bulk write.
	ChunkSize int `koanf:"chunk_size" validate:"min=0"`

	// DrainInterval is the pause between indexing sweeps.
	DrainInterval time.Duration `koanf:"drain_interval" validate:"min=1s"`
}

// AggregationConfig tunes the aggregation scheduler.
type AggregationConfig struct {
	// Interval is the pause between aggregation sweeps.
	Interval time.Duration `koanf:"interval" validate:"min=1s"`

	// SafetyMargin keeps the trailing window of recent events out of
	// each run.
	SafetyMargin time.Duration `koanf:"safety_margin" validate:"min=0"`

	// Epoch bounds the first run when no bookmark exists, as
	// YYYY-MM-DD. Empty means all history.
	Epoch string `koanf:"epoch" validate:"omitempty,datetime=2006-01-02"`
}

// GeoConfig configures country resolution.
type GeoConfig struct {
	// DatabasePath is a MaxMind GeoLite2/GeoIP2 country database.
	// Empty disables resolution.
	DatabasePath string `koanf:"database_path"`
}

// SaltConfig configures rotating hash salts.
type SaltConfig struct {
	// Enabled turns daily visitor-hash salting on.
	Enabled bool `koanf:"enabled"`

	// TTL is how long a day's salt is retained.
	TTL time.Duration `koanf:"ttl" validate:"min=0"`
}

// ServerConfig configures the operational HTTP endpoint.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout time.Duration `koanf:"timeout" validate:"min=1s"`
}

// Default returns the built-in defaults, the base layer of every load.
func Default() *Config {
	return &Config{
		Logging: logging.DefaultConfig(),
		Store: StoreConfig{
			Path: "/data/repostats",
		},
		Queue: QueueConfig{
			Backend: "memory",
			Buffer:  4096,
			NATS: NATSConfig{
				URL:            "nats://127.0.0.1:4222",
				StreamName:     "repostats",
				DurableName:    "stats-indexer",
				QueueGroup:     "indexers",
				ConnectTimeout: 10 * time.Second,
				MaxReconnects:  -1,
			},
		},
		Pipeline: PipelineConfig{
			DoubleClickWindow: 10 * time.Second,
			ChunkSize:         50,
			DrainInterval:     30 * time.Second,
		},
		Aggregation: AggregationConfig{
			Interval:     time.Hour,
			SafetyMargin: 5 * time.Minute,
		},
		Salt: SaltConfig{
			TTL: 30 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    5601,
			Timeout: 30 * time.Second,
		},
	}
}

// EpochTime parses the aggregation epoch. The zero time means no
// epoch.
func (c *Config) EpochTime() (time.Time, error) {
	if c.Aggregation.Epoch == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation("2006-01-02", c.Aggregation.Epoch, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("aggregation.epoch: %w", err)
	}
	return t, nil
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := c.EpochTime(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
