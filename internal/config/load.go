// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package config

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order; the first file found wins.
var DefaultConfigPaths = []string{
	"repostats.yaml",
	"repostats.yml",
	"/etc/repostats/config.yaml",
	"/etc/repostats/config.yml",
}

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "REPOSTATS_CONFIG"

// envMappings translates environment variables to config paths. Only
// listed variables are read, so unrelated environment noise cannot
// leak into the configuration.
var envMappings = map[string]string{
	"REPOSTATS_LOG_LEVEL":  "logging.level",
	"REPOSTATS_LOG_FORMAT": "logging.format",
	"REPOSTATS_LOG_CALLER": "logging.caller",

	"REPOSTATS_STORE_PATH": "store.path",

	"REPOSTATS_QUEUE_BACKEND":        "queue.backend",
	"REPOSTATS_QUEUE_BUFFER":         "queue.buffer",
	"REPOSTATS_NATS_URL":             "queue.nats.url",
	"REPOSTATS_NATS_STREAM":          "queue.nats.stream_name",
	"REPOSTATS_NATS_DURABLE":         "queue.nats.durable_name",
	"REPOSTATS_NATS_QUEUE_GROUP":     "queue.nats.queue_group",
	"REPOSTATS_NATS_CONNECT_TIMEOUT": "queue.nats.connect_timeout",
	"REPOSTATS_NATS_MAX_RECONNECTS":  "queue.nats.max_reconnects",

	"REPOSTATS_DOUBLE_CLICK_WINDOW": "pipeline.double_click_window",
	"REPOSTATS_WINDOW_DISABLED":     "pipeline.window_disabled",
	"REPOSTATS_CHUNK_SIZE":          "pipeline.chunk_size",
	"REPOSTATS_DRAIN_INTERVAL":      "pipeline.drain_interval",

	"REPOSTATS_AGGREGATION_INTERVAL": "aggregation.interval",
	"REPOSTATS_SAFETY_MARGIN":        "aggregation.safety_margin",
	"REPOSTATS_AGGREGATION_EPOCH":    "aggregation.epoch",

	"REPOSTATS_GEO_DATABASE": "geo.database_path",

	"REPOSTATS_SALT_ENABLED": "salt.enabled",
	"REPOSTATS_SALT_TTL":     "salt.ttl",

	"REPOSTATS_HTTP_HOST":    "server.host",
	"REPOSTATS_HTTP_PORT":    "server.port",
	"REPOSTATS_HTTP_TIMEOUT": "server.timeout",
}

// Load assembles the configuration: defaults, then the config file if
// one exists, then environment variables. The result is validated.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider("REPOSTATS_", ".", func(key string) string {
		return envMappings[key]
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file, or "".
func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
