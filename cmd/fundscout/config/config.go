// Copyright (C) 2025 FundScout Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the service configuration from YAML with
// environment overrides. Missing file means defaults; a present file
// only needs the keys it wants to change.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fundscout/fundscout/services/discovery/scoring"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Badger    BadgerConfig    `yaml:"badger"`
	Engines   EnginesConfig   `yaml:"engines"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Blacklist BlacklistConfig `yaml:"blacklist"`
	Logging   LoggingConfig   `yaml:"logging"`
	Scoring   scoring.Tables  `yaml:"scoring"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisConfig configures the stream broker.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	Partitions   int    `yaml:"partitions"`
	MaxStreamLen int64  `yaml:"maxStreamLen"`
}

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	Path string `yaml:"path"`
}

// EnginesConfig configures the search engine adapters.
type EnginesConfig struct {
	SearXNG SearXNGConfig `yaml:"searxng"`
}

// SearXNGConfig configures the SearXNG adapter.
type SearXNGConfig struct {
	BaseURL        string  `yaml:"baseUrl"`
	TimeoutSeconds int     `yaml:"timeoutSeconds"`
	RequestsPerSec float64 `yaml:"requestsPerSec"`
}

// PipelineConfig tunes the stage workers. The per-stage timeouts are
// the per-message deadlines; overrunning one turns the message into a
// transient stage.timeout workflow error.
type PipelineConfig struct {
	Instance                 string `yaml:"instance"`
	MaxResultsPerQuery       int    `yaml:"maxResultsPerQuery"`
	SearchTimeoutSeconds     int    `yaml:"searchTimeoutSeconds"`
	ValidationTimeoutSeconds int    `yaml:"validationTimeoutSeconds"`
	ScoringTimeoutSeconds    int    `yaml:"scoringTimeoutSeconds"`
	ErrorTimeoutSeconds      int    `yaml:"errorTimeoutSeconds"`
}

// BlacklistConfig tunes the blacklist cache.
type BlacklistConfig struct {
	Capacity int `yaml:"capacity"`
	TTLHours int `yaml:"ttlHours"`
}

// TTL returns the cache entry lifetime.
func (b BlacklistConfig) TTL() time.Duration {
	return time.Duration(b.TTLHours) * time.Hour
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			Partitions:   4,
			MaxStreamLen: 100_000,
		},
		Badger: BadgerConfig{Path: "data/fundscout"},
		Engines: EnginesConfig{
			SearXNG: SearXNGConfig{
				BaseURL:        "http://localhost:8888",
				TimeoutSeconds: 10,
				RequestsPerSec: 2,
			},
		},
		Pipeline: PipelineConfig{
			Instance:                 "fundscout-0",
			MaxResultsPerQuery:       30,
			SearchTimeoutSeconds:     10,
			ValidationTimeoutSeconds: 2,
			ScoringTimeoutSeconds:    2,
			ErrorTimeoutSeconds:      60,
		},
		Blacklist: BlacklistConfig{Capacity: 10_000, TTLHours: 24},
		Logging:   LoggingConfig{Level: "info"},
		Scoring:   scoring.DefaultTables(),
	}
}

// Load reads the YAML file at path (missing file falls back to
// defaults), applies environment overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults only.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides selected settings from the environment. Only the
// settings an operator reasonably changes per deployment are exposed.
func applyEnv(cfg *Config) {
	if v := os.Getenv("FUNDSCOUT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FUNDSCOUT_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("FUNDSCOUT_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("FUNDSCOUT_BADGER_PATH"); v != "" {
		cfg.Badger.Path = v
	}
	if v := os.Getenv("FUNDSCOUT_SEARXNG_URL"); v != "" {
		cfg.Engines.SearXNG.BaseURL = v
	}
	if v := os.Getenv("FUNDSCOUT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FUNDSCOUT_INSTANCE"); v != "" {
		cfg.Pipeline.Instance = v
	}
}

// Validate checks settings that would only fail at runtime otherwise.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.Redis.Partitions < 1 {
		return fmt.Errorf("redis partitions must be at least 1")
	}
	if c.Engines.SearXNG.BaseURL == "" {
		return fmt.Errorf("searxng base url is required")
	}
	if c.Engines.SearXNG.TimeoutSeconds < 1 || c.Engines.SearXNG.TimeoutSeconds > 10 {
		return fmt.Errorf("searxng timeout must be between 1s and 10s")
	}
	if c.Pipeline.SearchTimeoutSeconds < 1 || c.Pipeline.ValidationTimeoutSeconds < 1 ||
		c.Pipeline.ScoringTimeoutSeconds < 1 || c.Pipeline.ErrorTimeoutSeconds < 1 {
		return fmt.Errorf("pipeline stage timeouts must be at least 1s")
	}
	if c.Pipeline.SearchTimeoutSeconds < c.Engines.SearXNG.TimeoutSeconds {
		return fmt.Errorf("search stage timeout must cover one searxng round trip")
	}
	if c.Blacklist.Capacity < 1 {
		return fmt.Errorf("blacklist cache capacity must be at least 1")
	}
	if c.Blacklist.TTLHours < 1 {
		return fmt.Errorf("blacklist ttl must be at least 1h")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	if err := c.Scoring.Validate(); err != nil {
		return fmt.Errorf("scoring tables: %w", err)
	}
	return nil
}
