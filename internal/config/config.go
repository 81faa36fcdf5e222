// Copyright 2025 The edgeproxy Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads edgeproxy's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Redis    RedisConfig    `yaml:"redis"`
	Transact TransactConfig `yaml:"transaction"`
	Session  SessionConfig  `yaml:"session"`
	Tunnel   TunnelConfig   `yaml:"tunnel"`
	Headers  HeaderConfig   `yaml:"headers"`
}

// ListenConfig describes the proxy's inbound bind addresses.
type ListenConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	QUICAddr string `yaml:"quic_addr"`
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	FilePath string `yaml:"file_path"`
}

// MetricsConfig configures internal/metrics.
type MetricsConfig struct {
	Addr             string        `yaml:"addr"`
	ProcessRSSPeriod time.Duration `yaml:"process_rss_period"`
}

// RedisConfig configures the host-down marker store (proxy/session).
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// TransactConfig holds the HTTP state machine's knobs.
type TransactConfig struct {
	NumberOfRedirections       int           `yaml:"number_of_redirections"`
	ConnectDownPolicy          int           `yaml:"connect_down_policy"`
	NoActivityTimeoutIn        time.Duration `yaml:"no_activity_timeout_in"`
	NoActivityTimeoutOut       time.Duration `yaml:"no_activity_timeout_out"`
	ActiveTimeoutIn            time.Duration `yaml:"active_timeout_in"`
	ActiveTimeoutOut           time.Duration `yaml:"active_timeout_out"`
	ConnectAttemptsTimeout      time.Duration `yaml:"connect_attempts_timeout"`
	ConnectMaxRetries           int           `yaml:"connect_max_retries"`
	ConnectMaxRetriesDownServer int           `yaml:"connect_max_retries_down_server"`
	CacheOpenWriteFailAction    string        `yaml:"cache_open_write_fail_action"`
	InsertForwarded             int           `yaml:"insert_forwarded"`
	NormalizeAE                 int           `yaml:"normalize_ae"`
	BackgroundFillThreshold     float64       `yaml:"background_fill_threshold"`
	MaxRequestLineBytes         int           `yaml:"max_request_line_bytes"`
	MaxHeaderBytes              int           `yaml:"max_header_bytes"`
	EnablePushMethod            bool          `yaml:"enable_push_method"`
}

// SessionConfig holds proxy/session's pool knobs.
type SessionConfig struct {
	ServerSessionSharingMatch int    `yaml:"server_session_sharing_match"`
	ServerSessionSharingPool  string `yaml:"server_session_sharing_pool"` // "global" or "thread"
	MaxConnectionsPerHost     int    `yaml:"max_connections_per_host"`
	GlobalConnectionCredit    int    `yaml:"global_connection_credit"`
	JanitorSchedule           string `yaml:"janitor_schedule"` // robfig/cron expression
	RateLimitPerSecond        int    `yaml:"rate_limit_per_second"`
	RateLimitBurst            int    `yaml:"rate_limit_burst"`
}

// TunnelConfig holds proxy/tunnel's knobs.
type TunnelConfig struct {
	CompressionThresholdBytes int `yaml:"compression_threshold_bytes"`
}

// HeaderConfig holds proxy/headers' knobs.
type HeaderConfig struct {
	ViaPseudonym string `yaml:"via_pseudonym"`
}

// Load reads and parses a YAML config file over the values from Default,
// so a knob the file omits keeps its default and a knob the file sets,
// even to zero, takes the file's value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config pre-populated with conservative defaults,
// matching the values a fresh YAML document without the corresponding
// key would need.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{HTTPAddr: ":8080", QUICAddr: ":8443"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Addr: ":9090", ProcessRSSPeriod: 30 * time.Second},
		Transact: TransactConfig{
			NumberOfRedirections:        10,
			ConnectDownPolicy:           1,
			NoActivityTimeoutIn:         30 * time.Second,
			NoActivityTimeoutOut:        30 * time.Second,
			ActiveTimeoutIn:             5 * time.Minute,
			ActiveTimeoutOut:            5 * time.Minute,
			ConnectAttemptsTimeout:      5 * time.Second,
			ConnectMaxRetries:           3,
			ConnectMaxRetriesDownServer: 1,
			CacheOpenWriteFailAction:    "default",
			NormalizeAE:                 1,
			BackgroundFillThreshold:     0.5,
			MaxRequestLineBytes:         8192,
			MaxHeaderBytes:              65536,
		},
		Session: SessionConfig{
			ServerSessionSharingPool: "thread",
			MaxConnectionsPerHost:    64,
			GlobalConnectionCredit:   4096,
			JanitorSchedule:          "@every 30s",
			RateLimitPerSecond:       100,
			RateLimitBurst:           200,
		},
		Tunnel: TunnelConfig{CompressionThresholdBytes: 8192},
	}
}

func (c *Config) validate() error {
	if c.Transact.NumberOfRedirections < 0 {
		return fmt.Errorf("transaction.number_of_redirections must be >= 0")
	}
	if c.Transact.ConnectDownPolicy < 0 || c.Transact.ConnectDownPolicy > 2 {
		return fmt.Errorf("transaction.connect_down_policy must be in {0,1,2}")
	}
	if c.Session.ServerSessionSharingPool != "global" && c.Session.ServerSessionSharingPool != "thread" {
		return fmt.Errorf("session.server_session_sharing_pool must be global or thread")
	}
	if c.Transact.NormalizeAE < 0 || c.Transact.NormalizeAE > 2 {
		return fmt.Errorf("transaction.normalize_ae must be in {0,1,2}")
	}
	if c.Transact.BackgroundFillThreshold < 0 || c.Transact.BackgroundFillThreshold > 1 {
		return fmt.Errorf("transaction.background_fill_threshold must be in [0,1]")
	}
	return nil
}
