// classchat - A teacher-facing conversation sync engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chatsync

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/lrhodin/classchat/pkg/sidecache"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	EnvAPIToken = "CLASSCHAT_API_TOKEN"
	EnvAPIURL   = "CLASSCHAT_API_URL"
)

type Config struct {
	API        APIConfig         `yaml:"api"`
	Identity   IdentityConfig    `yaml:"identity"`
	Sync       SyncConfig        `yaml:"sync"`
	Hydration  HydrationConfig   `yaml:"hydration"`
	Normalizer NormalizerConfig  `yaml:"normalizer"`
	Cache      sidecache.Config  `yaml:"cache"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// IdentityConfig overrides what is read from the API token. Empty fields
// fall back to the token claims.
type IdentityConfig struct {
	UserID string `yaml:"user_id"`
	Name   string `yaml:"name"`
	Role   string `yaml:"role"`
}

type SyncConfig struct {
	MessagePollInterval  time.Duration `yaml:"message_poll_interval"`
	CategoryPollInterval time.Duration `yaml:"category_poll_interval"`
	GroupPageSize        int           `yaml:"group_page_size"`
}

type HydrationConfig struct {
	BatchSize int           `yaml:"batch_size"`
	Interval  time.Duration `yaml:"interval"`
}

type NormalizerConfig struct {
	SentinelSenderID      string        `yaml:"sentinel_sender_id"`
	OptimisticMatchWindow time.Duration `yaml:"optimistic_match_window"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

// PostProcess fills defaults for zero values and validates the rest.
func (c *Config) PostProcess() error {
	if c.API.Timeout <= 0 {
		c.API.Timeout = 15 * time.Second
	}
	if c.Sync.MessagePollInterval <= 0 {
		c.Sync.MessagePollInterval = 5 * time.Second
	}
	if c.Sync.CategoryPollInterval <= 0 {
		c.Sync.CategoryPollInterval = 30 * time.Second
	}
	if c.Sync.GroupPageSize <= 0 {
		c.Sync.GroupPageSize = 50
	}
	if c.Hydration.BatchSize <= 0 {
		c.Hydration.BatchSize = 8
	}
	if c.Hydration.Interval <= 0 {
		c.Hydration.Interval = time.Minute
	}
	if c.Normalizer.OptimisticMatchWindow <= 0 {
		c.Normalizer.OptimisticMatchWindow = DefaultOptimisticMatchWindow
	}
	c.Identity.Role = strings.ToUpper(strings.TrimSpace(c.Identity.Role))
	if c.API.BaseURL != "" {
		u, err := url.Parse(c.API.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("api.base_url %q is not an absolute URL", c.API.BaseURL)
		}
	}
	return c.Cache.Validate()
}

// ApplyEnv lets the environment override the API endpoint and token.
func (c *Config) ApplyEnv() error {
	if token := os.Getenv(EnvAPIToken); token != "" {
		c.API.Token = token
	}
	if baseURL := os.Getenv(EnvAPIURL); baseURL != "" {
		c.API.BaseURL = baseURL
	}
	return c.PostProcess()
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "api", "base_url")
	helper.Copy(up.Str, "api", "token")
	helper.Copy(up.Str|up.Int, "api", "timeout")
	helper.Copy(up.Str, "identity", "user_id")
	helper.Copy(up.Str, "identity", "name")
	helper.Copy(up.Str, "identity", "role")
	helper.Copy(up.Str|up.Int, "sync", "message_poll_interval")
	helper.Copy(up.Str|up.Int, "sync", "category_poll_interval")
	helper.Copy(up.Int, "sync", "group_page_size")
	helper.Copy(up.Int, "hydration", "batch_size")
	helper.Copy(up.Str|up.Int, "hydration", "interval")
	helper.Copy(up.Str|up.Int|up.Null, "normalizer", "sentinel_sender_id")
	helper.Copy(up.Str|up.Int, "normalizer", "optimistic_match_window")
	helper.Copy(up.Str, "cache", "backend")
	helper.Copy(up.Str, "cache", "sqlite_path")
	helper.Copy(up.Str, "cache", "redis_url")
	helper.Copy(up.Int, "cache", "max_entries")
	helper.Copy(up.Str|up.Int, "cache", "ttl")
	helper.Copy(up.Map, "logging")
}

var configUpgrader = &up.StructUpgrader{
	SimpleUpgrader: upgradeConfig,
	Blocks: [][]string{
		{"identity"},
		{"sync"},
		{"hydration"},
		{"normalizer"},
		{"cache"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// LoadConfig reads path, fills in anything missing from the example config
// and decodes the result. A missing file is created from the example.
// With save set the upgraded file is written back.
func LoadConfig(path string, save bool) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err = os.WriteFile(path, []byte(ExampleConfig), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}
	data, _, err := up.Do(path, save, configUpgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
