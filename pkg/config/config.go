// roomcache - A Matrix room and membership cache.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// EnvAccessToken overrides homeserver.access_token when set.
const EnvAccessToken = "ROOMCACHE_ACCESS_TOKEN"

type Config struct {
	Homeserver    HomeserverConfig    `yaml:"homeserver"`
	Database      DatabaseConfig      `yaml:"database"`
	Sync          SyncConfig          `yaml:"sync"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	PriorityRooms PriorityRoomsConfig `yaml:"priority_rooms"`
	Bridged       BridgedConfig       `yaml:"bridged"`
	Queries       QueriesConfig       `yaml:"queries"`
	Bulk          BulkConfig          `yaml:"bulk"`
	Health        HealthConfig        `yaml:"health"`
	Logging       zeroconfig.Config   `yaml:"logging"`

	// Path is the file the config was loaded from, if any.
	Path string `yaml:"-"`
}

type HomeserverConfig struct {
	URL               string        `yaml:"url" validate:"omitempty,url"`
	UserID            string        `yaml:"user_id"`
	AccessToken       string        `yaml:"access_token"`
	RequestTimeout    time.Duration `yaml:"request_timeout" validate:"gt=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gt=0"`
	Burst             int           `yaml:"burst" validate:"min=1"`
}

// IsConfigured returns true if there is enough info to talk to the homeserver.
func (c *HomeserverConfig) IsConfigured() bool {
	return c.URL != "" && c.AccessToken != ""
}

type DatabaseConfig struct {
	Type         string `yaml:"type" validate:"oneof=sqlite3 postgres"`
	URI          string `yaml:"uri" validate:"required"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"min=1"`
	MaxIdleConns int    `yaml:"max_idle_conns" validate:"min=0"`
}

type SyncConfig struct {
	Concurrency         int           `yaml:"concurrency" validate:"min=1,max=64"`
	MaxRetries          int           `yaml:"max_retries" validate:"min=0,max=20"`
	InitialBackoff      time.Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff          time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
	MinFullSyncInterval time.Duration `yaml:"min_full_sync_interval" validate:"min=0"`
}

type SchedulerConfig struct {
	MaxCacheAge   time.Duration `yaml:"max_cache_age" validate:"gt=0"`
	CheckInterval time.Duration `yaml:"check_interval" validate:"gt=0"`
	StuckAfter    time.Duration `yaml:"stuck_after" validate:"gtefield=MaxCacheAge"`
}

type PriorityRoomsConfig struct {
	IDs           []string `yaml:"ids"`
	NamePatterns  []string `yaml:"name_patterns"`
	TopicPatterns []string `yaml:"topic_patterns"`

	nameRegexes  []*regexp.Regexp
	topicRegexes []*regexp.Regexp
}

func (c *PriorityRoomsConfig) NameRegexes() []*regexp.Regexp  { return c.nameRegexes }
func (c *PriorityRoomsConfig) TopicRegexes() []*regexp.Regexp { return c.topicRegexes }

type BridgedConfig struct {
	UserPattern string `yaml:"user_pattern" validate:"required"`

	userRegex *regexp.Regexp
}

func (c *BridgedConfig) UserRegex() *regexp.Regexp { return c.userRegex }

type QueriesConfig struct {
	DefaultMinMemberCount int `yaml:"default_min_member_count" validate:"min=0"`
	DefaultPageSize       int `yaml:"default_page_size" validate:"min=1"`
	MaxPageSize           int `yaml:"max_page_size" validate:"gtefield=DefaultPageSize"`
}

type BulkConfig struct {
	BatchSize   int           `yaml:"batch_size" validate:"min=1"`
	Parallelism int           `yaml:"parallelism" validate:"min=1"`
	BatchDelay  time.Duration `yaml:"batch_delay" validate:"min=0"`
}

type HealthConfig struct {
	PingTimeout time.Duration `yaml:"ping_timeout" validate:"gt=0"`
	Listen      string        `yaml:"listen"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

// PostProcess compiles the regular expressions referenced by the config.
func (c *Config) PostProcess() error {
	var err error
	c.PriorityRooms.nameRegexes, err = compileAll(c.PriorityRooms.NamePatterns)
	if err != nil {
		return fmt.Errorf("invalid priority_rooms.name_patterns: %w", err)
	}
	c.PriorityRooms.topicRegexes, err = compileAll(c.PriorityRooms.TopicPatterns)
	if err != nil {
		return fmt.Errorf("invalid priority_rooms.topic_patterns: %w", err)
	}
	if c.Bridged.UserPattern != "" {
		c.Bridged.userRegex, err = regexp.Compile(c.Bridged.UserPattern)
		if err != nil {
			return fmt.Errorf("invalid bridged.user_pattern: %w", err)
		}
	}
	return nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

var validate = validator.New()

// Validate checks value ranges and cross-field constraints.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// Default returns the embedded example config.
func Default() (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	return &cfg, nil
}

// Load reads the config at path on top of the embedded defaults. A missing
// file is not an error: the defaults are used as-is.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg.Path = ""
	} else if err != nil {
		return nil, fmt.Errorf("failed to open config at %s: %w", path, err)
	} else {
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config at %s: %w", path, err)
		}
		cfg.Path = path
	}
	if token := os.Getenv(EnvAccessToken); token != "" {
		cfg.Homeserver.AccessToken = token
	}
	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
