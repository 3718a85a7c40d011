// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package config loads pkpauth settings from config.yaml in the data
// directory, overlaid with PKPAUTH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/aplane-algo/pkpauth/internal/litnode"
	"github.com/aplane-algo/pkpauth/internal/relay"
)

// DataDirEnv names the environment variable that overrides the data directory.
const DataDirEnv = "PKPAUTH_DATA"

// DefaultRedirectURI is served by the terminal client's loopback listener.
const DefaultRedirectURI = "http://127.0.0.1:8976/callback"

// PollConfig bounds the mint status loop.
type PollConfig struct {
	Interval    time.Duration `yaml:"interval" env:"PKPAUTH_POLL_INTERVAL"`
	Multiplier  float64       `yaml:"multiplier" env:"PKPAUTH_POLL_MULTIPLIER"`
	MaxAttempts int           `yaml:"max_attempts" env:"PKPAUTH_POLL_ATTEMPTS"`
	Timeout     time.Duration `yaml:"timeout" env:"PKPAUTH_POLL_TIMEOUT"`
}

// Policy converts the config to a relay poll policy.
func (p PollConfig) Policy() relay.PollPolicy {
	return relay.PollPolicy{
		Interval:    p.Interval,
		Multiplier:  p.Multiplier,
		MaxAttempts: p.MaxAttempts,
		Timeout:     p.Timeout,
	}
}

// Config holds pkpauth settings.
type Config struct {
	// RedirectURI is where the identity provider returns to.
	RedirectURI string `yaml:"redirect_uri" env:"PKPAUTH_REDIRECT_URI"`
	// GatewayURL is the login gateway (empty: the public gateway).
	GatewayURL string `yaml:"gateway_url" env:"PKPAUTH_GATEWAY_URL"`

	RelayURL    string `yaml:"relay_url" env:"PKPAUTH_RELAY_URL"`
	RelayAPIKey string `yaml:"relay_api_key" env:"PKPAUTH_RELAY_API_KEY"`

	// Network names a preset; Nodes, when set, replaces its node list.
	Network  string   `yaml:"network" env:"PKPAUTH_NETWORK"`
	Nodes    []string `yaml:"nodes" env:"PKPAUTH_NODES" envSeparator:","`
	MinNodes int      `yaml:"min_nodes" env:"PKPAUTH_MIN_NODES"`

	Scope litnode.Scope `yaml:"scope"`
	Poll  PollConfig    `yaml:"poll"`

	Debug bool `yaml:"debug" env:"PKPAUTH_DEBUG"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	poll := relay.DefaultPollPolicy()
	return Config{
		RedirectURI: DefaultRedirectURI,
		RelayURL:    relay.DefaultBaseURL,
		Network:     "serrano",
		Scope:       litnode.DefaultScope(),
		Poll: PollConfig{
			Interval:    poll.Interval,
			Multiplier:  poll.Multiplier,
			MaxAttempts: poll.MaxAttempts,
			Timeout:     poll.Timeout,
		},
	}
}

// ResolveDataDir returns the data directory.
// Resolution order: -d flag > PKPAUTH_DATA env var > ~/.pkpauth
func ResolveDataDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envDir := os.Getenv(DataDirEnv); envDir != "" {
		return envDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pkpauth")
}

// Path returns the config file path in dataDir, or "" if dataDir is empty.
func Path(dataDir string) string {
	if dataDir == "" {
		return ""
	}
	return filepath.Join(dataDir, "config.yaml")
}

// Load reads config.yaml from dataDir over the defaults, applies the
// environment and validates the result. A missing file is not an error.
func Load(dataDir string) (Config, error) {
	cfg := DefaultConfig()

	if path := Path(dataDir); path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings that cannot work.
func (c Config) Validate() error {
	u, err := url.Parse(c.RedirectURI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("redirect_uri %q must be an absolute http(s) URL", c.RedirectURI)
	}
	if u, err := url.Parse(c.RelayURL); err != nil || u.Host == "" {
		return fmt.Errorf("relay_url %q is not a URL", c.RelayURL)
	}
	if err := c.Scope.Validate(); err != nil {
		return fmt.Errorf("scope: %w", err)
	}
	if err := c.Poll.Policy().Validate(); err != nil {
		return err
	}
	if _, err := c.NetworkConfig(); err != nil {
		return err
	}
	return nil
}

// NetworkConfig resolves the signing network to connect to.
func (c Config) NetworkConfig() (litnode.NetworkConfig, error) {
	nc, ok := litnode.KnownNetwork(c.Network)
	if !ok {
		if len(c.Nodes) == 0 {
			return litnode.NetworkConfig{}, fmt.Errorf("unknown network %q (known: %v) and no nodes configured", c.Network, litnode.KnownNetworks())
		}
		nc = litnode.NetworkConfig{Name: c.Network}
	}
	if len(c.Nodes) > 0 {
		nc.Nodes = append([]string(nil), c.Nodes...)
		if nc.MinNodes > len(nc.Nodes) || nc.MinNodes == 0 {
			nc.MinNodes = len(nc.Nodes)
		}
	}
	if c.MinNodes > 0 {
		nc.MinNodes = c.MinNodes
	}
	if err := nc.Validate(); err != nil {
		return litnode.NetworkConfig{}, fmt.Errorf("network %s: %w", c.Network, err)
	}
	return nc, nil
}
