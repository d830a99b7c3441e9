// Copyright 2024 The RegionDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package config loads the tool's TOML configuration. Everything in it can
// also be set by flag; flags win.
package config

import (
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/regiondb/regionctl/regionpb"
)

// Encryption configures the encryption-at-rest bridge.
type Encryption struct {
	Enabled bool `toml:"enabled"`
	// KeyRegistry is the path to the server's key registry file.
	KeyRegistry string `toml:"key-registry"`
}

// Config is the tool configuration.
type Config struct {
	// DataDir is the store directory holding region data and metadata.
	DataDir string `toml:"data-dir"`
	// RaftDir is the directory holding the raft log. Defaults to the
	// "raft" subdirectory of DataDir, matching the server's layout.
	RaftDir string `toml:"raft-dir"`
	// MetaEndpoint is the base URL of the cluster metadata service. Empty
	// disables every check and repair that needs the cluster.
	MetaEndpoint string `toml:"meta-endpoint"`
	// StoreID identifies this store in region peer lists. Required for the
	// replica divergence check.
	StoreID regionpb.StoreID `toml:"store-id"`

	Encryption Encryption `toml:"encryption"`
}

// Load reads the configuration at path and applies defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "loading config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Newf("config %s has unknown keys: %v", path, undecoded)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RaftDir == "" && c.DataDir != "" {
		c.RaftDir = filepath.Join(c.DataDir, "raft")
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data-dir is required")
	}
	if c.Encryption.Enabled && c.Encryption.KeyRegistry == "" {
		return errors.New("encryption is enabled but no key-registry is set")
	}
	return nil
}
