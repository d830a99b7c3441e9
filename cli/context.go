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

package cli

import (
	"context"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/regiondb/regionctl/config"
	"github.com/regiondb/regionctl/encryption"
	"github.com/regiondb/regionctl/metaclient"
	"github.com/regiondb/regionctl/raftlog"
	"github.com/regiondb/regionctl/regionpb"
	"github.com/regiondb/regionctl/storage"
	"github.com/regiondb/regionctl/util/log"
)

// cliContext carries the flag values shared by every command. A config file,
// when given, fills the fields first; flags set explicitly override it.
type cliContext struct {
	configFile   string
	dataDir      string
	raftDir      string
	metaEndpoint string
	storeID      int32
	keyRegistry  string
	verbose      bool
	force        bool
}

// cliCtx is the process-wide flag state, populated by the root command.
var cliCtx = &cliContext{}

// resolveConfig merges the config file (if any) under the explicit flags.
func (c *cliContext) resolveConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if c.configFile != "" {
		loaded, err := config.Load(c.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}
	if c.raftDir != "" {
		cfg.RaftDir = c.raftDir
	}
	if cfg.RaftDir == "" && cfg.DataDir != "" {
		cfg.RaftDir = filepath.Join(cfg.DataDir, "raft")
	}
	if c.metaEndpoint != "" {
		cfg.MetaEndpoint = c.metaEndpoint
	}
	if c.storeID != 0 {
		cfg.StoreID = regionpb.StoreID(c.storeID)
	}
	if c.keyRegistry != "" {
		cfg.Encryption.Enabled = true
		cfg.Encryption.KeyRegistry = c.keyRegistry
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *cliContext) storageOptions(cfg *config.Config, readOnly bool) ([]storage.Option, error) {
	var opts []storage.Option
	if readOnly {
		opts = append(opts, storage.ReadOnly())
	}
	if c.force {
		opts = append(opts, storage.WithForce())
	}
	if cfg.Encryption.Enabled {
		manager, err := encryption.NewFileKeyManager(cfg.Encryption.KeyRegistry)
		if err != nil {
			return nil, err
		}
		opts = append(opts, storage.WithEncryption(encryption.NewCodec(manager)))
	}
	return opts, nil
}

// openStore opens the data store per the resolved configuration.
func (c *cliContext) openStore(
	ctx context.Context, readOnly bool,
) (*storage.Store, *config.Config, error) {
	cfg, err := c.resolveConfig()
	if err != nil {
		return nil, nil, err
	}
	opts, err := c.storageOptions(cfg, readOnly)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(ctx, cfg.DataDir, opts...)
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

// openLogStore opens the raft log directory per the resolved configuration.
func (c *cliContext) openLogStore(
	ctx context.Context, cfg *config.Config, readOnly bool,
) (*raftlog.LogStore, error) {
	if cfg.RaftDir == "" {
		return nil, errors.New("no raft-dir configured")
	}
	opts, err := c.storageOptions(cfg, readOnly)
	if err != nil {
		return nil, err
	}
	return raftlog.Open(ctx, cfg.RaftDir, opts...)
}

// metaClient returns a cluster metadata client, or nil when no endpoint is
// configured.
func (c *cliContext) metaClient(cfg *config.Config) metaclient.Client {
	if cfg.MetaEndpoint == "" {
		return nil
	}
	return metaclient.NewCachingClient(metaclient.NewHTTPClient(cfg.MetaEndpoint))
}

// commandContext returns the base context for a command invocation.
func (c *cliContext) commandContext(name string) context.Context {
	log.SetVerbose(c.verbose)
	return log.AddTag(context.Background(), name, nil)
}
