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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/regiondb/regionctl/regionpb"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "regionctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
data-dir = "/mnt/store1"
meta-endpoint = "http://meta.internal:8080"
store-id = 3

[encryption]
enabled = true
key-registry = "/mnt/store1/keys.toml"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/mnt/store1", cfg.DataDir)
	require.Equal(t, filepath.Join("/mnt/store1", "raft"), cfg.RaftDir)
	require.Equal(t, "http://meta.internal:8080", cfg.MetaEndpoint)
	require.Equal(t, regionpb.StoreID(3), cfg.StoreID)
	require.True(t, cfg.Encryption.Enabled)
}

func TestLoadExplicitRaftDir(t *testing.T) {
	path := writeConfig(t, `
data-dir = "/mnt/store1"
raft-dir = "/mnt/raft1"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/mnt/raft1", cfg.RaftDir)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
data-dir = "/mnt/store1"
data-dri = "/oops"
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown keys")
}

func TestValidate(t *testing.T) {
	require.Error(t, (&Config{}).Validate())
	require.Error(t, (&Config{
		DataDir:    "/mnt/store1",
		Encryption: Encryption{Enabled: true},
	}).Validate())
	require.NoError(t, (&Config{DataDir: "/mnt/store1"}).Validate())
}
