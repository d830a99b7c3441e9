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
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/regiondb/regionctl/consistency"
	"github.com/regiondb/regionctl/keys"
	"github.com/regiondb/regionctl/raftlog"
	"github.com/regiondb/regionctl/regionpb"
	"github.com/regiondb/regionctl/storage"
	"github.com/regiondb/regionctl/storage/engine"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// seedStore creates a store directory with one region and returns it. The
// raft directory is initialized too, so read-only commands can open it.
func seedStore(t *testing.T, damage bool) string {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := storage.Open(ctx, dir)
	require.NoError(t, err)
	desc := regionpb.RegionDescriptor{
		RegionID: 1,
		StartKey: regionpb.Key("a"),
		EndKey:   regionpb.Key("z"),
		Epoch:    regionpb.Epoch{Version: 1, ConfVersion: 1},
		Peers:    []regionpb.Peer{{NodeID: 1, StoreID: 1}},
	}
	data, err := desc.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, keys.RegionDescriptorKey(1), data))

	metaTS := regionpb.Timestamp(5)
	if damage {
		// Metadata pointing past the newest stored version.
		metaTS = 9
	}
	metaData, err := (&engine.MVCCMetadata{Timestamp: metaTS}).Marshal()
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx,
		engine.EncodeMVCCKey(engine.MVCCKey{Key: regionpb.Key("k")}), metaData))
	require.NoError(t, store.Put(ctx,
		engine.EncodeMVCCKey(engine.MVCCKey{Key: regionpb.Key("k"), Timestamp: 5}), []byte("v")))
	require.NoError(t, store.Close())

	require.NoError(t, os.MkdirAll(dir+"/raft", 0755))
	raft, err := storage.Open(ctx, dir+"/raft")
	require.NoError(t, err)
	require.NoError(t, raft.Close())
	return dir
}

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })
	return &buf
}

func TestCheckCommand(t *testing.T) {
	dir := seedStore(t, false /* damage */)
	out := captureOutput(t)

	code := Run([]string{"check", "--data-dir", dir, "--json"})
	require.Equal(t, 0, code)

	var findings []consistency.Finding
	require.NoError(t, json.Unmarshal(out.Bytes(), &findings))
	require.Empty(t, findings)
}

func TestCheckCommandReportsDamage(t *testing.T) {
	dir := seedStore(t, true /* damage */)
	out := captureOutput(t)

	code := Run([]string{"check", "--data-dir", dir, "--json"})
	require.Equal(t, 0, code)

	var findings []consistency.Finding
	require.NoError(t, json.Unmarshal(out.Bytes(), &findings))
	require.Len(t, findings, 1)
	require.Equal(t, consistency.MVCCChainBroken, findings[0].Kind)
}

func TestRepairCommand(t *testing.T) {
	dir := seedStore(t, true /* damage */)
	captureOutput(t)

	code := Run([]string{"repair", "--data-dir", dir})
	require.Equal(t, 0, code)

	// The damage is gone.
	out := captureOutput(t)
	code = Run([]string{"check", "--data-dir", dir, "--json"})
	require.Equal(t, 0, code)
	var findings []consistency.Finding
	require.NoError(t, json.Unmarshal(out.Bytes(), &findings))
	require.Empty(t, findings)
}

func TestBackupImportRoutesLogStream(t *testing.T) {
	ctx := context.Background()
	src := seedStore(t, false /* damage */)

	raft, err := storage.Open(ctx, src+"/raft")
	require.NoError(t, err)
	logs := raftlog.NewLogStore(raft)
	require.NoError(t, logs.Append(ctx, 1, []raftpb.Entry{
		{Term: 1, Index: 1, Type: raftpb.EntryNormal, Data: []byte("a")},
		{Term: 1, Index: 2, Type: raftpb.EntryNormal, Data: []byte("b")},
	}))
	require.NoError(t, raft.Close())

	file := filepath.Join(t.TempDir(), "r1.log.bak")
	captureOutput(t)
	code := Run([]string{
		"backup", "export", "--data-dir", src, "--region", "1", "--raft-log", "--file", file})
	require.Equal(t, 0, code)

	dst := seedStore(t, false /* damage */)
	code = Run([]string{"backup", "import", "--data-dir", dst, "--file", file})
	require.Equal(t, 0, code)

	// The log records landed in the raft directory, not the data store.
	prefix := keys.RaftLogPrefix(1)
	raft, err = storage.Open(ctx, dst+"/raft", storage.ReadOnly())
	require.NoError(t, err)
	var records int
	require.NoError(t, raft.Scan(ctx, prefix, prefix.PrefixEnd(),
		func(key, value []byte) error {
			records++
			return nil
		}))
	require.NoError(t, raft.Close())
	require.Equal(t, 2, records)

	data, err := storage.Open(ctx, dst, storage.ReadOnly())
	require.NoError(t, err)
	require.NoError(t, data.Scan(ctx, prefix, prefix.PrefixEnd(),
		func(key, value []byte) error {
			t.Fatalf("raft log key in the data store: %x", key)
			return nil
		}))
	require.NoError(t, data.Close())
}

func TestCheckCommandRequiresDataDir(t *testing.T) {
	captureOutput(t)
	code := Run([]string{"check"})
	require.Equal(t, 1, code)
}

func TestFilterFindings(t *testing.T) {
	findings := []consistency.Finding{
		{Kind: consistency.RangeGap, RegionID: 1},
		{Kind: consistency.MVCCChainBroken, RegionID: 2},
		{Kind: consistency.OrphanedLogEntry, RegionID: 3},
	}
	require.Len(t, filterFindings(findings, nil), 3)
	filtered := filterFindings(findings, []string{string(consistency.MVCCChainBroken)})
	require.Len(t, filtered, 1)
	require.Equal(t, regionpb.RegionID(2), filtered[0].RegionID)
}
