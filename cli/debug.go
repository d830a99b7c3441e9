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
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/regiondb/regionctl/consistency"
	"github.com/regiondb/regionctl/keys"
	"github.com/regiondb/regionctl/regionpb"
	"github.com/regiondb/regionctl/storage"
	"github.com/regiondb/regionctl/storage/engine"
	"github.com/spf13/cobra"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "low-level inspection of store contents",
}

var debugDescriptorsCmd = &cobra.Command{
	Use:   "descriptors",
	Short: "list the region descriptors in the store",
	Args:  cobra.NoArgs,
	RunE:  runDebugDescriptors,
}

var (
	debugRaftStart uint64
	debugRaftEnd   uint64
)

var debugRaftLogCmd = &cobra.Command{
	Use:   "raft-log <region-id>",
	Short: "print a region's raft log entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runDebugRaftLog,
}

var debugScanLimit int

var debugScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "walk the engine keys of the store in order",
	Args:  cobra.NoArgs,
	RunE:  runDebugScan,
}

var debugKeyCmd = &cobra.Command{
	Use:   "key <user-key>",
	Short: "show the version chain of one user key",
	Args:  cobra.ExactArgs(1),
	RunE:  runDebugKey,
}

func init() {
	debugRaftLogCmd.Flags().Uint64Var(&debugRaftStart, "start", 1, "first index to print")
	debugRaftLogCmd.Flags().Uint64Var(&debugRaftEnd, "end", 0, "one past the last index to print (0: to the end)")
	debugScanCmd.Flags().IntVar(&debugScanLimit, "limit", 100, "stop after this many keys (0: no limit)")
	debugCmd.AddCommand(debugDescriptorsCmd, debugRaftLogCmd, debugScanCmd, debugKeyCmd)
}

func runDebugDescriptors(cmd *cobra.Command, args []string) error {
	ctx := cliCtx.commandContext("debug")
	store, _, err := cliCtx.openStore(ctx, true /* readOnly */)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	descs, err := consistency.LoadDescriptors(ctx, store)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(stdout)
	table.SetHeader([]string{"Region", "Start", "End", "Epoch", "Peers"})
	for i := range descs {
		desc := &descs[i]
		var peers string
		for j, p := range desc.Peers {
			if j > 0 {
				peers += " "
			}
			peers += p.String()
		}
		table.Append([]string{
			desc.RegionID.String(),
			desc.StartKey.String(),
			desc.EndKey.String(),
			desc.Epoch.String(),
			peers,
		})
	}
	table.Render()
	return nil
}

func runDebugRaftLog(cmd *cobra.Command, args []string) error {
	ctx := cliCtx.commandContext("debug")
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return err
	}
	regionID := regionpb.RegionID(id)

	cfg, err := cliCtx.resolveConfig()
	if err != nil {
		return err
	}
	logs, err := cliCtx.openLogStore(ctx, cfg, true /* readOnly */)
	if err != nil {
		return err
	}
	defer func() { _ = logs.Close() }()

	end := debugRaftEnd
	if end == 0 {
		last, err := logs.LastIndex(ctx, regionID)
		if err != nil {
			return err
		}
		end = last + 1
	}
	return logs.Iterate(ctx, regionID, debugRaftStart, end, func(ent raftpb.Entry) error {
		fmt.Fprintf(stdout, "%d/%d %s %s\n",
			ent.Index, ent.Term, ent.Type, humanize.IBytes(uint64(len(ent.Data))))
		return nil
	})
}

func runDebugScan(cmd *cobra.Command, args []string) error {
	ctx := cliCtx.commandContext("debug")
	store, _, err := cliCtx.openStore(ctx, true /* readOnly */)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var count int
	return store.Scan(ctx, nil, []byte{0xff, 0xff}, func(key, value []byte) error {
		fmt.Fprintf(stdout, "%s -> %s\n", prettyEngineKey(key), humanize.IBytes(uint64(len(value))))
		if count++; debugScanLimit > 0 && count >= debugScanLimit {
			return storage.StopIteration
		}
		return nil
	})
}

func prettyEngineKey(key []byte) string {
	if ek, err := engine.DecodeEngineKey(key); err == nil {
		return ek.String()
	}
	return keys.PrettyPrint(regionpb.Key(key))
}

func runDebugKey(cmd *cobra.Command, args []string) error {
	ctx := cliCtx.commandContext("debug")
	userKey := regionpb.Key(args[0])

	store, _, err := cliCtx.openStore(ctx, true /* readOnly */)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	start := engine.EncodeMVCCKey(engine.MVCCKey{Key: userKey})
	end := engine.EncodeRawKey(userKey.Next())
	found := false
	err = store.Scan(ctx, start, end, func(key, value []byte) error {
		ek, err := engine.DecodeEngineKey(key)
		if err != nil {
			return err
		}
		if !ek.Key.Equal(userKey) {
			return nil
		}
		found = true
		if ek.IsMeta() {
			var meta engine.MVCCMetadata
			if err := meta.Unmarshal(value); err != nil {
				return err
			}
			line := fmt.Sprintf("meta: newest @%d", meta.Timestamp)
			if meta.Deleted {
				line += " (deleted)"
			}
			if meta.Txn != nil {
				line += fmt.Sprintf(" intent of %s", meta.Txn)
			}
			fmt.Fprintln(stdout, line)
			return nil
		}
		fmt.Fprintf(stdout, "@%d: %s\n", ek.Timestamp, humanize.IBytes(uint64(len(value))))
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintf(stdout, "%s has no versions in this store\n", userKey)
	}
	return nil
}
