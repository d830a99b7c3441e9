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
	"encoding/hex"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/regiondb/regionctl/backup"
	"github.com/regiondb/regionctl/consistency"
	"github.com/regiondb/regionctl/regionpb"
	"github.com/regiondb/regionctl/storage"
	"github.com/regiondb/regionctl/util/log"
	"github.com/spf13/cobra"
)

var (
	backupRegionID    int64
	backupFile        string
	backupResumeAfter string
	backupLogStream   bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "export and import region data",
}

var backupExportCmd = &cobra.Command{
	Use:   "export",
	Short: "stream a region's data to a backup file",
	Long: `Streams one region's user data (or, with --raft-log, its raft log) to a
compressed backup file. If the export is interrupted, the last exported key
is printed; pass it to --resume-after to continue into a second file.`,
	Args: cobra.NoArgs,
	RunE: runBackupExport,
}

var backupImportCmd = &cobra.Command{
	Use:   "import",
	Short: "apply a backup file to the store",
	Args:  cobra.NoArgs,
	RunE:  runBackupImport,
}

func init() {
	backupCmd.AddCommand(backupExportCmd, backupImportCmd)

	ef := backupExportCmd.Flags()
	ef.Int64Var(&backupRegionID, "region", 0, "region to export")
	ef.StringVar(&backupFile, "file", "", "destination file")
	ef.StringVar(&backupResumeAfter, "resume-after", "",
		"hex engine key from an interrupted export; skip keys at or below it")
	ef.BoolVar(&backupLogStream, "raft-log", false, "export the raft log instead of user data")
	_ = backupExportCmd.MarkFlagRequired("region")
	_ = backupExportCmd.MarkFlagRequired("file")

	inf := backupImportCmd.Flags()
	inf.StringVar(&backupFile, "file", "", "backup file to apply")
	_ = backupImportCmd.MarkFlagRequired("file")
}

func runBackupExport(cmd *cobra.Command, args []string) error {
	ctx := cliCtx.commandContext("backup")
	regionID := regionpb.RegionID(backupRegionID)

	var opts backup.ExportOptions
	if backupResumeAfter != "" {
		cursor, err := hex.DecodeString(backupResumeAfter)
		if err != nil {
			return errors.Wrap(err, "parsing --resume-after")
		}
		opts.ResumeAfter = cursor
	}

	store, cfg, err := cliCtx.openStore(ctx, true /* readOnly */)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	out, err := os.Create(backupFile)
	if err != nil {
		return errors.Wrapf(err, "creating %s", backupFile)
	}
	defer func() { _ = out.Close() }()

	var summary backup.Summary
	if backupLogStream {
		logs, err := cliCtx.openLogStore(ctx, cfg, true /* readOnly */)
		if err != nil {
			return err
		}
		defer func() { _ = logs.Close() }()
		summary, err = backup.ExportRegionLog(ctx, logs.Store(), regionID, out, opts)
		if err != nil {
			return exportErr(ctx, summary, err)
		}
	} else {
		desc, err := findDescriptor(ctx, store, regionID)
		if err != nil {
			return err
		}
		summary, err = backup.ExportRegion(ctx, store, desc, out, opts)
		if err != nil {
			return exportErr(ctx, summary, err)
		}
	}
	if err := out.Sync(); err != nil {
		return err
	}
	log.Infof(ctx, "exported %d records (%s) from r%d to %s",
		summary.Records, humanize.IBytes(uint64(summary.Bytes)), regionID, backupFile)
	return nil
}

// exportErr surfaces the resume cursor alongside the failure.
func exportErr(ctx context.Context, summary backup.Summary, err error) error {
	if len(summary.LastKey) > 0 {
		log.Warningf(ctx, "export interrupted after %d records; resume with --resume-after=%s",
			summary.Records, hex.EncodeToString(summary.LastKey))
	}
	return err
}

func runBackupImport(cmd *cobra.Command, args []string) error {
	ctx := cliCtx.commandContext("backup")

	in, err := os.Open(backupFile)
	if err != nil {
		return errors.Wrapf(err, "opening %s", backupFile)
	}
	defer func() { _ = in.Close() }()

	// A raft log stream must land in the raft log store, not the data store.
	streamContent, err := backup.SniffContent(in)
	if err != nil {
		return err
	}
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return err
	}

	var store *storage.Store
	if streamContent == backup.StreamLog {
		cfg, err := cliCtx.resolveConfig()
		if err != nil {
			return err
		}
		logs, err := cliCtx.openLogStore(ctx, cfg, false /* readOnly */)
		if err != nil {
			return err
		}
		defer func() { _ = logs.Close() }()
		store = logs.Store()
	} else {
		var err error
		store, _, err = cliCtx.openStore(ctx, false /* readOnly */)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
	}

	summary, content, err := backup.Import(ctx, store, in)
	if err != nil {
		if errors.Is(err, backup.ErrTruncatedBackup) {
			log.Warningf(ctx, "backup is truncated; %d records were still applied", summary.Records)
		}
		return err
	}
	kind := "user data"
	if content == backup.StreamLog {
		kind = "raft log"
	}
	log.Infof(ctx, "imported %d %s records (%s) from %s",
		summary.Records, kind, humanize.IBytes(uint64(summary.Bytes)), backupFile)
	return nil
}

// findDescriptor loads the named region's descriptor from the store.
func findDescriptor(
	ctx context.Context, store *storage.Store, regionID regionpb.RegionID,
) (*regionpb.RegionDescriptor, error) {
	descs, err := consistency.LoadDescriptors(ctx, store)
	if err != nil {
		return nil, err
	}
	for i := range descs {
		if descs[i].RegionID == regionID {
			return &descs[i], nil
		}
	}
	return nil, errors.Newf("r%d has no descriptor in this store", regionID)
}
