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

// Package cli implements the regionctl command tree. regionctl is an
// offline administrative tool: it operates on a store directory while the
// owning server is stopped (or, for read-only commands, on a shared lock
// alongside it).
package cli

import (
	"io"
	"os"

	"github.com/regiondb/regionctl/util/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "regionctl",
	Short: "offline inspection and repair for region store directories",
	Long: `regionctl inspects and repairs the store directories of a regiondb node.

Commands that mutate the store take its lock exclusively and require the
owning server to be stopped. Read-only commands take the lock shared and can
run alongside a live server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cliCtx.configFile, "config", "", "path to a regionctl TOML config file")
	pf.StringVar(&cliCtx.dataDir, "data-dir", "", "store directory to operate on")
	pf.StringVar(&cliCtx.raftDir, "raft-dir", "", "raft log directory (default: <data-dir>/raft)")
	pf.StringVar(&cliCtx.metaEndpoint, "meta-endpoint", "",
		"base URL of the cluster metadata service")
	pf.Int32Var(&cliCtx.storeID, "store-id", 0, "this store's id in region peer lists")
	pf.StringVar(&cliCtx.keyRegistry, "key-registry", "",
		"encryption key registry file; enables encryption-at-rest decoding")
	pf.BoolVarP(&cliCtx.verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVar(&cliCtx.force, "force", false,
		"proceed even when the store lock cannot be acquired (dangerous)")

	rootCmd.AddCommand(
		checkCmd,
		repairCmd,
		backupCmd,
		debugCmd,
	)
}

// Run executes the command tree and returns the process exit code.
func Run(args []string) int {
	defer log.Flush()
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		fmtErr(err)
		return 1
	}
	return 0
}

func fmtErr(err error) {
	rootCmd.PrintErrln("Error:", err.Error())
}

// stdout is the destination for command output. Tests substitute it.
var stdout io.Writer = os.Stdout
