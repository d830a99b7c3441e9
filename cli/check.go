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
	"encoding/json"
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/regiondb/regionctl/consistency"
	"github.com/regiondb/regionctl/util/log"
	"github.com/spf13/cobra"
)

var checkJSON bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "scan the store for inconsistencies",
	Long: `Scans region descriptors, version chains and raft logs for damage.
With a metadata endpoint and a store id configured, also compares this
store's replica digests against the region's other replicas.

The store is opened read-only; check never mutates.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "emit findings as JSON")
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := cliCtx.commandContext("check")
	store, cfg, err := cliCtx.openStore(ctx, true /* readOnly */)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	logs, err := cliCtx.openLogStore(ctx, cfg, true /* readOnly */)
	if err != nil {
		return err
	}
	defer func() { _ = logs.Close() }()

	checker := consistency.NewChecker(store, logs, checkerOptions(cfg)...)
	findings, err := checker.CheckAll(ctx)
	if err != nil {
		return err
	}
	if err := printFindings(findings, checkJSON); err != nil {
		return err
	}
	if len(findings) > 0 {
		log.Warningf(ctx, "%d findings; run `regionctl repair` to fix them", len(findings))
	} else {
		log.Infof(ctx, "store is consistent")
	}
	return nil
}

func printFindings(findings []consistency.Finding, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(findings)
	}
	if len(findings) == 0 {
		fmt.Fprintln(stdout, "no inconsistencies found")
		return nil
	}
	table := tablewriter.NewWriter(stdout)
	table.SetHeader([]string{"Region", "Kind", "Detail"})
	for _, f := range findings {
		table.Append([]string{
			fmt.Sprintf("r%d", f.RegionID),
			string(f.Kind),
			f.Detail,
		})
	}
	table.Render()
	return nil
}
