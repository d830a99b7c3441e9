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

	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/regiondb/regionctl/config"
	"github.com/regiondb/regionctl/consistency"
	"github.com/regiondb/regionctl/repair"
	"github.com/regiondb/regionctl/util/log"
	"github.com/spf13/cobra"
)

var (
	repairKinds  []string
	repairDryRun bool
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "fix inconsistencies found in the store",
	Long: `Runs the consistency checks, then applies the matching repair for each
finding. The store is opened read-write and locked exclusively; the owning
server must be stopped.

Repairs re-validate their evidence right before mutating and refuse findings
the store has since moved past.`,
	Args: cobra.NoArgs,
	RunE: runRepair,
}

func init() {
	repairCmd.Flags().StringSliceVar(&repairKinds, "kind", nil,
		"only repair findings of these kinds (default: all)")
	repairCmd.Flags().BoolVar(&repairDryRun, "dry-run", false,
		"report what would be repaired without mutating")
}

func runRepair(cmd *cobra.Command, args []string) error {
	ctx := cliCtx.commandContext("repair")
	store, cfg, err := cliCtx.openStore(ctx, repairDryRun)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	logs, err := cliCtx.openLogStore(ctx, cfg, repairDryRun)
	if err != nil {
		return err
	}
	defer func() { _ = logs.Close() }()

	// The replica digest comparison needs a shared lock and so cannot run in
	// the same invocation as a repair. Its findings come from a prior
	// `regionctl check`; here we only re-check the offline properties.
	checker := consistency.NewChecker(store, logs, checkerOptions(cfg)...)
	findings, err := checker.CheckAll(ctx)
	if err != nil {
		return err
	}
	findings = filterFindings(findings, repairKinds)
	if len(findings) == 0 {
		fmt.Fprintln(stdout, "nothing to repair")
		return nil
	}
	if repairDryRun {
		log.Infof(ctx, "dry run: %d findings would be repaired", len(findings))
		return printFindings(findings, false)
	}

	engine := repair.NewEngine(store, logs)
	results, err := engine.RepairAll(ctx, findings)
	printResults(results)
	if err != nil {
		if errors.Is(err, repair.ErrRepairPrecondition) {
			return errors.WithHint(err, "the store changed since the check; re-run `regionctl repair`")
		}
		return err
	}
	return nil
}

func checkerOptions(cfg *config.Config) []consistency.Option {
	if meta := cliCtx.metaClient(cfg); meta != nil && cfg.StoreID != 0 {
		return []consistency.Option{consistency.WithMetaClient(meta, cfg.StoreID)}
	}
	return nil
}

func filterFindings(findings []consistency.Finding, kinds []string) []consistency.Finding {
	if len(kinds) == 0 {
		return findings
	}
	allowed := make(map[consistency.Kind]bool, len(kinds))
	for _, k := range kinds {
		allowed[consistency.Kind(k)] = true
	}
	var out []consistency.Finding
	for _, f := range findings {
		if allowed[f.Kind] {
			out = append(out, f)
		}
	}
	return out
}

func printResults(results []repair.Result) {
	if len(results) == 0 {
		return
	}
	table := tablewriter.NewWriter(stdout)
	table.SetHeader([]string{"Region", "Kind", "Changed", "Action"})
	for _, r := range results {
		table.Append([]string{
			fmt.Sprintf("r%d", r.Finding.RegionID),
			string(r.Finding.Kind),
			fmt.Sprintf("%t", r.Changed),
			r.Action,
		})
	}
	table.Render()
}
