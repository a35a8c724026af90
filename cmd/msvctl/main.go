// Command msvctl is the CLI front end for the MSV engine (spec.md §6): a
// thin, minimal-logic shell over Bootstrap.Build, Coordinator.QueryMSV, and
// Batch.Executor.Check, matching the teacher's own App/main.go +
// GlobalHandler layering where main() only selects a mode and delegates to
// a RunSafe boundary.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/antiginx/msv-engine/Batch"
	"github.com/antiginx/msv-engine/Bootstrap"
	"github.com/antiginx/msv-engine/Coordinator"
	"github.com/antiginx/msv-engine/GlobalHandler"
	"github.com/antiginx/msv-engine/Types"
)

func main() {
	jsonMode := false
	for _, a := range os.Args {
		if a == "--format=json" {
			jsonMode = true
		}
	}
	handler := GlobalHandler.New(jsonMode)
	os.Exit(handler.RunSafe(func() error {
		return newRootCmd().Execute()
	}))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "msvctl",
		Short: "Query and check Minimum Safe Versions for cataloged software",
	}
	root.AddCommand(newQueryCmd(), newCheckCmd(), newRefreshCmd())
	return root
}

func newQueryCmd() *cobra.Command {
	var version, format, sources string
	var force bool

	cmd := &cobra.Command{
		Use:   "query <name>",
		Short: "Query the minimum safe version for a single product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateWhitelist("format", format); err != nil {
				return err
			}
			var selected []string
			for _, s := range strings.Split(sources, ",") {
				s = strings.TrimSpace(s)
				if s == "" {
					continue
				}
				if err := validateWhitelist("sources", s); err != nil {
					return err
				}
				selected = append(selected, s)
			}

			engine, err := Bootstrap.Build()
			if err != nil {
				return err
			}
			defer engine.Close()

			result, err := engine.Coordinator.QueryMSV(cmd.Context(), args[0], Coordinator.Options{
				CurrentVersion: version,
				ForceRefresh:   force,
			})
			if err != nil {
				return err
			}
			result.SourceResults = filterSourceResults(result.SourceResults, selected)
			return printResult(result, format)
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "installed version to compare against the MSV")
	cmd.Flags().BoolVar(&force, "force", false, "bypass the MSV cache and re-query every source")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text|json|markdown")
	cmd.Flags().StringVar(&sources, "sources", "", "comma-separated source filter for the displayed sourceResults (vendor,nvd,kev,epss,vulncheck,appthreat)")
	return cmd
}

func filterSourceResults(results []Types.SourceResult, selected []string) []Types.SourceResult {
	if len(selected) == 0 {
		return results
	}
	out := make([]Types.SourceResult, 0, len(results))
	for _, r := range results {
		// KEV rows are tagged "CISA-KEV"; drop the agency prefix so the
		// whitelisted "kev" value selects them.
		name := strings.TrimPrefix(strings.ToLower(r.SourceName), "cisa-")
		if filterSourcePrefixes(name, selected) {
			out = append(out, r)
		}
	}
	return out
}

func newCheckCmd() *cobra.Command {
	var concurrency int
	var noParallel, force bool
	var format, reportURL string

	cmd := &cobra.Command{
		Use:   "check <file-or-list>",
		Short: "Check a list of installed products for compliance against their MSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateWhitelist("format", format); err != nil {
				return err
			}
			items, err := readItems(args[0])
			if err != nil {
				return err
			}

			engine, err := Bootstrap.Build()
			if err != nil {
				return err
			}
			defer engine.Close()

			concur := concurrency
			if !cmd.Flags().Changed("concurrency") && engine.Config.BatchConcurrency > 0 {
				concur = engine.Config.BatchConcurrency
			}
			if noParallel {
				concur = 1
			}

			exec := Batch.New(engine.Coordinator)
			results := exec.Check(context.Background(), items, Batch.Options{Concurrency: concur, ForceRefresh: force})

			if reportURL != "" {
				if failed := streamToBackend(results, reportURL); failed > 0 {
					fmt.Fprintf(os.Stderr, "warning: failed to publish %d of %d results\n", failed, len(results))
				}
			}

			return printBatchResults(results, format)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", Batch.DefaultConcurrency, "number of concurrent workers")
	cmd.Flags().BoolVar(&noParallel, "no-parallel", false, "force single-worker execution")
	cmd.Flags().BoolVar(&force, "force", false, "bypass the MSV cache and re-query every source for every item")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text|json|markdown")
	cmd.Flags().StringVar(&reportURL, "report-url", "", "stream each result to this backend URL as it completes (mirrors the teacher's backend-reporter CLI mode)")
	return cmd
}

// streamToBackend mirrors the teacher's own dual CLI/backend-reporter
// App/main.go entry point (selected there via a BACK_URL env var): each
// completed row is pushed through a Batch.ResultSink tagged with a
// freshly generated batch ID, rather than only printed to stdout.
func streamToBackend(results []Types.ComplianceResult, reportURL string) int {
	batchID := uuid.New().String()
	ch := make(chan Types.ComplianceResult, len(results))
	sink := Batch.NewResultSink(ch, reportURL, batchID)
	done := sink.StartListening()
	for _, r := range results {
		ch <- r
	}
	close(ch)
	return <-done
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Force a CISA KEV catalog refresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := Bootstrap.Build()
			if err != nil {
				return err
			}
			defer engine.Close()
			if err := engine.KEV.Refresh(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("CISA KEV catalog refreshed.")
			return nil
		},
	}
}

// readItems parses "<name>[ <version>]" lines from a plain-text file, one
// item per line, blank lines and "#"-prefixed comments skipped.
func readItems(path string) ([]Batch.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var items []Batch.Item
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		item := Batch.Item{Name: fields[0]}
		if len(fields) > 1 {
			item.InstalledVersion = fields[1]
		}
		items = append(items, item)
	}
	return items, scanner.Err()
}

func printResult(result Types.ScoredResult, format string) error {
	switch format {
	case "json":
		return json.NewEncoder(os.Stdout).Encode(result)
	case "markdown":
		fmt.Printf("## %s\n\n- MSV: %s\n- Risk: %s (%d)\n- Action: %s (%s)\n",
			result.DisplayName, result.MinimumSafeVersion, result.RiskLevel, result.RiskScore, result.Action, result.ActionHeadline)
		return nil
	default:
		fmt.Printf("%s: MSV=%s rating=%s risk=%s(%d) action=%s (%s)\n",
			result.DisplayName, result.MinimumSafeVersion, result.Rating.Rating, result.RiskLevel, result.RiskScore, result.Action, result.ActionHeadline)
		return nil
	}
}

func printBatchResults(results []Types.ComplianceResult, format string) error {
	switch format {
	case "json":
		return json.NewEncoder(os.Stdout).Encode(results)
	default:
		for _, r := range results {
			fmt.Printf("%-30s %-15s %s\n", r.Item, r.Status, r.Action)
		}
		return nil
	}
}
