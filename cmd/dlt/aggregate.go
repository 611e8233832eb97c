package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/artifacts"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/results"
)

var (
	aggregatePrefix string
	aggregateRegion string
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate [report.xml ...]",
	Short: "Aggregate worker reports offline",
	Long: `Aggregate raw worker XML reports into one result. Reports are read from
the given files, or with --prefix from the configured artifact store, e.g.
--prefix t1/Ab3dE to aggregate one run.`,
	RunE: runAggregate,
}

func init() {
	aggregateCmd.Flags().StringVar(&aggregatePrefix, "prefix", "", "artifact key prefix to aggregate")
	aggregateCmd.Flags().StringVar(&aggregateRegion, "region", "local", "region to attribute local files to")

	rootCmd.AddCommand(aggregateCmd)
}

func runAggregate(cmd *cobra.Command, args []string) error {
	if (aggregatePrefix == "") == (len(args) == 0) {
		return fmt.Errorf("give either report files or --prefix")
	}

	var (
		raws []results.RawResult
		err  error
	)

	if aggregatePrefix != "" {
		raws, err = fetchPrefix(context.Background(), aggregatePrefix)
	} else {
		raws, err = readFiles(args)
	}

	if err != nil {
		return err
	}

	aggregated, err := results.Aggregate(raws)
	if err != nil {
		return fmt.Errorf("aggregating %d reports: %w", len(raws), err)
	}

	if outputFormat == "json" {
		return printJSON(aggregated)
	}

	return printAggregated(os.Stdout, aggregated)
}

func readFiles(paths []string) ([]results.RawResult, error) {
	raws := make([]results.RawResult, 0, len(paths))

	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}

		raws = append(raws, results.RawResult{Key: p, Region: aggregateRegion, Data: data})
	}

	return raws, nil
}

// fetchPrefix reads every .xml artifact under prefix. The region is taken
// from the <testId>/<testRunId>/<region>/ key layout.
func fetchPrefix(ctx context.Context, prefix string) ([]results.RawResult, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	reader, err := artifacts.NewReader(log, &cfg.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("creating artifact reader: %w", err)
	}

	keys, err := reader.List(ctx, strings.TrimSuffix(prefix, "/")+"/")
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}

	refs := make([]artifacts.Ref, 0, len(keys))

	for _, key := range keys {
		if path.Ext(key) != ".xml" {
			continue
		}

		region := aggregateRegion
		if parts := strings.Split(key, "/"); len(parts) == 4 {
			region = parts[2]
		}

		refs = append(refs, artifacts.Ref{Key: key, Region: region})
	}

	if len(refs) == 0 {
		return nil, fmt.Errorf("no reports under %s", prefix)
	}

	log.WithField("reports", len(refs)).Info("Fetching reports")

	return artifacts.FetchAll(ctx, reader, refs, cfg.Artifacts.FetchConcurrency)
}
