package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/headcount-cli/internal/ingest"
	"github.com/sells-group/headcount-cli/internal/model"
	"github.com/sells-group/headcount-cli/internal/sink"
)

var (
	estimateInput   string
	estimateRegion  string
	estimateOutput  string
	estimateFormat  string
	estimateOffline bool
)

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate employee headcount for every company in a CSV or XLSX file",
	Long: `Reads a CSV or XLSX file with a company column, estimates the employee
count for each row in the given country, and writes the results.

Output formats:
  annotated  the input table with a "Number of Employees" column appended
  csv        one row per company with count, confidence and sources
  xlsx       the csv columns as a spreadsheet`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		format, err := sink.ParseFormat(estimateFormat)
		if err != nil {
			return err
		}
		if !cfg.KnownRegion(estimateRegion) {
			return eris.Errorf("unknown region %q", estimateRegion)
		}

		tbl, err := ingest.ParseFile(estimateInput)
		if err != nil {
			return eris.Wrapf(err, "estimate: read %s", estimateInput)
		}
		if cfg.Batch.MaxEntities > 0 && len(tbl.Rows) > cfg.Batch.MaxEntities {
			return eris.Errorf("estimate: %d rows exceeds batch.max_entities (%d)", len(tbl.Rows), cfg.Batch.MaxEntities)
		}

		env, err := initPipeline(ctx, cfg, estimateOffline)
		if err != nil {
			return err
		}
		defer env.Close()

		start := time.Now()
		id, results, err := env.Service.RunSync(ctx, estimateRegion, tbl.Entities())
		if err != nil {
			return eris.Wrapf(err, "estimate: batch %s", id)
		}

		out, closeOut, err := openOutput(estimateOutput)
		if err != nil {
			return err
		}
		defer closeOut()

		if err := sink.Write(out, format, results, &sink.Source{Header: tbl.Header, Rows: tbl.Rows}); err != nil {
			return eris.Wrap(err, "estimate: write output")
		}

		counts := tally(results)
		zap.L().Info("estimate complete",
			zap.String("batch_id", id),
			zap.Int("rows", len(results)),
			zap.Int("success", counts[model.StatusSuccess]),
			zap.Int("no_data", counts[model.StatusNoData]),
			zap.Int("error", counts[model.StatusError]),
			zap.Int("rate_limited", counts[model.StatusRateLimited]),
			zap.Duration("elapsed", time.Since(start)),
		)
		return nil
	},
}

func init() {
	estimateCmd.Flags().StringVarP(&estimateInput, "input", "i", "", "input CSV or XLSX file")
	estimateCmd.Flags().StringVarP(&estimateRegion, "region", "r", "", "country to estimate headcount in")
	estimateCmd.Flags().StringVarP(&estimateOutput, "output", "o", "", "output file (default stdout)")
	estimateCmd.Flags().StringVar(&estimateFormat, "format", string(sink.FormatAnnotated), "output format: annotated, csv or xlsx")
	estimateCmd.Flags().BoolVar(&estimateOffline, "offline", false, "use the offline backend (no API keys needed)")
	_ = estimateCmd.MarkFlagRequired("input")
	_ = estimateCmd.MarkFlagRequired("region")
	rootCmd.AddCommand(estimateCmd)
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "estimate: create %s", path)
	}
	return f, func() {
		if err := f.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "close %s: %v\n", path, err)
		}
	}, nil
}

func tally(results []model.EstimateResult) map[model.EstimateStatus]int {
	counts := make(map[model.EstimateStatus]int, 4)
	for _, r := range results {
		counts[r.Status]++
	}
	return counts
}
