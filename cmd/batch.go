package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/solar-cli/internal/config"
	"github.com/sells-group/solar-cli/internal/export"
	"github.com/sells-group/solar-cli/internal/input"
	"github.com/sells-group/solar-cli/internal/model"
	"github.com/sells-group/solar-cli/internal/pipeline"
	"github.com/sells-group/solar-cli/internal/store"
)

// geojsonFile is written next to predictions.json by --geojson.
const geojsonFile = "predictions.geojson"

var (
	batchInput       string
	batchOutput      string
	batchLimit       int
	batchConcurrency int
	batchGeoJSON     bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Detect solar panels for every location in a CSV or XLSX file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if batchConcurrency > 0 {
			cfg.Batch.Concurrency = batchConcurrency
		}

		env, err := initPipeline(ctx, config.ModeBatch)
		if err != nil {
			return err
		}
		defer env.Close()

		locs, err := input.LoadLocations(ctx, batchInput)
		if err != nil {
			return err
		}

		out, err := store.NewOutputDir(batchOutput)
		if err != nil {
			return err
		}

		opts := []pipeline.RunnerOption{
			pipeline.WithConcurrency(cfg.Batch.Concurrency),
			pipeline.WithInputName(filepath.Base(batchInput)),
			pipeline.WithCacheStats(env.CacheStats),
		}
		if env.Store != nil {
			opts = append(opts, pipeline.WithStore(env.Store))
		}
		runner := pipeline.NewRunner(env.Processor, out, opts...)

		return processBatch(ctx, runner, locs, batchLimit, out.Dir(), batchGeoJSON)
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchInput, "input", "", "CSV or XLSX file with sample_id, latitude, longitude (required)")
	batchCmd.Flags().StringVar(&batchOutput, "output", "output", "output directory")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max number of locations to process (0 = all)")
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 0, "locations processed at once (default from config)")
	batchCmd.Flags().BoolVar(&batchGeoJSON, "geojson", false, "also write "+geojsonFile)
	_ = batchCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(batchCmd)
}

// batchRunner is the part of *pipeline.Runner the batch command uses.
type batchRunner interface {
	Run(ctx context.Context, locs []model.Location) ([]model.Entry, error)
}

// processBatch applies limit, runs the batch, and optionally writes the
// successful records as GeoJSON into dir.
func processBatch(ctx context.Context, runner batchRunner, locs []model.Location, limit int, dir string, geojson bool) error {
	if len(locs) == 0 {
		zap.L().Info("no locations found")
		return nil
	}

	// Apply limit
	if limit > 0 && len(locs) > limit {
		locs = locs[:limit]
	}

	zap.L().Info("processing batch", zap.Int("locations", len(locs)))

	entries, runErr := runner.Run(ctx, locs)

	if geojson {
		if err := writeGeoJSONFile(filepath.Join(dir, geojsonFile), recordsOf(entries)); err != nil {
			return err
		}
	}
	if runErr != nil {
		return eris.Wrap(runErr, "batch processing")
	}
	return nil
}

func recordsOf(entries []model.Entry) []model.Record {
	recs := make([]model.Record, 0, len(entries))
	for _, e := range entries {
		if e.Record != nil {
			recs = append(recs, *e.Record)
		}
	}
	return recs
}

func writeGeoJSONFile(path string, recs []model.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "create %s", path)
	}
	if err := export.GeoJSON(f, recs); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return eris.Wrapf(f.Close(), "close %s", path)
}
