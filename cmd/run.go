package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/solar-cli/internal/config"
	"github.com/sells-group/solar-cli/internal/model"
	"github.com/sells-group/solar-cli/internal/store"
)

var (
	runLat      float64
	runLon      float64
	runSampleID int64
	runOutput   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Detect solar panels at a single coordinate",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, config.ModeRun)
		if err != nil {
			return err
		}
		defer env.Close()

		out, err := store.NewOutputDir(runOutput)
		if err != nil {
			return err
		}

		loc := model.Location{SampleID: runSampleID, Lat: runLat, Lon: runLon}
		outcome, err := env.Processor.Process(ctx, loc)
		if err != nil {
			return eris.Wrap(err, "run")
		}

		rec := outcome.Record
		if err := out.WriteRecord(&rec); err != nil {
			return err
		}
		overlayPath := ""
		if outcome.Overlay != nil {
			if err := out.WriteOverlay(rec.SampleID, outcome.Overlay); err != nil {
				return err
			}
			overlayPath = out.OverlayPath(rec.SampleID)
		}

		zap.L().Info("detection complete",
			zap.Int64("sample_id", rec.SampleID),
			zap.Bool("has_solar", rec.HasSolar),
			zap.String("source", rec.ImageMetadata.Source),
			zap.String("qc_status", rec.QCStatus),
		)

		return writeRunSummary(os.Stdout, &rec, out.RecordPath(rec.SampleID), overlayPath)
	},
}

func init() {
	runCmd.Flags().Float64Var(&runLat, "lat", 0, "latitude in degrees (required)")
	runCmd.Flags().Float64Var(&runLon, "lon", 0, "longitude in degrees (required)")
	runCmd.Flags().Int64Var(&runSampleID, "sample-id", 999, "sample id used for output file names")
	runCmd.Flags().StringVar(&runOutput, "output", "test_output", "output directory")
	_ = runCmd.MarkFlagRequired("lat")
	_ = runCmd.MarkFlagRequired("lon")
	rootCmd.AddCommand(runCmd)
}

// writeRunSummary prints a human-readable result block.
func writeRunSummary(w io.Writer, rec *model.Record, jsonPath, overlayPath string) error {
	footprint := "none"
	if rec.BBoxOrMask != nil {
		footprint = *rec.BBoxOrMask
	}

	var b strings.Builder
	rule := strings.Repeat("-", 60)
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "Sample ID:       %d\n", rec.SampleID)
	fmt.Fprintf(&b, "Location:        %.6f, %.6f\n", rec.Lat, rec.Lon)
	fmt.Fprintf(&b, "Has solar:       %t\n", rec.HasSolar)
	fmt.Fprintf(&b, "Confidence:      %.4f\n", rec.Confidence)
	fmt.Fprintf(&b, "Area (m²):       %.3f\n", rec.PVAreaSqmEst)
	fmt.Fprintf(&b, "Buffer (sqft):   %d\n", rec.BufferRadiusSqft)
	fmt.Fprintf(&b, "QC status:       %s\n", rec.QCStatus)
	if len(rec.QCReasons) > 0 {
		fmt.Fprintf(&b, "QC reasons:      %s\n", strings.Join(rec.QCReasons, ", "))
	}
	fmt.Fprintf(&b, "Footprint:       %s\n", footprint)
	fmt.Fprintf(&b, "Imagery:         %s (zoom %d)\n", rec.ImageMetadata.Source, rec.ImageMetadata.Zoom)
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "JSON:            %s\n", jsonPath)
	if overlayPath != "" {
		fmt.Fprintf(&b, "Overlay:         %s\n", overlayPath)
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return eris.Wrap(err, "run: write summary")
	}
	return nil
}
