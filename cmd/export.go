package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/solar-cli/internal/config"
	"github.com/sells-group/solar-cli/internal/export"
	"github.com/sells-group/solar-cli/internal/model"
	"github.com/sells-group/solar-cli/internal/store"
)

// Export formats.
const (
	formatGeoJSON   = "geojson"
	formatShapefile = "shp"
)

// exportPageSize is the ListRecords page size used while exporting.
const exportPageSize = 1000

var (
	exportFormat string
	exportOut    string
	exportBatch  string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored records as GeoJSON or a point shapefile",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if exportFormat != formatGeoJSON && exportFormat != formatShapefile {
			return eris.Errorf("export: unknown format %q (want %s or %s)", exportFormat, formatGeoJSON, formatShapefile)
		}
		if err := cfg.Validate(config.ModeExport); err != nil {
			return err
		}

		st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &cfg.Store.Pool)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		recs, err := allRecords(ctx, st, exportBatch)
		if err != nil {
			return err
		}

		if err := writeExport(exportFormat, exportOut, recs); err != nil {
			return err
		}
		zap.L().Info("export complete",
			zap.String("format", exportFormat),
			zap.String("out", exportOut),
			zap.Int("records", len(recs)),
		)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", formatGeoJSON, "output format: geojson or shp")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output path (required)")
	exportCmd.Flags().StringVar(&exportBatch, "batch", "", "only export records from this batch id")
	_ = exportCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(exportCmd)
}

// recordLister is the part of store.Store export reads from.
type recordLister interface {
	ListRecords(ctx context.Context, f store.RecordFilter) ([]model.Record, error)
}

// allRecords pages through ListRecords until a short page comes back.
func allRecords(ctx context.Context, st recordLister, batchID string) ([]model.Record, error) {
	var all []model.Record
	for offset := 0; ; offset += exportPageSize {
		page, err := st.ListRecords(ctx, store.RecordFilter{BatchID: batchID, Limit: exportPageSize, Offset: offset})
		if err != nil {
			return nil, eris.Wrap(err, "export: list records")
		}
		all = append(all, page...)
		if len(page) < exportPageSize {
			return all, nil
		}
	}
}

func writeExport(format, path string, recs []model.Record) error {
	if format == formatShapefile {
		return export.Shapefile(path, recs)
	}
	return writeGeoJSONFile(path, recs)
}
