package store

import (
	"encoding/json"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/solar-cli/internal/model"
)

// AggregateFile is the batch-level results file name.
const AggregateFile = "predictions.json"

// OutputDir writes per-location files and the aggregate into one directory.
type OutputDir struct {
	dir string
}

// NewOutputDir creates dir if needed.
func NewOutputDir(dir string) (*OutputDir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "output: create %s", dir)
	}
	return &OutputDir{dir: dir}, nil
}

// Dir returns the output directory.
func (o *OutputDir) Dir() string { return o.dir }

// RecordPath is where WriteRecord puts a sample's JSON.
func (o *OutputDir) RecordPath(sampleID int64) string {
	return filepath.Join(o.dir, strconv.FormatInt(sampleID, 10)+".json")
}

// OverlayPath is where WriteOverlay puts a sample's PNG.
func (o *OutputDir) OverlayPath(sampleID int64) string {
	return filepath.Join(o.dir, strconv.FormatInt(sampleID, 10)+"_overlay.png")
}

// WriteRecord writes {sample_id}.json.
func (o *OutputDir) WriteRecord(rec *model.Record) error {
	return writeJSON(o.RecordPath(rec.SampleID), rec)
}

// WriteOverlay writes {sample_id}_overlay.png.
func (o *OutputDir) WriteOverlay(sampleID int64, img image.Image) error {
	path := o.OverlayPath(sampleID)
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "output: create %s", path)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close() //nolint:errcheck
		return eris.Wrapf(err, "output: encode %s", path)
	}
	return eris.Wrapf(f.Close(), "output: close %s", path)
}

// WriteAggregate writes predictions.json with every entry in order.
func (o *OutputDir) WriteAggregate(entries []model.Entry) error {
	if entries == nil {
		entries = []model.Entry{}
	}
	return writeJSON(filepath.Join(o.dir, AggregateFile), entries)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "output: marshal %s", filepath.Base(path))
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrapf(err, "output: write %s", path)
	}
	return eris.Wrapf(os.Rename(tmp, path), "output: rename %s", path)
}
