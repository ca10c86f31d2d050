// Package input loads the locations to process from CSV or XLSX files.
package input

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/solar-cli/internal/model"
)

// ErrMissingColumns is returned when the header lacks a required column.
var ErrMissingColumns = eris.New("input: required columns missing")

// LoadLocations reads path by extension. Workbooks that cannot be opened are
// retried as CSV. Blank rows are skipped.
func LoadLocations(ctx context.Context, path string) ([]model.Location, error) {
	rows, err := readRows(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, eris.Errorf("input: %s is empty", path)
	}
	return parseLocations(rows)
}

func readRows(ctx context.Context, path string) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xls":
		rows, err := readXLSX(path)
		if err == nil {
			return rows, nil
		}
		zap.L().Warn("input: workbook unreadable, trying csv", zap.String("path", path), zap.Error(err))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "input: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return readCSV(ctx, f)
}

type columns struct {
	id, lat, lon int
}

func findColumns(header []string) (columns, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		k := strings.ToLower(strings.TrimSpace(h))
		if _, dup := idx[k]; !dup {
			idx[k] = i
		}
	}
	pick := func(names ...string) int {
		for _, n := range names {
			if i, ok := idx[n]; ok {
				return i
			}
		}
		return -1
	}

	c := columns{
		id:  pick("sample_id"),
		lat: pick("latitude", "lat"),
		lon: pick("longitude", "lon"),
	}
	var missing []string
	if c.id < 0 {
		missing = append(missing, "sample_id")
	}
	if c.lat < 0 {
		missing = append(missing, "latitude|lat")
	}
	if c.lon < 0 {
		missing = append(missing, "longitude|lon")
	}
	if len(missing) > 0 {
		return c, eris.Wrapf(ErrMissingColumns, "input: need %s, have [%s]",
			strings.Join(missing, ", "), strings.Join(header, ", "))
	}
	return c, nil
}

func parseLocations(rows [][]string) ([]model.Location, error) {
	cols, err := findColumns(rows[0])
	if err != nil {
		return nil, err
	}

	locs := make([]model.Location, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		// Row numbers count the header as row 1.
		n := i + 2
		id, err := parseSampleID(cell(row, cols.id))
		if err != nil {
			return nil, eris.Wrapf(err, "input: row %d: sample_id", n)
		}
		lat, err := strconv.ParseFloat(cell(row, cols.lat), 64)
		if err != nil {
			return nil, eris.Wrapf(err, "input: row %d: latitude", n)
		}
		lon, err := strconv.ParseFloat(cell(row, cols.lon), 64)
		if err != nil {
			return nil, eris.Wrapf(err, "input: row %d: longitude", n)
		}
		locs = append(locs, model.Location{SampleID: id, Lat: lat, Lon: lon})
	}
	return locs, nil
}

// parseSampleID accepts integers and integral floats such as "12.0".
func parseSampleID(s string) (int64, error) {
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "parse %q", s)
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, eris.Errorf("parse %q: not an integer", s)
	}
	return int64(f), nil
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return row[i]
}

func blank(row []string) bool {
	for _, v := range row {
		if v != "" {
			return false
		}
	}
	return true
}
