package input

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/solar-cli/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func createTestXLSX(t *testing.T, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Sheet1")
	require.NoError(t, err)
	for _, rowData := range rows {
		row := sheet.AddRow()
		for _, v := range rowData {
			row.AddCell().SetString(v)
		}
	}
	path := filepath.Join(t.TempDir(), "sites.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestLoadLocations_CSV(t *testing.T) {
	path := writeFile(t, "sites.csv", "sample_id,latitude,longitude\n1,37.77,-122.42\n2,40.71,-74.01\n")

	locs, err := LoadLocations(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []model.Location{
		{SampleID: 1, Lat: 37.77, Lon: -122.42},
		{SampleID: 2, Lat: 40.71, Lon: -74.01},
	}, locs)
}

func TestLoadLocations_BOMAndCase(t *testing.T) {
	path := writeFile(t, "sites.csv", "\ufeff Sample_ID , LAT ,Lon,notes\n12.0, 10.5 ,20.25,roof\n")

	locs, err := LoadLocations(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, model.Location{SampleID: 12, Lat: 10.5, Lon: 20.25}, locs[0])
}

func TestLoadLocations_LatitudePreferred(t *testing.T) {
	path := writeFile(t, "sites.csv", "lat,sample_id,latitude,lon,longitude\n1,5,2,3,4\n")

	locs, err := LoadLocations(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, 2.0, locs[0].Lat)
	assert.Equal(t, 4.0, locs[0].Lon)
}

func TestLoadLocations_SkipsBlankRows(t *testing.T) {
	path := writeFile(t, "sites.csv", "sample_id,lat,lon\n1,1,1\n,,\n\n2,2,2\n")

	locs, err := LoadLocations(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, locs, 2)
}

func TestLoadLocations_MissingColumns(t *testing.T) {
	path := writeFile(t, "sites.csv", "id,lat\n1,2\n")

	_, err := LoadLocations(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingColumns)
	assert.Contains(t, err.Error(), "sample_id")
	assert.Contains(t, err.Error(), "longitude|lon")
	assert.Contains(t, err.Error(), "[id, lat]")
}

func TestLoadLocations_BadRowNamed(t *testing.T) {
	tests := []struct {
		name, body, want string
	}{
		{"bad id", "sample_id,lat,lon\n1,1,1\nabc,2,2\n", "row 3: sample_id"},
		{"fractional id", "sample_id,lat,lon\n1.5,1,1\n", "row 2: sample_id"},
		{"bad lat", "sample_id,lat,lon\n1,north,1\n", "row 2: latitude"},
		{"missing lon", "sample_id,lat,lon\n1,1\n", "row 2: longitude"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadLocations(context.Background(), writeFile(t, "in.csv", tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadLocations_Empty(t *testing.T) {
	_, err := LoadLocations(context.Background(), writeFile(t, "empty.csv", ""))
	assert.ErrorContains(t, err, "is empty")
}

func TestLoadLocations_MissingFile(t *testing.T) {
	_, err := LoadLocations(context.Background(), filepath.Join(t.TempDir(), "nope.csv"))
	assert.ErrorContains(t, err, "input: open")
}

func TestLoadLocations_XLSX(t *testing.T) {
	path := createTestXLSX(t, [][]string{
		{"sample_id", "latitude", "longitude"},
		{"7", "33.5", "-112.1"},
		{"8.0", "34", "-111"},
	})

	locs, err := LoadLocations(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []model.Location{
		{SampleID: 7, Lat: 33.5, Lon: -112.1},
		{SampleID: 8, Lat: 34, Lon: -111},
	}, locs)
}

func TestLoadLocations_XLSXFallsBackToCSV(t *testing.T) {
	path := writeFile(t, "actually_csv.xlsx", "sample_id,lat,lon\n3,1,2\n")

	locs, err := LoadLocations(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, int64(3), locs[0].SampleID)
}

func TestLoadLocations_UnknownExtensionIsCSV(t *testing.T) {
	path := writeFile(t, "sites.txt", "sample_id,lat,lon\n4,1,2\n")

	locs, err := LoadLocations(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, locs, 1)
}

func TestStreamCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rowCh, errCh := StreamCSV(ctx, strings.NewReader("a,b\n1,2\n"))
	for range rowCh {
	}
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestParseSampleID(t *testing.T) {
	for in, want := range map[string]int64{"1": 1, "12.0": 12, "-3": -3, "1e3": 1000} {
		got, err := parseSampleID(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "x", "2.5", "NaN", "Inf"} {
		_, err := parseSampleID(in)
		assert.Error(t, err, in)
	}
}
