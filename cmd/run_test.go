package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/solar-cli/internal/model"
)

func TestWriteRunSummary(t *testing.T) {
	mask := "mask"
	rec := &model.Record{
		SampleID: 7, Lat: 37.5, Lon: -122.25, HasSolar: true, Confidence: 0.91234,
		PVAreaSqmEst: 31.25, BufferRadiusSqft: 1200, QCStatus: "VERIFIABLE",
		QCReasons: []string{}, BBoxOrMask: &mask,
		ImageMetadata: model.ImageMetadata{Source: "esri_world_imagery", Zoom: 19},
	}

	var buf bytes.Buffer
	require.NoError(t, writeRunSummary(&buf, rec, "out/7.json", "out/7_overlay.png"))

	s := buf.String()
	assert.Contains(t, s, "Sample ID:       7")
	assert.Contains(t, s, "Has solar:       true")
	assert.Contains(t, s, "Confidence:      0.9123")
	assert.Contains(t, s, "Footprint:       mask")
	assert.Contains(t, s, "esri_world_imagery (zoom 19)")
	assert.Contains(t, s, "Overlay:         out/7_overlay.png")
	assert.NotContains(t, s, "QC reasons")
}

func TestWriteRunSummary_NoFootprint(t *testing.T) {
	rec := &model.Record{SampleID: 1, QCStatus: "NOT_VERIFIABLE", QCReasons: []string{"low_brightness", "no_detection"}}

	var buf bytes.Buffer
	require.NoError(t, writeRunSummary(&buf, rec, "1.json", ""))

	assert.Contains(t, buf.String(), "Footprint:       none")
	assert.Contains(t, buf.String(), "QC reasons:      low_brightness, no_detection")
	assert.NotContains(t, buf.String(), "Overlay:")
}

func TestRunCmd_RunE_FailsOnValidation(t *testing.T) {
	c, _ := useTestConfig(t)
	c.Pipeline.PrimarySqft = 0

	runCmd.SetContext(context.Background())
	defer runCmd.SetContext(context.TODO())

	err := runCmd.RunE(runCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: invalid")
}

func TestRunCmd_RunE_EndToEnd(t *testing.T) {
	srv := newTileServer(t)
	c, dir := useTestConfig(t)
	c.Imagery.Esri.URL = srv.URL + "/{z}/{y}/{x}"
	c.Detector.FixturePath = writeFixture(t, dir)

	runLat, runLon, runSampleID = 37.7749, -122.4194, 42
	runOutput = filepath.Join(dir, "out")
	defer func() {
		runLat, runLon, runSampleID, runOutput = 0, 0, 999, "test_output"
	}()

	runCmd.SetContext(context.Background())
	defer runCmd.SetContext(context.TODO())

	require.NoError(t, runCmd.RunE(runCmd, nil))
	assert.EqualValues(t, 9, srv.requests.Load(), "one 3x3 grid")

	data, err := os.ReadFile(filepath.Join(runOutput, "42.json"))
	require.NoError(t, err)
	var rec model.Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, int64(42), rec.SampleID)
	assert.True(t, rec.HasSolar)
	assert.Equal(t, 1200, rec.BufferRadiusSqft)
	assert.Equal(t, "esri_world_imagery", rec.ImageMetadata.Source)

	assert.FileExists(t, filepath.Join(runOutput, "42_overlay.png"))
}
