package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/solar-cli/internal/config"
)

// useTestConfig loads defaults from an empty temp dir into the global cfg and
// restores the previous value afterwards. Only Esri is enabled, pointed at
// no server; callers override what they need.
func useTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Setenv("GOOGLE_MAPS_API_KEY", "")

	c, err := config.Load()
	require.NoError(t, err)
	c.Imagery.Bing.Enabled = false
	c.Imagery.OSM.Enabled = false
	c.Imagery.FallbackRPS = 0
	c.Imagery.Retry.MaxAttempts = 1

	prev := cfg
	cfg = c
	t.Cleanup(func() {
		cfg = prev
		_ = os.Chdir(origDir)
	})
	return c, dir
}

const fixtureYAML = `
fixture:
  default:
    - box: [300, 300, 340, 340]
      confidence: 0.9
`

func writeFixture(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fixture.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixtureYAML), 0o644))
	return path
}

// texturedTile is a 256px tile with enough color variation to pass the
// placeholder and QC checks.
func texturedTile(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			v := uint8((x*7 + y*3) % 120)
			img.Set(x, y, color.RGBA{R: 60 + v, G: 50 + v/2, B: 90 + v/3, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type tileServer struct {
	*httptest.Server
	requests atomic.Int64
}

// newTileServer serves the same textured tile for every path.
func newTileServer(t *testing.T) *tileServer {
	t.Helper()
	tile := texturedTile(t)
	ts := &tileServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.requests.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(tile)
	}))
	t.Cleanup(ts.Close)
	return ts
}
