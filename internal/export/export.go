// Package export writes records as GeoJSON or as a point shapefile.
package export

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"

	"github.com/sells-group/solar-cli/internal/model"
)

// FeatureCollection converts records to Point features carrying every record
// field as a property.
func FeatureCollection(records []model.Record) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, r := range records {
		f := geojson.NewFeature(orb.Point{r.Lon, r.Lat})
		f.ID = r.SampleID
		f.Properties = geojson.Properties{
			"sample_id":          r.SampleID,
			"has_solar":          r.HasSolar,
			"confidence":         r.Confidence,
			"pv_area_sqm_est":    r.PVAreaSqmEst,
			"buffer_radius_sqft": r.BufferRadiusSqft,
			"qc_status":          r.QCStatus,
			"qc_reasons":         reasons(r.QCReasons),
			"bbox_or_mask":       r.BBoxOrMask,
			"source":             r.ImageMetadata.Source,
			"zoom":               r.ImageMetadata.Zoom,
			"capture_date":       r.ImageMetadata.CaptureDate,
		}
		fc.Append(f)
	}
	return fc
}

// GeoJSON writes records to w as an indented FeatureCollection.
func GeoJSON(w io.Writer, records []model.Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(FeatureCollection(records)); err != nil {
		return eris.Wrap(err, "export: encode geojson")
	}
	return nil
}

// Shapefile attribute columns. dBASE limits names to 10 characters.
var shpFields = []shp.Field{
	shp.NumberField("SAMPLE_ID", 18),
	shp.NumberField("HAS_SOLAR", 1),
	shp.FloatField("CONFIDENCE", 10, 4),
	shp.FloatField("PV_AREA_M2", 14, 3),
	shp.NumberField("BUFFER_FT2", 8),
	shp.StringField("QC_STATUS", 16),
	shp.StringField("QC_REASONS", 80),
	shp.StringField("FOOTPRINT", 8),
	shp.StringField("SOURCE", 16),
	shp.NumberField("ZOOM", 3),
}

// Shapefile writes a WGS84 point shapefile at path (.shp plus its .shx and
// .dbf siblings) with one feature per record.
func Shapefile(path string, records []model.Record) error {
	w, err := shp.Create(path, shp.POINT)
	if err != nil {
		return eris.Wrapf(err, "export: create shapefile %s", path)
	}
	defer w.Close()

	if err := w.SetFields(shpFields); err != nil {
		return eris.Wrap(err, "export: set shapefile fields")
	}

	for _, r := range records {
		row := int(w.Write(&shp.Point{X: r.Lon, Y: r.Lat}))
		var footprint string
		if r.BBoxOrMask != nil {
			footprint = *r.BBoxOrMask
		}
		hasSolar := 0
		if r.HasSolar {
			hasSolar = 1
		}
		values := []any{
			int(r.SampleID), hasSolar, r.Confidence, r.PVAreaSqmEst, r.BufferRadiusSqft,
			r.QCStatus, strings.Join(r.QCReasons, ";"), footprint,
			r.ImageMetadata.Source, r.ImageMetadata.Zoom,
		}
		for i, v := range values {
			if err := w.WriteAttribute(row, i, v); err != nil {
				return eris.Wrapf(err, "export: write attribute %d of sample %d", i, r.SampleID)
			}
		}
	}
	return nil
}

func reasons(r []string) []string {
	if r == nil {
		return []string{}
	}
	return r
}
