// Package model holds the location, result and batch types shared across the
// pipeline, the stores and the exporters.
package model

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// Buffer areas used by the two detection attempts.
const (
	PrimaryBufferSqft   = 1200
	SecondaryBufferSqft = 2400
)

// Location is one input row.
type Location struct {
	SampleID int64   `json:"sample_id"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

// ImageMetadata describes where the analysed image came from.
type ImageMetadata struct {
	Source      string  `json:"source"`
	Zoom        int     `json:"zoom"`
	CaptureDate *string `json:"capture_date"`
}

// Record is the result for one successfully processed location.
type Record struct {
	SampleID         int64         `json:"sample_id"`
	Lat              float64       `json:"lat"`
	Lon              float64       `json:"lon"`
	HasSolar         bool          `json:"has_solar"`
	Confidence       float64       `json:"confidence"`
	PVAreaSqmEst     float64       `json:"pv_area_sqm_est"`
	BufferRadiusSqft int           `json:"buffer_radius_sqft"`
	QCStatus         string        `json:"qc_status"`
	QCReasons        []string      `json:"qc_reasons"`
	BBoxOrMask       *string       `json:"bbox_or_mask"`
	ImageMetadata    ImageMetadata `json:"image_metadata"`
}

// Failure is the entry written for a location that could not be processed.
type Failure struct {
	SampleID int64   `json:"sample_id"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Error    string  `json:"error"`
}

// Entry is one element of predictions.json: exactly one of Record or
// Failure is set.
type Entry struct {
	Record  *Record
	Failure *Failure
}

// SampleID returns the id of whichever side is set.
func (e Entry) SampleID() int64 {
	switch {
	case e.Record != nil:
		return e.Record.SampleID
	case e.Failure != nil:
		return e.Failure.SampleID
	}
	return 0
}

// OK reports whether the entry is a successful record.
func (e Entry) OK() bool { return e.Record != nil }

// MarshalJSON writes the record or the failure object unwrapped.
func (e Entry) MarshalJSON() ([]byte, error) {
	switch {
	case e.Record != nil:
		return json.Marshal(e.Record)
	case e.Failure != nil:
		return json.Marshal(e.Failure)
	}
	return nil, eris.New("model: empty entry")
}

// UnmarshalJSON treats any object carrying an "error" key as a Failure.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return eris.Wrap(err, "model: decode entry")
	}
	if _, ok := fields["error"]; ok {
		var f Failure
		if err := json.Unmarshal(data, &f); err != nil {
			return eris.Wrap(err, "model: decode failure entry")
		}
		*e = Entry{Failure: &f}
		return nil
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return eris.Wrap(err, "model: decode record entry")
	}
	if r.QCReasons == nil {
		r.QCReasons = []string{}
	}
	*e = Entry{Record: &r}
	return nil
}

// DecodeEntries parses a predictions.json document.
func DecodeEntries(data []byte) ([]Entry, error) {
	var entries []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&entries); err != nil {
		return nil, eris.Wrap(err, "model: decode predictions")
	}
	return entries, nil
}

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	BatchStatusRunning  BatchStatus = "running"
	BatchStatusComplete BatchStatus = "complete"
	BatchStatusFailed   BatchStatus = "failed"
)

// Batch tracks one batch run.
type Batch struct {
	ID          string      `json:"id"`
	Input       string      `json:"input"`
	Status      BatchStatus `json:"status"`
	Total       int         `json:"total"`
	Succeeded   int         `json:"succeeded"`
	Failed      int         `json:"failed"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Tally counts successes and failures.
func Tally(entries []Entry) (succeeded, failed int) {
	for _, e := range entries {
		if e.OK() {
			succeeded++
		} else if e.Failure != nil {
			failed++
		}
	}
	return succeeded, failed
}
