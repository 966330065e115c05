package sample

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
)

// Record is one row of a recording: the sample itself plus the attitude the
// device held when it was taken, if the recording carries one.
type Record struct {
	Sample
	Roll  float64 `json:"roll,omitempty"`  // radians
	Pitch float64 `json:"pitch,omitempty"` // radians
	Yaw   float64 `json:"yaw,omitempty"`   // radians

	HasAttitude bool `json:"-"`
}

// CSVSource reads samples from a CSV recording. Rows are either
//
//	ts_ms,x,y,z
//
// or, when the recorder logged an attitude estimate alongside,
//
//	ts_ms,x,y,z,roll,pitch,yaw
//
// Lines starting with '#' and a non-numeric header row are skipped.
type CSVSource struct {
	r      *csv.Reader
	closer io.Closer
	unit   string
	seq    uint64
}

// OpenCSV opens a recording file. The unit tags every sample read from it.
func OpenCSV(path, unit string) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sample file: %w", err)
	}
	s := NewCSVSource(f, unit)
	s.closer = f
	return s, nil
}

// NewCSVSource reads a recording from r. The unit tags every sample.
func NewCSVSource(r io.Reader, unit string) *CSVSource {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return &CSVSource{r: cr, unit: unit}
}

// NextRecord returns the next row, io.EOF at the end of the recording.
func (s *CSVSource) NextRecord() (Record, error) {
	for {
		fields, err := s.r.Read()
		if err != nil {
			return Record{}, err
		}
		if len(fields) != 4 && len(fields) != 7 {
			return Record{}, fmt.Errorf("sample row must have 4 or 7 fields, got %d", len(fields))
		}

		ts, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			if s.seq == 0 {
				// Header row.
				continue
			}
			return Record{}, fmt.Errorf("invalid timestamp %q: %w", fields[0], err)
		}

		vals := make([]float64, len(fields)-1)
		for i, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return Record{}, fmt.Errorf("invalid sample field %q: %w", f, err)
			}
			vals[i] = v
		}

		s.seq++
		rec := Record{
			Sample: Sample{
				Seq:         s.seq,
				TimestampMs: ts,
				X:           vals[0],
				Y:           vals[1],
				Z:           vals[2],
				Unit:        s.unit,
			},
		}
		if len(vals) == 6 {
			rec.Roll, rec.Pitch, rec.Yaw = vals[3], vals[4], vals[5]
			rec.HasAttitude = true
		}
		return rec, nil
	}
}

// Next returns the next sample, io.EOF at the end of the recording.
func (s *CSVSource) Next() (Sample, error) {
	rec, err := s.NextRecord()
	if err != nil {
		return Sample{}, err
	}
	return rec.Sample, nil
}

// Close releases the underlying file, if any.
func (s *CSVSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
