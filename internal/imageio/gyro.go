package imageio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"burstfuse/internal/burst"
)

// ReadGyro parses "timestamp_ns,wx,wy,wz" rows into buf. A header row and
// blank lines are skipped; rows must be time ordered.
func ReadGyro(r io.Reader, buf *burst.GyroBuffer) (int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'
	n := 0
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("gyro line %d: %w", line, err)
		}
		if len(rec) == 0 || (len(rec) == 1 && strings.TrimSpace(rec[0]) == "") {
			continue
		}
		if line == 1 && strings.HasPrefix(strings.ToLower(strings.TrimSpace(rec[0])), "timestamp") {
			continue
		}
		if len(rec) < 4 {
			return n, fmt.Errorf("gyro line %d: want 4 fields, got %d", line, len(rec))
		}
		ts, err := strconv.ParseInt(strings.TrimSpace(rec[0]), 10, 64)
		if err != nil {
			return n, fmt.Errorf("gyro line %d: timestamp: %w", line, err)
		}
		var w [3]float64
		for i := range w {
			if w[i], err = strconv.ParseFloat(strings.TrimSpace(rec[i+1]), 64); err != nil {
				return n, fmt.Errorf("gyro line %d: field %d: %w", line, i+2, err)
			}
		}
		if err := buf.Add(burst.MotionSample{Timestamp: ts, X: w[0], Y: w[1], Z: w[2]}); err != nil {
			return n, fmt.Errorf("gyro line %d: %w", line, err)
		}
		n++
	}
}

// WriteGyro writes samples in the format ReadGyro accepts.
func WriteGyro(w io.Writer, samples []burst.MotionSample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp_ns", "wx", "wy", "wz"}); err != nil {
		return err
	}
	for _, s := range samples {
		rec := []string{
			strconv.FormatInt(s.Timestamp, 10),
			strconv.FormatFloat(s.X, 'g', -1, 64),
			strconv.FormatFloat(s.Y, 'g', -1, 64),
			strconv.FormatFloat(s.Z, 'g', -1, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
