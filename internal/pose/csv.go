package pose

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// RecordFields is the number of fields in a pose CSV record.
const RecordFields = 9

// Record returns the CSV fields for p: id, position x/y/z, orientation
// w/x/y/z, timestamp.
func (p Pose) Record() []string {
	q := p.Orientation
	return []string{
		p.ID,
		formatFloat(p.Position.X),
		formatFloat(p.Position.Y),
		formatFloat(p.Position.Z),
		formatFloat(q.Real),
		formatFloat(q.Imag),
		formatFloat(q.Jmag),
		formatFloat(q.Kmag),
		formatFloat(p.Timestamp),
	}
}

// ParseRecord is the inverse of Record. The result is not validated.
func ParseRecord(fields []string) (Pose, error) {
	if len(fields) != RecordFields {
		return Pose{}, fmt.Errorf("invalid record: %d fields, expected %d", len(fields), RecordFields)
	}
	var v [RecordFields - 1]float64
	for i, f := range fields[1:] {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Pose{}, fmt.Errorf("invalid record field %d: %w", i+1, err)
		}
		v[i] = x
	}
	return Pose{
		ID:          fields[0],
		Position:    r3.Vector{X: v[0], Y: v[1], Z: v[2]},
		Orientation: quat.Number{Real: v[3], Imag: v[4], Jmag: v[5], Kmag: v[6]},
		Timestamp:   v[7],
	}, nil
}

// WriteCSV writes one record per pose, newline terminated.
func WriteCSV(w io.Writer, poses []Pose) error {
	cw := csv.NewWriter(w)
	for _, p := range poses {
		if err := cw.Write(p.Record()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// EncodeCSV renders poses into a byte slice via WriteCSV.
func EncodeCSV(poses []Pose) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, poses); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// formatFloat uses the shortest representation that round-trips, without
// an exponent, so 1.0 is written as "1".
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
