// Package postprocess runs the in-memory pipeline of tabular operations that
// reshape a query result before it is returned or cached.
//
// Every operation consumes and produces a Frame; an empty pipeline is the
// identity.
package postprocess

import (
	"time"

	"querydeck/internal/domain"
)

// Column type codes used in the response payload's coltypes list.
const (
	TypeString   = 1
	TypeNumeric  = 2
	TypeTemporal = 3
	TypeBool     = 4
	TypeUnknown  = 0
)

// Frame is a column-ordered tabular result. Cell values are the driver's
// decoded forms: string, float64, int64, bool, time.Time, or nil.
type Frame struct {
	Columns []string
	Rows    [][]interface{}
}

// NewFrame creates a frame with the given column order.
func NewFrame(columns []string, rows [][]interface{}) *Frame {
	return &Frame{Columns: columns, Rows: rows}
}

// ColumnIndex returns the position of the named column, or -1.
func (f *Frame) ColumnIndex(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// ColTypes infers the payload type code per column from the first non-nil
// value in each.
func (f *Frame) ColTypes() []int {
	types := make([]int, len(f.Columns))
	for col := range f.Columns {
		types[col] = TypeUnknown
		for _, row := range f.Rows {
			if col >= len(row) || row[col] == nil {
				continue
			}
			types[col] = cellType(row[col])
			break
		}
	}
	return types
}

func cellType(v interface{}) int {
	switch v.(type) {
	case string:
		return TypeString
	case float64, float32, int, int64, int32:
		return TypeNumeric
	case time.Time:
		return TypeTemporal
	case bool:
		return TypeBool
	default:
		return TypeUnknown
	}
}

// Clone deep-copies the frame so operations never alias caller data.
func (f *Frame) Clone() *Frame {
	cols := make([]string, len(f.Columns))
	copy(cols, f.Columns)
	rows := make([][]interface{}, len(f.Rows))
	for i, row := range f.Rows {
		dup := make([]interface{}, len(row))
		copy(dup, row)
		rows[i] = dup
	}
	return &Frame{Columns: cols, Rows: rows}
}

// numeric coerces a cell to float64, reporting false for non-numeric cells.
func numeric(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	default:
		return 0, false
	}
}

func mustColumn(f *Frame, name, op string) (int, error) {
	idx := f.ColumnIndex(name)
	if idx < 0 {
		return -1, domain.ErrValidation("%s: unknown column %q", op, name)
	}
	return idx, nil
}
