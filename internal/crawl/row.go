package crawl

import "maps"

// Row is one CSV record keyed by header name. Rows are shared read-only
// across every descriptor they take part in.
type Row map[string]string

// Table is a loaded CSV file: the header in file order and its data rows.
type Table struct {
	Path   string
	Header []string
	Rows   []Row
}

// Record is one annotated output unit.
type Record map[string]any

// Get returns the value for column, or "" when absent.
func (r Row) Get(column string) string {
	return r[column]
}

// Record copies the row into a fresh Record with room for extra fields.
func (r Row) Record(extra int) Record {
	rec := make(Record, len(r)+extra)
	for k, v := range r {
		rec[k] = v
	}
	return rec
}

// Clone returns an independent copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}
