package local

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shpitdev/routecrawl/internal/crawl"
	"github.com/shpitdev/routecrawl/pkg/pipeline/core"
)

var _ core.InputAdapter[crawl.Row] = (*CSVInput)(nil)

// CSVInput loads rows from a CSV file. Header is filled by Load.
type CSVInput struct {
	Path     string
	Required []string

	Header []string
}

func (in *CSVInput) Load(ctx context.Context) ([]crawl.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := ReadRowsFile(in.Path, in.Required)
	if err != nil {
		return nil, err
	}
	in.Header = t.Header
	return t.Rows, nil
}

// ReadRowsFile opens path and reads it with ReadRows.
func ReadRowsFile(path string, required []string) (crawl.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return crawl.Table{}, &crawl.InputDataError{Path: path, Reason: "open", Err: err}
	}
	defer func() {
		_ = f.Close()
	}()
	return ReadRows(f, path, required)
}

// ReadRows reads a CSV with a header row into rows keyed by column name.
//
// Only the first data row is checked for the required columns. Cells missing
// from short rows read as "".
func ReadRows(r io.Reader, path string, required []string) (crawl.Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return crawl.Table{}, &crawl.InputDataError{Path: path, Reason: "CSV file is empty"}
	}
	if err != nil {
		return crawl.Table{}, &crawl.InputDataError{Path: path, Reason: "read header", Err: err}
	}
	for i, col := range header {
		if i == 0 {
			col = strings.TrimPrefix(col, "\ufeff")
		}
		header[i] = strings.TrimSpace(col)
	}

	t := crawl.Table{Path: path, Header: header}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return crawl.Table{}, &crawl.InputDataError{Path: path, Reason: fmt.Sprintf("read row %d", len(t.Rows)+1), Err: err}
		}
		row := make(crawl.Row, len(header))
		for i, col := range header {
			if col == "" {
				continue
			}
			if i < len(rec) {
				row[col] = rec[i]
			} else {
				row[col] = ""
			}
		}
		t.Rows = append(t.Rows, row)
	}

	if len(t.Rows) == 0 {
		return crawl.Table{}, &crawl.InputDataError{Path: path, Reason: "CSV file is empty"}
	}
	var missing []string
	for _, col := range required {
		if _, ok := t.Rows[0][col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return crawl.Table{}, &crawl.InputDataError{
			Path:   path,
			Reason: fmt.Sprintf("missing required column(s) %s", quoteAll(missing)),
		}
	}
	return t, nil
}

func quoteAll(cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = fmt.Sprintf("%q", c)
	}
	return strings.Join(q, ", ")
}
