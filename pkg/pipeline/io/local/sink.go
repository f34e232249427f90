package local

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shpitdev/routecrawl/internal/crawl"
	"github.com/shpitdev/routecrawl/pkg/pipeline/core"
	"github.com/vmihailenco/msgpack/v5"

	_ "modernc.org/sqlite"
)

// Format selects the on-disk encoding of emitted records.
type Format string

const (
	FormatJSONL   Format = "jsonl"
	FormatCSV     Format = "csv"
	FormatMsgpack Format = "msgpack"
	FormatSQLite  Format = "sqlite"
)

// Formats lists the supported output formats.
var Formats = []Format{FormatJSONL, FormatCSV, FormatMsgpack, FormatSQLite}

// RecordSink is the sink type every local output implements.
type RecordSink = core.Sink[crawl.Record]

// SeqSink is implemented by sinks that store the originating descriptor's
// Seq next to each record.
type SeqSink interface {
	EmitSeq(ctx context.Context, seq int, rec crawl.Record) error
}

// EmitSeq emits rec with its descriptor Seq when the sink keeps it, and
// through Emit otherwise.
func EmitSeq(ctx context.Context, sink RecordSink, seq int, rec crawl.Record) error {
	if ss, ok := sink.(SeqSink); ok {
		return ss.EmitSeq(ctx, seq, rec)
	}
	return sink.Emit(ctx, rec)
}

// ParseFormat normalizes a user supplied format name.
func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "jsonl", "ndjson", "json":
		return FormatJSONL, nil
	case "csv":
		return FormatCSV, nil
	case "msgpack", "mpk":
		return FormatMsgpack, nil
	case "sqlite", "db":
		return FormatSQLite, nil
	}
	return "", fmt.Errorf("unknown output format %q", raw)
}

// FormatFromPath infers the format from the output file extension, falling
// back to JSON Lines.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV
	case ".msgpack", ".mpk":
		return FormatMsgpack
	case ".db", ".sqlite", ".sqlite3":
		return FormatSQLite
	}
	return FormatJSONL
}

// SinkOptions configures Open.
type SinkOptions struct {
	// Columns is the fixed CSV header. Keys outside it are dropped.
	Columns []string
	// Job names the rows written to SQLite.
	Job string
}

// Open creates a sink writing to path ("-" is stdout).
func Open(path string, format Format, opts SinkOptions) (RecordSink, error) {
	if format == FormatSQLite {
		if path == "" || path == "-" {
			return nil, fmt.Errorf("sqlite output needs a file path")
		}
		return OpenSQLite(path, opts.Job)
	}

	var w io.Writer = os.Stdout
	var closer io.Closer
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		w, closer = f, f
	}
	return NewSink(w, closer, format, opts)
}

// NewSink wraps w in a stream sink. closer may be nil.
func NewSink(w io.Writer, closer io.Closer, format Format, opts SinkOptions) (RecordSink, error) {
	bw := bufio.NewWriter(w)
	base := streamSink{w: bw, closer: closer}
	switch format {
	case FormatJSONL:
		enc := json.NewEncoder(bw)
		enc.SetEscapeHTML(false)
		return &jsonlSink{streamSink: base, enc: enc}, nil
	case FormatCSV:
		if len(opts.Columns) == 0 {
			return nil, fmt.Errorf("csv output needs a column list")
		}
		return &csvSink{streamSink: base, cw: csv.NewWriter(bw), columns: opts.Columns}, nil
	case FormatMsgpack:
		enc := msgpack.NewEncoder(bw)
		enc.SetSortMapKeys(true)
		return &msgpackSink{streamSink: base, enc: enc}, nil
	}
	return nil, fmt.Errorf("format %q cannot stream to a writer", format)
}

type streamSink struct {
	w      *bufio.Writer
	closer io.Closer
}

func (s streamSink) close() error {
	err := s.w.Flush()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

type jsonlSink struct {
	streamSink
	enc *json.Encoder
}

func (s *jsonlSink) Emit(_ context.Context, rec crawl.Record) error {
	return s.enc.Encode(rec)
}

func (s *jsonlSink) Close() error { return s.close() }

type msgpackSink struct {
	streamSink
	enc *msgpack.Encoder
}

func (s *msgpackSink) Emit(_ context.Context, rec crawl.Record) error {
	return s.enc.Encode(map[string]any(rec))
}

func (s *msgpackSink) Close() error { return s.close() }

type csvSink struct {
	streamSink
	cw          *csv.Writer
	columns     []string
	wroteHeader bool
}

func (s *csvSink) Emit(_ context.Context, rec crawl.Record) error {
	if !s.wroteHeader {
		if err := s.cw.Write(s.columns); err != nil {
			return err
		}
		s.wroteHeader = true
	}
	line := make([]string, len(s.columns))
	for i, col := range s.columns {
		cell, err := csvCell(rec[col])
		if err != nil {
			return fmt.Errorf("column %s: %w", col, err)
		}
		line[i] = cell
	}
	return s.cw.Write(line)
}

func (s *csvSink) Close() error {
	if !s.wroteHeader {
		_ = s.cw.Write(s.columns)
	}
	s.cw.Flush()
	if err := s.cw.Error(); err != nil {
		_ = s.close()
		return err
	}
	return s.close()
}

// csvCell renders scalars as-is and nested values as compact JSON. nil is an
// empty cell.
func csvCell(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool, float64, float32, int, int64, json.Number:
		return fmt.Sprint(x), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type sqliteSink struct {
	db  *sql.DB
	tx  *sql.Tx
	ins *sql.Stmt
	job string
	idx int
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS records (
	idx     INTEGER NOT NULL,
	seq     INTEGER,
	job     TEXT    NOT NULL,
	payload TEXT    NOT NULL,
	PRIMARY KEY (job, idx)
)`

// OpenSQLite writes records as JSON payloads into a records table, keyed by
// emission index and tagged with the descriptor seq when known. Rows from a
// previous run of the same job are replaced.
func OpenSQLite(path, job string) (RecordSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create records table: %w", err)
	}
	tx, err := db.Begin()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := tx.Exec(`DELETE FROM records WHERE job = ?`, job); err != nil {
		_ = tx.Rollback()
		_ = db.Close()
		return nil, err
	}
	ins, err := tx.Prepare(`INSERT INTO records (idx, seq, job, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		_ = db.Close()
		return nil, err
	}
	return &sqliteSink{db: db, tx: tx, ins: ins, job: job}, nil
}

func (s *sqliteSink) Emit(ctx context.Context, rec crawl.Record) error {
	return s.insert(ctx, nil, rec)
}

func (s *sqliteSink) EmitSeq(ctx context.Context, seq int, rec crawl.Record) error {
	return s.insert(ctx, seq, rec)
}

func (s *sqliteSink) insert(ctx context.Context, seq any, rec crawl.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := s.ins.ExecContext(ctx, s.idx, seq, s.job, string(b)); err != nil {
		return fmt.Errorf("insert record %d: %w", s.idx, err)
	}
	s.idx++
	return nil
}

func (s *sqliteSink) Close() error {
	_ = s.ins.Close()
	if err := s.tx.Commit(); err != nil {
		_ = s.db.Close()
		return err
	}
	return s.db.Close()
}
