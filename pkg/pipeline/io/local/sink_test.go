package local_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shpitdev/routecrawl/internal/crawl"
	"github.com/shpitdev/routecrawl/pkg/pipeline/io/local"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want local.Format
	}{
		{"", local.FormatJSONL},
		{"NDJSON", local.FormatJSONL},
		{"csv", local.FormatCSV},
		{"mpk", local.FormatMsgpack},
		{"db", local.FormatSQLite},
	}
	for _, tt := range tests {
		got, err := local.ParseFormat(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}
	_, err := local.ParseFormat("xml")
	require.Error(t, err)
}

func TestFormatFromPath(t *testing.T) {
	require.Equal(t, local.FormatCSV, local.FormatFromPath("out/stops.CSV"))
	require.Equal(t, local.FormatMsgpack, local.FormatFromPath("out.msgpack"))
	require.Equal(t, local.FormatSQLite, local.FormatFromPath("crawl.db"))
	require.Equal(t, local.FormatJSONL, local.FormatFromPath("out.jsonl"))
	require.Equal(t, local.FormatJSONL, local.FormatFromPath("-"))
}

func TestJSONLSink(t *testing.T) {
	var buf bytes.Buffer
	sink, err := local.NewSink(&buf, nil, local.FormatJSONL, local.SinkOptions{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Emit(ctx, crawl.Record{"stop_id": nil, "lat": "1"}))
	require.NoError(t, sink.Emit(ctx, crawl.Record{"source": crawl.Row{"stop_id": "a&b"}}))
	require.NoError(t, sink.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Equal(t, []string{
		`{"lat":"1","stop_id":null}`,
		`{"source":{"stop_id":"a&b"}}`,
	}, lines)
}

func TestCSVSink(t *testing.T) {
	var buf bytes.Buffer
	sink, err := local.NewSink(&buf, nil, local.FormatCSV, local.SinkOptions{
		Columns: []string{"lat", "lng", "stop_id", "stop_lat", "stop_products", "properties"},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Emit(ctx, crawl.Record{
		"lat": "52.5", "lng": "13.4", "stop_id": "900000100003", "stop_lat": 52.52,
		"stop_products": "bus,tram", "ignored": "x",
	}))
	require.NoError(t, sink.Emit(ctx, crawl.Record{
		"lat": "1", "lng": "2", "stop_id": nil,
		"properties": map[string]any{"distance": 10},
	}))
	require.NoError(t, sink.Close())

	require.Equal(t,
		"lat,lng,stop_id,stop_lat,stop_products,properties\n"+
			"52.5,13.4,900000100003,52.52,\"bus,tram\",\n"+
			"1,2,,,,\"{\"\"distance\"\":10}\"\n",
		buf.String())
}

func TestCSVSink_HeaderWithoutRecords(t *testing.T) {
	var buf bytes.Buffer
	sink, err := local.NewSink(&buf, nil, local.FormatCSV, local.SinkOptions{Columns: []string{"a", "b"}})
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	require.Equal(t, "a,b\n", buf.String())

	_, err = local.NewSink(&buf, nil, local.FormatCSV, local.SinkOptions{})
	require.Error(t, err)
}

func TestMsgpackSink(t *testing.T) {
	var buf bytes.Buffer
	sink, err := local.NewSink(&buf, nil, local.FormatMsgpack, local.SinkOptions{})
	require.NoError(t, err)
	require.NoError(t, sink.Emit(context.Background(), crawl.Record{"stop_id": "900000100003", "stop_lat": 52.52}))
	require.NoError(t, sink.Close())

	var got map[string]any
	require.NoError(t, msgpack.NewDecoder(&buf).Decode(&got))
	require.Equal(t, "900000100003", got["stop_id"])
	require.Equal(t, 52.52, got["stop_lat"])
}

func TestSQLiteSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawl.db")
	ctx := context.Background()

	for run := 0; run < 2; run++ {
		sink, err := local.Open(path, local.FormatSQLite, local.SinkOptions{Job: "journeys"})
		require.NoError(t, err)
		require.NoError(t, sink.Emit(ctx, crawl.Record{"type": "journey"}))
		require.NoError(t, sink.Emit(ctx, crawl.Record{"type": "journey", "legs": []any{}}))
		require.NoError(t, sink.Close())
	}

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM records WHERE job = 'journeys'`).Scan(&n))
	require.Equal(t, 2, n, "second run replaces the first")

	var payload string
	require.NoError(t, db.QueryRow(`SELECT payload FROM records WHERE idx = 1`).Scan(&payload))
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &rec))
	require.Equal(t, "journey", rec["type"])

	_, err = local.Open("-", local.FormatSQLite, local.SinkOptions{})
	require.Error(t, err)
}

func TestSQLiteSink_KeepsDescriptorSeq(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawl.db")
	ctx := context.Background()

	sink, err := local.Open(path, local.FormatSQLite, local.SinkOptions{Job: "journeys"})
	require.NoError(t, err)
	require.NoError(t, local.EmitSeq(ctx, sink, 3, crawl.Record{"type": "journey", "n": 1}))
	require.NoError(t, local.EmitSeq(ctx, sink, 3, crawl.Record{"type": "journey", "n": 2}))
	require.NoError(t, local.EmitSeq(ctx, sink, 7, crawl.Record{"status": "error"}))
	require.NoError(t, sink.Close())

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	rows, err := db.Query(`SELECT seq FROM records WHERE job = 'journeys' ORDER BY idx`)
	require.NoError(t, err)
	defer rows.Close()
	var seqs []int
	for rows.Next() {
		var seq int
		require.NoError(t, rows.Scan(&seq))
		seqs = append(seqs, seq)
	}
	require.NoError(t, rows.Err())
	require.Equal(t, []int{3, 3, 7}, seqs)
}

func TestEmitSeq_FallsBackToEmit(t *testing.T) {
	var buf bytes.Buffer
	sink, err := local.NewSink(&buf, nil, local.FormatJSONL, local.SinkOptions{})
	require.NoError(t, err)
	require.NoError(t, local.EmitSeq(context.Background(), sink, 5, crawl.Record{"a": "b"}))
	require.NoError(t, sink.Close())
	require.Equal(t, `{"a":"b"}`+"\n", buf.String())
}
