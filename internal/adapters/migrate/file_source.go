package migrate

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/terrafusion/syncservice/internal/application/ports"
	"github.com/terrafusion/syncservice/internal/domain/errors"
	"github.com/terrafusion/syncservice/internal/domain/record"
)

// FileSource reads CSV or JSON files. When path is a directory each table is
// read from <table>.csv or <table>.json inside it; otherwise every table reads
// the single file.
type FileSource struct {
	format string
	path   string
}

var _ ports.RowSource = (*FileSource)(nil)

// NewCSVSource reads comma separated files with a header row. Empty cells
// become null.
func NewCSVSource(path string) *FileSource {
	return &FileSource{format: "csv", path: path}
}

// NewJSONSource reads files holding an array of objects, or an object whose
// keys are table names and values are arrays of objects.
func NewJSONSource(path string) *FileSource {
	return &FileSource{format: "json", path: path}
}

// Read implements ports.RowSource. Incremental filtering happens in memory;
// rows whose modified time cannot be parsed are kept.
func (s *FileSource) Read(ctx context.Context, q ports.SourceQuery) ([]record.Record, error) {
	if q.Query != "" {
		return nil, errors.New("migrate", s.format+" sources do not support source_query")
	}
	path, err := s.resolve(q.Table)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WithContext(errors.NewError(errors.CodeNotFound, "source file not found", err), "path", path)
		}
		return nil, errors.Transient("could not read source file", err)
	}

	var recs []record.Record
	if s.format == "csv" {
		recs, err = decodeCSV(data)
	} else {
		recs, err = decodeJSON(data, q.Table)
	}
	if err != nil {
		return nil, annotate(err, "path", path)
	}

	out := recs[:0]
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return nil, errors.Transient("read cancelled", err)
		}
		if !newerThan(rec, q) {
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Close implements ports.RowSource.
func (s *FileSource) Close() error { return nil }

func (s *FileSource) resolve(table string) (string, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return "", errors.WithContext(errors.NewError(errors.CodeNotFound, "source path not found", err), "path", s.path)
	}
	if !info.IsDir() {
		return s.path, nil
	}
	if table == "" || strings.ContainsAny(table, `/\`) || strings.Contains(table, "..") {
		return "", errors.New("migrate", "invalid source table "+table)
	}
	return filepath.Join(s.path, table+"."+s.format), nil
}

func newerThan(rec record.Record, q ports.SourceQuery) bool {
	if q.Since.IsZero() || q.ModifiedTimeColumn == "" {
		return true
	}
	t, ok := record.ParseTime(rec[q.ModifiedTimeColumn])
	if !ok {
		return true
	}
	return t.After(q.Since)
}

func decodeCSV(data []byte) ([]record.Record, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewError(errors.CodeData, "invalid csv header", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	var out []record.Record
	for {
		row, err := r.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, errors.NewError(errors.CodeData, "invalid csv row", err)
		}
		rec := make(record.Record, len(header))
		for i, col := range header {
			if i >= len(row) || row[i] == "" {
				rec[col] = nil
				continue
			}
			rec[col] = row[i]
		}
		out = append(out, rec)
	}
}

func decodeJSON(data []byte, table string) ([]record.Record, error) {
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil {
		var byTable map[string][]map[string]any
		if err2 := json.Unmarshal(data, &byTable); err2 != nil {
			return nil, errors.NewError(errors.CodeData, "json source must be an array of objects or an object of arrays", err)
		}
		rows = byTable[table]
	}
	out := make([]record.Record, len(rows))
	for i, row := range rows {
		rec := make(record.Record, len(row))
		for k, v := range row {
			rec[k] = jsonValue(v)
		}
		out[i] = rec
	}
	return out, nil
}

// jsonValue turns integral numbers back into int64.
func jsonValue(v any) any {
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return v
	}
	return int64(f)
}
