package sink

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/FranksOps/bazaar/internal/record"
)

// ensure CSVWriter implements Writer
var _ Writer = (*CSVWriter)(nil)

// CSVWriter appends flushed records to one CSV file per table, for runs
// where no database is reachable. It cannot upsert; every flush appends, so
// the files are an event log rather than a deduplicated catalog.
type CSVWriter struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

func NewCSVWriter(dir string) (*CSVWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create csv dir: %w", err)
	}
	return &CSVWriter{dir: dir, files: make(map[string]*os.File)}, nil
}

func (w *CSVWriter) WriteAll(ctx context.Context, batches []TableBatch) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.writeBatch(batch); err != nil {
			return fmt.Errorf("write %s: %w", batch.Statement.Table, err)
		}
	}
	return nil
}

func (w *CSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for _, f := range w.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.files = make(map[string]*os.File)
	return firstErr
}

func (w *CSVWriter) writeBatch(batch TableBatch) error {
	f, err := w.open(batch.Statement)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(f)
	for _, r := range batch.Records {
		row, err := csvRow(batch.Statement, r)
		if err != nil {
			return err
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// open returns the table's file, creating it with a header row on first use.
func (w *CSVWriter) open(stmt record.Statement) (*os.File, error) {
	if f, ok := w.files[stmt.Table]; ok {
		return f, nil
	}

	path := filepath.Join(w.dir, stmt.Table+".csv")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		cw := csv.NewWriter(f)
		if err := cw.Write(stmt.Columns); err != nil {
			f.Close()
			return nil, err
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			f.Close()
			return nil, err
		}
	}

	w.files[stmt.Table] = f
	return f, nil
}

func csvRow(stmt record.Statement, r record.Record) ([]string, error) {
	values := r.Values()
	row := make([]string, len(stmt.Columns))
	for i, col := range stmt.Columns {
		cell, err := csvCell(values[col])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col, err)
		}
		row[i] = cell
	}
	return row, nil
}

func csvCell(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case time.Time:
		if val.IsZero() {
			return "", nil
		}
		return val.UTC().Format(time.RFC3339), nil
	case fmt.Stringer:
		return val.String(), nil
	default:
		// Numbers, bools, slices and maps all round-trip through JSON.
		raw, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}
