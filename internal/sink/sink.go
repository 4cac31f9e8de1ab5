package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/FranksOps/bazaar/internal/metrics"
	"github.com/FranksOps/bazaar/internal/record"
)

// TableBatch is one table's worth of records for a single write, carrying
// the Statement that describes how they land.
type TableBatch struct {
	Statement record.Statement
	Records   []record.Record
}

// Writer persists batches. WriteAll must apply every batch in one
// transaction: either the whole flush lands or none of it does.
type Writer interface {
	WriteAll(ctx context.Context, batches []TableBatch) error
	Close() error
}

// Config tunes the buffering sink.
type Config struct {
	// Scope labels logs and metrics, typically "source:job".
	Scope string
	// FlushThreshold triggers an automatic flush once the buffer holds this
	// many records; defaults to 50.
	FlushThreshold int
	// MaxRetries bounds flush attempts under contention; defaults to 5.
	MaxRetries int
	// InitialBackoff seeds the retry delay; defaults to 500ms.
	InitialBackoff time.Duration
	// MaxBackoff caps the retry delay; defaults to 30s.
	MaxBackoff time.Duration
}

// Sink buffers records and flushes them in bulk. The buffer deduplicates by
// primary key with last-write-wins, so re-parsing an item within a flush
// window costs nothing downstream. Concurrent producers share one sink; a
// failed flush keeps the buffer intact for the next attempt.
type Sink struct {
	cfg    Config
	writer Writer
	logger *slog.Logger

	mu      sync.Mutex
	buffers map[string]map[string]record.Record
	stmts   map[string]record.Statement

	// flushMu serializes flushes so retries from two producers never
	// interleave against the database.
	flushMu sync.Mutex
}

func New(cfg Config, writer Writer, logger *slog.Logger) *Sink {
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:     cfg,
		writer:  writer,
		logger:  logger.With("scope", cfg.Scope),
		buffers: make(map[string]map[string]record.Record),
		stmts:   make(map[string]record.Statement),
	}
}

// Add buffers records, overwriting earlier entries with the same key, and
// flushes when the threshold is crossed.
func (s *Sink) Add(ctx context.Context, recs ...record.Record) error {
	s.mu.Lock()
	for _, r := range recs {
		stmt := r.Statement()
		buf, ok := s.buffers[stmt.Table]
		if !ok {
			buf = make(map[string]record.Record)
			s.buffers[stmt.Table] = buf
			s.stmts[stmt.Table] = stmt
		}
		buf[r.Key()] = r
	}
	size := s.sizeLocked()
	s.mu.Unlock()

	metrics.BufferedRecords.WithLabelValues(s.cfg.Scope).Set(float64(size))

	if size >= s.cfg.FlushThreshold {
		return s.Flush(ctx)
	}
	return nil
}

// Size returns the number of buffered records across all tables.
func (s *Sink) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeLocked()
}

func (s *Sink) sizeLocked() int {
	n := 0
	for _, buf := range s.buffers {
		n += len(buf)
	}
	return n
}

// Flush writes the buffered records in one transaction, retrying contention
// failures with increasing jittered delays. Only after a confirmed commit
// are the written entries cleared; records that arrived mid-flush stay
// buffered for the next one. When retries are exhausted the buffer is left
// untouched and the error returned.
func (s *Sink) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	batches, snapshot := s.snapshot()
	if len(batches) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		err := s.writer.WriteAll(ctx, batches)
		if err == nil {
			s.clearWritten(snapshot)
			for _, b := range batches {
				metrics.RecordsFlushed.WithLabelValues(b.Statement.Table).Add(float64(len(b.Records)))
			}
			metrics.BufferedRecords.WithLabelValues(s.cfg.Scope).Set(float64(s.Size()))
			return nil
		}
		lastErr = err

		if !IsContention(err) {
			return fmt.Errorf("flush: %w", err)
		}

		metrics.FlushRetries.WithLabelValues(s.cfg.Scope).Inc()
		delay := s.retryDelay(attempt)
		s.logger.Warn("flush contention, retrying",
			"attempt", attempt, "max", s.cfg.MaxRetries, "delay", delay, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("flush: retries exhausted: %w", lastErr)
}

// Close flushes whatever remains and closes the writer.
func (s *Sink) Close(ctx context.Context) error {
	flushErr := s.Flush(ctx)
	closeErr := s.writer.Close()
	return errors.Join(flushErr, closeErr)
}

// snapshot copies the buffer into write batches ordered so that referenced
// tables land before their dependents. The buffer itself is not cleared.
func (s *Sink) snapshot() ([]TableBatch, map[string]map[string]record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := make(map[string]map[string]record.Record, len(s.buffers))
	batches := make([]TableBatch, 0, len(s.buffers))
	for table, buf := range s.buffers {
		if len(buf) == 0 {
			continue
		}
		entries := make(map[string]record.Record, len(buf))
		recs := make([]record.Record, 0, len(buf))
		for key, r := range buf {
			entries[key] = r
			recs = append(recs, r)
		}
		snap[table] = entries
		batches = append(batches, TableBatch{Statement: s.stmts[table], Records: recs})
	}

	sort.Slice(batches, func(i, j int) bool {
		return batches[i].Statement.Rank < batches[j].Statement.Rank
	})
	return batches, snap
}

// clearWritten removes exactly the snapshot's entries. A newer record that
// replaced a snapshotted one during the flush compares unequal and stays.
func (s *Sink) clearWritten(snap map[string]map[string]record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for table, entries := range snap {
		buf := s.buffers[table]
		for key, written := range entries {
			if cur, ok := buf[key]; ok && cur == written {
				delete(buf, key)
			}
		}
	}
}

// retryDelay grows exponentially with bounded jitter. The jitter span is
// under half the base, so consecutive delays are strictly increasing until
// the cap.
func (s *Sink) retryDelay(attempt int) time.Duration {
	base := s.cfg.InitialBackoff << (attempt - 1)
	if base > s.cfg.MaxBackoff {
		return s.cfg.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	if base+jitter > s.cfg.MaxBackoff {
		return s.cfg.MaxBackoff
	}
	return base + jitter
}

// IsContention reports whether an error is transient lock contention worth
// retrying: Postgres deadlocks, serialization failures and lock timeouts,
// or SQLite's single-writer busy error.
func IsContention(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40P01", "40001", "55P03":
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "lock timeout") ||
		strings.Contains(msg, "could not obtain lock") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
