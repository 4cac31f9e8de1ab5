package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/FranksOps/bazaar/internal/fetch"
)

// Entry is one archived payload. Bodies are stored raw; the parse layer can
// be replayed against the archive when extraction rules change.
type Entry struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	StatusCode int       `json:"status_code"`
	Body       []byte    `json:"body"`
	DurationMS int64     `json:"duration_ms"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// Archive appends fetched payloads to an NDJSON file. Safe for concurrent
// use.
type Archive struct {
	mu   sync.Mutex
	file *os.File
}

func Open(path string) (*Archive, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return &Archive{file: f}, nil
}

// Save appends one payload.
func (a *Archive) Save(ctx context.Context, p *fetch.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(Entry{
		ID:         p.Target.ID,
		URL:        p.Target.URL,
		StatusCode: p.StatusCode,
		Body:       p.Body,
		DurationMS: p.Duration.Milliseconds(),
		FetchedAt:  p.FetchedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// Replay streams every archived entry to fn, stopping on the first error.
func (a *Archive) Replay(ctx context.Context, fn func(Entry) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind archive: %w", err)
	}
	defer func() {
		_, _ = a.file.Seek(0, io.SeekEnd)
	}()

	scanner := bufio.NewScanner(a.file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("decode entry: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
