package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/FranksOps/bazaar/internal/checkpoint"
	"github.com/FranksOps/bazaar/internal/fetch"
)

// Stats summarizes one discovery run.
type Stats struct {
	Processed int64
	Found     int64
	Errors    int64
	LastID    int64
	Elapsed   time.Duration
}

// Rate returns found items per minute, 0 when nothing has elapsed.
func (s Stats) Rate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Found) / s.Elapsed.Minutes()
}

// ScanConfig tunes a sequential id-range scan.
type ScanConfig struct {
	// StartID and EndID bound the scan, both inclusive.
	StartID int64
	EndID   int64
	// BatchSize is the number of ids fetched per batch; defaults to 100.
	BatchSize int
	// TargetFound stops the scan early once this many items were found
	// (0 = scan the whole range).
	TargetFound int64
	// TargetURL renders the fetch target for an id.
	TargetURL func(id int64) string
}

// HandleFunc receives each successfully fetched payload. A non-nil error
// counts against the run's error tally but does not stop the scan.
type HandleFunc func(ctx context.Context, p *fetch.Payload) error

// Scanner walks a numeric id range in fixed batches. The cursor advances by
// a full batch whether or not its ids resolved, so a crashed run resumes at
// a batch boundary and never re-fetches completed work.
type Scanner struct {
	cfg     ScanConfig
	fetcher *fetch.Fetcher
	ckpt    *checkpoint.Manager
	handle  HandleFunc
	logger  *slog.Logger
}

func NewScanner(cfg ScanConfig, fetcher *fetch.Fetcher, ckpt *checkpoint.Manager, handle HandleFunc, logger *slog.Logger) (*Scanner, error) {
	if cfg.TargetURL == nil {
		return nil, fmt.Errorf("scan config: TargetURL is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		cfg:     cfg,
		fetcher: fetcher,
		ckpt:    ckpt,
		handle:  handle,
		logger:  logger,
	}, nil
}

// Run scans the configured range, resuming from the persisted cursor when
// one exists. It checkpoints after every batch and returns the run's stats.
func (s *Scanner) Run(ctx context.Context) (Stats, error) {
	start := time.Now()
	var stats Stats

	// The persisted blob outlives one run: the supervisor keeps its cycle
	// counter there and counts accumulate across resumes, so batch saves
	// merge into the loaded state rather than replacing it.
	base, err := s.ckpt.Load(ctx)
	if err != nil || base == nil {
		base = checkpoint.State{}
	}
	priorProcessed, _ := base.Int64("processed")
	priorFound, _ := base.Int64("found")
	priorErrors, _ := base.Int64("errors")

	cursor := s.cfg.StartID
	if last, ok := base.Int64("last_id"); ok && last >= s.cfg.StartID {
		cursor = last + 1
		s.logger.Info("resuming scan from checkpoint", "last_id", last, "cursor", cursor)
	}

	for cursor <= s.cfg.EndID {
		if err := ctx.Err(); err != nil {
			stats.Elapsed = time.Since(start)
			return stats, err
		}

		batchEnd := cursor + int64(s.cfg.BatchSize) - 1
		if batchEnd > s.cfg.EndID {
			batchEnd = s.cfg.EndID
		}

		targets := make([]fetch.Target, 0, batchEnd-cursor+1)
		for id := cursor; id <= batchEnd; id++ {
			targets = append(targets, fetch.Target{
				ID:  fmt.Sprintf("%d", id),
				URL: s.cfg.TargetURL(id),
			})
		}

		payloads, errCount := s.fetcher.FetchBatch(ctx, targets)
		if err := ctx.Err(); err != nil {
			// Cancellation cut the batch short; leave the cursor where it
			// was so the unfetched ids are retried on resume.
			stats.Elapsed = time.Since(start)
			return stats, err
		}
		stats.Processed += int64(len(targets))
		stats.Errors += int64(errCount)

		for _, p := range payloads {
			if err := s.handle(ctx, p); err != nil {
				stats.Errors++
				s.logger.Warn("handle payload failed", "id", p.Target.ID, "err", err)
				continue
			}
			stats.Found++
		}

		// The cursor moves past the batch regardless of outcome; holes
		// and failures are not revisited within a cycle.
		stats.LastID = batchEnd
		cursor = batchEnd + 1

		base["last_id"] = stats.LastID
		base["processed"] = priorProcessed + stats.Processed
		base["found"] = priorFound + stats.Found
		base["errors"] = priorErrors + stats.Errors
		base.Stamp(time.Now())
		s.ckpt.Save(ctx, base)

		s.logger.Info("batch complete",
			"last_id", stats.LastID,
			"processed", stats.Processed,
			"found", stats.Found,
			"errors", stats.Errors,
			"rate_per_min", fmt.Sprintf("%.1f", statsRate(stats, time.Since(start))))

		if s.cfg.TargetFound > 0 && stats.Found >= s.cfg.TargetFound {
			s.logger.Info("target reached, stopping scan", "found", stats.Found)
			break
		}
	}

	stats.Elapsed = time.Since(start)
	return stats, nil
}

func statsRate(s Stats, elapsed time.Duration) float64 {
	s.Elapsed = elapsed
	return s.Rate()
}
