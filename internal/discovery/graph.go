package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/FranksOps/bazaar/internal/checkpoint"
)

// Category is one node in a source's category tree.
type Category struct {
	ID    string
	Name  string
	URL   string
	Depth int
}

// Item is one discovered listing reference.
type Item struct {
	ID       string
	URL      string
	Category Category
}

// PageFunc fetches one page of a category listing and returns the items on
// it plus any subcategories linked from it.
type PageFunc func(ctx context.Context, cat Category, page int) ([]Item, []Category, error)

// EmitFunc receives each newly claimed item.
type EmitFunc func(ctx context.Context, item Item) error

// WalkConfig tunes a breadth-first category walk.
type WalkConfig struct {
	// MaxPagesPerCategory caps pagination per node; defaults to 400.
	MaxPagesPerCategory int
	// EmptyPageLimit abandons a category after this many consecutive pages
	// yielding nothing new; defaults to 3.
	EmptyPageLimit int
	// CheckpointEvery persists progress after this many discoveries;
	// defaults to 100.
	CheckpointEvery int
	// MaxDepth bounds traversal depth relative to the seeds (0 = unbounded).
	MaxDepth int
}

// Walker traverses a category graph breadth-first, deduplicating items
// through the shared seen-set so concurrent walkers over the same scope
// never emit the same item twice.
type Walker struct {
	cfg    WalkConfig
	page   PageFunc
	ckpt   *checkpoint.Manager
	logger *slog.Logger
}

func NewWalker(cfg WalkConfig, page PageFunc, ckpt *checkpoint.Manager, logger *slog.Logger) *Walker {
	if cfg.MaxPagesPerCategory <= 0 {
		cfg.MaxPagesPerCategory = 400
	}
	if cfg.EmptyPageLimit <= 0 {
		cfg.EmptyPageLimit = 3
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Walker{cfg: cfg, page: page, ckpt: ckpt, logger: logger}
}

// Run walks the graph from the seeds and emits every newly claimed item.
// Already seen categories and items are skipped, so a rerun over the same
// scope costs only page fetches, not duplicate emissions.
func (w *Walker) Run(ctx context.Context, seeds []Category, emit EmitFunc) (Stats, error) {
	start := time.Now()
	var stats Stats

	if state, err := w.ckpt.Load(ctx); err == nil && state != nil {
		if prev, ok := state.Int64("discovered"); ok {
			w.logger.Info("resuming walk", "previously_discovered", prev)
		}
	}

	queue := make([]Category, len(seeds))
	copy(queue, seeds)
	visited := make(map[string]bool, len(seeds))
	sinceCheckpoint := 0

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			stats.Elapsed = time.Since(start)
			return stats, err
		}

		cat := queue[0]
		queue = queue[1:]
		if visited[cat.URL] {
			continue
		}
		visited[cat.URL] = true

		w.logger.Info("walking category", "category", cat.Name, "url", cat.URL, "depth", cat.Depth)

		emptyStreak := 0
		for page := 1; page <= w.cfg.MaxPagesPerCategory; page++ {
			items, subcats, err := w.page(ctx, cat, page)
			if err != nil {
				if ctx.Err() != nil {
					stats.Elapsed = time.Since(start)
					return stats, ctx.Err()
				}
				stats.Errors++
				w.logger.Warn("page fetch failed", "category", cat.Name, "page", page, "err", err)
				break
			}
			stats.Processed++

			for _, sub := range subcats {
				if visited[sub.URL] {
					continue
				}
				if w.cfg.MaxDepth > 0 && sub.Depth > w.cfg.MaxDepth {
					continue
				}
				queue = append(queue, sub)
			}

			claimed := w.claim(ctx, items)
			if len(claimed) == 0 {
				emptyStreak++
				if emptyStreak >= w.cfg.EmptyPageLimit {
					w.logger.Debug("abandoning category",
						"category", cat.Name, "page", page, "empty_streak", emptyStreak)
					break
				}
				continue
			}
			emptyStreak = 0

			for _, item := range claimed {
				if err := emit(ctx, item); err != nil {
					stats.Errors++
					w.logger.Warn("emit failed", "id", item.ID, "err", err)
					continue
				}
				stats.Found++
				sinceCheckpoint++
			}

			if sinceCheckpoint >= w.cfg.CheckpointEvery {
				w.saveProgress(ctx, stats)
				sinceCheckpoint = 0
			}
		}
	}

	w.saveProgress(ctx, stats)
	stats.Elapsed = time.Since(start)
	return stats, nil
}

// claim narrows the page's items to those not yet in the seen-set, then
// claims each survivor with an individual mark. The mark's insert count is
// the claim: when two walkers race over the same scope only the one whose
// insert landed emits the item.
func (w *Walker) claim(ctx context.Context, items []Item) []Item {
	if len(items) == 0 {
		return nil
	}

	ids := make([]string, len(items))
	byID := make(map[string]Item, len(items))
	for i, item := range items {
		ids[i] = item.ID
		byID[item.ID] = item
	}

	unseen := w.ckpt.FilterUnseen(ctx, ids)
	if len(unseen) == 0 {
		return nil
	}

	claimed := make([]Item, 0, len(unseen))
	for _, id := range unseen {
		if w.ckpt.MarkSeen(ctx, []string{id}) == 1 {
			claimed = append(claimed, byID[id])
		}
	}
	return claimed
}

func (w *Walker) saveProgress(ctx context.Context, stats Stats) {
	state := checkpoint.State{
		"discovered": stats.Found,
		"processed":  stats.Processed,
		"errors":     stats.Errors,
	}
	state.Stamp(time.Now())
	w.ckpt.Save(ctx, state)
}
