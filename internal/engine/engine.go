package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"time"

	"github.com/FranksOps/bazaar/internal/archive"
	"github.com/FranksOps/bazaar/internal/checkpoint"
	ckptpostgres "github.com/FranksOps/bazaar/internal/checkpoint/postgres"
	ckptsqlite "github.com/FranksOps/bazaar/internal/checkpoint/sqlite"
	"github.com/FranksOps/bazaar/internal/config"
	"github.com/FranksOps/bazaar/internal/discovery"
	"github.com/FranksOps/bazaar/internal/fetch"
	"github.com/FranksOps/bazaar/internal/fingerprint"
	"github.com/FranksOps/bazaar/internal/metrics"
	"github.com/FranksOps/bazaar/internal/report"
	"github.com/FranksOps/bazaar/internal/sink"
	"github.com/FranksOps/bazaar/internal/supervisor"
	"github.com/FranksOps/bazaar/pkg/identity"
	"github.com/FranksOps/bazaar/pkg/pacing"
)

// jobs the engine runs; each gets its own checkpoint scope.
const (
	jobScan = "scan"
	jobWalk = "walk"
)

// Engine wires the source, the checkpoint store, the fetcher and the sink
// into runnable crawl operations. One engine serves one source.
type Engine struct {
	cfg    *config.Config
	source *Source
	logger *slog.Logger

	shared  checkpoint.Store
	sink    *sink.Sink
	fetcher *fetch.Fetcher
	arch    *archive.Archive
	msrv    *metrics.Server
}

// New builds an engine from configuration. Every constructed component is
// torn down by Close, including on partial construction failure.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	source, err := Lookup(cfg.Source)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		source: source,
		logger: logger.With("source", source.Name),
	}

	if err := e.build(ctx); err != nil {
		e.Close(ctx)
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(ctx context.Context) error {
	cfg := e.cfg

	shared, writer, err := openBackend(ctx, cfg.Database)
	if err != nil {
		return err
	}
	e.shared = shared
	e.sink = sink.New(sink.Config{
		Scope:          cfg.Source + ":" + cfg.Database.Driver,
		FlushThreshold: cfg.Sink.FlushThreshold,
		MaxRetries:     cfg.Sink.MaxRetries,
		InitialBackoff: cfg.Sink.InitialBackoff,
		MaxBackoff:     cfg.Sink.MaxBackoff,
	}, writer, e.logger)

	creds := identity.Credentials{
		Host:     cfg.Proxy.Host,
		Port:     cfg.Proxy.Port,
		Username: cfg.Proxy.Username,
		Password: cfg.Proxy.Password,
		Country:  cfg.Proxy.Country,
	}
	if !creds.Enabled() {
		e.logger.Warn("no proxy configured, fetching directly")
	}
	identities := identity.NewPool(creds, nil, 0)

	fetcher, err := fetch.New(fetch.Config{
		Source:      e.source.Name,
		Concurrency: cfg.Fetch.Concurrency,
		Timeout:     cfg.Fetch.Timeout,
		MaxAttempts: cfg.Fetch.MaxAttempts,
		Pacing: pacing.Config{
			MinDelay:           cfg.Fetch.MinDelay,
			MaxDelay:           cfg.Fetch.MaxDelay,
			ReadingPauseChance: cfg.Fetch.ReadingPauseChance,
			LongPauseEvery:     cfg.Fetch.LongPauseEvery,
		},
		Identities:   identities,
		Fingerprint:  fingerprint.Profile(cfg.Fetch.Fingerprint),
		UseCookieJar: cfg.Fetch.CookieJar,
		Headers:      e.source.Headers,
	}, e.logger)
	if err != nil {
		return err
	}
	e.fetcher = fetcher

	if cfg.ArchivePath != "" {
		arch, err := archive.Open(cfg.ArchivePath)
		if err != nil {
			return err
		}
		e.arch = arch
	}

	if cfg.MetricsPort > 0 {
		e.msrv = metrics.Start(cfg.MetricsPort)
	}

	return nil
}

// openBackend maps the configured driver onto a shared checkpoint store and
// a sink writer. The csv driver has no shared database, so its checkpoints
// live in a local sqlite file next to the csv output.
func openBackend(ctx context.Context, db config.Database) (checkpoint.Store, sink.Writer, error) {
	switch db.Driver {
	case "postgres":
		store, err := ckptpostgres.New(ctx, db.DSN)
		if err != nil {
			return nil, nil, err
		}
		writer, err := sink.NewPostgresWriter(ctx, db.DSN)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, writer, nil

	case "sqlite":
		store, err := ckptsqlite.New(db.Path)
		if err != nil {
			return nil, nil, err
		}
		writer, err := sink.NewSQLiteWriter(db.Path)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, writer, nil

	case "csv":
		store, err := ckptsqlite.New(filepath.Join(db.Path, "checkpoints.db"))
		if err != nil {
			return nil, nil, err
		}
		writer, err := sink.NewCSVWriter(db.Path)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, writer, nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", db.Driver)
	}
}

func (e *Engine) manager(job string) *checkpoint.Manager {
	scope := checkpoint.Scope{Source: e.source.Name, Job: job}
	return checkpoint.NewManager(scope, e.shared, e.cfg.CheckpointDir, e.logger)
}

// handlePayload archives, parses and buffers one fetched payload.
func (e *Engine) handlePayload(ctx context.Context, p *fetch.Payload) error {
	if e.arch != nil {
		if err := e.arch.Save(ctx, p); err != nil {
			e.logger.Warn("archive write failed", "id", p.Target.ID, "err", err)
		}
	}

	recs, err := e.source.Parse(p)
	if err != nil {
		return err
	}
	return e.sink.Add(ctx, recs...)
}

// DownloadRange runs one id-range scan over the configured window, resuming
// from the checkpoint, and flushes whatever remains buffered at the end.
func (e *Engine) DownloadRange(ctx context.Context) (discovery.Stats, error) {
	if e.source.ItemURL == nil {
		return discovery.Stats{}, fmt.Errorf("source %s has no item endpoint for range scans", e.source.Name)
	}
	if e.cfg.Scan.EndID <= 0 {
		return discovery.Stats{}, fmt.Errorf("scan.end_id must be set")
	}

	scanner, err := discovery.NewScanner(discovery.ScanConfig{
		StartID:     e.cfg.Scan.StartID,
		EndID:       e.cfg.Scan.EndID,
		BatchSize:   e.cfg.Scan.BatchSize,
		TargetFound: e.cfg.Scan.TargetFound,
		TargetURL:   e.source.ItemURL,
	}, e.fetcher, e.manager(jobScan), e.handlePayload, e.logger)
	if err != nil {
		return discovery.Stats{}, err
	}

	stats, runErr := scanner.Run(ctx)
	if err := e.flush(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return stats, runErr
}

// WalkCategories walks the source's category graph, fetching and persisting
// every newly discovered item.
func (e *Engine) WalkCategories(ctx context.Context) (discovery.Stats, error) {
	if e.source.PageURL == nil || e.source.Extractor == nil {
		return discovery.Stats{}, fmt.Errorf("source %s has no category listing support", e.source.Name)
	}

	seeds, err := e.seeds(ctx)
	if err != nil {
		return discovery.Stats{}, err
	}
	if len(seeds) == 0 {
		return discovery.Stats{}, fmt.Errorf("source %s has no category seeds", e.source.Name)
	}

	page := func(ctx context.Context, cat discovery.Category, n int) ([]discovery.Item, []discovery.Category, error) {
		pageURL := e.source.PageURL(cat, n)
		p, err := e.fetcher.Fetch(ctx, fetch.Target{ID: fmt.Sprintf("%s:p%d", cat.ID, n), URL: pageURL})
		if err != nil {
			if errors.Is(err, fetch.ErrNotFound) {
				return nil, nil, nil
			}
			return nil, nil, err
		}
		base, err := url.Parse(pageURL)
		if err != nil {
			base = nil
		}
		return e.source.Extractor.Extract(base, p.Body, cat)
	}

	emit := func(ctx context.Context, item discovery.Item) error {
		target := fetch.Target{ID: item.ID, URL: item.URL}
		if target.URL == "" && e.source.ItemURL != nil {
			target.URL = e.source.ItemURL(numericID(item.ID))
		}
		if target.URL == "" {
			return fmt.Errorf("item %s has no fetchable url", item.ID)
		}

		p, err := e.fetcher.Fetch(ctx, target)
		if err != nil {
			if errors.Is(err, fetch.ErrNotFound) {
				return nil
			}
			return err
		}
		return e.handlePayload(ctx, p)
	}

	walker := discovery.NewWalker(discovery.WalkConfig{
		MaxPagesPerCategory: e.cfg.Walk.MaxPagesPerCategory,
		EmptyPageLimit:      e.cfg.Walk.EmptyPageLimit,
		CheckpointEvery:     e.cfg.Walk.CheckpointEvery,
		MaxDepth:            e.cfg.Walk.MaxDepth,
	}, page, e.manager(jobWalk), e.logger)

	stats, runErr := walker.Run(ctx, seeds, emit)
	if err := e.flush(ctx); err != nil && runErr == nil {
		runErr = err
	}
	return stats, runErr
}

func (e *Engine) seeds(ctx context.Context) ([]discovery.Category, error) {
	sitemapURL := e.cfg.Walk.SitemapURL
	if sitemapURL == "" {
		sitemapURL = e.source.SitemapURL
	}
	if sitemapURL != "" && e.source.CategoryPattern != nil {
		loader := discovery.NewSeedLoader(e.fetcher, e.source.CategoryPattern, e.logger)
		seeds, err := loader.Load(ctx, sitemapURL)
		if err == nil && len(seeds) > 0 {
			return seeds, nil
		}
		e.logger.Warn("sitemap seeding failed, using static seeds", "err", err)
	}
	return e.source.Seeds, nil
}

// RunContinuously supervises repeated scan cycles until the context ends.
// When a cycle exhausts the range the cursor rewinds to the start and the
// cycle counter advances.
func (e *Engine) RunContinuously(ctx context.Context) error {
	mgr := e.manager(jobScan)

	turn := func(ctx context.Context) (supervisor.TurnResult, error) {
		stats, err := e.DownloadRange(ctx)
		if err != nil {
			return supervisor.TurnResult{}, err
		}
		if stats.Processed > 0 && stats.Found == 0 && stats.Errors > 0 {
			return supervisor.TurnResult{}, fmt.Errorf("cycle yielded only errors (%d)", stats.Errors)
		}
		return supervisor.TurnResult{Stats: stats, CycleComplete: true}, nil
	}

	reset := func(ctx context.Context) error {
		state, err := mgr.Load(ctx)
		if err != nil || state == nil {
			state = checkpoint.State{}
		}
		cycles, _ := state.Int64("cycles")
		state["cycles"] = cycles + 1
		// Rewind the cursor so the next turn resumes from the window start.
		state["last_id"] = e.cfg.Scan.StartID - 1
		state.Stamp(time.Now())
		mgr.Save(ctx, state)
		return nil
	}

	sup := supervisor.New(supervisor.Config{
		Scope:                e.source.Name + ":" + jobScan,
		MaxConsecutiveErrors: e.cfg.Loop.MaxConsecutiveErrors,
		ErrorBackoffBase:     e.cfg.Loop.BackoffBase,
		ErrorBackoffMax:      e.cfg.Loop.BackoffMax,
		Cooldown:             e.cfg.Loop.Cooldown,
		CyclePause:           e.cfg.Loop.CyclePause,
	}, turn, reset, e.logger)

	return sup.Run(ctx)
}

// Status writes the persisted progress of this source's jobs.
func (e *Engine) Status(ctx context.Context, w io.Writer, asJSON bool) error {
	scopes := []checkpoint.Scope{
		{Source: e.source.Name, Job: jobScan},
		{Source: e.source.Name, Job: jobWalk},
	}
	statuses, err := report.Collect(ctx, e.shared, scopes)
	if err != nil {
		return err
	}
	if asJSON {
		return report.WriteJSON(w, statuses)
	}
	return report.WriteText(w, statuses)
}

// ClearCheckpoint erases a job's progress and seen-set.
func (e *Engine) ClearCheckpoint(ctx context.Context, job string) error {
	if job != jobScan && job != jobWalk {
		return fmt.Errorf("unknown job %q (want %s or %s)", job, jobScan, jobWalk)
	}
	return e.manager(job).Clear(ctx)
}

func (e *Engine) flush(ctx context.Context) error {
	if err := e.sink.Flush(ctx); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	return nil
}

// Close flushes and releases every component. Safe on a partially built
// engine.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.sink != nil {
		errs = append(errs, e.sink.Close(ctx))
	}
	if e.shared != nil {
		errs = append(errs, e.shared.Close())
	}
	if e.arch != nil {
		errs = append(errs, e.arch.Close())
	}
	if e.msrv != nil {
		errs = append(errs, e.msrv.Stop(ctx))
	}
	return errors.Join(errs...)
}
