package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/FranksOps/bazaar/internal/bypass"
	"github.com/FranksOps/bazaar/internal/fingerprint"
	"github.com/FranksOps/bazaar/internal/metrics"
	"github.com/FranksOps/bazaar/pkg/httpclient"
	"github.com/FranksOps/bazaar/pkg/identity"
	"github.com/FranksOps/bazaar/pkg/pacing"
)

// ErrNotFound marks a target the source reports as definitively absent.
// Absent is not an error condition for callers counting failures: a dense id
// scan expects most ids to be holes.
var ErrNotFound = errors.New("target not found")

type contextKey string

const proxyKey contextKey = "proxy_url"

// Target is one fetchable unit: the item key plus its rendered URL.
type Target struct {
	ID  string
	URL string
}

// Payload is a successfully fetched response body.
type Payload struct {
	Target     Target
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
	FetchedAt  time.Time
}

// Config tunes the bounded fetcher.
type Config struct {
	// Source labels logs and metrics.
	Source string
	// Concurrency caps in-flight requests; defaults to 10.
	Concurrency int
	Timeout     time.Duration
	// MaxAttempts bounds retries per target; defaults to 3.
	MaxAttempts int

	Pacing pacing.Config

	// BlockCooldownMin/Max bound the sleep after an anti-bot detection,
	// substantially longer than ordinary backoff.
	BlockCooldownMin time.Duration
	BlockCooldownMax time.Duration
	// RateLimitStep scales the 429 backoff: attempt number times this.
	RateLimitStep time.Duration

	Identities   *identity.Pool
	Fingerprint  fingerprint.Profile
	UseCookieJar bool
	// Headers are set on every request in addition to the identity's
	// User-Agent.
	Headers map[string]string
}

// Fetcher pulls payloads from one source under a concurrency ceiling,
// human-like pacing, retry with backoff, and anti-block cooldowns. Safe for
// concurrent use.
type Fetcher struct {
	cfg       Config
	sem       *semaphore.Weighted
	client    *httpclient.Client
	pacer     *pacing.Pacer
	detectors []bypass.Detector
	logger    *slog.Logger
}

// New builds a Fetcher. The transport is created once so that connections
// and cookies persist across requests; per-request proxy rotation goes
// through the request context, not transport mutation.
func New(cfg Config, logger *slog.Logger) (*Fetcher, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BlockCooldownMin <= 0 {
		cfg.BlockCooldownMin = time.Minute
	}
	if cfg.BlockCooldownMax < cfg.BlockCooldownMin {
		cfg.BlockCooldownMax = 2 * cfg.BlockCooldownMin
	}
	if cfg.RateLimitStep <= 0 {
		cfg.RateLimitStep = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	proxyFunc := func(req *http.Request) (*url.URL, error) {
		if val := req.Context().Value(proxyKey); val != nil {
			if u, ok := val.(*url.URL); ok {
				return u, nil
			}
		}
		return nil, nil
	}

	transport, err := fingerprint.Transport(cfg.Fingerprint, proxyFunc)
	if err != nil {
		return nil, fmt.Errorf("setup transport: %w", err)
	}

	client, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: 5,
		UseCookieJar: cfg.UseCookieJar,
		Transport:    transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	return &Fetcher{
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		client:    client,
		pacer:     pacing.New(cfg.Pacing),
		detectors: bypass.DefaultDetectors(),
		logger:    logger.With("source", cfg.Source),
	}, nil
}

// Fetch retrieves one target. It returns ErrNotFound for definitively absent
// targets and a plain error once the retry budget is exhausted.
func (f *Fetcher) Fetch(ctx context.Context, t Target) (*Payload, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer f.sem.Release(1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = 0

	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if err := f.pacer.Wait(ctx); err != nil {
			return nil, err
		}

		payload, err := f.attempt(ctx, t)
		if err != nil {
			// Timeout or connection-level failure: retryable.
			f.logger.Debug("fetch attempt failed", "id", t.ID, "attempt", attempt, "err", err)
			if werr := f.sleep(ctx, bo.NextBackOff()); werr != nil {
				return nil, werr
			}
			continue
		}

		if detected, marker := bypass.Detect(payload.StatusCode, payload.Header, payload.Body, f.detectors); detected {
			metrics.BlockDetections.WithLabelValues(f.cfg.Source, marker).Inc()
			cooldown := f.blockCooldown()
			rotated := false
			if f.cfg.Identities != nil {
				rotated = f.cfg.Identities.ReportBlock()
				if rotated {
					metrics.IdentityRotations.WithLabelValues(f.cfg.Source).Inc()
				}
			}
			f.logger.Warn("block detected, cooling down",
				"id", t.ID, "marker", marker, "cooldown", cooldown, "rotated", rotated)
			if werr := f.sleep(ctx, cooldown); werr != nil {
				return nil, werr
			}
			continue
		}

		switch {
		case payload.StatusCode == http.StatusNotFound || payload.StatusCode == http.StatusGone:
			metrics.FetchesTotal.WithLabelValues(f.cfg.Source, "absent").Inc()
			return nil, ErrNotFound

		case payload.StatusCode == http.StatusTooManyRequests:
			wait := time.Duration(attempt) * f.cfg.RateLimitStep
			f.logger.Warn("rate limited", "id", t.ID, "attempt", attempt, "wait", wait)
			if werr := f.sleep(ctx, wait); werr != nil {
				return nil, werr
			}
			continue

		case payload.StatusCode >= 500:
			f.logger.Debug("server error", "id", t.ID, "status", payload.StatusCode, "attempt", attempt)
			if werr := f.sleep(ctx, bo.NextBackOff()); werr != nil {
				return nil, werr
			}
			continue

		case payload.StatusCode >= 400:
			// Unexpected client error; retry cautiously, some sources
			// return odd 4xx codes under load.
			if werr := f.sleep(ctx, bo.NextBackOff()); werr != nil {
				return nil, werr
			}
			continue
		}

		if f.cfg.Identities != nil {
			f.cfg.Identities.ReportSuccess()
		}
		metrics.FetchesTotal.WithLabelValues(f.cfg.Source, "ok").Inc()
		metrics.FetchDuration.WithLabelValues(f.cfg.Source).Observe(payload.Duration.Seconds())
		return payload, nil
	}

	metrics.FetchesTotal.WithLabelValues(f.cfg.Source, "error").Inc()
	return nil, fmt.Errorf("fetch %s: gave up after %d attempts", t.ID, f.cfg.MaxAttempts)
}

// FetchBatch retrieves many targets concurrently, bounded by the fetcher's
// semaphore. It returns the successful payloads in completion order plus the
// count of exhausted-retry errors; absent targets count toward neither.
func (f *Fetcher) FetchBatch(ctx context.Context, targets []Target) ([]*Payload, int) {
	var (
		mu       sync.Mutex
		payloads []*Payload
		errCount int
	)

	g, gCtx := errgroup.WithContext(ctx)
	for _, t := range targets {
		g.Go(func() error {
			p, err := f.Fetch(gCtx, t)
			if err != nil {
				if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
					return nil
				}
				mu.Lock()
				errCount++
				mu.Unlock()
				return nil
			}
			mu.Lock()
			payloads = append(payloads, p)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return payloads, errCount
}

// attempt performs a single request. Transport-level failures come back as
// errors; any HTTP response, whatever the status, comes back as a payload.
func (f *Fetcher) attempt(ctx context.Context, t Target) (*Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	ua := ""
	if f.cfg.Identities != nil {
		id := f.cfg.Identities.Current()
		ua = id.UserAgent
		if id.Proxy != nil {
			req = req.WithContext(context.WithValue(req.Context(), proxyKey, id.Proxy))
		}
	}
	if ua == "" {
		ua = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	}

	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,uz;q=0.8,en;q=0.7")
	for k, v := range f.cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(req.Context(), req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Payload{
		Target:     t,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Duration:   time.Since(start),
		FetchedAt:  start.UTC(),
	}, nil
}

func (f *Fetcher) blockCooldown() time.Duration {
	span := f.cfg.BlockCooldownMax - f.cfg.BlockCooldownMin
	if span <= 0 {
		return f.cfg.BlockCooldownMin
	}
	return f.cfg.BlockCooldownMin + time.Duration(rand.Int63n(int64(span)))
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
