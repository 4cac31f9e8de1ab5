package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"

	sitemap "github.com/oxffaa/gopher-parse-sitemap"

	"github.com/FranksOps/bazaar/internal/fetch"
)

// SeedLoader discovers category seeds from a source's sitemap, recursing
// through sitemap indexes. Sources that publish their category tree in a
// sitemap get seeds for free; the rest configure seeds statically.
type SeedLoader struct {
	fetcher *fetch.Fetcher
	// pattern matches category URLs; capture group 1 is the category id.
	pattern *regexp.Regexp
	logger  *slog.Logger
}

func NewSeedLoader(fetcher *fetch.Fetcher, pattern *regexp.Regexp, logger *slog.Logger) *SeedLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &SeedLoader{fetcher: fetcher, pattern: pattern, logger: logger}
}

// Load fetches the sitemap at sitemapURL and returns every category URL that
// matches the loader's pattern as a depth-zero seed.
func (l *SeedLoader) Load(ctx context.Context, sitemapURL string) ([]Category, error) {
	urls, err := l.collect(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}

	var seeds []Category
	seen := make(map[string]bool)
	for _, raw := range urls {
		m := l.pattern.FindStringSubmatch(raw)
		if len(m) < 2 || m[1] == "" || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		seeds = append(seeds, Category{ID: m[1], Name: m[1], URL: raw})
	}

	l.logger.Info("loaded sitemap seeds", "sitemap", sitemapURL, "urls", len(urls), "seeds", len(seeds))
	return seeds, nil
}

// collect fetches one sitemap document and recursively expands indexes.
func (l *SeedLoader) collect(ctx context.Context, sitemapURL string) ([]string, error) {
	p, err := l.fetcher.Fetch(ctx, fetch.Target{ID: sitemapID(sitemapURL), URL: sitemapURL})
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", err)
	}

	var urls []string
	err = sitemap.Parse(bytes.NewReader(p.Body), func(e sitemap.Entry) error {
		urls = append(urls, e.GetLocation())
		return nil
	})

	if err != nil || len(urls) == 0 {
		// Possibly a sitemap index rather than a url set.
		var nested []string
		indexErr := sitemap.ParseIndex(bytes.NewReader(p.Body), func(e sitemap.IndexEntry) error {
			nested = append(nested, e.GetLocation())
			return nil
		})
		if indexErr != nil || (len(urls) == 0 && len(nested) == 0) {
			return nil, fmt.Errorf("parse as sitemap or index: %w", errors.Join(err, indexErr))
		}

		for _, nestedURL := range nested {
			nestedURLs, fetchErr := l.collect(ctx, nestedURL)
			if fetchErr != nil {
				l.logger.Warn("skipping nested sitemap", "url", nestedURL, "err", fetchErr)
				continue
			}
			urls = append(urls, nestedURLs...)
		}
	}

	return urls, nil
}

func sitemapID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}
