package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/FranksOps/bazaar/internal/fetch"
)

func newSeedFetcher(t *testing.T) *fetch.Fetcher {
	t.Helper()
	f, err := fetch.New(fetch.Config{
		Source:      "test",
		Timeout:     5 * time.Second,
		MaxAttempts: 1,
	}, nil)
	if err != nil {
		t.Fatalf("fetch.New: %v", err)
	}
	return f
}

func TestSeedLoaderFlatSitemap(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%[1]s/category/electronics</loc></url>
  <url><loc>%[1]s/category/electronics</loc></url>
  <url><loc>%[1]s/category/garden</loc></url>
  <url><loc>%[1]s/product/12345</loc></url>
</urlset>`, srvURL)
	}))
	defer srv.Close()
	srvURL = srv.URL

	loader := NewSeedLoader(newSeedFetcher(t), regexp.MustCompile(`/category/([a-z-]+)$`), nil)
	seeds, err := loader.Load(context.Background(), srv.URL+"/sitemap.xml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(seeds) != 2 {
		t.Fatalf("seeds = %d, want 2 (deduplicated, products excluded)", len(seeds))
	}
	if seeds[0].ID != "electronics" || seeds[1].ID != "garden" {
		t.Errorf("seed ids = %q, %q", seeds[0].ID, seeds[1].ID)
	}
	if seeds[0].Depth != 0 {
		t.Errorf("seed depth = %d, want 0", seeds[0].Depth)
	}
}

func TestSeedLoaderSitemapIndex(t *testing.T) {
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%[1]s/sitemap-categories.xml</loc></sitemap>
  <sitemap><loc>%[1]s/sitemap-missing.xml</loc></sitemap>
</sitemapindex>`, srvURL)
	})
	mux.HandleFunc("/sitemap-categories.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/category/moda</loc></url>
</urlset>`, srvURL)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	loader := NewSeedLoader(newSeedFetcher(t), regexp.MustCompile(`/category/([a-z-]+)$`), nil)
	seeds, err := loader.Load(context.Background(), srv.URL+"/sitemap.xml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(seeds) != 1 || seeds[0].ID != "moda" {
		t.Fatalf("seeds = %+v, want the one category from the nested sitemap", seeds)
	}
}

func TestSeedLoaderUnparseableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not xml at all")
	}))
	defer srv.Close()

	loader := NewSeedLoader(newSeedFetcher(t), regexp.MustCompile(`/category/(.+)`), nil)
	if _, err := loader.Load(context.Background(), srv.URL+"/sitemap.xml"); err == nil {
		t.Fatal("expected error for unparseable sitemap")
	}
}
