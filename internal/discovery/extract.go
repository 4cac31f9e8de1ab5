package discovery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// StateRule locates a JSON state blob embedded in a listing page and names
// the keys that hold item objects inside it.
type StateRule struct {
	// Marker is a substring identifying the script carrying the state,
	// e.g. "__NEXT_DATA__" or "window.__INITIAL_STATE__".
	Marker string
	// ListKeys are the key names whose array values hold item objects,
	// searched recursively.
	ListKeys []string
	// IDKey is the field holding the item id inside each object.
	IDKey string
}

// PageExtractor pulls item and subcategory references out of a listing page.
// It tries three layers in order and returns as soon as one yields items:
// embedded JSON state, regex over the raw body, then anchor elements in the
// parsed DOM. Marketplaces reshuffle their markup often; the layering means
// a redesign degrades extraction instead of breaking it.
type PageExtractor struct {
	// State describes embedded JSON blobs to try first.
	State []StateRule
	// ItemPatterns match item references in hrefs or raw markup; capture
	// group 1 is the item id.
	ItemPatterns []*regexp.Regexp
	// CategoryPatterns match subcategory links; capture group 1 is the
	// category id.
	CategoryPatterns []*regexp.Regexp
	// ItemURL renders an item's canonical URL from its id.
	ItemURL func(id string) string
}

// Extract parses one listing page. Subcategories always come from the DOM
// pass since state blobs rarely carry the tree.
func (e *PageExtractor) Extract(pageURL *url.URL, body []byte, parent Category) ([]Item, []Category, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse page: %w", err)
	}

	items := e.fromState(doc, parent)
	if len(items) == 0 {
		items = e.fromPatterns(body, parent)
	}
	if len(items) == 0 {
		items = e.fromAnchors(doc, pageURL, parent)
	}

	return items, e.subcategories(doc, pageURL, parent), nil
}

func (e *PageExtractor) fromState(doc *goquery.Document, parent Category) []Item {
	var items []Item
	seen := make(map[string]bool)

	for _, rule := range e.State {
		doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			text := s.Text()
			if !strings.Contains(text, rule.Marker) {
				return true
			}

			blob := jsonPayload(text)
			if blob == "" {
				return true
			}

			var root any
			if err := json.Unmarshal([]byte(blob), &root); err != nil {
				return true
			}

			for _, obj := range collectListObjects(root, rule.ListKeys) {
				id := stringField(obj, rule.IDKey)
				if id == "" || seen[id] {
					continue
				}
				seen[id] = true
				items = append(items, Item{ID: id, URL: e.renderURL(id), Category: parent})
			}
			return len(items) == 0
		})
		if len(items) > 0 {
			break
		}
	}
	return items
}

func (e *PageExtractor) fromPatterns(body []byte, parent Category) []Item {
	var items []Item
	seen := make(map[string]bool)

	for _, pat := range e.ItemPatterns {
		for _, m := range pat.FindAllSubmatch(body, -1) {
			if len(m) < 2 {
				continue
			}
			id := string(m[1])
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			items = append(items, Item{ID: id, URL: e.renderURL(id), Category: parent})
		}
	}
	return items
}

func (e *PageExtractor) fromAnchors(doc *goquery.Document, pageURL *url.URL, parent Category) []Item {
	var items []Item
	seen := make(map[string]bool)

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		for _, pat := range e.ItemPatterns {
			m := pat.FindStringSubmatch(href)
			if len(m) < 2 || m[1] == "" || seen[m[1]] {
				continue
			}
			seen[m[1]] = true
			items = append(items, Item{
				ID:       m[1],
				URL:      resolveHref(pageURL, href),
				Category: parent,
			})
			break
		}
	})
	return items
}

func (e *PageExtractor) subcategories(doc *goquery.Document, pageURL *url.URL, parent Category) []Category {
	var cats []Category
	seen := make(map[string]bool)

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		for _, pat := range e.CategoryPatterns {
			m := pat.FindStringSubmatch(href)
			if len(m) < 2 || m[1] == "" || seen[m[1]] || m[1] == parent.ID {
				continue
			}
			seen[m[1]] = true
			cats = append(cats, Category{
				ID:    m[1],
				Name:  strings.TrimSpace(s.Text()),
				URL:   resolveHref(pageURL, href),
				Depth: parent.Depth + 1,
			})
			break
		}
	})
	return cats
}

func (e *PageExtractor) renderURL(id string) string {
	if e.ItemURL == nil {
		return ""
	}
	return e.ItemURL(id)
}

// jsonPayload strips an assignment prefix ("window.__STATE__ = {...};") down
// to the outermost JSON object.
func jsonPayload(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

// collectListObjects walks arbitrary decoded JSON and gathers the object
// elements of every array stored under one of the wanted keys.
func collectListObjects(node any, listKeys []string) []map[string]any {
	var out []map[string]any

	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			if isListKey(key, listKeys) {
				if arr, ok := child.([]any); ok {
					for _, el := range arr {
						if obj, ok := el.(map[string]any); ok {
							out = append(out, obj)
						}
					}
					continue
				}
			}
			out = append(out, collectListObjects(child, listKeys)...)
		}
	case []any:
		for _, el := range v {
			out = append(out, collectListObjects(el, listKeys)...)
		}
	}
	return out
}

func isListKey(key string, listKeys []string) bool {
	for _, k := range listKeys {
		if key == k {
			return true
		}
	}
	return false
}

// stringField reads a field as a string, tolerating numeric ids.
func stringField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

func resolveHref(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
