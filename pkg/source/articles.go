package source

import (
	"context"
	"log"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"

	"github.com/hardrivetech/secdash/pkg/domain"
	"github.com/hardrivetech/secdash/pkg/fetch"
)

const (
	maxArticlesPerSource = 10
	maxArticlesTotal     = 20
)

// ArticleAdapter fetches security news feeds. Each source goes through a
// feed-to-JSON conversion endpoint first and falls back to parsing the raw
// feed directly when the conversion service is unavailable.
type ArticleAdapter struct {
	resolver    *fetch.Resolver
	convertBase string // conversion endpoint, feed URL appended as rss_url
}

// NewArticleAdapter creates the adapter. convertBase defaults to the public
// rss2json API.
func NewArticleAdapter(resolver *fetch.Resolver, convertBase string) *ArticleAdapter {
	if convertBase == "" {
		convertBase = "https://api.rss2json.com/v1/api.json?rss_url="
	}
	return &ArticleAdapter{resolver: resolver, convertBase: convertBase}
}

// convertedFeed is the conversion endpoint's response shape
type convertedFeed struct {
	Status string `json:"status"`
	Feed   struct {
		Title string `json:"title"`
	} `json:"feed"`
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		PubDate string `json:"pubDate"`
	} `json:"items"`
}

// FetchBatch fetches all sources concurrently, merges their items sorted
// newest first and truncates to 20. A failing source is dropped with a log
// line, it never fails the batch.
func (a *ArticleAdapter) FetchBatch(ctx context.Context, sources []domain.SourceSpec) []domain.Item {
	perSource := make([][]domain.Item, len(sources))

	g, ctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			items, err := a.fetchOne(ctx, src)
			if err != nil {
				log.Printf("[WARN] feed %s dropped: %v", src.Name, err)
				return nil
			}
			perSource[i] = items
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	merged := make([]domain.Item, 0, maxArticlesTotal)
	for _, items := range perSource {
		merged = append(merged, items...)
	}

	// newest first, items without a parseable timestamp sort as oldest
	sort.SliceStable(merged, func(i, j int) bool {
		ti, tj := merged[i].Published, merged[j].Published
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})

	if len(merged) > maxArticlesTotal {
		merged = merged[:maxArticlesTotal]
	}
	return merged
}

func (a *ArticleAdapter) fetchOne(ctx context.Context, src domain.SourceSpec) ([]domain.Item, error) {
	items, err := a.fetchConverted(ctx, src)
	if err == nil {
		return items, nil
	}

	log.Printf("[DEBUG] conversion endpoint failed for %s, parsing feed directly: %v", src.Name, err)
	return a.fetchDirect(ctx, src)
}

func (a *ArticleAdapter) fetchConverted(ctx context.Context, src domain.SourceSpec) ([]domain.Item, error) {
	var feed convertedFeed
	endpoint := a.convertBase + url.QueryEscape(src.URL)
	if err := a.resolver.FetchJSON(ctx, fetch.Request{URL: endpoint}, &feed); err != nil {
		return nil, err
	}

	sourceName := feed.Feed.Title
	if sourceName == "" {
		sourceName = src.Name
	}

	items := make([]domain.Item, 0, maxArticlesPerSource)
	for _, it := range feed.Items {
		if len(items) == maxArticlesPerSource {
			break
		}
		items = append(items, domain.Item{
			ID:         it.Link,
			Kind:       domain.KindArticle,
			Title:      it.Title,
			Published:  parseFeedTime(it.PubDate),
			SourceName: sourceName,
			URL:        it.Link,
		})
	}
	return items, nil
}

func (a *ArticleAdapter) fetchDirect(ctx context.Context, src domain.SourceSpec) ([]domain.Item, error) {
	body, err := a.resolver.Fetch(ctx, fetch.Request{URL: src.URL})
	if err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, err
	}

	sourceName := feed.Title
	if sourceName == "" {
		sourceName = src.Name
	}

	items := make([]domain.Item, 0, maxArticlesPerSource)
	for _, it := range feed.Items {
		if len(items) == maxArticlesPerSource {
			break
		}
		var published *time.Time
		if it.PublishedParsed != nil {
			published = it.PublishedParsed
		} else if it.UpdatedParsed != nil {
			published = it.UpdatedParsed
		}
		items = append(items, domain.Item{
			ID:         it.Link,
			Kind:       domain.KindArticle,
			Title:      it.Title,
			Published:  published,
			SourceName: sourceName,
			URL:        it.Link,
		})
	}
	return items, nil
}

// feedTimeLayouts covers the publish-date formats seen across conversion
// endpoints and raw feeds
var feedTimeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
}

func parseFeedTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range feedTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return &ts
		}
	}
	return nil
}
