// Package content imports site content from RSS and Atom feeds into the
// content store. Imported items are never flagged for inclusion in emails;
// flagging stays an editorial action.
package content

import (
	"context"
	"html"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"

	"civicnotify/internal/types"
)

const (
	maxExcerptRunes   = 500
	maxParallelFeeds  = 4
	meetingFeedPrefix = "meeting="
)

// Store is the content store as used by the importer.
type Store interface {
	Upsert(ctx context.Context, c *types.ContentItem) (bool, error)
}

// Source is one configured feed.
type Source struct {
	URL  string
	Type types.ContentType
}

// ParseSources reads FEED_URLS entries. An entry prefixed with "meeting="
// imports meetings; everything else imports news.
func ParseSources(entries []string) []Source {
	var out []Source
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(e, meetingFeedPrefix); ok {
			out = append(out, Source{URL: rest, Type: types.ContentMeeting})
			continue
		}
		out = append(out, Source{URL: e, Type: types.ContentNews})
	}
	return out
}

// ImportReport summarizes one Import run.
type ImportReport struct {
	Feeds    int
	Items    int
	Inserted int
	Failed   int
}

// Importer polls feeds and upserts their items.
type Importer struct {
	store   Store
	sources []Source
	parser  *gofeed.Parser
	logger  *slog.Logger
}

// NewImporter creates an Importer. httpClient may be nil.
func NewImporter(store Store, sources []Source, httpClient *http.Client, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	parser := gofeed.NewParser()
	parser.Client = httpClient
	parser.UserAgent = "civicnotify/1.0"
	return &Importer{store: store, sources: sources, parser: parser, logger: logger}
}

// Import fetches every source. A failing feed or item is logged and counted
// and does not stop the others.
func (im *Importer) Import(ctx context.Context) ImportReport {
	var (
		mu     sync.Mutex
		report ImportReport
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFeeds)
	for _, src := range im.sources {
		g.Go(func() error {
			r := im.importFeed(gctx, src)
			mu.Lock()
			report.Feeds++
			report.Items += r.Items
			report.Inserted += r.Inserted
			report.Failed += r.Failed
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	im.logger.InfoContext(ctx, "feed import finished",
		"feeds", report.Feeds,
		"items", report.Items,
		"inserted", report.Inserted,
		"failed", report.Failed,
	)
	return report
}

func (im *Importer) importFeed(ctx context.Context, src Source) ImportReport {
	var r ImportReport
	feed, err := im.parser.ParseURLWithContext(src.URL, ctx)
	if err != nil {
		im.logger.WarnContext(ctx, "feed fetch failed", "url", src.URL, "error", err)
		r.Failed++
		return r
	}

	for _, it := range feed.Items {
		item, ok := toContentItem(src, it)
		if !ok {
			continue
		}
		r.Items++
		inserted, err := im.store.Upsert(ctx, item)
		if err != nil {
			im.logger.ErrorContext(ctx, "content upsert failed", "url", src.URL, "external_id", item.ExternalID, "error", err)
			r.Failed++
			continue
		}
		if inserted {
			r.Inserted++
		}
	}
	return r
}

// toContentItem maps a feed entry. Entries without a link or title are
// skipped; the GUID falls back to the link.
func toContentItem(src Source, it *gofeed.Item) (*types.ContentItem, bool) {
	if it == nil || strings.TrimSpace(it.Title) == "" || it.Link == "" {
		return nil, false
	}
	id := it.GUID
	if id == "" {
		id = it.Link
	}

	item := &types.ContentItem{
		Source:     src.URL,
		ExternalID: id,
		Type:       src.Type,
		Title:      strings.TrimSpace(html.UnescapeString(it.Title)),
		URL:        it.Link,
		Excerpt:    excerpt(it.Description),
		Categories: types.NewCategorySet(it.Categories...),
	}
	switch {
	case it.PublishedParsed != nil:
		t := it.PublishedParsed.UTC()
		item.PublishedAt = &t
	case it.UpdatedParsed != nil:
		t := it.UpdatedParsed.UTC()
		item.PublishedAt = &t
	}
	return item, true
}

var (
	tagRe   = regexp.MustCompile(`<[^>]*>`)
	spaceRe = regexp.MustCompile(`\s+`)
)

func excerpt(description string) string {
	s := tagRe.ReplaceAllString(description, " ")
	s = strings.TrimSpace(spaceRe.ReplaceAllString(html.UnescapeString(s), " "))
	if utf8.RuneCountInString(s) <= maxExcerptRunes {
		return s
	}
	return string([]rune(s)[:maxExcerptRunes-3]) + "..."
}
