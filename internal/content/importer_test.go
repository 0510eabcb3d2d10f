package content

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicnotify/internal/types"
)

const newsRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Springfield News</title>
  <link>https://example.org</link>
  <item>
    <title>Road closure on Main &amp; 5th</title>
    <link>https://example.org/road</link>
    <guid>post-101</guid>
    <category>3</category>
    <category>12</category>
    <description><![CDATA[<p>Main Street closes <b>Monday</b>.</p>]]></description>
    <pubDate>Mon, 02 Feb 2026 15:04:05 +0100</pubDate>
  </item>
  <item>
    <title>Library hours</title>
    <link>https://example.org/library</link>
    <category>4</category>
  </item>
  <item>
    <title></title>
    <link>https://example.org/untitled</link>
  </item>
</channel>
</rss>`

type fakeStore struct {
	mu       sync.Mutex
	items    []types.ContentItem
	existing map[string]bool
	failOn   string
}

func (f *fakeStore) Upsert(_ context.Context, c *types.ContentItem) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ExternalID == f.failOn {
		return false, errors.New("db down")
	}
	f.items = append(f.items, *c)
	return !f.existing[c.ExternalID], nil
}

func feedServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestParseSources(t *testing.T) {
	got := ParseSources([]string{" https://example.org/feed ", "", "meeting=https://example.org/meetings/feed"})
	assert.Equal(t, []Source{
		{URL: "https://example.org/feed", Type: types.ContentNews},
		{URL: "https://example.org/meetings/feed", Type: types.ContentMeeting},
	}, got)
}

func TestImporter_ImportsItems(t *testing.T) {
	server := feedServer(t, newsRSS, http.StatusOK)
	store := &fakeStore{existing: map[string]bool{"https://example.org/library": true}}

	im := NewImporter(store, []Source{{URL: server.URL, Type: types.ContentNews}}, server.Client(), nil)
	report := im.Import(context.Background())

	assert.Equal(t, ImportReport{Feeds: 1, Items: 2, Inserted: 1}, report)
	require.Len(t, store.items, 2)

	var road types.ContentItem
	for _, it := range store.items {
		if it.ExternalID == "post-101" {
			road = it
		}
	}
	assert.Equal(t, server.URL, road.Source)
	assert.Equal(t, types.ContentNews, road.Type)
	assert.Equal(t, "Road closure on Main & 5th", road.Title)
	assert.Equal(t, "Main Street closes Monday .", road.Excerpt)
	assert.Equal(t, types.CategorySet{"3", "12"}, road.Categories)
	require.NotNil(t, road.PublishedAt)
	assert.Equal(t, time.Date(2026, 2, 2, 14, 4, 5, 0, time.UTC), *road.PublishedAt)

	for _, it := range store.items {
		assert.False(t, it.IncludeInFeed, "imported items are never flagged")
		assert.Nil(t, it.FlaggedAt)
	}
}

func TestImporter_FailuresAreIsolated(t *testing.T) {
	good := feedServer(t, newsRSS, http.StatusOK)
	bad := feedServer(t, "gateway down", http.StatusBadGateway)
	store := &fakeStore{failOn: "post-101"}

	im := NewImporter(store, []Source{
		{URL: bad.URL, Type: types.ContentNews},
		{URL: good.URL, Type: types.ContentMeeting},
	}, nil, nil)
	report := im.Import(context.Background())

	assert.Equal(t, 2, report.Feeds)
	assert.Equal(t, 2, report.Items)
	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, 2, report.Failed, "one feed fetch and one upsert failed")
	require.Len(t, store.items, 1)
	assert.Equal(t, types.ContentMeeting, store.items[0].Type)
}

func TestExcerpt_Truncates(t *testing.T) {
	long := "<p>" + strings.Repeat("é", 600) + "</p>"
	got := excerpt(long)
	assert.Equal(t, maxExcerptRunes, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "..."))
}
