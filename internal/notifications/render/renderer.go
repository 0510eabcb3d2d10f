// Package render substitutes placeholder macros in notification subjects and
// bodies using the Liquid template language. Every render receives its
// subscriber, optional notification and content listing explicitly through
// a RenderContext; the package keeps no per-recipient state.
package render

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/osteele/liquid"

	"civicnotify/internal/types"
)

// RenderContext is everything a template may reference.
type RenderContext struct {
	Subscriber *types.Subscriber

	// Notification is nil for ad-hoc sends such as welcome or test emails.
	Notification *types.NotificationJob

	News     []types.ContentItem
	Meetings []types.ContentItem

	ManageURL      string
	UnsubscribeURL string
	SiteName       string

	Now      time.Time
	Location *time.Location
}

// Renderer renders Liquid templates. Parsed templates are cached by source
// text, so repeated renders of one job across its audience parse once.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // source text -> *liquid.Template
}

// NewRenderer creates a Renderer with the site's custom filters registered.
func NewRenderer() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}
	r.registerFilters()
	return r
}

func (r *Renderer) registerFilters() {
	// {{ subscriber.name | default: "neighbour" }}
	r.engine.RegisterFilter("default", func(value any, fallback string) any {
		if value == nil {
			return fallback
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			return fallback
		}
		return value
	})

	// {{ item.excerpt | truncate: 140 }} counts characters, not bytes.
	r.engine.RegisterFilter("truncate", func(s string, length int) string {
		if length <= 0 || utf8.RuneCountInString(s) <= length {
			return s
		}
		runes := []rune(s)
		if length <= 3 {
			return string(runes[:length])
		}
		return string(runes[:length-3]) + "..."
	})

	// {{ subscriber.name | first_name }}
	r.engine.RegisterFilter("first_name", func(s string) string {
		name, _, _ := strings.Cut(strings.TrimSpace(s), " ")
		return name
	})
}

// Parse checks template syntax without rendering.
func (r *Renderer) Parse(text string) error {
	_, err := r.template(text)
	return err
}

// Render substitutes text against rc. A nil notification renders its fields
// as empty.
func (r *Renderer) Render(text string, rc RenderContext) (string, error) {
	if !strings.Contains(text, "{{") && !strings.Contains(text, "{%") {
		return text, nil
	}
	tpl, err := r.template(text)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalRender, "failed to parse template", err)
	}
	out, err := tpl.RenderString(Bindings(rc))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalRender, "failed to render template", err)
	}
	return out, nil
}

func (r *Renderer) template(text string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(text); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(text)
	if err != nil {
		return nil, err
	}
	r.cache.Store(text, tpl)
	return tpl, nil
}

// Bindings flattens rc into the variable map templates see.
func Bindings(rc RenderContext) map[string]any {
	loc := rc.Location
	if loc == nil {
		loc = time.UTC
	}
	now := rc.Now
	if now.IsZero() {
		now = time.Now()
	}

	b := map[string]any{
		"site_name":       rc.SiteName,
		"manage_url":      rc.ManageURL,
		"unsubscribe_url": rc.UnsubscribeURL,
		"today":           now.In(loc).Format("January 2, 2006"),
		"news":            itemBindings(rc.News, loc),
		"meetings":        itemBindings(rc.Meetings, loc),
		"notification":    nil,
		"subscriber":      map[string]any{},
	}

	if s := rc.Subscriber; s != nil {
		b["subscriber"] = map[string]any{
			"id":                 s.ID,
			"name":               s.Name,
			"email":              s.Email,
			"frequency":          string(s.Frequency),
			"news_categories":    s.NewsCategories.Strings(),
			"meeting_categories": s.MeetingCategories.Strings(),
		}
	}
	if n := rc.Notification; n != nil {
		b["notification"] = map[string]any{
			"id":               n.ID,
			"title":            n.Title,
			"subject":          n.Subject,
			"frequency":        string(n.FrequencyTarget),
			"recurring":        n.IsRecurring,
			"recurrence_count": n.RecurrenceCount,
		}
	}
	return b
}

func itemBindings(items []types.ContentItem, loc *time.Location) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		m := map[string]any{
			"title":      it.Title,
			"url":        it.URL,
			"excerpt":    it.Excerpt,
			"type":       string(it.Type),
			"categories": it.Categories.Strings(),
			"published":  "",
		}
		if it.PublishedAt != nil {
			m["published"] = it.PublishedAt.In(loc).Format("Jan 2, 2006")
		}
		out = append(out, m)
	}
	return out
}

// footer is appended by Compose when the body carries no unsubscribe link.
const footer = `
<hr>
<p style="font-size:12px;color:#666">You are receiving this because you subscribed to {{ site_name | default: "our updates" }}.
<a href="{{ manage_url }}">Manage preferences</a> | <a href="{{ unsubscribe_url }}">Unsubscribe</a></p>`

// digestBlock is appended by Compose when the body does not list content
// itself.
const digestBlock = `
{% if news.size > 0 %}<h3>News</h3><ul>{% for item in news %}<li><a href="{{ item.url }}">{{ item.title }}</a>{% if item.excerpt != "" %}<br>{{ item.excerpt | truncate: 200 }}{% endif %}</li>{% endfor %}</ul>{% endif %}
{% if meetings.size > 0 %}<h3>Meetings</h3><ul>{% for item in meetings %}<li><a href="{{ item.url }}">{{ item.title }}</a>{% if item.published != "" %} ({{ item.published }}){% endif %}</li>{% endfor %}</ul>{% endif %}`

// Compose renders the subject and HTML body of a notification email for one
// subscriber. Bodies that do not reference news, meetings or
// unsubscribe_url get the standard listing and footer appended.
func (r *Renderer) Compose(subject, body string, rc RenderContext) (string, string, error) {
	renderedSubject, err := r.Render(subject, rc)
	if err != nil {
		return "", "", fmt.Errorf("subject: %w", err)
	}

	full := body
	if !references(body, "news") && !references(body, "meetings") {
		full += digestBlock
	}
	if !references(body, "unsubscribe_url") {
		full += footer
	}
	html, err := r.Render(full, rc)
	if err != nil {
		return "", "", fmt.Errorf("body: %w", err)
	}
	return strings.TrimSpace(renderedSubject), html, nil
}

// references reports whether a Liquid tag or output in body names variable.
func references(body, variable string) bool {
	re := regexp.MustCompile(`\{[{%][^}]*\b` + regexp.QuoteMeta(variable) + `\b`)
	return re.MatchString(body)
}
