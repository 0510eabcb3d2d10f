package email

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTrackingBase = "https://example.org/notify"

// splitTrackingURL returns the encoded and signature path segments.
func splitTrackingURL(t *testing.T, u, kind string) (string, string) {
	t.Helper()
	prefix := testTrackingBase + "/track/" + kind + "/"
	require.True(t, strings.HasPrefix(u, prefix), u)
	encoded, sig, ok := strings.Cut(strings.TrimPrefix(u, prefix), "/")
	require.True(t, ok)
	return encoded, sig
}

func TestTracker_OpenRoundTrip(t *testing.T) {
	tr := NewTracker(testTrackingBase+"/", "0123456789abcdef")

	encoded, sig := splitTrackingURL(t, tr.OpenURL("trk-1"), KindOpen)
	id, target, err := tr.Decode(KindOpen, encoded, sig)
	require.NoError(t, err)
	assert.Equal(t, "trk-1", id)
	assert.Empty(t, target)
}

func TestTracker_ClickRoundTrip(t *testing.T) {
	tr := NewTracker(testTrackingBase, "0123456789abcdef")

	encoded, sig := splitTrackingURL(t, tr.ClickURL("trk-1", "https://example.org/a?b=1&c=2"), KindClick)
	id, target, err := tr.Decode(KindClick, encoded, sig)
	require.NoError(t, err)
	assert.Equal(t, "trk-1", id)
	assert.Equal(t, "https://example.org/a?b=1&c=2", target)
}

func TestTracker_RejectsTampering(t *testing.T) {
	tr := NewTracker(testTrackingBase, "0123456789abcdef")
	encoded, sig := splitTrackingURL(t, tr.OpenURL("trk-1"), KindOpen)

	_, _, err := tr.Decode(KindClick, encoded, sig)
	assert.ErrorIs(t, err, ErrInvalidTrackingLink, "open signature must not verify as a click")

	_, _, err = tr.Decode(KindOpen, encoded, strings.Repeat("0", len(sig)))
	assert.ErrorIs(t, err, ErrInvalidTrackingLink)

	_, _, err = tr.Decode(KindOpen, "%%%", sig)
	assert.ErrorIs(t, err, ErrInvalidTrackingLink)

	other := NewTracker(testTrackingBase, "another-secret-key")
	_, _, err = other.Decode(KindOpen, encoded, sig)
	assert.ErrorIs(t, err, ErrInvalidTrackingLink)
}

func TestTracker_Instrument(t *testing.T) {
	tr := NewTracker(testTrackingBase, "0123456789abcdef")
	html := `<html><body><a href="https://example.org/road">Road</a> <a href='http://example.org/x?a=1&amp;b=2'>x</a> <a href="mailto:clerk@example.org">mail</a></body></html>`

	out := tr.Instrument(html, "trk-1")

	assert.Equal(t, 2, strings.Count(out, "/track/click/"))
	assert.Contains(t, out, `href="mailto:clerk@example.org"`)
	assert.NotContains(t, out, `href="https://example.org/road"`)

	pixel := strings.Index(out, "/track/open/")
	require.GreaterOrEqual(t, pixel, 0)
	assert.Less(t, pixel, strings.Index(out, "</body>"), "pixel goes inside the body")

	// Already-instrumented links are left alone.
	assert.Equal(t, 2, strings.Count(tr.Instrument(out, "trk-1"), "/track/click/"))
}

func TestTracker_InstrumentDecodesEntities(t *testing.T) {
	tr := NewTracker(testTrackingBase, "0123456789abcdef")
	out := tr.Instrument(`<a href="https://example.org/x?a=1&amp;b=2">x</a>`, "trk-1")

	start := strings.Index(out, testTrackingBase)
	end := strings.Index(out[start:], `"`)
	encoded, sig := splitTrackingURL(t, out[start:start+end], KindClick)

	_, target, err := tr.Decode(KindClick, encoded, sig)
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/x?a=1&b=2", target)
}

func TestTracker_NilIsNoop(t *testing.T) {
	var tr *Tracker
	assert.Equal(t, "<p>x</p>", tr.Instrument("<p>x</p>", "trk-1"))
}
