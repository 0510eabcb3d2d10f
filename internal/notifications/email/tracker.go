package email

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"civicnotify/internal/types"
)

// Tracking link kinds. The kind is part of the signed content so an open
// signature cannot be replayed as a click.
const (
	KindOpen  = "open"
	KindClick = "click"
)

// ErrInvalidTrackingLink is returned by Decode for tampered or malformed links.
var ErrInvalidTrackingLink = errors.New("invalid tracking link")

var linkRe = regexp.MustCompile(`href=["'](https?://[^"']+)["']`)

// Tracker instruments outgoing HTML with an open pixel and click redirects.
// Every URL carries the email log's tracking id and an HMAC-SHA256 signature.
// A nil Tracker leaves HTML untouched.
type Tracker struct {
	baseURL string
	secret  []byte
}

// NewTracker creates a Tracker rooted at baseURL, e.g.
// "https://example.org/notify" yields ".../track/open/...".
func NewTracker(baseURL string, secret types.SecretString) *Tracker {
	return &Tracker{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		secret:  []byte(secret.Unmask()),
	}
}

func (t *Tracker) sign(kind, data string) string {
	h := hmac.New(sha256.New, t.secret)
	h.Write([]byte(kind + ":" + data))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// OpenURL returns the pixel URL for trackingID.
func (t *Tracker) OpenURL(trackingID string) string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(trackingID))
	return fmt.Sprintf("%s/track/open/%s/%s", t.baseURL, encoded, t.sign(KindOpen, trackingID))
}

// ClickURL returns the redirect URL for target.
func (t *Tracker) ClickURL(trackingID, target string) string {
	data := trackingID + "|" + target
	encoded := base64.RawURLEncoding.EncodeToString([]byte(data))
	return fmt.Sprintf("%s/track/click/%s/%s", t.baseURL, encoded, t.sign(KindClick, data))
}

// Decode verifies a link produced by OpenURL or ClickURL and returns the
// tracking id and, for clicks, the original target.
func (t *Tracker) Decode(kind, encoded, sig string) (trackingID, target string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", ErrInvalidTrackingLink
	}
	data := string(raw)
	if !hmac.Equal([]byte(t.sign(kind, data)), []byte(sig)) {
		return "", "", ErrInvalidTrackingLink
	}

	switch kind {
	case KindOpen:
		return data, "", nil
	case KindClick:
		id, dest, ok := strings.Cut(data, "|")
		if !ok || id == "" || dest == "" {
			return "", "", ErrInvalidTrackingLink
		}
		return id, dest, nil
	}
	return "", "", ErrInvalidTrackingLink
}

// Instrument rewrites http(s) links to click redirects and appends the open
// pixel before </body>, or at the end when there is no body tag.
func (t *Tracker) Instrument(html, trackingID string) string {
	if t == nil || trackingID == "" {
		return html
	}

	html = linkRe.ReplaceAllStringFunc(html, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		if len(parts) < 2 || strings.HasPrefix(parts[1], t.baseURL+"/track/") {
			return match
		}
		target := strings.ReplaceAll(parts[1], "&amp;", "&")
		return fmt.Sprintf(`href="%s"`, t.ClickURL(trackingID, target))
	})

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none;width:1px;height:1px" />`, t.OpenURL(trackingID))
	if idx := strings.LastIndex(strings.ToLower(html), "</body>"); idx >= 0 {
		return html[:idx] + pixel + html[idx:]
	}
	return html + pixel
}
