package external

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicnotify/internal/types"
)

func newTestSendGridClient(serverURL string, retries int) *SendGridClient {
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-sendgrid",
		RetryPolicy{MaxRetries: retries, MinWait: time.Millisecond, MaxWait: 10 * time.Millisecond},
		"civicnotify-test/1.0",
		WithWaitFunc(noWait),
	)
	return NewSendGridClientWithBase(base, SendGridClientConfig{APIKey: "SG.test", BaseURL: serverURL + "/"})
}

func TestSendGridSend_Success(t *testing.T) {
	var payload map[string]any
	var auth, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		w.Header().Set("X-Message-Id", "sg-msg-1")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	input := testSendInput()
	input.BodyText = "Hello"
	msgID, err := newTestSendGridClient(server.URL, 0).Send(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, "sg-msg-1", msgID)
	assert.Equal(t, "Bearer SG.test", auth)
	assert.Equal(t, "/v3/mail/send", path)
	assert.Equal(t, "Town news", payload["subject"])
	assert.NotContains(t, payload, "template_id")

	content := payload["content"].([]any)
	require.Len(t, content, 2)
	assert.Equal(t, "text/plain", content[0].(map[string]any)["type"], "plain text must come first")
	assert.Equal(t, "text/html", content[1].(map[string]any)["type"])
	assert.Equal(t, "<p>Hello</p>", content[1].(map[string]any)["value"])

	from := payload["from"].(map[string]any)
	assert.Equal(t, "news@example.org", from["email"])
	assert.Equal(t, "Springfield News", from["name"])

	args := payload["custom_args"].(map[string]any)
	assert.Equal(t, input.ReferenceID, args["tracking_id"])
}

func TestSendGridSend_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   types.ErrorCode
	}{
		{"forbidden", http.StatusForbidden, `{"errors":[{"message":"suppressed"}]}`, types.ErrCodeEmailBlocked},
		{"bad request", http.StatusBadRequest, `{"errors":[{"message":"bad from","field":"from"}]}`, types.ErrCodeUpstreamEmailProvider},
		{"non json body", http.StatusUnauthorized, `nope`, types.ErrCodeUpstreamEmailProvider},
		{"rate limited", http.StatusTooManyRequests, ``, types.ErrCodeUpstreamRateLimited},
		{"server error", http.StatusBadGateway, ``, types.ErrCodeUpstreamUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestSendGridClient(server.URL, 0).Send(context.Background(), testSendInput())
			require.Error(t, err)
			assert.Equal(t, tt.want, types.CodeOf(err))
		})
	}
}

func TestSendGridSend_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "Town news", "body must be replayed on retry")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	_, err := newTestSendGridClient(server.URL, 2).Send(context.Background(), testSendInput())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}
