package email

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"civicnotify/internal/types"
)

func TestIsBlocklistError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"sentinel", ErrRecipientBlocked, true},
		{"wrapped sentinel", fmt.Errorf("send failed: %w", ErrRecipientBlocked), true},
		{"app error", types.NewAppError(types.ErrCodeEmailBlocked, "suppressed", nil), true},
		{"wrapped app error", fmt.Errorf("delivery: %w", types.NewAppError(types.ErrCodeEmailBlocked, "blocked", nil)), true},
		{"rate limited", types.NewAppError(types.ErrCodeUpstreamRateLimited, "slow down", nil), false},
		{"generic", errors.New("network timeout"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBlocklistError(tt.err))
		})
	}
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "", FailureReason(nil))
	assert.Equal(t, "address_blocked", FailureReason(ErrRecipientBlocked))
	assert.Equal(t,
		"upstream_rate_limited: slow down",
		FailureReason(fmt.Errorf("send: %w", types.NewAppError(types.ErrCodeUpstreamRateLimited, "slow down", nil))),
	)
	assert.Len(t, FailureReason(errors.New(strings.Repeat("x", 900))), 500)
}
