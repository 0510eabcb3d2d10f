// Package email delivers rendered notification emails through an external
// EmailProvider. Every attempt is recorded in the email log before the
// provider is called and finalized exactly once afterwards.
package email

import (
	"errors"

	"civicnotify/internal/types"
)

// ErrRecipientBlocked indicates the provider has the recipient on a
// suppression list. Sending to the same address again will fail the same way.
var ErrRecipientBlocked = errors.New("recipient blocked by provider")

// IsBlocklistError checks whether err reports a blocked recipient, either as
// the ErrRecipientBlocked sentinel or as an AppError with ErrCodeEmailBlocked.
func IsBlocklistError(err error) bool {
	if errors.Is(err, ErrRecipientBlocked) {
		return true
	}
	return types.CodeOf(err) == types.ErrCodeEmailBlocked
}

// FailureReason condenses a send error into the short text stored on the
// email log row.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}
	if IsBlocklistError(err) {
		return "address_blocked"
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return string(appErr.Code) + ": " + appErr.Message
	}
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
