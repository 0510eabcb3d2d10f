package external

import (
	"context"

	"civicnotify/internal/types"
)

// EmailProvider transmits pre-rendered email content.
type EmailProvider interface {
	// Send delivers one email and returns the provider's message id.
	// A blocked recipient is reported as types.ErrCodeEmailBlocked.
	Send(ctx context.Context, input types.SendInput) (providerMsgID string, err error)
}

// Provider names accepted by NewEmailProvider.
const (
	ProviderSES      = "ses"
	ProviderSendGrid = "sendgrid"
	ProviderSMTP     = "smtp"
	ProviderStub     = "stub"
)
