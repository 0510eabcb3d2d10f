package external

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"civicnotify/internal/types"
)

// SESAPI is the part of *sesv2.Client the notifier calls.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESClientConfig configures SESClient.
type SESClientConfig struct {
	// ConfigSetName selects the SES configuration set that publishes
	// delivery events. Empty sends without one.
	ConfigSetName string
	Logger        *slog.Logger
}

// SESClient delivers through Amazon SES v2. The SDK handles signing and
// retries, so it bypasses BaseClient.
type SESClient struct {
	api       SESAPI
	configSet *string
	logger    *slog.Logger
}

// NewSESClient builds an SESClient from the shared AWS config.
func NewSESClient(awsCfg aws.Config, cfg SESClientConfig) *SESClient {
	return NewSESClientWithAPI(sesv2.NewFromConfig(awsCfg), cfg)
}

// NewSESClientWithAPI builds an SESClient around an existing API value.
func NewSESClientWithAPI(api SESAPI, cfg SESClientConfig) *SESClient {
	c := &SESClient{api: api, logger: cfg.Logger}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if cfg.ConfigSetName != "" {
		c.configSet = aws.String(cfg.ConfigSetName)
	}
	return c
}

func utf8Content(s string) *sestypes.Content {
	if s == "" {
		return nil
	}
	return &sestypes.Content{Data: aws.String(s), Charset: aws.String("UTF-8")}
}

// Send delivers input as an SES simple message. The reference id travels as
// the tracking_id message tag so delivery events can be joined to the log.
func (c *SESClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	req := &sesv2.SendEmailInput{
		FromEmailAddress:     aws.String(formatAddress(input.From)),
		Destination:          &sestypes.Destination{ToAddresses: []string{input.To}},
		ConfigurationSetName: c.configSet,
		Content: &sestypes.EmailContent{Simple: &sestypes.Message{
			Subject: &sestypes.Content{Data: aws.String(input.Subject), Charset: aws.String("UTF-8")},
			Body: &sestypes.Body{
				Html: utf8Content(input.BodyHTML),
				Text: utf8Content(input.BodyText),
			},
		}},
	}
	if input.ReferenceID != "" {
		req.EmailTags = []sestypes.MessageTag{{Name: aws.String("tracking_id"), Value: aws.String(input.ReferenceID)}}
	}

	out, err := c.api.SendEmail(ctx, req)
	if err != nil {
		appErr := classifySESError(err)
		c.logger.WarnContext(ctx, "ses send failed", "code", appErr.Code, "error", err)
		return "", appErr
	}
	return aws.ToString(out.MessageId), nil
}

// classifySESError maps SES exceptions onto the notifier's error codes. A
// rejected message is treated like a blocked recipient.
func classifySESError(err error) *types.AppError {
	var (
		rejected  *sestypes.MessageRejected
		throttled *sestypes.TooManyRequestsException
		paused    *sestypes.SendingPausedException
	)
	switch {
	case errors.As(err, &rejected):
		return types.NewAppError(types.ErrCodeEmailBlocked, "ses rejected the message", err)
	case errors.As(err, &throttled):
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "ses rate limit exceeded", err)
	case errors.As(err, &paused):
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "ses sending is paused for the account", err)
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, "ses send failed", err)
}

var _ EmailProvider = (*SESClient)(nil)
