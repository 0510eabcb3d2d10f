package external

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"civicnotify/internal/config"
)

// NewEmailProvider builds the provider selected by cfg.Email.Provider. Local
// environments always get the stub so the daemon boots without credentials.
// awsCfg is only used for SES.
func NewEmailProvider(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (EmailProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	name := cfg.Email.Provider
	if cfg.Environment == "local" {
		name = ProviderStub
	}
	logger.Info("initializing email provider", "provider", name, "environment", cfg.Environment)

	switch name {
	case ProviderSES:
		return NewSESClient(awsCfg, SESClientConfig{
			ConfigSetName: cfg.Email.SESConfigSet,
			Logger:        logger.With("client", "ses"),
		}), nil

	case ProviderSendGrid:
		return NewSendGridClient(&http.Client{Timeout: 10 * time.Second}, SendGridClientConfig{
			APIKey: cfg.Email.SendGridAPIKey.Unmask(),
			Logger: logger.With("client", "sendgrid"),
		}), nil

	case ProviderSMTP:
		return NewSMTPClient(SMTPClientConfig{
			Host:     cfg.Email.SMTPHost,
			Port:     cfg.Email.SMTPPort,
			Username: cfg.Email.SMTPUsername,
			Password: cfg.Email.SMTPPassword.Unmask(),
			Logger:   logger.With("client", "smtp"),
		}), nil

	case ProviderStub:
		return NewStubEmailProvider(logger.With("mode", "stub")), nil
	}
	return nil, fmt.Errorf("external: unknown email provider %q", name)
}
