package external

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"civicnotify/internal/types"
)

// SMTPClientConfig configures SMTPClient.
type SMTPClientConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Logger   *slog.Logger
}

// SMTPClient implements EmailProvider over a plain SMTP relay. Auth is only
// attempted when a username and password are configured; net/smtp upgrades
// to STARTTLS when the server offers it.
type SMTPClient struct {
	addr   string
	host   string
	auth   smtp.Auth
	logger *slog.Logger

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now      func() time.Time
}

// NewSMTPClient creates an SMTPClient.
func NewSMTPClient(cfg SMTPClientConfig) *SMTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}

	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	return &SMTPClient{
		addr:     fmt.Sprintf("%s:%d", cfg.Host, port),
		host:     cfg.Host,
		auth:     auth,
		logger:   logger,
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
}

// Send writes one MIME message to the relay and returns its Message-ID.
// net/smtp has no context support, so ctx is only checked before dialing.
func (c *SMTPClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamUnavailable, "smtp send cancelled", err)
	}
	if input.To == "" || input.From.Address == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "smtp send requires sender and recipient", nil)
	}

	domain := c.host
	if _, d, ok := strings.Cut(input.From.Address, "@"); ok {
		domain = d
	}
	msgID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)

	raw := buildMIMEMessage(input, msgID, c.now())
	if err := c.sendMail(c.addr, c.auth, input.From.Address, []string{input.To}, raw); err != nil {
		mapped := mapSMTPError(err)
		c.logger.WarnContext(ctx, "SMTP send failed", "code", mapped.Code, "error", err)
		return "", mapped
	}
	return msgID, nil
}

// formatAddress renders an identity as an RFC 5322 address, encoding
// non-ASCII display names.
func formatAddress(id types.SenderIdentity) string {
	if id.Name == "" {
		return id.Address
	}
	return (&mail.Address{Name: id.Name, Address: id.Address}).String()
}

func buildMIMEMessage(input types.SendInput, msgID string, now time.Time) []byte {
	var sb strings.Builder
	header := func(k, v string) { fmt.Fprintf(&sb, "%s: %s\r\n", k, v) }

	header("From", formatAddress(input.From))
	header("To", input.To)
	header("Subject", mime.QEncoding.Encode("utf-8", input.Subject))
	header("Date", now.Format(time.RFC1123Z))
	header("Message-ID", msgID)
	header("MIME-Version", "1.0")
	if input.ReferenceID != "" {
		header("X-Tracking-ID", input.ReferenceID)
	}

	switch {
	case input.BodyHTML != "" && input.BodyText != "":
		boundary := multipartBoundary()
		header("Content-Type", "multipart/alternative; boundary="+boundary)
		sb.WriteString("\r\n")
		fmt.Fprintf(&sb, "--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n", boundary, input.BodyText)
		fmt.Fprintf(&sb, "--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n", boundary, input.BodyHTML)
		fmt.Fprintf(&sb, "--%s--\r\n", boundary)
	case input.BodyHTML != "":
		header("Content-Type", "text/html; charset=UTF-8")
		sb.WriteString("\r\n" + input.BodyHTML)
	default:
		header("Content-Type", "text/plain; charset=UTF-8")
		sb.WriteString("\r\n" + input.BodyText)
	}
	return []byte(sb.String())
}

func multipartBoundary() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "civicnotify-boundary"
	}
	return "civicnotify-" + hex.EncodeToString(b[:])
}

// mapSMTPError maps permanent 55x rejections to EmailBlocked and 4xx
// deferrals to RateLimited.
func mapSMTPError(err error) *types.AppError {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch {
		case tpErr.Code == 550 || tpErr.Code == 551 || tpErr.Code == 553 || tpErr.Code == 554:
			return types.NewAppError(types.ErrCodeEmailBlocked, "SMTP relay rejected recipient: "+tpErr.Msg, err)
		case tpErr.Code >= 400 && tpErr.Code < 500:
			return types.NewAppError(types.ErrCodeUpstreamRateLimited, "SMTP relay deferred message: "+tpErr.Msg, err)
		}
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, "SMTP send failed", err)
}

var _ EmailProvider = (*SMTPClient)(nil)
