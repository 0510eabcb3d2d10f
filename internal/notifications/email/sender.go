package email

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"civicnotify/internal/external"
	"civicnotify/internal/types"
)

// DefaultSendTimeout bounds one provider call.
const DefaultSendTimeout = 30 * time.Second

// LogStore is the email log as used by Sender.
type LogStore interface {
	// CreatePending inserts a pending row and returns its id.
	CreatePending(ctx context.Context, l *types.EmailLog) (int64, error)
	// MarkSent moves a pending row to sent.
	MarkSent(ctx context.Context, id int64) error
	// MarkFailed moves a pending row to failed with a short reason.
	MarkFailed(ctx context.Context, id int64, reason string) error
}

// Message is one rendered email for one subscriber.
type Message struct {
	To           string
	Subject      string
	HTML         string
	SubscriberID int64

	// NotificationID is nil for welcome and test emails.
	NotificationID *int64
	EmailType      types.EmailType
}

// Result identifies the log row of an attempt. It is returned for failed
// sends too, once the pending row exists.
type Result struct {
	LogID             int64
	TrackingID        string
	ProviderMessageID string
}

// Sender delivers Messages through an EmailProvider and records each attempt
// in the email log.
type Sender struct {
	provider external.EmailProvider
	logs     LogStore
	tracker  *Tracker
	from     types.SenderIdentity
	timeout  time.Duration
	logger   types.Logger
}

// SenderConfig holds the dependencies needed to create a Sender.
type SenderConfig struct {
	Provider external.EmailProvider
	Logs     LogStore
	// Tracker is optional; nil disables open and click tracking.
	Tracker *Tracker
	From    types.SenderIdentity
	Timeout time.Duration
	Logger  types.Logger
}

// NewSender creates a Sender with the given dependencies.
func NewSender(cfg SenderConfig) *Sender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = types.NewSlogLogger(nil)
	}
	return &Sender{
		provider: cfg.Provider,
		logs:     cfg.Logs,
		tracker:  cfg.Tracker,
		from:     cfg.From,
		timeout:  timeout,
		logger:   logger,
	}
}

// Send delivers msg once. The pending log row is written before the provider
// is called; if that write fails nothing is sent. The row is finalized as
// sent or failed even when ctx is cancelled mid-send.
func (s *Sender) Send(ctx context.Context, msg Message) (*Result, error) {
	log := s.logger.With("dest", RedactEmail(msg.To), "subscriber_id", msg.SubscriberID)

	res := &Result{TrackingID: uuid.NewString()}
	logID, err := s.logs.CreatePending(ctx, &types.EmailLog{
		SubscriberID:   msg.SubscriberID,
		NotificationID: msg.NotificationID,
		EmailType:      msg.EmailType,
		Status:         types.EmailPending,
		TrackingID:     res.TrackingID,
	})
	if err != nil {
		return nil, fmt.Errorf("email: record pending log: %w", err)
	}
	res.LogID = logID

	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	msgID, sendErr := s.provider.Send(sendCtx, types.SendInput{
		To:          msg.To,
		From:        s.from,
		Subject:     msg.Subject,
		BodyHTML:    s.tracker.Instrument(msg.HTML, res.TrackingID),
		ReferenceID: res.TrackingID,
	})
	cancel()

	finalizeCtx := context.WithoutCancel(ctx)
	if sendErr != nil {
		if IsBlocklistError(sendErr) {
			log.Warn("recipient blocked by provider", "log_id", logID)
		} else {
			log.Error("email send failed", "log_id", logID, "error", sendErr.Error())
		}
		if err := s.logs.MarkFailed(finalizeCtx, logID, FailureReason(sendErr)); err != nil {
			log.Error("failed to finalize email log", "log_id", logID, "error", err.Error())
		}
		return res, sendErr
	}

	res.ProviderMessageID = msgID
	if err := s.logs.MarkSent(finalizeCtx, logID); err != nil {
		log.Error("email sent but log not finalized", "log_id", logID, "error", err.Error())
	}
	return res, nil
}
