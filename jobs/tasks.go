package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries time-bound workflow work such as timeout sweeps.
	QueueCritical = "critical"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	// Reference ties the message to the workflow record that caused it.
	Reference string `json:"reference,omitempty"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data, asynq.MaxRetry(5)), nil
}

// EmailDelivery hands a rendered message to the outbound transport.
type EmailDelivery interface {
	Deliver(ctx context.Context, payload SendEmailPayload) error
}

// NewSendEmailHandler builds the TaskTypeSendEmail handler. Without a
// delivery the message is only logged.
func NewSendEmailHandler(delivery EmailDelivery, logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SendEmailPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.To == "" {
			logger.Warn("send email without recipient", slog.String("subject", payload.Subject))
			return asynq.SkipRetry
		}
		logger.Info("send email",
			slog.String("to", payload.To),
			slog.String("subject", payload.Subject),
			slog.String("reference", payload.Reference),
		)
		if delivery == nil {
			return nil
		}
		return delivery.Deliver(ctx, payload)
	}
}
