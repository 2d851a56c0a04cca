// Package notify delivers reconciliation reports to operators.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrAllChannelsFailed is returned by Chain.Send when no channel delivered.
var ErrAllChannelsFailed = errors.New("all notification channels failed")

// Message is one operator notification.
type Message struct {
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	SentAt  time.Time `json:"sent_at"`
}

// Channel delivers messages over one transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Recorder observes every delivery attempt.
type Recorder interface {
	Notification(channel, outcome string)
}

// Chain tries its channels in order and stops at the first success.
type Chain struct {
	channels []Channel
	logger   *slog.Logger
	recorder Recorder
}

// NewChain returns a chain over channels. recorder may be nil.
func NewChain(logger *slog.Logger, recorder Recorder, channels ...Channel) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{channels: channels, logger: logger, recorder: recorder}
}

// Channels returns the configured channel names in fallback order.
func (c *Chain) Channels() []string {
	names := make([]string, len(c.channels))
	for i, ch := range c.channels {
		names[i] = ch.Name()
	}
	return names
}

// Send delivers msg and returns the name of the channel that accepted it.
func (c *Chain) Send(ctx context.Context, msg Message) (string, error) {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	var errs []error
	for _, ch := range c.channels {
		err := ch.Send(ctx, msg)
		if err == nil {
			c.record(ch.Name(), "success")
			c.logger.Info("notification sent", "channel", ch.Name(), "subject", msg.Subject)
			return ch.Name(), nil
		}
		c.record(ch.Name(), "failure")
		c.logger.Warn("notification channel failed", "channel", ch.Name(), "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	c.logger.Error("notification not delivered", "subject", msg.Subject, "body", msg.Body)
	return "", fmt.Errorf("%w: %w", ErrAllChannelsFailed, errors.Join(errs...))
}

func (c *Chain) record(channel, outcome string) {
	if c.recorder != nil {
		c.recorder.Notification(channel, outcome)
	}
}
