package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailConfig configures the SMTP fallback.
type EmailConfig struct {
	Addr     string
	From     string
	To       []string
	Username string
	Password string
}

// EmailChannel sends plain-text mail through an SMTP relay.
type EmailChannel struct {
	cfg      EmailConfig
	sendMail sendMailFunc
}

func NewEmailChannel(cfg EmailConfig) (*EmailChannel, error) {
	if cfg.Addr == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, errors.New("email notify: addr, from and to are required")
	}
	return &EmailChannel{cfg: cfg, sendMail: smtp.SendMail}, nil
}

func (e *EmailChannel) Name() string { return "smtp" }

func (e *EmailChannel) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if e.cfg.Username != "" {
		host, _, err := net.SplitHostPort(e.cfg.Addr)
		if err != nil {
			return fmt.Errorf("smtp addr %q: %w", e.cfg.Addr, err)
		}
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, host)
	}
	if err := e.sendMail(e.cfg.Addr, auth, e.cfg.From, e.cfg.To, e.render(msg)); err != nil {
		return fmt.Errorf("send mail via %s: %w", e.cfg.Addr, err)
	}
	return nil
}

func (e *EmailChannel) render(msg Message) []byte {
	var b bytes.Buffer
	sent := msg.SentAt
	if sent.IsZero() {
		sent = time.Now()
	}
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", strings.ReplaceAll(msg.Subject, "\n", " "))
	fmt.Fprintf(&b, "Date: %s\r\n", sent.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return b.Bytes()
}
