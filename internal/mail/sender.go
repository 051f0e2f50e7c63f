package mail

import (
	"context"
	"fmt"
	"io"

	"leadflow/internal/models"

	"gopkg.in/gomail.v2"
)

// EmailChannel is the primary delivery channel: a transactional email with
// the CSV attached. gomail handles the MIME encoding of the attachment.
type EmailChannel struct {
	host     string
	port     int
	user     string
	password string
	from     string
}

// NewEmailChannel creates the SMTP-backed delivery channel
func NewEmailChannel(host string, port int, user, password, from string) *EmailChannel {
	return &EmailChannel{
		host:     host,
		port:     port,
		user:     user,
		password: password,
		from:     from,
	}
}

// Name identifies the channel in order metadata and events
func (e *EmailChannel) Name() string {
	return "email"
}

// Send dials SMTP and sends the deliverable as a single message. One attempt;
// fallback to the secondary channel is the delivery engine's decision.
func (e *EmailChannel) Send(ctx context.Context, d models.Deliverable) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.host == "" {
		return fmt.Errorf("smtp host not configured")
	}
	if d.To == "" {
		return fmt.Errorf("deliverable has no recipient email")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", d.To)
	m.SetHeader("Subject", d.Subject)
	m.SetBody("text/html", d.HTML)
	m.Attach(d.Filename, gomail.SetCopyFunc(func(w io.Writer) error {
		_, err := w.Write(d.CSV)
		return err
	}))

	dialer := gomail.NewDialer(e.host, e.port, e.user, e.password)
	if err := dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}
