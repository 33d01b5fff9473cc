// SMTP email delivery using go-mail. Dial-per-send for sporadic notification
// traffic. Addressing problems are permanent; everything else on the SMTP
// path is assumed transient.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/torotorokou/sanbou-app-sub002/internal/store"
)

// SMTPConfig holds SMTP connection parameters sourced from global env vars.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	TLS      bool
}

// EmailSender delivers outbox items as plain-text email to the address in
// recipient_key.
type EmailSender struct {
	cfg SMTPConfig
}

// NewEmailSender creates an EmailSender.
func NewEmailSender(cfg SMTPConfig) *EmailSender {
	return &EmailSender{cfg: cfg}
}

// sanitizeSubject strips CR and LF so a crafted title cannot smuggle extra
// SMTP headers into the message.
func sanitizeSubject(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

// Send emails item to its recipient. Uses DialAndSend (dial-per-send), no
// persistent SMTP connection.
func (e *EmailSender) Send(ctx context.Context, item store.OutboxItem) Result {
	subject := sanitizeSubject(item.Title)

	m := mail.NewMsg()
	if err := m.From(e.cfg.From); err != nil {
		return PermanentFailure(fmt.Sprintf("email: set from: %v", err))
	}
	if err := m.To(item.RecipientKey); err != nil {
		return PermanentFailure(fmt.Sprintf("email: invalid recipient %q: %v", item.RecipientKey, err))
	}
	m.Subject(subject)
	body := item.Body
	if item.URL != nil {
		body += "\n\n" + *item.URL
	}
	m.SetBodyString(mail.TypeTextPlain, body)

	opts := []mail.Option{
		mail.WithPort(e.cfg.Port),
	}
	if e.cfg.Username != "" {
		opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthPlain))
		opts = append(opts, mail.WithUsername(e.cfg.Username))
		opts = append(opts, mail.WithPassword(e.cfg.Password))
	}
	if e.cfg.TLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	c, err := mail.NewClient(e.cfg.Host, opts...)
	if err != nil {
		return PermanentFailure(fmt.Sprintf("email: create client: %v", err))
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		// Connection refusals, timeouts and greylisting all land here; the
		// retry schedule bounds how long we keep trying.
		return TemporaryFailure(fmt.Sprintf("email: send: %v", err))
	}
	return Success()
}
