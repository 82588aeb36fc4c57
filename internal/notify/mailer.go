package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

type MailerConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Mailer e-mails the account owner about logins from a new address.
type Mailer struct {
	client *mail.Client
	from   string
}

func NewMailer(cfg MailerConfig) (*Mailer, error) {
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("mailer sender address is required")
	}
	port := cfg.Port
	if port <= 0 {
		port = 587
	}

	client, err := mail.NewClient(cfg.Host,
		mail.WithPort(port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return nil, fmt.Errorf("create mail client: %w", err)
	}

	return &Mailer{client: client, from: cfg.From}, nil
}

func (m *Mailer) NotifyNewIP(ctx context.Context, alert NewIPAlert) error {
	msg, err := m.message(alert)
	if err != nil {
		return err
	}
	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send new ip email: %w", err)
	}
	return nil
}

func (m *Mailer) message(alert NewIPAlert) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return nil, fmt.Errorf("set from address: %w", err)
	}
	if err := msg.To(alert.Email); err != nil {
		return nil, fmt.Errorf("set to address: %w", err)
	}
	msg.Subject("New sign-in to your account")
	msg.SetBodyString(mail.TypeTextPlain, newIPBody(alert))
	return msg, nil
}

func newIPBody(alert NewIPAlert) string {
	name := alert.Username
	if name == "" {
		name = alert.Email
	}
	device := alert.UserAgent
	if device == "" {
		device = "unknown device"
	}

	return fmt.Sprintf(
		"Hi %s,\n\nYour account was signed in to from %s (%s) on %s.\nThe previous sign-in came from %s.\n\nIf this was not you, change your password and sign out of all sessions.",
		name,
		alert.IP,
		device,
		alert.At.UTC().Format(time.RFC1123),
		alert.PreviousIP,
	)
}
