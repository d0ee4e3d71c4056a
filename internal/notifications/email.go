package notifications

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/virtbak/virtbak/internal/backup"
)

// SMTPConfig holds mail relay settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// EmailSender delivers events as plain-text mail through an SMTP relay.
type EmailSender struct {
	config SMTPConfig
	to     string
}

// NewEmailSender creates an EmailSender addressed to a single recipient.
func NewEmailSender(config SMTPConfig, to string) *EmailSender {
	if config.Port == 0 {
		config.Port = 587
	}
	return &EmailSender{config: config, to: to}
}

// Name implements Sender.
func (e *EmailSender) Name() string { return "email" }

// Send implements Sender.
func (e *EmailSender) Send(_ context.Context, event backup.NotificationEvent) error {
	outcome := "FAILED"
	if event.Success {
		outcome = "OK"
	}
	subject := fmt.Sprintf("[virtbak] %s %s vm %s", event.Operation, outcome, event.VMID)

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.config.From)
	fmt.Fprintf(&b, "To: %s\r\n", e.to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Operation: %s\r\nVM: %s\r\nResult: %s\r\nTime: %s\r\n\r\n%s\r\n",
		event.Operation, event.VMID, outcome, event.Timestamp.Format("2006-01-02 15:04:05"), event.Message)

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	var auth smtp.Auth
	if e.config.Username != "" {
		auth = smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
	}
	if err := smtp.SendMail(addr, auth, e.config.From, []string{e.to}, []byte(b.String())); err != nil {
		return fmt.Errorf("send mail via %s: %w", addr, err)
	}
	return nil
}
