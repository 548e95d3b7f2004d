package dispatch

import (
	"context"
	"fmt"
	"net/smtp"

	"otp-service/internal/config"
)

// EmailSender delivers codes over SMTP with an HTML body.
type EmailSender struct {
	config *config.SMTPConfig
}

func NewEmailSender(cfg *config.Config) *EmailSender {
	return &EmailSender{config: &cfg.SMTP}
}

func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	if s.config.Username == "" {
		return fmt.Errorf("smtp credentials not configured")
	}

	headers := "MIME-version: 1.0;\nContent-Type: text/html; charset=\"UTF-8\";\n"
	headers += fmt.Sprintf("From: %s\r\n", s.config.Sender)
	headers += fmt.Sprintf("To: %s\r\n", msg.Address)
	headers += fmt.Sprintf("Subject: %s\r\n\r\n", emailSubject(msg.Locale, msg.Purpose))
	body := headers + emailBody(msg.Locale, msg.Code)

	auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	if err := smtp.SendMail(addr, auth, s.config.Sender, []string{msg.Address}, []byte(body)); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}
