package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"otp-service/internal/config"
)

// WhatsAppSender delivers codes through the WhatsApp Business messages API.
type WhatsAppSender struct {
	client *resty.Client
	config *config.WhatsAppConfig
}

func NewWhatsAppSender(cfg *config.Config) *WhatsAppSender {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &WhatsAppSender{
		client: client,
		config: &cfg.WhatsApp,
	}
}

type whatsappPayload struct {
	MessagingProduct string           `json:"messaging_product"`
	To               string           `json:"to"`
	Type             string           `json:"type"`
	Text             whatsappTextBody `json:"text"`
}

type whatsappTextBody struct {
	Body string `json:"body"`
}

func (s *WhatsAppSender) Send(ctx context.Context, msg Message) error {
	if s.config.AccessToken == "" || s.config.APIURL == "" {
		return fmt.Errorf("whatsapp api not configured")
	}

	payload := whatsappPayload{
		MessagingProduct: "whatsapp",
		To:               strings.TrimPrefix(msg.Address, "+"),
		Type:             "text",
		Text: whatsappTextBody{
			Body: smsText(msg.Locale, msg.Code),
		},
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetAuthToken(s.config.AccessToken).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(s.config.APIURL)
	if err != nil {
		return fmt.Errorf("whatsapp api request failed: %w", err)
	}

	if resp.StatusCode() >= 300 {
		return fmt.Errorf("whatsapp api returned status %d: %s", resp.StatusCode(), resp.String())
	}

	return nil
}
