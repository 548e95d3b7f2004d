package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"otp-service/internal/config"
)

// SMSSender delivers codes through an HTTP SMS gateway.
type SMSSender struct {
	client *resty.Client
	config *config.SMSConfig
}

func NewSMSSender(cfg *config.Config) *SMSSender {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &SMSSender{
		client: client,
		config: &cfg.SMS,
	}
}

func (s *SMSSender) Send(ctx context.Context, msg Message) error {
	if s.config.APIKey == "" {
		return fmt.Errorf("sms gateway not configured")
	}

	// Gateway expects the number without the leading +
	number := strings.TrimPrefix(msg.Address, "+")

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("authorization", s.config.APIKey).
		SetFormData(map[string]string{
			"route":     s.config.Route,
			"sender_id": s.config.SenderID,
			"numbers":   number,
			"message":   smsText(msg.Locale, msg.Code),
		}).
		Post(s.config.APIURL)
	if err != nil {
		return fmt.Errorf("sms gateway request failed: %w", err)
	}

	if resp.StatusCode() >= 300 {
		return fmt.Errorf("sms gateway returned status %d: %s", resp.StatusCode(), resp.String())
	}

	var gatewayResp struct {
		Return  bool   `json:"return"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body(), &gatewayResp); err == nil && !gatewayResp.Return {
		return fmt.Errorf("sms gateway rejected message: %s", gatewayResp.Message)
	}

	return nil
}
