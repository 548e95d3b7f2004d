package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"otp-service/internal/model"
)

type stubSender struct {
	last Message
	err  error
}

func (s *stubSender) Send(ctx context.Context, msg Message) error {
	if s.err != nil {
		return s.err
	}
	s.last = msg
	return nil
}

func TestLocaleFor(t *testing.T) {
	cases := []struct {
		name    string
		address string
		channel model.Channel
		want    string
	}{
		{"korean number", "+821012345678", model.ChannelSMS, "ko"},
		{"korean whatsapp", "+821012345678", model.ChannelWhatsApp, "ko"},
		{"mexican number", "+525512345678", model.ChannelSMS, "es"},
		{"spanish number", "+34612345678", model.ChannelSMS, "es"},
		{"email", "user@example.com", model.ChannelEmail, "ko"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := LocaleFor(tc.address, tc.channel); got != tc.want {
				t.Fatalf("LocaleFor(%q, %s) = %q, want %q", tc.address, tc.channel, got, tc.want)
			}
		})
	}
}

func TestDispatchRoutesToRegisteredSender(t *testing.T) {
	d := NewDispatcher()
	sender := &stubSender{}
	d.Register(model.ChannelSMS, sender)

	err := d.Dispatch(context.Background(), model.ChannelSMS, "+525512345678", "123456", model.PurposeSignup)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if sender.last.Address != "+525512345678" {
		t.Fatalf("sender got address %q", sender.last.Address)
	}
	if sender.last.Code != "123456" {
		t.Fatalf("sender got code %q", sender.last.Code)
	}
	if sender.last.Locale != "es" {
		t.Fatalf("sender got locale %q", sender.last.Locale)
	}
	if sender.last.Purpose != model.PurposeSignup {
		t.Fatalf("sender got purpose %q", sender.last.Purpose)
	}
}

func TestDispatchUnconfiguredChannel(t *testing.T) {
	d := NewDispatcher()

	err := d.Dispatch(context.Background(), model.ChannelEmail, "a@example.com", "123456", model.PurposeGeneric)
	if !errors.Is(err, ErrChannelNotConfigured) {
		t.Fatalf("expected ErrChannelNotConfigured, got %v", err)
	}
}

func TestDispatchPropagatesSenderFailure(t *testing.T) {
	d := NewDispatcher()
	sendErr := errors.New("carrier rejected")
	d.Register(model.ChannelSMS, &stubSender{err: sendErr})

	err := d.Dispatch(context.Background(), model.ChannelSMS, "+525512345678", "123456", model.PurposeGeneric)
	if !errors.Is(err, sendErr) {
		t.Fatalf("expected carrier error, got %v", err)
	}
}

func TestTemplatesContainCode(t *testing.T) {
	for _, locale := range []string{"ko", "es"} {
		if text := smsText(locale, "654321"); !strings.Contains(text, "654321") {
			t.Fatalf("sms text for %s does not contain the code: %q", locale, text)
		}
		if body := emailBody(locale, "654321"); !strings.Contains(body, "654321") {
			t.Fatalf("email body for %s does not contain the code", locale)
		}
		for _, purpose := range []model.Purpose{model.PurposeSignup, model.PurposePasswordReset} {
			if emailSubject(locale, purpose) == "" {
				t.Fatalf("empty email subject for %s/%s", locale, purpose)
			}
		}
		if emailSubject(locale, model.PurposeSignup) == emailSubject(locale, model.PurposePasswordReset) {
			t.Fatalf("password reset subject for %s should differ from signup", locale)
		}
	}
}
