package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/util"
)

var ErrChannelNotConfigured = errors.New("no sender configured for channel")

// Message is a rendered delivery request handed to a channel sender.
type Message struct {
	Address string
	Code    string
	Purpose model.Purpose
	Locale  string
}

// Sender delivers one message over a single channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Dispatcher routes a code to the sender registered for its channel.
type Dispatcher struct {
	senders map[model.Channel]Sender
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		senders: make(map[model.Channel]Sender),
	}
}

func (d *Dispatcher) Register(channel model.Channel, sender Sender) {
	d.senders[channel] = sender
}

// Dispatch renders and sends the code. A delivery failure is returned to the
// caller but the stored record is untouched; the code stays verifiable.
func (d *Dispatcher) Dispatch(ctx context.Context, channel model.Channel, address, code string, purpose model.Purpose) error {
	sender, ok := d.senders[channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotConfigured, channel)
	}

	msg := Message{
		Address: address,
		Code:    code,
		Purpose: purpose,
		Locale:  LocaleFor(address, channel),
	}

	if err := sender.Send(ctx, msg); err != nil {
		util.Error("Failed to dispatch verification code",
			zap.String("channel", string(channel)),
			zap.String("address", address),
			zap.String("locale", msg.Locale),
			zap.Error(err))
		return fmt.Errorf("failed to dispatch via %s: %w", channel, err)
	}

	util.Info("Verification code dispatched",
		zap.String("channel", string(channel)),
		zap.String("address", address),
		zap.String("locale", msg.Locale))

	return nil
}

// LocaleFor picks the message locale from the destination. Korean numbers
// and email get Korean copy, every other phone number gets Spanish.
func LocaleFor(address string, channel model.Channel) string {
	if channel.IsPhone() {
		if strings.HasPrefix(address, "+82") {
			return "ko"
		}
		return "es"
	}
	return "ko"
}
