// Package notify delivers events and fired reminders to users, applying
// their notification settings.
package notify

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"classbot/internal/domain"
	"classbot/internal/storage"
	"classbot/internal/transport"
	"classbot/pkg/logx"
)

type Config struct {
	RatePerSec  int           // outbound send cap; default 3
	SendTimeout time.Duration // per delivery attempt; default 10s
}

// Payload is one deliverable unit: either a Canvas event or a fired reminder.
type Payload struct {
	// Kind is set for Canvas-derived events and empty for reminders.
	Kind domain.EventKind
	Text string
}

// Sender is the outbound slice of the chat adapter.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (int, error)
}

// Dispatcher applies per-user settings and pushes text out through the chat
// platform. One attempt per call: a failed delivery is the caller's problem
// to retry on its next cycle.
type Dispatcher struct {
	settings storage.SettingsStore
	sender   Sender
	limiter  *rate.Limiter
	timeout  time.Duration
	log      logx.Logger
}

func NewDispatcher(cfg Config, settings storage.SettingsStore, sender Sender, log logx.Logger) *Dispatcher {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 3
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		settings: settings,
		sender:   sender,
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		timeout:  timeout,
		log:      log,
	}
}

// Deliver sends the payload to the user unless their settings suppress it.
//
// The global toggle gates everything, reminders included; the per-category
// flags gate Canvas events only. Suppression is success, not an error.
// domain.ErrUnreachable is returned (already logged) so the caller can count
// the delivery as failed without retrying here.
func (d *Dispatcher) Deliver(ctx context.Context, user domain.User, p Payload) error {
	st, err := d.settings.Settings(ctx, user.ID)
	if err != nil {
		return err
	}
	if !st.Enabled {
		d.log.Debug("delivery suppressed (notifications disabled)",
			logx.Int64("user", user.ID), logx.String("kind", string(p.Kind)))
		return nil
	}
	if p.Kind != "" && !st.Allows(p.Kind) {
		d.log.Debug("delivery suppressed (category off)",
			logx.Int64("user", user.ID), logx.String("kind", string(p.Kind)))
		return nil
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	to := transport.ChatTarget{ChatID: user.TelegramID}
	_, err = d.sender.SendText(sctx, to, p.Text, &transport.SendOptions{DisablePreview: true})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrUnreachable):
		d.log.Warn("recipient unreachable", logx.Int64("user", user.ID), logx.Err(err))
		return err
	default:
		return domain.Transient(err)
	}
}
