// Package notify drains the notification queue: expire what is stale, pick
// the highest-priority pending items, and push them within per-user and
// global rate budgets.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"reverie/internal/clock"
	"reverie/internal/eventbus"
	"reverie/internal/store"
	logx "reverie/pkg/logx"
)

// Sender delivers one rendered notification to a user's channel. The chat id
// comes from the user's profile.
type Sender interface {
	Send(ctx context.Context, chatID int64, title, body string) error
}

// Event is the payload published on "notify.sent" and "notify.expired".
type Event struct {
	NotificationID string
	UserID         string
	OutputID       string
}

type Config struct {
	// PerUserHourly caps deliveries per user per rolling hour.
	PerUserHourly int

	// GlobalRate smooths sends across all users, in sends per second.
	GlobalRate  float64
	GlobalBurst int

	BatchSize int
}

func (c *Config) fill() {
	if c.PerUserHourly <= 0 {
		c.PerUserHourly = 5
	}
	if c.GlobalRate <= 0 {
		c.GlobalRate = 0.5
	}
	if c.GlobalBurst <= 0 {
		c.GlobalBurst = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
}

type Dispatcher struct {
	cfg    Config
	st     *store.Store
	clk    *clock.Clock
	sender Sender
	bus    eventbus.Bus
	log    logx.Logger

	limiter *rate.Limiter
	running atomic.Bool

	sent    atomic.Int64
	expired atomic.Int64
	held    atomic.Int64
}

func New(cfg Config, st *store.Store, clk *clock.Clock, sender Sender, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	cfg.fill()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg: cfg, st: st, clk: clk, sender: sender, bus: bus, log: log,
		limiter: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
	}
}

// Dispatch runs one queue pass. Items that fail to send or exceed a user's
// budget stay pending for the next pass; only a successful push or expiry
// changes a row's status.
func (d *Dispatcher) Dispatch(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return nil
	}
	defer d.running.Store(false)

	now := d.clk.Now()

	n, err := d.st.ExpireNotifications(ctx, now)
	if err != nil {
		return fmt.Errorf("notify: expire: %w", err)
	}
	if n > 0 {
		d.expired.Add(n)
		d.log.Info("expired notifications", logx.Int64("count", n))
		d.publish("notify.expired", Event{})
	}

	pending, err := d.st.PendingNotifications(ctx, now, d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("notify: pending: %w", err)
	}

	budget := map[string]int{}
	for _, item := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		left, ok := budget[item.UserID]
		if !ok {
			sentLastHour, err := d.st.CountSentSince(ctx, item.UserID, now.Add(-time.Hour))
			if err != nil {
				d.log.Error("notify: budget check", logx.Err(err), logx.String("user", item.UserID))
				continue
			}
			left = d.cfg.PerUserHourly - sentLastHour
			budget[item.UserID] = left
		}
		if left <= 0 {
			d.held.Add(1)
			continue
		}
		if err := d.sendOne(ctx, item); err != nil {
			d.log.Error("notify: send", logx.Err(err), logx.String("id", item.ID))
			continue
		}
		budget[item.UserID] = left - 1
	}
	return nil
}

func (d *Dispatcher) sendOne(ctx context.Context, n store.Notification) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	out, err := d.st.GetOutput(ctx, n.OutputID)
	if err != nil {
		return fmt.Errorf("load output %s: %w", n.OutputID, err)
	}
	p, err := d.st.GetProfile(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("load profile %s: %w", n.UserID, err)
	}
	if p.ChatID == 0 {
		return errors.New("profile has no chat id")
	}

	if err := d.sender.Send(ctx, p.ChatID, out.Title, out.Body); err != nil {
		return err
	}

	now := d.clk.Now()
	if err := d.st.MarkNotificationSent(ctx, n.ID, now); err != nil {
		// Delivered but unrecorded; worst case is one duplicate next pass.
		return fmt.Errorf("mark sent %s: %w", n.ID, err)
	}
	d.sent.Add(1)
	d.log.Info("notification sent",
		logx.String("user", n.UserID), logx.String("output", n.OutputID), logx.Int("priority", n.Priority))
	d.publish("notify.sent", Event{NotificationID: n.ID, UserID: n.UserID, OutputID: n.OutputID})
	return nil
}

func (d *Dispatcher) publish(typ string, ev Event) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.clk.Now(), Data: ev})
}

// Stats is a snapshot for diagnostics.
type Stats struct {
	Sent    int64 `json:"sent"`
	Expired int64 `json:"expired"`
	Held    int64 `json:"held"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{Sent: d.sent.Load(), Expired: d.expired.Load(), Held: d.held.Load()}
}
