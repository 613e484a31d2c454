// Package cron derives a cron expression from the configured loop interval
// and fires a trigger each time the expression is due.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// ExprForInterval maps a loop interval to a cron expression:
// up to a minute fires every minute, up to an hour every n/60 minutes,
// up to a day every n/3600 hours, anything longer daily at midnight.
func ExprForInterval(interval time.Duration) string {
	sec := int(interval.Seconds())
	switch {
	case sec <= 60:
		return "* * * * *"
	case sec <= 3600:
		return fmt.Sprintf("*/%d * * * *", sec/60)
	case sec <= 86400:
		return fmt.Sprintf("0 */%d * * *", sec/3600)
	default:
		return "0 0 * * *"
	}
}

// Ticker evaluates a cron expression once a minute and invokes the
// callback when due. Stop by cancelling the context.
type Ticker struct {
	expr string
	g    *gronx.Gronx
	fire func()
}

// NewTicker builds a ticker for the given interval.
func NewTicker(interval time.Duration, fire func()) *Ticker {
	return &Ticker{
		expr: ExprForInterval(interval),
		g:    gronx.New(),
		fire: fire,
	}
}

// Expr exposes the derived cron expression (for status reporting).
func (t *Ticker) Expr() string { return t.expr }

// Run blocks, checking the expression at the top of every minute.
func (t *Ticker) Run(ctx context.Context) {
	// Align to the next minute boundary so IsDue matches the wall clock.
	first := time.Until(time.Now().Truncate(time.Minute).Add(time.Minute))
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-timer.C:
			due, err := t.g.IsDue(t.expr, now)
			if err != nil {
				slog.Warn("cron expression check failed", "expr", t.expr, "error", err)
			} else if due {
				t.fire()
			}
			timer.Reset(time.Until(now.Truncate(time.Minute).Add(time.Minute)))
		}
	}
}
