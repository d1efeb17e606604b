package relay

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	cmdpkg "github.com/stupiduntilnot/parley/internal/commander"
	"github.com/stupiduntilnot/parley/internal/control"
	"github.com/stupiduntilnot/parley/internal/db"
)

// Handler processes one inbound event; *Service implements it.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// Poller long-polls the commander and fans updates out to the handler, at
// most MaxConcurrent at a time.
type Poller struct {
	Commander cmdpkg.Commander
	Handler   Handler
	// State holds the inbox used for offset derivation and duplicate
	// detection. Nil keeps the offset in memory only.
	State   *sql.DB
	Journal Journal
	Breaker *control.CircuitBreaker
	Logger  *slog.Logger

	// Timeout is the long-poll timeout in seconds.
	Timeout int
	// Sleep is the pause while the breaker is open.
	Sleep time.Duration
	// IdleSleep is the pause after an empty batch; long polling needs none.
	IdleSleep     time.Duration
	MaxConcurrent int
	ParentEventID int64
}

// Run polls until ctx is cancelled, then waits for in-flight exchanges.
// In-flight exchanges are not cancelled with ctx so that a shutdown does
// not cut replies short.
func (p *Poller) Run(ctx context.Context) error {
	logger := p.logger()
	breaker := p.Breaker
	if breaker == nil {
		breaker = control.NewCircuitBreaker(5, 30*time.Second)
	}
	if breaker.OnTransition == nil {
		breaker.OnTransition = p.journalTransition(breaker)
	}

	var offset int64
	if p.State != nil {
		var err error
		offset, err = db.DeriveOffset(p.State)
		if err != nil {
			return err
		}
	}

	var g errgroup.Group
	if p.MaxConcurrent > 0 {
		g.SetLimit(p.MaxConcurrent)
	}
	handlerCtx := context.WithoutCancel(ctx)

	logger.Info("polling started", "offset", offset, "max_concurrent", p.MaxConcurrent)
	failures := 0
	for ctx.Err() == nil {
		now := time.Now()
		if !breaker.Allow(now) {
			wait := breaker.Remaining(now)
			if p.Sleep > 0 && p.Sleep < wait {
				wait = p.Sleep
			}
			sleep(ctx, wait)
			continue
		}

		updates, err := p.Commander.GetUpdates(ctx, offset, p.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			errClass := control.Classify(err)
			breaker.RecordFailure(errClass, time.Now())
			logger.Warn("getUpdates failed", "error", err, "error_class", errClass, "attempt", failures)
			sleep(ctx, control.Backoff(failures))
			continue
		}
		failures = 0
		breaker.RecordSuccess()

		if len(updates) == 0 {
			sleep(ctx, p.IdleSleep)
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			ev, ok := EventFromUpdate(u)
			fresh := p.accept(u, ev, ok)
			if !fresh || !ok {
				continue
			}
			g.Go(func() error {
				_ = p.Handler.Handle(handlerCtx, ev)
				return nil
			})
		}
	}

	logger.Info("polling stopped, waiting for in-flight exchanges")
	return g.Wait()
}

// accept records the update in the inbox and reports whether it is new.
// Inbox failures are logged and the update is handled anyway.
func (p *Poller) accept(u cmdpkg.Update, ev Event, ok bool) bool {
	if p.State == nil {
		return true
	}
	kind := "ignored"
	if ok {
		kind = string(ev.Kind)
	}
	var userID, chatID int64
	if u.Message != nil {
		userID = u.Message.SenderID()
		chatID = u.Message.Chat.ID
	}
	fresh, err := db.RecordUpdate(p.State, u.UpdateID, userID, chatID, kind)
	if err != nil {
		p.logger().Error("failed to record update", "update_id", u.UpdateID, "error", err)
		return true
	}
	if !fresh {
		p.logger().Debug("dropping duplicate update", "update_id", u.UpdateID)
	}
	return fresh
}

func (p *Poller) journalTransition(breaker *control.CircuitBreaker) func(from, to control.CircuitState, errClass string) {
	return func(from, to control.CircuitState, errClass string) {
		eventType := db.EventCircuitClosed
		switch to {
		case control.CircuitOpen:
			eventType = db.EventCircuitOpened
		case control.CircuitHalfOpen:
			eventType = db.EventCircuitHalfOpen
		}
		p.logger().Warn("circuit transition", "from", string(from), "to", string(to), "error_class", errClass)
		if p.Journal == nil {
			return
		}
		p.Journal.Log(p.ParentEventID, eventType, map[string]any{
			"error_class":      errClass,
			"threshold":        breaker.Threshold,
			"cooldown_seconds": int(breaker.Cooldown.Seconds()),
		})
	}
}

func (p *Poller) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default().With("component", "poller")
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
