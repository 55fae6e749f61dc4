// Package alert pushes operator notifications (scan required, auth failures,
// lost sessions, exhausted retries) to a Telegram chat. It is strictly
// best-effort: alerts are dropped rather than ever blocking the messaging
// pipeline.
package alert

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"classbell/internal/runtime/supervisor"
	logx "classbell/pkg/logx"
)

type Config struct {
	Enabled bool
	Token   string
	ChatID  int64
	// RatePerSec caps outgoing alerts; default one every 2 seconds.
	RatePerSec float64
}

const queueCap = 64

type Notifier struct {
	cfg  Config
	log  logx.Logger
	bot  *tele.Bot
	to   *tele.Chat
	ch   chan string
	pace *rate.Limiter
	sup  *supervisor.Supervisor
}

// New builds a notifier. With Enabled false (or no token) it is a no-op sink,
// so call sites never need to branch.
func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{cfg: cfg, log: log, ch: make(chan string, queueCap)}
	if !cfg.Enabled || strings.TrimSpace(cfg.Token) == "" {
		return n, nil
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alert: chat id is required when enabled")
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 0.5
		n.cfg = cfg
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	n.bot = bot
	n.to = &tele.Chat{ID: cfg.ChatID}
	n.pace = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 3)
	return n, nil
}

// Run starts the drain loop. A no-op for a disabled notifier.
func (n *Notifier) Run(ctx context.Context) {
	if n.bot == nil || n.sup != nil {
		return
	}
	n.sup = supervisor.New(ctx, supervisor.WithLogger(n.log.With(logx.String("comp", "alert"))))
	n.sup.Go0("alert.drain", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case msg := <-n.ch:
				if err := n.pace.Wait(c); err != nil {
					return
				}
				if _, err := n.bot.Send(n.to, msg); err != nil {
					n.log.Warn("alert delivery failed", logx.Err(err))
				}
			}
		}
	})
}

func (n *Notifier) Stop(ctx context.Context) {
	if n.sup != nil {
		_ = n.sup.Stop(ctx)
		n.sup = nil
	}
}

// Notify queues an alert. Never blocks; over capacity the alert is dropped
// and counted against the log instead.
func (n *Notifier) Notify(msg string) {
	if n.bot == nil {
		return
	}
	select {
	case n.ch <- msg:
	default:
		n.log.Warn("alert queue full; dropped", logx.String("msg", msg))
	}
}
