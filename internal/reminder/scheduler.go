// Package reminder sweeps upcoming events and turns them into outbound
// messages: regular class and mentoring reminders go through the queue,
// makeup notices go out directly with fixed pacing.
package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"classbell/internal/queue"
	"classbell/internal/store"
	"classbell/internal/template"
	logx "classbell/pkg/logx"
)

const (
	defaultLeadTime  = 24 * time.Hour
	defaultWindow    = 30 * time.Minute
	defaultSweepSpec = "0 * * * *" // hourly

	// dedupWindow is how far back the message log is consulted before a
	// recipient gets another message of the same kind. The check is keyed on
	// (address, kind) only, not on the event: two different classes on the
	// same day suppress each other. Kept that way on purpose.
	dedupWindow = 24 * time.Hour

	// makeupPause is the fixed gap between direct makeup sends.
	makeupPause = 2 * time.Second
)

type Config struct {
	LeadTime  time.Duration  // default 24h
	Window    time.Duration  // half-width of the sweep window; default 30m
	SweepSpec string         // cron spec for automatic sweeps; default hourly
	Location  *time.Location // default time.Local
}

// Enqueuer is the slice of the queue the scheduler uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

type Scheduler struct {
	cfg    Config
	st     store.Store
	roster Roster
	q      Enqueuer
	sender queue.Sender
	log    logx.Logger

	parser cron.Parser
	c      *cron.Cron
	pace   *rate.Limiter
	now    func() time.Time
}

func New(cfg Config, st store.Store, roster Roster, q Enqueuer, sender queue.Sender, log logx.Logger) *Scheduler {
	if cfg.LeadTime <= 0 {
		cfg.LeadTime = defaultLeadTime
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = defaultSweepSpec
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:    cfg,
		st:     st,
		roster: roster,
		q:      q,
		sender: sender,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		pace:   rate.NewLimiter(rate.Every(makeupPause), 1),
		now:    time.Now,
	}
}

// Run registers the periodic sweep and starts the cron runner.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.c != nil {
		return nil
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.cfg.Location))
	_, err := s.c.AddFunc(s.cfg.SweepSpec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("reminder sweep panicked", logx.Any("panic", r))
			}
		}()
		n, err := s.ScheduleReminders(ctx)
		if err != nil {
			s.log.Warn("reminder sweep failed", logx.Err(err))
			return
		}
		if n > 0 {
			s.log.Info("reminder sweep", logx.Int("enqueued", n))
		}
	})
	if err != nil {
		return fmt.Errorf("register sweep %q: %w", s.cfg.SweepSpec, err)
	}
	s.c.Start()
	return nil
}

func (s *Scheduler) Stop() {
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
}

// ScheduleReminders finds events starting around now+leadTime and enqueues one
// reminder per enrolled recipient with a known phone. Re-running is safe: a
// recipient already messaged with the same kind inside the dedup window is
// skipped. Returns how many reminders were enqueued.
func (s *Scheduler) ScheduleReminders(ctx context.Context) (int, error) {
	now := s.now().In(s.cfg.Location)
	center := now.Add(s.cfg.LeadTime)
	events, err := s.roster.EventsBetween(ctx, center.Add(-s.cfg.Window), center.Add(s.cfg.Window))
	if err != nil {
		return 0, fmt.Errorf("list events: %w", err)
	}

	count := 0
	for _, ev := range events {
		body, err := s.st.GetTemplate(ctx, ev.Kind)
		if err != nil {
			s.log.Warn("no template for kind; event skipped",
				logx.String("event", ev.ID), logx.String("kind", string(ev.Kind)), logx.Err(err))
			continue
		}
		recips, err := s.roster.ActiveRecipients(ctx, ev.ID)
		if err != nil {
			s.log.Warn("roster lookup failed; event skipped",
				logx.String("event", ev.ID), logx.Err(err))
			continue
		}
		for _, rec := range recips {
			if rec.Phone == "" {
				continue
			}
			dup, err := s.st.DeliveredSince(ctx, rec.Phone, ev.Kind, now.Add(-dedupWindow))
			if err != nil {
				s.log.Warn("dedup check failed; recipient skipped",
					logx.String("phone", rec.Phone), logx.Err(err))
				continue
			}
			if dup {
				continue
			}
			// A delivered row only appears once the queue drains; a reminder
			// still sitting in the queue must also suppress the re-run.
			queued, err := s.st.HasActiveQueued(ctx, rec.Phone, ev.Kind)
			if err != nil {
				s.log.Warn("queued check failed; recipient skipped",
					logx.String("phone", rec.Phone), logx.Err(err))
				continue
			}
			if queued {
				continue
			}
			_, err = s.q.Enqueue(ctx, queue.EnqueueRequest{
				Recipient: rec.Phone,
				Body:      template.Render(body, s.renderContext(rec, ev)),
				Kind:      ev.Kind,
				Metadata: map[string]string{
					"event_id": ev.ID,
					"source":   "reminder",
				},
			})
			if err != nil {
				s.log.Warn("enqueue failed",
					logx.String("event", ev.ID), logx.String("phone", rec.Phone), logx.Err(err))
				continue
			}
			count++
		}
	}
	return count, nil
}

// SendMakeupNotices messages every recipient of a makeup event directly,
// bypassing the queue: the set is small and bounded at call time, so they go
// out sequentially with a fixed pause between sends. Every attempt lands in
// the message log. Returns how many were delivered.
func (s *Scheduler) SendMakeupNotices(ctx context.Context, ev Event) (int, error) {
	body, err := s.st.GetTemplate(ctx, ev.Kind)
	if err != nil {
		return 0, fmt.Errorf("template %s: %w", ev.Kind, err)
	}
	recips, err := s.roster.ActiveRecipients(ctx, ev.ID)
	if err != nil {
		return 0, fmt.Errorf("roster %s: %w", ev.ID, err)
	}

	now := s.now()
	sent := 0
	for _, rec := range recips {
		if rec.Phone == "" {
			continue
		}
		dup, err := s.st.DeliveredSince(ctx, rec.Phone, ev.Kind, now.Add(-dedupWindow))
		if err != nil {
			s.log.Warn("dedup check failed; recipient skipped",
				logx.String("phone", rec.Phone), logx.Err(err))
			continue
		}
		if dup {
			continue
		}
		if err := s.pace.Wait(ctx); err != nil {
			return sent, err
		}

		rendered := template.Render(body, s.renderContext(rec, ev))
		tid, addr, sendErr := s.sender.Send(ctx, rec.Phone, rendered)
		entry := store.LogEntry{
			Recipient:     rec.Phone,
			ActualAddress: addr,
			Body:          rendered,
			TransportID:   tid,
			Kind:          ev.Kind,
			Delivered:     sendErr == nil,
			At:            s.now(),
		}
		if sendErr != nil {
			entry.Error = sendErr.Error()
			s.log.Warn("makeup notice failed",
				logx.String("event", ev.ID), logx.String("phone", rec.Phone), logx.Err(sendErr))
		} else {
			sent++
		}
		if err := s.st.AppendLog(ctx, entry); err != nil {
			s.log.Error("message log append failed", logx.Err(err))
		}
	}
	return sent, nil
}

func (s *Scheduler) renderContext(rec Recipient, ev Event) map[string]string {
	starts := ev.StartsAt.In(s.cfg.Location)
	return map[string]string{
		"student":  rec.Name,
		"course":   ev.Title,
		"date":     starts.Format("02/01/2006"),
		"time":     starts.Format("15:04"),
		"location": ev.Location,
	}
}
