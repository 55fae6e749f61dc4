// Package queue is the durable send pipeline: producers enqueue, a single
// periodic pass drains at most one entry per tick, and everything that
// happened is recorded in the message log.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"classbell/internal/ratelimit"
	"classbell/internal/runtime/supervisor"
	"classbell/internal/store"
	logx "classbell/pkg/logx"
)

var ErrInvalidEntry = errors.New("queue: invalid entry")

const (
	defaultPassInterval = 5 * time.Second
	defaultMaxAttempts  = 3
	defaultBackoffCap   = 5 * time.Minute
	defaultRetention    = 30 * 24 * time.Hour
	cleanupInterval     = 6 * time.Hour

	defaultPriority = 3
)

// Sender is the slice of the connection manager the pass needs.
type Sender interface {
	Ready() bool
	Send(ctx context.Context, recipient, body string) (deliveryID, actualAddress string, err error)
}

type Config struct {
	PassInterval time.Duration // default 5s
	MaxAttempts  int           // default 3, used when an entry does not set its own
	BackoffCap   time.Duration // default 5m
	Retention    time.Duration // terminal entries older than this are swept; default 30d
}

// EnqueueRequest is producer input; zero-value fields get defaults.
type EnqueueRequest struct {
	Recipient    string
	Body         string
	Kind         store.Kind
	Priority     int       // 1 highest .. 5 lowest; 0 means default 3
	ScheduledFor time.Time // zero means now
	MaxAttempts  int
	Metadata     map[string]string
}

type Service struct {
	cfg     Config
	st      store.Store
	sender  Sender
	limiter *ratelimit.Limiter
	log     logx.Logger

	// processing guards against overlapping passes: a slow send must not let
	// the next tick claim a second entry.
	processing atomic.Bool

	// passIval is the live pass interval in nanoseconds; config reloads may
	// change it while the loop runs.
	passIval atomic.Int64

	onExhausted func(store.QueueEntry)
	sup         *supervisor.Supervisor
	now         func() time.Time
}

func New(cfg Config, st store.Store, sender Sender, limiter *ratelimit.Limiter, log logx.Logger) *Service {
	if cfg.PassInterval <= 0 {
		cfg.PassInterval = defaultPassInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg,
		st:      st,
		sender:  sender,
		limiter: limiter,
		log:     log,
		now:     time.Now,
	}
	s.passIval.Store(int64(cfg.PassInterval))
	return s
}

// SetPassInterval changes the pass cadence; the running loop picks it up on
// its next tick. Non-positive values are ignored.
func (s *Service) SetPassInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	if s.passIval.Swap(int64(d)) != int64(d) {
		s.log.Info("pass interval changed", logx.Duration("interval", d))
	}
}

// OnExhausted installs a hook fired when an entry runs out of attempts.
func (s *Service) OnExhausted(fn func(store.QueueEntry)) { s.onExhausted = fn }

// Run starts the pass ticker and the retention sweep.
func (s *Service) Run(ctx context.Context) {
	if s.sup != nil {
		return
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log.With(logx.String("comp", "queue"))))

	s.sup.GoRestart("queue.pass", func(c context.Context) error {
		t := time.NewTimer(time.Duration(s.passIval.Load()))
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case <-t.C:
				if err := s.ProcessPass(c); err != nil {
					s.log.Warn("queue pass failed", logx.Err(err))
				}
				t.Reset(time.Duration(s.passIval.Load()))
			}
		}
	})

	s.sup.GoRestart("queue.cleanup", func(c context.Context) error {
		t := time.NewTicker(cleanupInterval)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case <-t.C:
				if n, err := s.Cleanup(c); err != nil {
					s.log.Warn("retention sweep failed", logx.Err(err))
				} else if n > 0 {
					s.log.Info("retention sweep", logx.Int64("removed", n))
				}
			}
		}
	})
}

func (s *Service) Stop(ctx context.Context) {
	if s.sup != nil {
		_ = s.sup.Stop(ctx)
		s.sup = nil
	}
}

// Enqueue persists a new pending entry and returns its id. The recipient is
// stored raw; normalization happens at send time so a policy change applies
// to entries already queued.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Recipient == "" {
		return "", fmt.Errorf("%w: empty recipient", ErrInvalidEntry)
	}
	if req.Body == "" {
		return "", fmt.Errorf("%w: empty body", ErrInvalidEntry)
	}
	if req.Kind == "" {
		req.Kind = store.KindGeneral
	}
	if req.Priority == 0 {
		req.Priority = defaultPriority
	}
	if req.Priority < 1 || req.Priority > 5 {
		return "", fmt.Errorf("%w: priority %d out of range", ErrInvalidEntry, req.Priority)
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}
	now := s.now()
	if req.ScheduledFor.IsZero() {
		req.ScheduledFor = now
	}

	e := store.QueueEntry{
		ID:           uuid.NewString(),
		Recipient:    req.Recipient,
		Body:         req.Body,
		Kind:         req.Kind,
		Priority:     req.Priority,
		ScheduledFor: req.ScheduledFor,
		Status:       store.StatusPending,
		MaxAttempts:  req.MaxAttempts,
		CreatedAt:    now,
		Metadata:     req.Metadata,
	}
	if err := s.st.InsertQueueEntry(ctx, e); err != nil {
		return "", err
	}
	s.log.Info("enqueued",
		logx.String("id", e.ID),
		logx.String("kind", string(e.Kind)),
		logx.Int("priority", e.Priority),
	)
	return e.ID, nil
}

// Cancel marks a pending or processing entry cancelled. It reports false when
// the entry is already terminal or unknown.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := s.st.CancelQueueEntry(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		s.log.Info("cancelled", logx.String("id", id))
	}
	return ok, nil
}

// Get returns one entry by id.
func (s *Service) Get(ctx context.Context, id string) (*store.QueueEntry, error) {
	return s.st.GetQueueEntry(ctx, id)
}

// Stats returns entry counts by status.
func (s *Service) Stats(ctx context.Context) (map[store.Status]int, error) {
	return s.st.CountByStatus(ctx)
}

// Cleanup removes terminal entries older than the retention window. Pending
// and processing entries are never touched.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	return s.st.DeleteTerminalBefore(ctx, s.now().Add(-s.cfg.Retention))
}

// ProcessPass runs one drain pass: at most one entry is claimed and sent.
// It is safe to call concurrently with the ticker; overlapping calls return
// immediately.
func (s *Service) ProcessPass(ctx context.Context) error {
	if !s.processing.CompareAndSwap(false, true) {
		return nil
	}
	defer s.processing.Store(false)

	settings, err := s.st.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if !settings.Enabled {
		return nil
	}
	s.limiter.SetCooldownSeconds(settings.RateLimitSeconds)

	if !s.sender.Ready() {
		return nil
	}

	d, err := s.limiter.CanSend(ctx)
	if err != nil {
		return fmt.Errorf("rate check: %w", err)
	}
	if !d.Allowed {
		s.log.Trace("pass skipped: cooldown", logx.Duration("retry_after", d.RetryAfter))
		return nil
	}

	now := s.now()
	e, err := s.st.NextDue(ctx, now)
	if err != nil {
		return fmt.Errorf("next due: %w", err)
	}
	if e == nil {
		return nil
	}

	if err := s.st.MarkProcessing(ctx, e.ID, now); err != nil {
		return fmt.Errorf("claim %s: %w", e.ID, err)
	}
	attempt := e.Attempts + 1

	id, addr, sendErr := s.sender.Send(ctx, e.Recipient, e.Body)
	if sendErr == nil {
		s.finishSent(ctx, e, id, addr)
		return nil
	}
	s.finishFailedAttempt(ctx, e, attempt, sendErr)
	return nil
}

func (s *Service) finishSent(ctx context.Context, e *store.QueueEntry, transportID, addr string) {
	now := s.now()
	if err := s.st.MarkSent(ctx, e.ID, now); err != nil {
		s.log.Error("sent but not recorded", logx.String("id", e.ID), logx.Err(err))
	}
	s.appendLog(ctx, store.LogEntry{
		Recipient:     e.Recipient,
		ActualAddress: addr,
		Body:          e.Body,
		TransportID:   transportID,
		Kind:          e.Kind,
		Delivered:     true,
		At:            now,
	})
	s.limiter.RecordSuccess(now)
	s.log.Info("sent",
		logx.String("id", e.ID),
		logx.String("address", addr),
		logx.String("transport_id", transportID),
	)
}

func (s *Service) finishFailedAttempt(ctx context.Context, e *store.QueueEntry, attempt int, sendErr error) {
	now := s.now()
	s.appendLog(ctx, store.LogEntry{
		Recipient: e.Recipient,
		Body:      e.Body,
		Kind:      e.Kind,
		Delivered: false,
		Error:     sendErr.Error(),
		At:        now,
	})

	if attempt >= e.MaxAttempts {
		if err := s.st.MarkFailed(ctx, e.ID, sendErr.Error()); err != nil {
			s.log.Error("mark failed", logx.String("id", e.ID), logx.Err(err))
			return
		}
		s.log.Error("entry exhausted",
			logx.String("id", e.ID),
			logx.Int("attempts", attempt),
			logx.Err(sendErr),
		)
		if s.onExhausted != nil {
			failed := *e
			failed.Status = store.StatusFailed
			failed.Attempts = attempt
			failed.ErrorMessage = sendErr.Error()
			s.onExhausted(failed)
		}
		return
	}

	delay := backoff(attempt, s.cfg.BackoffCap)
	if err := s.st.MarkRetry(ctx, e.ID, now.Add(delay), sendErr.Error()); err != nil {
		s.log.Error("mark retry", logx.String("id", e.ID), logx.Err(err))
		return
	}
	s.log.Warn("send failed; scheduled retry",
		logx.String("id", e.ID),
		logx.Int("attempt", attempt),
		logx.Duration("backoff", delay),
		logx.Err(sendErr),
	)
}

func (s *Service) appendLog(ctx context.Context, e store.LogEntry) {
	if err := s.st.AppendLog(ctx, e); err != nil {
		s.log.Error("message log append failed", logx.Err(err))
	}
}

// backoff is exponential in whole seconds, capped. attempt is 1-based.
func backoff(attempt int, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > limit {
		return limit
	}
	return d
}
