// Package app wires the messaging subsystem together: config, logging, store,
// the singleton connection, the queue, reminder sweeps, the admin API and the
// operator alert channel.
package app

import (
	"context"
	"fmt"
	"time"

	"classbell/internal/alert"
	"classbell/internal/api"
	"classbell/internal/config"
	"classbell/internal/connection"
	"classbell/internal/phone"
	"classbell/internal/queue"
	"classbell/internal/ratelimit"
	"classbell/internal/reminder"
	"classbell/internal/runtime/supervisor"
	"classbell/internal/store"
	"classbell/internal/transport/console"
	logx "classbell/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	st       store.Store
	conn     *connection.Manager
	lim      *ratelimit.Limiter
	q        *queue.Service
	roster   *reminder.MemoryRoster
	sched    *reminder.Scheduler
	apiSrv   *api.Server
	notifier *alert.Notifier
}

func New(configPath string) (*App, error) {
	cfgMgr := config.NewManager(configPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logCfg(cfg.Logging))
	cfgMgr.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgMgr: cfgMgr, logSvc: logSvc, log: log}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return err
	}
	st, err := store.Open(store.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, a.log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.st = st

	settings, err := st.GetSettings(context.Background())
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	reconnect, err := config.ParseDurationOrDefault("messaging.reconnect_delay", cfg.Messaging.ReconnectDelay, 5*time.Second)
	if err != nil {
		return err
	}
	client := console.New(a.log.With(logx.String("comp", "transport")))
	a.conn = connection.Manage(connection.DefaultKey, func() *connection.Manager {
		return connection.New(connection.Config{
			SessionFile:    cfg.Messaging.SessionFile,
			ReconnectDelay: reconnect,
			Policy:         phone.Policy{PreferModernPrimary: cfg.Messaging.PreferModernPrimary},
		}, client, a.log.With(logx.String("comp", "connection")))
	})

	a.lim = ratelimit.New(st, settings.RateLimitSeconds)

	passInterval, err := config.ParseDurationOrDefault("messaging.pass_interval", cfg.Messaging.PassInterval, 0)
	if err != nil {
		return err
	}
	a.q = queue.New(queue.Config{
		PassInterval: passInterval,
		MaxAttempts:  cfg.Messaging.MaxAttempts,
		BackoffCap:   time.Duration(cfg.Messaging.BackoffCapMinutes) * time.Minute,
		Retention:    time.Duration(cfg.Messaging.RetentionDays) * 24 * time.Hour,
	}, st, a.conn, a.lim, a.log.With(logx.String("comp", "queue")))

	a.notifier, err = alert.New(alert.Config{
		Enabled:    cfg.Alert.Enabled,
		Token:      cfg.Alert.Token,
		ChatID:     cfg.Alert.ChatID,
		RatePerSec: float64(cfg.Alert.RatePerSec),
	}, a.log.With(logx.String("comp", "alert")))
	if err != nil {
		return fmt.Errorf("alert channel: %w", err)
	}
	a.conn.OnPhaseChange(a.alertOnPhase)
	a.q.OnExhausted(func(e store.QueueEntry) {
		a.notifier.Notify(fmt.Sprintf("message %s to %s failed permanently after %d attempts: %s",
			e.ID, e.Recipient, e.Attempts, e.ErrorMessage))
	})

	if cfg.Reminder.Enabled {
		loc := time.Local
		if cfg.Reminder.Timezone != "" {
			loc, err = time.LoadLocation(cfg.Reminder.Timezone)
			if err != nil {
				return fmt.Errorf("reminder.timezone: %w", err)
			}
		}
		a.roster = reminder.NewMemoryRoster()
		a.sched = reminder.New(reminder.Config{
			LeadTime:  time.Duration(cfg.Reminder.LeadTimeHours) * time.Hour,
			Window:    time.Duration(cfg.Reminder.WindowMinutes) * time.Minute,
			SweepSpec: cfg.Reminder.SweepSpec,
			Location:  loc,
		}, st, a.roster, a.q, a.conn, a.log.With(logx.String("comp", "reminder")))
	}

	if cfg.API.Enabled {
		addr := cfg.API.Addr
		if addr == "" {
			addr = "127.0.0.1:8087"
		}
		a.apiSrv = api.NewServer(api.Options{
			Addr: addr,
			Conn: a.conn,
			Q:    a.q,
			St:   st,
			Lim:  a.lim,
			Log:  a.log.With(logx.String("comp", "api")),
		})
	}
	return nil
}

// Roster exposes the enrollment source so an embedding process can feed it.
func (a *App) Roster() *reminder.MemoryRoster { return a.roster }

// Run starts everything and blocks until ctx is cancelled, then shuts down in
// reverse order.
func (a *App) Run(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "app"))))

	a.conn.Run(ctx)
	a.q.Run(ctx)
	a.notifier.Run(ctx)
	if a.sched != nil {
		if err := a.sched.Run(ctx); err != nil {
			return err
		}
	}

	sup.Go("config.watch", a.cfgMgr.Watch)
	updates := a.cfgMgr.Subscribe(1)
	sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgMgr.Unsubscribe(updates)
		for {
			select {
			case <-c.Done():
				return
			case cfg := <-updates:
				if cfg == nil {
					return
				}
				a.logSvc.Apply(logCfg(cfg.Logging))
				if d, err := config.ParseDurationOrDefault("messaging.pass_interval", cfg.Messaging.PassInterval, 0); err == nil && d > 0 {
					a.q.SetPassInterval(d)
				}
				a.log.Info("configuration reloaded")
			}
		}
	})

	if a.apiSrv != nil {
		sup.Go("api.serve", func(c context.Context) error {
			errc := make(chan error, 1)
			go func() { errc <- a.apiSrv.Start() }()
			select {
			case err := <-errc:
				return err
			case <-c.Done():
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return a.apiSrv.Stop(shutCtx)
			}
		})
	}

	if err := a.conn.Initialize(ctx); err != nil {
		a.log.Warn("initial connection attempt failed", logx.Err(err))
	}

	<-ctx.Done()

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.sched != nil {
		a.sched.Stop()
	}
	a.q.Stop(shutCtx)
	a.conn.Stop(shutCtx)
	a.notifier.Stop(shutCtx)
	_ = sup.Stop(shutCtx)
	if err := a.st.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	return a.logSvc.Close()
}

func (a *App) alertOnPhase(st connection.Status) {
	switch st.Phase {
	case connection.PhaseAwaitingScan:
		a.notifier.Notify("messaging session needs verification; challenge: " + st.Challenge)
	case connection.PhaseDisconnected:
		a.notifier.Notify("messaging session lost; reconnecting shortly")
	case connection.PhaseUninitialized:
		a.notifier.Notify("messaging session authentication failed; manual re-verification required")
	}
}

func logCfg(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}
