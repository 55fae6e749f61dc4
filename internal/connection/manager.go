// Package connection owns the single transport session: its lifecycle state
// machine, the persisted authentication session, and the dual-candidate send
// primitive. All phase mutations go through the manager; the queue and the
// status API only ever read snapshots.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"classbell/internal/phone"
	"classbell/internal/runtime/supervisor"
	"classbell/internal/transport"
	logx "classbell/pkg/logx"
)

var (
	// ErrNotReady is returned by Send while the session is not authenticated.
	// The caller decides whether to retry; the manager never does.
	ErrNotReady = errors.New("connection: not ready")

	// ErrAuthFailed surfaces a rejected challenge or token. Requires a manual
	// re-scan; never retried automatically.
	ErrAuthFailed = errors.New("connection: authentication failed")
)

const defaultReconnectDelay = 5 * time.Second

type Config struct {
	// SessionFile persists the authenticated session across restarts.
	SessionFile string

	// ReconnectDelay is the pause before auto-reinitializing after an
	// unexpected disconnect. Default 5s.
	ReconnectDelay time.Duration

	// Policy controls candidate ordering for ambiguous local numbers.
	Policy phone.Policy
}

type Manager struct {
	cfg    Config
	client transport.Client
	log    logx.Logger

	mu         sync.Mutex
	phase      Phase
	challenge  string
	address    string
	verifiedAt time.Time
	restarting bool // ForceRestart in flight; suppresses auto-reconnect
	events     chan transport.Event
	sup        *supervisor.Supervisor
	onChange   func(Status)
}

func New(cfg Config, client transport.Client, log logx.Logger) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:    cfg,
		client: client,
		log:    log,
		phase:  PhaseUninitialized,
		events: make(chan transport.Event, 16),
	}
	// Best-effort status continuity: a previously verified address is worth
	// showing before the first Initialize of this process.
	if sess, err := loadSession(cfg.SessionFile); err == nil {
		m.address = sess.Address
		m.verifiedAt = sess.VerifiedAt
	}
	return m
}

// OnPhaseChange installs a hook invoked (outside the manager lock) after every
// accepted transition. Used for operator alerts.
func (m *Manager) OnPhaseChange(fn func(Status)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Run starts the event pump. Transport callbacks never block on queue or disk
// work directly; they only feed the events channel consumed here.
func (m *Manager) Run(ctx context.Context) {
	m.mu.Lock()
	if m.sup != nil {
		m.mu.Unlock()
		return
	}
	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log.With(logx.String("comp", "connection"))))
	sup := m.sup
	m.mu.Unlock()

	sup.Go0("events.pump", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case ev := <-m.events:
				m.handleEvent(ev)
			}
		}
	})
}

func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	sup := m.sup
	m.sup = nil
	m.mu.Unlock()

	m.client.Disconnect()
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

// Initialize connects (or resumes) the session. Idempotent: a no-op while
// already Initializing, AwaitingScan, or Ready.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	switch m.phase {
	case PhaseInitializing, PhaseAwaitingScan, PhaseReady:
		m.mu.Unlock()
		return nil
	}
	m.phase = PhaseInitializing
	m.challenge = ""
	events := m.events
	m.mu.Unlock()

	sess, err := loadSession(m.cfg.SessionFile)
	if err != nil {
		m.log.Warn("session file unreadable; starting fresh", logx.Err(err))
		sess = session{}
	}
	if sess.Token != "" {
		m.log.Info("attempting silent session resume")
	}

	if err := m.client.Connect(ctx, sess.Token, events); err != nil {
		m.mu.Lock()
		m.phase = PhaseUninitialized
		m.mu.Unlock()
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// GetStatus is side-effect-free except that a pending challenge lost from
// memory (process restarted mid-login) is recovered from the session file.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	st := m.statusLocked()
	needRecover := st.Phase == PhaseAwaitingScan && st.Challenge == ""
	m.mu.Unlock()

	if needRecover {
		if sess, err := loadSession(m.cfg.SessionFile); err == nil && sess.Challenge != "" {
			m.mu.Lock()
			if m.phase == PhaseAwaitingScan && m.challenge == "" {
				m.challenge = sess.Challenge
			}
			st = m.statusLocked()
			m.mu.Unlock()
		}
	}
	return st
}

func (m *Manager) statusLocked() Status {
	return Status{
		Phase:           m.phase,
		Challenge:       m.challenge,
		VerifiedAddress: m.address,
		LastVerifiedAt:  m.verifiedAt,
	}
}

// Ready reports whether sends are currently possible.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == PhaseReady
}

// Send normalizes recipient and attempts delivery: primary candidate first,
// then the fallback. It returns the transport message id and the candidate
// that actually carried the send. When both candidates fail, both causes are
// reported.
func (m *Manager) Send(ctx context.Context, recipient, body string) (deliveryID, actualAddress string, err error) {
	if !m.Ready() {
		return "", "", ErrNotReady
	}

	cands := m.cfg.Policy.Normalize(recipient)
	if cands.Primary == "" {
		return "", "", fmt.Errorf("%w: unusable recipient %q", transport.ErrSendFailed, recipient)
	}

	id, err := m.client.SendText(ctx, cands.Primary, body)
	if err == nil {
		return id, cands.Primary, nil
	}
	if cands.Fallback == "" {
		return "", "", fmt.Errorf("%w: %s: %v", transport.ErrSendFailed, cands.Primary, err)
	}

	m.log.Debug("primary candidate failed; trying fallback",
		logx.String("primary", cands.Primary),
		logx.String("fallback", cands.Fallback),
		logx.Err(err),
	)
	id2, err2 := m.client.SendText(ctx, cands.Fallback, body)
	if err2 == nil {
		return id2, cands.Fallback, nil
	}
	return "", "", fmt.Errorf("%w: %s: %v; %s: %v", transport.ErrSendFailed, cands.Primary, err, cands.Fallback, err2)
}

// Restart gracefully reinitializes: runtime handles are torn down and the
// session is resumed from the persisted token. The persisted session is never
// cleared here.
func (m *Manager) Restart(ctx context.Context) error {
	m.log.Info("restart requested")
	m.client.Disconnect()
	m.mu.Lock()
	m.phase = PhaseUninitialized
	m.challenge = ""
	m.mu.Unlock()
	return m.Initialize(ctx)
}

// ForceRestart invalidates the remote session and deletes the persisted one,
// returning to Uninitialized. The next Initialize goes through a fresh
// challenge. Auto-reconnect is suppressed while this is in flight.
func (m *Manager) ForceRestart(ctx context.Context) error {
	m.log.Warn("force restart requested; clearing persisted session")
	m.mu.Lock()
	m.restarting = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.restarting = false
		m.mu.Unlock()
	}()

	if err := m.client.Logout(ctx); err != nil {
		m.log.Warn("remote logout failed", logx.Err(err))
	}
	m.client.Disconnect()
	if err := clearSession(m.cfg.SessionFile); err != nil {
		return err
	}
	m.mu.Lock()
	m.phase = PhaseUninitialized
	m.challenge = ""
	m.address = ""
	m.verifiedAt = time.Time{}
	m.mu.Unlock()
	return nil
}

func (m *Manager) handleEvent(ev transport.Event) {
	m.mu.Lock()
	next, ok := transition(m.phase, ev.Kind)
	if !ok {
		phase := m.phase
		m.mu.Unlock()
		m.log.Debug("event ignored in current phase",
			logx.String("event", string(ev.Kind)),
			logx.String("phase", string(phase)),
		)
		return
	}
	prev := m.phase
	m.phase = next

	switch ev.Kind {
	case transport.EventChallenge:
		m.challenge = ev.Challenge
	case transport.EventReady:
		m.challenge = ""
		m.address = ev.Address
		m.verifiedAt = time.Now()
	case transport.EventAuthFailed:
		m.challenge = ""
	}
	restarting := m.restarting
	onChange := m.onChange
	st := m.statusLocked()
	m.mu.Unlock()

	m.log.Info("connection phase changed",
		logx.String("from", string(prev)),
		logx.String("to", string(next)),
		logx.String("event", string(ev.Kind)),
	)

	switch ev.Kind {
	case transport.EventChallenge:
		m.persistChallenge(ev.Challenge)
	case transport.EventReady:
		m.persistReady(ev.Token, ev.Address)
	case transport.EventAuthFailed:
		m.log.Error("authentication failed; manual re-scan required", logx.Err(ev.Err))
		m.persistChallenge("")
	case transport.EventDisconnected:
		m.log.Warn("session lost", logx.Err(ev.Err))
		if !restarting {
			m.scheduleReconnect()
		}
	}

	if onChange != nil {
		onChange(st)
	}
}

// persistChallenge keeps the pending challenge recoverable across a process
// restart mid-login. The token (if any) is left untouched.
func (m *Manager) persistChallenge(code string) {
	sess, err := loadSession(m.cfg.SessionFile)
	if err != nil {
		sess = session{}
	}
	sess.Challenge = code
	if err := saveSession(m.cfg.SessionFile, sess); err != nil {
		m.log.Warn("failed persisting challenge", logx.Err(err))
	}
}

func (m *Manager) persistReady(token, address string) {
	sess, err := loadSession(m.cfg.SessionFile)
	if err != nil {
		sess = session{}
	}
	if token != "" {
		sess.Token = token
	}
	sess.Address = address
	sess.Challenge = ""
	sess.VerifiedAt = time.Now()
	if err := saveSession(m.cfg.SessionFile, sess); err != nil {
		m.log.Warn("failed persisting session", logx.Err(err))
	}
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	sup := m.sup
	delay := m.cfg.ReconnectDelay
	m.mu.Unlock()
	if sup == nil {
		return
	}

	sup.Go0("reconnect", func(c context.Context) {
		select {
		case <-c.Done():
			return
		case <-time.After(delay):
		}
		m.mu.Lock()
		still := m.phase == PhaseDisconnected && !m.restarting
		m.mu.Unlock()
		if !still {
			return
		}
		m.mu.Lock()
		m.phase = PhaseUninitialized
		m.mu.Unlock()
		if err := m.Initialize(c); err != nil {
			m.log.Warn("auto-reconnect failed", logx.Err(err))
		}
	})
}
