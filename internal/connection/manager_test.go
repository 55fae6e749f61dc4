package connection

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"classbell/internal/phone"
	"classbell/internal/transport"
	logx "classbell/pkg/logx"
)

type fakeClient struct {
	mu        sync.Mutex
	out       chan<- transport.Event
	lastToken string
	connects  int
	logouts   int
	sent      []string
	failAddr  map[string]error
}

func (f *fakeClient) Connect(_ context.Context, token string, out chan<- transport.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = out
	f.lastToken = token
	f.connects++
	return nil
}

func (f *fakeClient) Disconnect() {}

func (f *fakeClient) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeClient) SendText(_ context.Context, address, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failAddr[address]; ok {
		return "", err
	}
	f.sent = append(f.sent, address)
	return "msg-" + address, nil
}

func (f *fakeClient) emit(ev transport.Event) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	out <- ev
}

func newTestManager(t *testing.T, fc *fakeClient) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, "session.json")
	m := New(Config{SessionFile: file, ReconnectDelay: 10 * time.Millisecond}, fc, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		m.Stop(context.Background())
		cancel()
	})
	m.Run(ctx)
	return m, file
}

func waitPhase(t *testing.T, m *Manager, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.GetStatus().Phase == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase = %q, want %q", m.GetStatus().Phase, want)
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()
	cases := []struct {
		cur  Phase
		kind transport.EventKind
		next Phase
		ok   bool
	}{
		{PhaseInitializing, transport.EventChallenge, PhaseAwaitingScan, true},
		{PhaseAwaitingScan, transport.EventChallenge, PhaseAwaitingScan, true},
		{PhaseInitializing, transport.EventReady, PhaseReady, true},
		{PhaseAwaitingScan, transport.EventReady, PhaseReady, true},
		{PhaseInitializing, transport.EventAuthFailed, PhaseUninitialized, true},
		{PhaseAwaitingScan, transport.EventAuthFailed, PhaseUninitialized, true},
		{PhaseReady, transport.EventDisconnected, PhaseDisconnected, true},
		{PhaseUninitialized, transport.EventReady, PhaseUninitialized, false},
		{PhaseReady, transport.EventChallenge, PhaseReady, false},
		{PhaseDisconnected, transport.EventDisconnected, PhaseDisconnected, false},
	}
	for _, tc := range cases {
		next, ok := transition(tc.cur, tc.kind)
		if next != tc.next || ok != tc.ok {
			t.Errorf("transition(%q, %q) = (%q, %v), want (%q, %v)",
				tc.cur, tc.kind, next, ok, tc.next, tc.ok)
		}
	}
}

func TestResumeSkipsScan(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	m, file := newTestManager(t, fc)

	if err := saveSession(file, session{Token: "tok-1", Address: "5511988887777"}); err != nil {
		t.Fatal(err)
	}

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	fc.mu.Lock()
	token := fc.lastToken
	fc.mu.Unlock()
	if token != "tok-1" {
		t.Fatalf("Connect token = %q, want persisted token", token)
	}

	fc.emit(transport.Event{Kind: transport.EventReady, Address: "5511988887777", Token: "tok-1"})
	waitPhase(t, m, PhaseReady)

	st := m.GetStatus()
	if st.Challenge != "" {
		t.Fatalf("challenge = %q after silent resume, want empty", st.Challenge)
	}
	if st.VerifiedAddress != "5511988887777" {
		t.Fatalf("verified address = %q", st.VerifiedAddress)
	}
}

func TestChallengeFlow(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	m, file := newTestManager(t, fc)

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	fc.emit(transport.Event{Kind: transport.EventChallenge, Challenge: "scan-me"})
	waitPhase(t, m, PhaseAwaitingScan)

	if got := m.GetStatus().Challenge; got != "scan-me" {
		t.Fatalf("challenge = %q, want scan-me", got)
	}

	// The pending challenge must survive a process restart mid-login.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if sess, err := loadSession(file); err == nil && sess.Challenge == "scan-me" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("challenge never persisted to session file")
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.mu.Lock()
	m.challenge = ""
	m.mu.Unlock()
	if got := m.GetStatus().Challenge; got != "scan-me" {
		t.Fatalf("recovered challenge = %q, want scan-me", got)
	}

	fc.emit(transport.Event{Kind: transport.EventReady, Address: "5511977776666", Token: "tok-2"})
	waitPhase(t, m, PhaseReady)
	if got := m.GetStatus().Challenge; got != "" {
		t.Fatalf("challenge = %q after ready, want cleared", got)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	m, _ := newTestManager(t, fc)

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	fc.mu.Lock()
	connects := fc.connects
	fc.mu.Unlock()
	if connects != 1 {
		t.Fatalf("connects = %d, want 1 (second Initialize must be a no-op)", connects)
	}
}

func TestSendNotReady(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	m, _ := newTestManager(t, fc)

	if _, _, err := m.Send(context.Background(), "11987654321", "oi"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Send before init = %v, want ErrNotReady", err)
	}
}

func TestSendFallsBackToSecondCandidate(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{failAddr: map[string]error{
		"551187654321": errors.New("recipient not on network"),
	}}
	m, _ := newTestManager(t, fc)

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	fc.emit(transport.Event{Kind: transport.EventReady, Address: "5511900000000"})
	waitPhase(t, m, PhaseReady)

	// Eleven digits with the ninth-digit marker: legacy form first, modern
	// form as fallback. The legacy address fails, so the modern one carries it.
	id, addr, err := m.Send(context.Background(), "11987654321", "oi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if addr != "5511987654321" {
		t.Fatalf("actual address = %q, want modern fallback", addr)
	}
	if !phone.Normalize("11987654321").Has(addr) {
		t.Fatalf("address %q is not a candidate for the recipient", addr)
	}
	if id == "" {
		t.Fatal("empty delivery id")
	}
}

func TestSendBothCandidatesFail(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{failAddr: map[string]error{
		"551187654321":  errors.New("legacy rejected"),
		"5511987654321": errors.New("modern rejected"),
	}}
	m, _ := newTestManager(t, fc)

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	fc.emit(transport.Event{Kind: transport.EventReady, Address: "5511900000000"})
	waitPhase(t, m, PhaseReady)

	_, _, err := m.Send(context.Background(), "11987654321", "oi")
	if !errors.Is(err, transport.ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
	for _, want := range []string{"legacy rejected", "modern rejected"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing cause %q", err, want)
		}
	}
}

func TestAutoReconnectAfterDisconnect(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	m, _ := newTestManager(t, fc)

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	fc.emit(transport.Event{Kind: transport.EventReady, Address: "5511900000000", Token: "tok-3"})
	waitPhase(t, m, PhaseReady)

	fc.emit(transport.Event{Kind: transport.EventDisconnected, Err: errors.New("socket closed")})

	// After the reconnect delay the manager dials again with the saved token.
	deadline := time.Now().Add(2 * time.Second)
	for {
		fc.mu.Lock()
		connects := fc.connects
		fc.mu.Unlock()
		if connects >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no reconnect attempt after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	fc.mu.Lock()
	token := fc.lastToken
	fc.mu.Unlock()
	if token != "tok-3" {
		t.Fatalf("reconnect token = %q, want persisted token", token)
	}
}

func TestForceRestartClearsSession(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	m, file := newTestManager(t, fc)

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	fc.emit(transport.Event{Kind: transport.EventReady, Address: "5511900000000", Token: "tok-4"})
	waitPhase(t, m, PhaseReady)

	if err := m.ForceRestart(context.Background()); err != nil {
		t.Fatalf("ForceRestart: %v", err)
	}
	if st := m.GetStatus(); st.Phase != PhaseUninitialized {
		t.Fatalf("phase = %q after force restart, want uninitialized", st.Phase)
	}
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Fatalf("session file still present after force restart (stat err: %v)", err)
	}
	fc.mu.Lock()
	logouts := fc.logouts
	fc.mu.Unlock()
	if logouts != 1 {
		t.Fatalf("logouts = %d, want 1", logouts)
	}
}

func TestRegistryReturnsSameManager(t *testing.T) {
	key := "test.registry.same"
	t.Cleanup(func() { unregister(key) })

	build := func() *Manager {
		return New(Config{}, &fakeClient{}, logx.Nop())
	}
	a := Manage(key, build)
	b := Manage(key, build)
	if a != b {
		t.Fatal("Manage constructed a second manager for the same key")
	}
	got, ok := Lookup(key)
	if !ok || got != a {
		t.Fatal("Lookup did not return the managed instance")
	}
}
