package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "classbell/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "classbell.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newEntry(id string, prio int, scheduledFor, createdAt time.Time) QueueEntry {
	return QueueEntry{
		ID:           id,
		Recipient:    "11987654321",
		Body:         "hello",
		Kind:         KindGeneral,
		Priority:     prio,
		ScheduledFor: scheduledFor,
		Status:       StatusPending,
		MaxAttempts:  3,
		CreatedAt:    createdAt,
	}
}

func TestNextDueOrdering(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// Same priority: older scheduled_for wins. Lower priority number beats both.
	entries := []QueueEntry{
		newEntry("b", 3, now.Add(-time.Minute), now.Add(-time.Hour)),
		newEntry("a", 3, now.Add(-2*time.Minute), now.Add(-time.Hour)),
		newEntry("urgent", 1, now.Add(-time.Second), now),
		newEntry("later", 3, now.Add(time.Hour), now), // not due yet
	}
	for _, e := range entries {
		if err := st.InsertQueueEntry(ctx, e); err != nil {
			t.Fatalf("InsertQueueEntry(%s): %v", e.ID, err)
		}
	}

	got, err := st.NextDue(ctx, now)
	if err != nil {
		t.Fatalf("NextDue: %v", err)
	}
	if got == nil || got.ID != "urgent" {
		t.Fatalf("expected urgent first, got %+v", got)
	}

	if err := st.MarkProcessing(ctx, "urgent", now); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	got, err = st.NextDue(ctx, now)
	if err != nil {
		t.Fatalf("NextDue: %v", err)
	}
	if got == nil || got.ID != "a" {
		t.Fatalf("expected a next, got %+v", got)
	}
}

func TestNextDueSkipsExhausted(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	e := newEntry("x", 3, now.Add(-time.Minute), now)
	e.Attempts = 3 // already at max
	if err := st.InsertQueueEntry(ctx, e); err != nil {
		t.Fatalf("InsertQueueEntry: %v", err)
	}

	got, err := st.NextDue(ctx, now)
	if err != nil {
		t.Fatalf("NextDue: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no due entry, got %+v", got)
	}
}

func TestMarkLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := st.InsertQueueEntry(ctx, newEntry("m", 3, now, now)); err != nil {
		t.Fatalf("InsertQueueEntry: %v", err)
	}

	if err := st.MarkProcessing(ctx, "m", now); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	e, err := st.GetQueueEntry(ctx, "m")
	if err != nil {
		t.Fatalf("GetQueueEntry: %v", err)
	}
	if e.Status != StatusProcessing || e.Attempts != 1 || e.LastAttemptAt == nil {
		t.Fatalf("unexpected state after MarkProcessing: %+v", e)
	}

	retryAt := now.Add(2 * time.Second)
	if err := st.MarkRetry(ctx, "m", retryAt, "boom"); err != nil {
		t.Fatalf("MarkRetry: %v", err)
	}
	e, _ = st.GetQueueEntry(ctx, "m")
	if e.Status != StatusPending || e.ErrorMessage != "boom" {
		t.Fatalf("unexpected state after MarkRetry: %+v", e)
	}
	if e.ScheduledFor.UnixMilli() != retryAt.UnixMilli() {
		t.Fatalf("ScheduledFor = %v, want %v", e.ScheduledFor, retryAt)
	}

	if err := st.MarkSent(ctx, "m", now); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	e, _ = st.GetQueueEntry(ctx, "m")
	if e.Status != StatusSent || e.SentAt == nil || e.ErrorMessage != "" {
		t.Fatalf("unexpected state after MarkSent: %+v", e)
	}
}

func TestCancelOnlyNonTerminal(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := st.InsertQueueEntry(ctx, newEntry("c", 3, now, now)); err != nil {
		t.Fatalf("InsertQueueEntry: %v", err)
	}

	ok, err := st.CancelQueueEntry(ctx, "c")
	if err != nil || !ok {
		t.Fatalf("CancelQueueEntry = (%v, %v), want (true, nil)", ok, err)
	}

	// A second cancel is a no-op.
	ok, err = st.CancelQueueEntry(ctx, "c")
	if err != nil || ok {
		t.Fatalf("second CancelQueueEntry = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestHasActiveQueued(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := st.InsertQueueEntry(ctx, newEntry("q", 3, now, now)); err != nil {
		t.Fatalf("InsertQueueEntry: %v", err)
	}

	ok, err := st.HasActiveQueued(ctx, "11987654321", KindGeneral)
	if err != nil || !ok {
		t.Fatalf("pending entry: HasActiveQueued = (%v, %v), want (true, nil)", ok, err)
	}

	// Wrong kind or recipient does not match.
	if ok, _ := st.HasActiveQueued(ctx, "11987654321", KindClass); ok {
		t.Fatal("matched a different kind")
	}
	if ok, _ := st.HasActiveQueued(ctx, "11900000000", KindGeneral); ok {
		t.Fatal("matched a different recipient")
	}

	// Processing still counts as active.
	if err := st.MarkProcessing(ctx, "q", now); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if ok, _ := st.HasActiveQueued(ctx, "11987654321", KindGeneral); !ok {
		t.Fatal("processing entry not counted as active")
	}

	// Terminal entries do not.
	if err := st.MarkSent(ctx, "q", now); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if ok, _ := st.HasActiveQueued(ctx, "11987654321", KindGeneral); ok {
		t.Fatal("sent entry still counted as active")
	}
}

func TestCleanupIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := newEntry("old", 3, now.Add(-40*24*time.Hour), now.Add(-40*24*time.Hour))
	old.Status = StatusSent
	fresh := newEntry("fresh", 3, now, now)
	pendingOld := newEntry("pending-old", 3, now.Add(-40*24*time.Hour), now.Add(-40*24*time.Hour))
	for _, e := range []QueueEntry{old, fresh, pendingOld} {
		if err := st.InsertQueueEntry(ctx, e); err != nil {
			t.Fatalf("InsertQueueEntry(%s): %v", e.ID, err)
		}
	}

	cutoff := now.Add(-30 * 24 * time.Hour)
	n, err := st.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteTerminalBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted row, got %d", n)
	}

	// Pending rows are never swept, regardless of age.
	if _, err := st.GetQueueEntry(ctx, "pending-old"); err != nil {
		t.Fatalf("pending row was swept: %v", err)
	}

	n, err = st.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteTerminalBefore (second): %v", err)
	}
	if n != 0 {
		t.Fatalf("second sweep deleted %d rows, want 0", n)
	}
}

func TestCountByStatus(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	failed := newEntry("f", 3, now, now)
	failed.Status = StatusFailed
	for _, e := range []QueueEntry{newEntry("p1", 3, now, now), newEntry("p2", 3, now, now), failed} {
		if err := st.InsertQueueEntry(ctx, e); err != nil {
			t.Fatalf("InsertQueueEntry(%s): %v", e.ID, err)
		}
	}

	counts, err := st.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[StatusPending] != 2 || counts[StatusFailed] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestMessageLogQueries(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if _, ok, err := st.LastDeliveredAt(ctx); err != nil || ok {
		t.Fatalf("LastDeliveredAt on empty log = (%v, %v)", ok, err)
	}

	entries := []LogEntry{
		{Recipient: "11987654321", Body: "hi", Kind: KindClass, Delivered: true, At: now.Add(-2 * time.Hour)},
		{Recipient: "11987654321", Body: "hi", Kind: KindClass, Delivered: false, Error: "send failed", At: now.Add(-time.Hour)},
		{Recipient: "11911112222", Body: "yo", Kind: KindGeneral, Delivered: true, At: now.Add(-time.Minute)},
	}
	for _, e := range entries {
		if err := st.AppendLog(ctx, e); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	last, ok, err := st.LastDeliveredAt(ctx)
	if err != nil || !ok {
		t.Fatalf("LastDeliveredAt = (%v, %v)", ok, err)
	}
	if last.UnixMilli() != now.Add(-time.Minute).UnixMilli() {
		t.Fatalf("LastDeliveredAt = %v, want %v", last, now.Add(-time.Minute))
	}

	// Failed sends do not count toward dedup.
	got, err := st.DeliveredSince(ctx, "11987654321", KindClass, now.Add(-90*time.Minute))
	if err != nil {
		t.Fatalf("DeliveredSince: %v", err)
	}
	if got {
		t.Fatal("failed send counted as delivered")
	}

	got, err = st.DeliveredSince(ctx, "11987654321", KindClass, now.Add(-3*time.Hour))
	if err != nil {
		t.Fatalf("DeliveredSince: %v", err)
	}
	if !got {
		t.Fatal("expected delivered=true within window")
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	s, err := st.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if !s.Enabled || s.RateLimitSeconds != 30 {
		t.Fatalf("unexpected defaults: %+v", s)
	}

	if err := st.PutSettings(ctx, Settings{Enabled: false, RateLimitSeconds: 60}); err != nil {
		t.Fatalf("PutSettings: %v", err)
	}
	s, _ = st.GetSettings(ctx)
	if s.Enabled || s.RateLimitSeconds != 60 {
		t.Fatalf("settings did not round-trip: %+v", s)
	}
}

func TestTemplates(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	body, err := st.GetTemplate(ctx, KindClass)
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if body == "" {
		t.Fatal("expected a seeded class template")
	}

	if err := st.PutTemplate(ctx, KindClass, "custom {{student}}"); err != nil {
		t.Fatalf("PutTemplate: %v", err)
	}
	body, _ = st.GetTemplate(ctx, KindClass)
	if body != "custom {{student}}" {
		t.Fatalf("template not replaced: %q", body)
	}
}
