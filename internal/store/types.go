package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable wraps database failures. Callers treat it as loud:
	// enqueue and pass work fail visibly rather than dropping data.
	ErrUnavailable = errors.New("store unavailable")

	ErrNotFound = errors.New("not found")
)

// Status is a queue entry's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further pass may mutate an entry.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// Kind classifies an outbound message.
type Kind string

const (
	KindClass     Kind = "class"
	KindMentoring Kind = "mentoring"
	KindMakeup    Kind = "makeup"
	KindGeneral   Kind = "general"
)

// QueueEntry is one unit of outbound work.
//
// Invariants: Attempts <= MaxAttempts; SentAt is set iff Status == sent;
// terminal entries are only ever touched again by the retention sweep.
type QueueEntry struct {
	ID            string
	Recipient     string // raw phone string as provided by the producer
	Body          string
	Kind          Kind
	Priority      int // 1 = highest .. 5 = lowest
	ScheduledFor  time.Time
	Status        Status
	Attempts      int
	MaxAttempts   int
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	SentAt        *time.Time
	ErrorMessage  string
	Metadata      map[string]string
}

// LogEntry is one row of the append-only message log. Both the queue pass and
// the reminder sweeps append here; the rate limiter and the reminder dedup
// check read from it.
type LogEntry struct {
	ID            int64
	Recipient     string
	ActualAddress string // candidate that actually carried the send
	Body          string
	TransportID   string
	Kind          Kind
	Delivered     bool
	Error         string
	At            time.Time
}

// Settings is the runtime-writable messaging configuration.
type Settings struct {
	Enabled          bool
	RateLimitSeconds int
}

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the persistence API for the messaging core.
type Store interface {
	// Queue.
	InsertQueueEntry(ctx context.Context, e QueueEntry) error
	NextDue(ctx context.Context, now time.Time) (*QueueEntry, error)
	MarkProcessing(ctx context.Context, id string, at time.Time) error
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkRetry(ctx context.Context, id string, scheduledFor time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	CancelQueueEntry(ctx context.Context, id string) (bool, error)
	GetQueueEntry(ctx context.Context, id string) (*QueueEntry, error)
	HasActiveQueued(ctx context.Context, recipient string, kind Kind) (bool, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// Message log.
	AppendLog(ctx context.Context, e LogEntry) error
	LastDeliveredAt(ctx context.Context) (time.Time, bool, error)
	DeliveredSince(ctx context.Context, address string, kind Kind, since time.Time) (bool, error)

	// Settings.
	GetSettings(ctx context.Context) (Settings, error)
	PutSettings(ctx context.Context, s Settings) error

	// Message templates, one active body per kind.
	GetTemplate(ctx context.Context, kind Kind) (string, error)
	PutTemplate(ctx context.Context, kind Kind, body string) error

	Close() error
}
