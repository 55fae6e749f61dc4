package reminder

import (
	"context"
	"sort"
	"sync"
	"time"

	"classbell/internal/store"
)

// Event is a scheduled session on the administration side.
type Event struct {
	ID       string
	Kind     store.Kind // class, mentoring or makeup
	Title    string
	StartsAt time.Time
	Location string
}

// Recipient is an enrolled person the scheduler may message.
type Recipient struct {
	Name  string
	Phone string // raw phone as registered; may be empty
}

// Roster exposes the slice of enrollment data the scheduler needs. The
// administration CRUD lives elsewhere; sweeps only read.
type Roster interface {
	// EventsBetween returns events starting within [from, to].
	EventsBetween(ctx context.Context, from, to time.Time) ([]Event, error)

	// ActiveRecipients returns currently-enrolled recipients for an event.
	ActiveRecipients(ctx context.Context, eventID string) ([]Recipient, error)
}

// MemoryRoster is an in-process Roster for development and tests.
type MemoryRoster struct {
	mu       sync.Mutex
	events   map[string]Event
	enrolled map[string][]Recipient
}

func NewMemoryRoster() *MemoryRoster {
	return &MemoryRoster{
		events:   map[string]Event{},
		enrolled: map[string][]Recipient{},
	}
}

func (r *MemoryRoster) AddEvent(e Event) {
	r.mu.Lock()
	r.events[e.ID] = e
	r.mu.Unlock()
}

func (r *MemoryRoster) Enroll(eventID string, rec Recipient) {
	r.mu.Lock()
	r.enrolled[eventID] = append(r.enrolled[eventID], rec)
	r.mu.Unlock()
}

func (r *MemoryRoster) EventsBetween(_ context.Context, from, to time.Time) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if !e.StartsAt.Before(from) && !e.StartsAt.After(to) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (r *MemoryRoster) ActiveRecipients(_ context.Context, eventID string) ([]Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recipient(nil), r.enrolled[eventID]...), nil
}
