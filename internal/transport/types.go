// Package transport defines the boundary to the external chat-messaging
// session. The real service is browser-driven and session-based: it hands out
// a scannable challenge for new logins, stays authenticated via an opaque
// token, and can drop the session at any time. Everything above this package
// only sees the Client interface and its event stream.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by SendText when no live session exists.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrSendFailed wraps per-address delivery rejections.
	ErrSendFailed = errors.New("transport: send failed")
)

type EventKind string

const (
	// EventChallenge carries a fresh scannable code for out-of-band login.
	EventChallenge EventKind = "challenge"
	// EventReady means the session is authenticated and can send.
	EventReady EventKind = "ready"
	// EventAuthFailed means the challenge or stored credentials were rejected.
	EventAuthFailed EventKind = "auth_failed"
	// EventDisconnected means a previously ready session was lost.
	EventDisconnected EventKind = "disconnected"
)

type Event struct {
	Kind EventKind

	// Challenge is the scannable code payload (EventChallenge only).
	Challenge string

	// Address is the account's own verified address (EventReady only).
	Address string

	// Token is the refreshed session token to persist (EventReady only).
	Token string

	// Err carries the cause for EventAuthFailed / EventDisconnected.
	Err error
}

// Client is a single logical session with the messaging service.
//
// The service tolerates exactly one concurrent session per account, so there
// must never be more than one connected Client per process group; the
// connection manager enforces that.
type Client interface {
	// Connect establishes a session and starts emitting events on out.
	// A non-empty token requests a silent resume of a previous session;
	// when the resume is rejected the client falls back to issuing a fresh
	// challenge. Connect returns once the attempt is underway; the outcome
	// arrives as events.
	Connect(ctx context.Context, token string, out chan<- Event) error

	// Disconnect tears down runtime handles. It does not invalidate the
	// remote session; a later Connect with the same token may resume it.
	Disconnect()

	// Logout invalidates the remote session so the next Connect must go
	// through a fresh challenge.
	Logout(ctx context.Context) error

	// SendText delivers body to the given normalized address and returns the
	// transport's message id. Address-specific rejections wrap ErrSendFailed.
	SendText(ctx context.Context, address, body string) (string, error)
}
