package connection

import (
	"time"

	"classbell/internal/transport"
)

// Phase is the connection lifecycle state. There is exactly one writer of the
// phase (the manager's event pump); everyone else reads snapshots.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseInitializing  Phase = "initializing"
	PhaseAwaitingScan  Phase = "awaiting_scan"
	PhaseReady         Phase = "ready"
	PhaseDisconnected  Phase = "disconnected"
)

// Status is a point-in-time snapshot for the status API and the queue.
type Status struct {
	Phase           Phase     `json:"phase"`
	Challenge       string    `json:"challenge,omitempty"`
	VerifiedAddress string    `json:"verified_address,omitempty"`
	LastVerifiedAt  time.Time `json:"last_verified_at,omitempty"`
}

// transition maps (phase, transport event) to the next phase. It is pure:
// side effects (persistence, alerts, reconnect timers) happen in the event
// pump after the transition is accepted.
func transition(cur Phase, kind transport.EventKind) (Phase, bool) {
	switch kind {
	case transport.EventChallenge:
		if cur == PhaseInitializing || cur == PhaseAwaitingScan {
			return PhaseAwaitingScan, true
		}
	case transport.EventReady:
		if cur == PhaseInitializing || cur == PhaseAwaitingScan {
			return PhaseReady, true
		}
	case transport.EventAuthFailed:
		if cur == PhaseInitializing || cur == PhaseAwaitingScan {
			return PhaseUninitialized, true
		}
	case transport.EventDisconnected:
		if cur == PhaseReady {
			return PhaseDisconnected, true
		}
	}
	return cur, false
}
