// Package console provides a development stand-in for the real messaging
// session: it authenticates instantly when handed a token, otherwise walks
// through a fake challenge, and "delivers" messages by logging them.
package console

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"classbell/internal/transport"
	logx "classbell/pkg/logx"
)

type Client struct {
	log logx.Logger

	mu        sync.Mutex
	connected bool
	ready     bool
	out       chan<- transport.Event

	// ScanDelay is how long the fake challenge stays pending before the
	// client pretends it was scanned. Zero means never (operator must call
	// CompleteScan).
	ScanDelay time.Duration
}

func New(log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{log: log, ScanDelay: 3 * time.Second}
}

func (c *Client) Connect(ctx context.Context, token string, out chan<- transport.Event) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = true
	c.out = out
	c.mu.Unlock()

	if token != "" {
		c.log.Info("console transport resuming session")
		c.becomeReady(token)
		return nil
	}

	code := fmt.Sprintf("console-%06d", rand.Intn(1_000_000))
	c.emit(transport.Event{Kind: transport.EventChallenge, Challenge: code})
	c.log.Info("console transport issued challenge", logx.String("code", code))

	if c.ScanDelay > 0 {
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(c.ScanDelay):
				c.CompleteScan()
			}
		}()
	}
	return nil
}

// CompleteScan simulates the operator scanning the pending challenge.
func (c *Client) CompleteScan() {
	c.becomeReady(fmt.Sprintf("console-token-%d", time.Now().UnixNano()))
}

func (c *Client) becomeReady(token string) {
	c.mu.Lock()
	if !c.connected || c.ready {
		c.mu.Unlock()
		return
	}
	c.ready = true
	c.mu.Unlock()
	c.emit(transport.Event{Kind: transport.EventReady, Address: "5500000000000", Token: token})
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.ready = false
	c.out = nil
	c.mu.Unlock()
}

func (c *Client) Logout(ctx context.Context) error {
	c.Disconnect()
	return nil
}

func (c *Client) SendText(ctx context.Context, address, body string) (string, error) {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	if !ready {
		return "", transport.ErrNotConnected
	}
	id := fmt.Sprintf("console-msg-%d", time.Now().UnixNano())
	c.log.Info("console transport delivered message",
		logx.String("to", address),
		logx.Int("body_len", len(body)),
		logx.String("id", id),
	)
	return id, nil
}

func (c *Client) emit(ev transport.Event) {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- ev:
	default:
		c.log.Warn("console transport dropped event", logx.String("kind", string(ev.Kind)))
	}
}
