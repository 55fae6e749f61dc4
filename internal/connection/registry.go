package connection

import "sync"

// DefaultKey is the fixed registry name for the one messaging session.
const DefaultKey = "classbell.messaging"

var (
	regMu    sync.Mutex
	registry = map[string]*Manager{}
)

// Manage returns the live manager registered under key, constructing one only
// if none exists yet. The transport tolerates a single concurrent session per
// account, so independent call sites must all resolve through here instead of
// spinning up competing sessions.
func Manage(key string, build func() *Manager) *Manager {
	regMu.Lock()
	defer regMu.Unlock()
	if m, ok := registry[key]; ok && m != nil {
		return m
	}
	m := build()
	registry[key] = m
	return m
}

// Lookup returns the manager registered under key, if any.
func Lookup(key string) (*Manager, bool) {
	regMu.Lock()
	defer regMu.Unlock()
	m, ok := registry[key]
	return m, ok && m != nil
}

// unregister is test support: it lets a test tear down its manager without
// leaking into the next one.
func unregister(key string) {
	regMu.Lock()
	delete(registry, key)
	regMu.Unlock()
}
