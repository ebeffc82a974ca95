// Package guard provides the exclusive-device marker: the underlying
// driver model supports only one open device process-wide, so stream
// open must acquire the guard and close must release it.
package guard

import "sync"

// DeviceGuard tracks the single currently open device. The zero value is
// unheld.
type DeviceGuard struct {
	mu     sync.Mutex
	holder string
	held   bool
}

// Acquire claims the guard for the named device. It reports false, along
// with the current holder's name, when some device is already open.
func (g *DeviceGuard) Acquire(name string) (ok bool, holder string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return false, g.holder
	}
	g.held = true
	g.holder = name
	return true, name
}

// Release frees the guard. Releasing an unheld guard is a no-op.
func (g *DeviceGuard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = false
	g.holder = ""
}

// Holder returns the current holder's name and whether the guard is held.
func (g *DeviceGuard) Holder() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder, g.held
}
