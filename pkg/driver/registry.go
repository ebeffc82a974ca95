package driver

import (
	"fmt"
	"sort"
	"sync"
)

// The registry plays the role of the platform's driver enumeration
// service: installed drivers register a factory under their display name,
// and the portable layer lists and loads them by that name.

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() (Driver, error))
)

// Register makes a driver available under name. Registering the same name
// twice panics; drivers register from package init functions, so a
// duplicate is a programming error, not a runtime condition.
func Register(name string, open func() (Driver, error)) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("driver: Register called twice for %q", name))
	}
	registry[name] = open
}

// Names returns the registered driver names in lexical order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load opens the driver registered under name.
func Load(name string) (Driver, error) {
	registryMu.RLock()
	open, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("driver: no driver registered as %q", name)
	}
	return open()
}
