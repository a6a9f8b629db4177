// Package marker holds the process-wide "transformation facility is active"
// flag.
//
// The flag is absent at process start, set at most once after an attach pass
// completes, and never cleared. Any code in the process may read it through
// Active().IsSet(), or Named(name).IsSet() for a marker published under a
// configured name.
package marker

import (
	"sync"
	"sync/atomic"
)

// DefaultName names the process-wide marker.
const DefaultName = "late_attach.active"

// Marker is a named monotone flag.
type Marker struct {
	name string
	set  atomic.Bool
}

// New creates an unset marker that is not registered process-wide.
func New(name string) *Marker {
	return &Marker{name: name}
}

var (
	namedMu sync.Mutex
	named   = make(map[string]*Marker)
)

// Named returns the process-wide marker called name, creating it unset on
// first use. Every caller asking for the same name gets the same marker.
func Named(name string) *Marker {
	namedMu.Lock()
	defer namedMu.Unlock()
	m, ok := named[name]
	if !ok {
		m = New(name)
		named[name] = m
	}
	return m
}

// Active returns the process-wide marker under DefaultName.
func Active() *Marker {
	return Named(DefaultName)
}

// Name returns the marker's published name.
func (m *Marker) Name() string {
	return m.name
}

// IsSet reports whether the marker has been published.
func (m *Marker) IsSet() bool {
	return m.set.Load()
}

// Set publishes the marker. It returns true only for the call that
// transitioned the flag; later calls leave it set and return false.
func (m *Marker) Set() bool {
	return m.set.CompareAndSwap(false, true)
}
