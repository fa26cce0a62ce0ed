// Package connectivity exposes the online/offline signal the sync
// coordinator subscribes to. The host application feeds transitions in
// (from its network probes or platform callbacks); this package only
// fans them out.
package connectivity

import "sync"

// Monitor is a boolean connectivity event source. Duplicate
// transitions are coalesced: subscribers only see actual edges.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online: online,
		subs:   make(map[int]chan bool),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records a connectivity change and notifies subscribers. Setting
// the current state again is a no-op.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return
	}
	m.online = online
	for _, ch := range m.subs {
		// Keep-latest: when a slow subscriber still holds an undrained
		// edge, replace it rather than dropping the new one, so the
		// buffered edge always matches the current state.
		select {
		case ch <- online:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- online:
			default:
			}
		}
	}
}

// Subscribe returns a channel of connectivity edges and a cancel
// function that must be called to release the subscription.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
	return ch, cancel
}
