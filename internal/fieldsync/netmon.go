package fieldsync

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// Probe reports whether the server is reachable right now.
type Probe func(ctx context.Context) bool

type subscription struct {
	onOnline  func()
	onOffline func()
}

// Monitor tracks connectivity and notifies subscribers on transitions.
type Monitor struct {
	// deliverMu serializes Set so callbacks of one transition finish before
	// the next transition is applied.
	deliverMu sync.Mutex

	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]subscription
}

// NewMonitor starts in the given state. No callback fires for the initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, subs: map[int]subscription{}}
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnTransition registers callbacks for offline->online and online->offline.
// Either may be nil. The returned func unsubscribes only this registration and
// is safe to call more than once.
func (m *Monitor) OnTransition(onOnline, onOffline func()) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = subscription{onOnline: onOnline, onOffline: onOffline}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Set records the current connectivity. Callbacks run synchronously, in
// subscription order, only when the state actually changes. Concurrent calls
// are applied one at a time, so the last callbacks delivered always match
// the final state. Callbacks must not call Set.
func (m *Monitor) Set(online bool) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]subscription, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, m.subs[id])
	}
	m.mu.Unlock()

	for _, s := range subs {
		fn := s.onOffline
		if online {
			fn = s.onOnline
		}
		if fn != nil {
			fn()
		}
	}
}

// Run polls probe every interval and feeds the result into Set until ctx is
// done. The first probe happens immediately.
func (m *Monitor) Run(ctx context.Context, probe Probe, every time.Duration, timeout time.Duration) {
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		online := probe(pctx)
		if ctx.Err() != nil {
			return
		}
		if online != m.IsOnline() {
			log.Printf("netmon: online=%v", online)
		}
		m.Set(online)
	}

	check()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}
