package flow

import (
	"sort"
	"sync"
	"time"
)

// AllQueues is the blocking entity used for administrative blocks that
// apply to every queue at once.
const AllQueues = "*"

// Gate is the channel-wide publisher block. Several entities (a queue over
// its capacity, an administrative block) may hold it at once; it opens only
// when the last of them lets go.
type Gate struct {
	mu       sync.Mutex
	entities map[string]struct{}
	since    time.Time
	now      func() time.Time
}

// NewGate creates an open gate
func NewGate() *Gate {
	return &Gate{
		entities: make(map[string]struct{}),
		now:      time.Now,
	}
}

// Block registers entity as blocking. It reports whether the gate went
// from open to blocked.
func (g *Gate) Block(entity string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.entities[entity]; ok {
		return false
	}
	wasOpen := len(g.entities) == 0
	g.entities[entity] = struct{}{}
	if wasOpen {
		g.since = g.now()
	}
	return wasOpen
}

// Unblock removes entity. It reports whether the gate went from blocked to
// open.
func (g *Gate) Unblock(entity string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.entities[entity]; !ok {
		return false
	}
	delete(g.entities, entity)
	if len(g.entities) == 0 {
		g.since = time.Time{}
		return true
	}
	return false
}

// UnblockAll clears every entity, reporting whether the gate opened
func (g *Gate) UnblockAll() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	wasBlocked := len(g.entities) > 0
	g.entities = make(map[string]struct{})
	g.since = time.Time{}
	return wasBlocked
}

// IsBlocked reports whether any entity holds the gate
func (g *Gate) IsBlocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entities) > 0
}

// BlockedFor returns how long the gate has been continuously blocked
func (g *Gate) BlockedFor() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.entities) == 0 {
		return 0
	}
	return g.now().Sub(g.since)
}

// Entities returns the blocking entities in sorted order
func (g *Gate) Entities() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.entities))
	for e := range g.entities {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
