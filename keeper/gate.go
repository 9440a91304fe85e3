package keeper

import "sync"

// Gate admits at most one submission loop per work item key.
type Gate interface {
	// TryAdmit marks key busy and returns true only if it was not busy already.
	TryAdmit(key string) bool
	// Release clears the busy mark. Releasing a key that is not busy is a no-op.
	Release(key string)
}

// MemoryGate is a process local Gate.
type MemoryGate struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func NewMemoryGate() *MemoryGate {
	return &MemoryGate{
		busy: make(map[string]struct{}),
	}
}

func (g *MemoryGate) TryAdmit(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.busy[key]; ok {
		return false
	}
	g.busy[key] = struct{}{}
	return true
}

func (g *MemoryGate) Release(key string) {
	g.mu.Lock()
	delete(g.busy, key)
	g.mu.Unlock()
}

// InFlight returns the number of keys currently admitted.
func (g *MemoryGate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.busy)
}
