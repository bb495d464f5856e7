package router

import (
	"slices"
	"sync"
)

// progressTracker remembers which whitelisted percentages already fired in
// the current job.
type progressTracker struct {
	mu    sync.Mutex
	fired map[int]bool
}

func newProgressTracker() *progressTracker {
	return &progressTracker{fired: map[int]bool{}}
}

// fire reports whether percent matches the whitelist exactly and has not
// fired yet in this job.
func (p *progressTracker) fire(percent int, whitelist []int) bool {
	if !slices.Contains(whitelist, percent) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fired[percent] {
		return false
	}
	p.fired[percent] = true
	return true
}

func (p *progressTracker) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.fired)
}
