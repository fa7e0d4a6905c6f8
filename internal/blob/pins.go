package blob

import (
	"slices"
	"sync"
)

// pinSet counts, per blob block, the running ingestions that hold it.
type pinSet struct {
	mu     sync.Mutex
	counts map[int64]int
}

func newPinSet() *pinSet {
	return &pinSet{counts: make(map[int64]int)}
}

func (p *pinSet) add(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[id]++
}

func (p *pinSet) release(ids []int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if p.counts[id]--; p.counts[id] <= 0 {
			delete(p.counts, id)
		}
	}
}

// list returns the pinned ids in ascending order.
func (p *pinSet) list() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int64, 0, len(p.counts))
	for id := range p.counts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
