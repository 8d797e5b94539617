package gen

import (
	"fmt"
	"sync"

	"reverie/src/lib/upbeat"
)

type ID uint32

const NoID = ^ID(0)

// batchSize is how many identifiers a CPU pulls from the global pool in one
// refill, and the high-water mark is where a CPU spills half its cache back.
const batchSize = 16
const spillHigh = 2 * batchSize

// IDPool hands out small dense integers from a bounded namespace.  It is safe
// to call from any CPU: each CPU keeps a private batch of free identifiers and
// only touches the global pool to refill or spill, so the common path contends
// on nothing.
//
// An identifier returned by Allocate stays live until Release.  Callers own
// the deferred-release discipline: an ID must not be released while anything
// still holds it (the PCB registry releases a PID only at reap).  Releasing an
// ID that is not live is a broken invariant upstream and panics.
type IDPool struct {
	limit uint32

	mu     sync.Mutex
	live   *upbeat.BitSet // set while an ID is held by a caller
	free   []ID           // global free stack
	caches []idCache
}

type idCache struct {
	mu  sync.Mutex
	ids []ID
}

// NewIDPool creates a pool over the namespace [0, limit) serving cpus callers.
func NewIDPool(limit uint32, cpus int) *IDPool {
	p := &IDPool{
		limit:  limit,
		live:   upbeat.NewBitSet(limit),
		free:   make([]ID, 0, limit),
		caches: make([]idCache, cpus),
	}
	// stack them high-to-low so low IDs come out first
	for i := int64(limit) - 1; i >= 0; i-- {
		p.free = append(p.free, ID(i))
	}
	return p
}

// Allocate returns a free identifier, or NoID when the namespace is
// exhausted.  It never blocks beyond a bounded pass over the other CPU caches.
func (p *IDPool) Allocate(cpu int) ID {
	c := &p.caches[cpu]

	c.mu.Lock()
	if n := len(c.ids); n > 0 {
		id := c.ids[n-1]
		c.ids = c.ids[:n-1]
		c.mu.Unlock()
		p.markLive(id)
		return id
	}
	c.mu.Unlock()

	if id := p.refill(c); id != NoID {
		p.markLive(id)
		return id
	}

	// Global pool is dry; other CPUs may still cache free IDs.  One bounded
	// pass, never a retry loop.
	for i := range p.caches {
		victim := &p.caches[i]
		if victim == c {
			continue
		}
		victim.mu.Lock()
		if n := len(victim.ids); n > 0 {
			id := victim.ids[n-1]
			victim.ids = victim.ids[:n-1]
			victim.mu.Unlock()
			p.markLive(id)
			return id
		}
		victim.mu.Unlock()
	}
	return NoID
}

// refill moves up to batchSize identifiers from the global stack into cache c
// and returns one of them.
func (p *IDPool) refill(c *idCache) ID {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		return NoID
	}
	take := batchSize
	if take > n {
		take = n
	}
	grabbed := make([]ID, take)
	copy(grabbed, p.free[n-take:])
	p.free = p.free[:n-take]
	p.mu.Unlock()

	id := grabbed[take-1]
	if take > 1 {
		c.mu.Lock()
		c.ids = append(c.ids, grabbed[:take-1]...)
		c.mu.Unlock()
	}
	return id
}

// Release returns id to the releasing CPU's cache.  The identifier becomes
// eligible for reuse immediately; it is the caller's job to have delayed this
// call until no holder remains.
func (p *IDPool) Release(cpu int, id ID) {
	if uint32(id) >= p.limit {
		panic(fmt.Sprintf("idpool: release of out-of-range id %d", id))
	}
	p.mu.Lock()
	if !p.live.On(upbeat.BitIndex(id)) {
		p.mu.Unlock()
		panic(fmt.Sprintf("idpool: double release of id %d", id))
	}
	p.live.Clear(upbeat.BitIndex(id))
	p.mu.Unlock()

	c := &p.caches[cpu]
	c.mu.Lock()
	c.ids = append(c.ids, id)
	spill := len(c.ids) > spillHigh
	var back []ID
	if spill {
		half := len(c.ids) / 2
		back = append(back, c.ids[half:]...)
		c.ids = c.ids[:half]
	}
	c.mu.Unlock()

	if spill {
		p.mu.Lock()
		p.free = append(p.free, back...)
		p.mu.Unlock()
	}
}

func (p *IDPool) markLive(id ID) {
	p.mu.Lock()
	if p.live.On(upbeat.BitIndex(id)) {
		p.mu.Unlock()
		panic(fmt.Sprintf("idpool: id %d allocated twice", id))
	}
	p.live.Set(upbeat.BitIndex(id))
	p.mu.Unlock()
}

// Live reports whether id is currently held by a caller.
func (p *IDPool) Live(id ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint32(id) < p.limit && p.live.On(upbeat.BitIndex(id))
}

// Limit is the size of the namespace.
func (p *IDPool) Limit() uint32 {
	return p.limit
}
