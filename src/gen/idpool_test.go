package gen

import (
	"sync"
	"testing"
)

func TestIDPoolBasics(t *testing.T) {
	p := NewIDPool(64, 2)
	a := p.Allocate(0)
	b := p.Allocate(0)
	if a == NoID || b == NoID {
		t.Fatalf("allocation failed on a fresh pool")
	}
	if a == b {
		t.Errorf("two live ids are equal: %d", a)
	}
	if !p.Live(a) || !p.Live(b) {
		t.Errorf("allocated ids not reported live")
	}
	p.Release(0, a)
	if p.Live(a) {
		t.Errorf("released id still reported live")
	}
}

func TestIDPoolExhaustion(t *testing.T) {
	const n = 32
	p := NewIDPool(n, 1)
	seen := make(map[ID]bool)
	for i := 0; i < n; i++ {
		id := p.Allocate(0)
		if id == NoID {
			t.Fatalf("exhausted after only %d of %d", i, n)
		}
		if seen[id] {
			t.Errorf("id %d issued twice", id)
		}
		seen[id] = true
	}
	if id := p.Allocate(0); id != NoID {
		t.Errorf("allocation past the namespace bound returned %d", id)
	}
	// releasing one makes exactly one allocatable again
	p.Release(0, 5)
	if id := p.Allocate(0); id != 5 {
		t.Errorf("expected the released id 5 back, got %d", id)
	}
}

func TestIDPoolCrossCPURefill(t *testing.T) {
	// CPU 1 ends up holding every free id in its cache; CPU 0 must still
	// be able to allocate rather than see a false Exhausted.
	const n = 8
	p := NewIDPool(n, 2)
	held := make([]ID, 0, n)
	for i := 0; i < n; i++ {
		held = append(held, p.Allocate(1))
	}
	for _, id := range held {
		p.Release(1, id)
	}
	if id := p.Allocate(0); id == NoID {
		t.Errorf("cpu 0 could not allocate while cpu 1 cached free ids")
	}
}

func TestIDPoolDoubleReleasePanics(t *testing.T) {
	p := NewIDPool(16, 1)
	id := p.Allocate(0)
	p.Release(0, id)
	defer func() {
		if recover() == nil {
			t.Errorf("double release did not panic")
		}
	}()
	p.Release(0, id)
}

func TestIDPoolConcurrentUniqueness(t *testing.T) {
	const cpus = 4
	const perCPU = 200
	p := NewIDPool(cpus*perCPU, cpus)

	var mu sync.Mutex
	seen := make(map[ID]int)
	var wg sync.WaitGroup
	for cpu := 0; cpu < cpus; cpu++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			local := make([]ID, 0, perCPU)
			for i := 0; i < perCPU; i++ {
				id := p.Allocate(cpu)
				if id == NoID {
					t.Errorf("cpu %d hit exhaustion with space left", cpu)
					return
				}
				local = append(local, id)
				// churn: release and re-take every fourth id
				if i%4 == 3 {
					p.Release(cpu, local[len(local)-1])
					local = local[:len(local)-1]
				}
			}
			mu.Lock()
			for _, id := range local {
				seen[id]++
			}
			mu.Unlock()
		}(cpu)
	}
	wg.Wait()

	for id, holders := range seen {
		if holders != 1 {
			t.Errorf("id %d live in %d places at once", id, holders)
		}
	}
}
