package haven

// CapTag names a secondary capability a driver object may support.
type CapTag uint32

const (
	CapBlockDevice CapTag = iota + 1
	CapNetDevice
	CapDMABuffer
	CapConsole
	CapPowerControl
)

// CapProvider is a driver object that declares, statically, which capability
// tags it supports.  The declaration replaces reflective downcasting: you ask
// the registry, not the type system, whether an object can do something.
type CapProvider interface {
	Capabilities() []CapTag
}

// CapRegistry maps registered driver objects to their declared tag sets.
// Lookup answers only for tags an object declared at registration; an object
// that happens to implement the right interface but never declared the tag
// stays invisible, which keeps capabilities an explicit contract.
type CapRegistry struct {
	lock    Spin
	entries map[CapProvider]map[CapTag]bool
}

func NewCapRegistry() *CapRegistry {
	return &CapRegistry{entries: make(map[CapProvider]map[CapTag]bool)}
}

func (r *CapRegistry) Register(p CapProvider) {
	tags := make(map[CapTag]bool)
	for _, t := range p.Capabilities() {
		tags[t] = true
	}
	r.lock.Lock()
	r.entries[p] = tags
	r.lock.Unlock()
}

func (r *CapRegistry) Unregister(p CapProvider) {
	r.lock.Lock()
	delete(r.entries, p)
	r.lock.Unlock()
}

// Supports reports whether p is registered and declared tag.
func (r *CapRegistry) Supports(p CapProvider, tag CapTag) bool {
	r.lock.Lock()
	tags, ok := r.entries[p]
	r.lock.Unlock()
	return ok && tags[tag]
}

// LookupAs returns p as the typed handle T, but only when p declared tag and
// actually satisfies T.  The second return is false otherwise.
func LookupAs[T any](r *CapRegistry, p CapProvider, tag CapTag) (T, bool) {
	var zero T
	if !r.Supports(p, tag) {
		return zero, false
	}
	h, ok := any(p).(T)
	if !ok {
		return zero, false
	}
	return h, true
}
