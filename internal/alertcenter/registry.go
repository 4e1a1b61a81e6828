package alertcenter

import "sync"

// Registry arbitrates which holder of a shared key runs the engine.
// Reference counting replaces a boolean "already running" flag: the
// first acquirer for a key leads, later acquirers follow, and when the
// leader releases, leadership moves to the oldest surviving follower
// via the Promoted callback.
type Registry struct {
	mu   sync.Mutex
	keys map[string]*regKey
}

type regKey struct {
	holders []*Lease
}

// Lease is one held reference. Release is idempotent.
type Lease struct {
	reg *Registry
	key string

	// Promoted fires when this follower becomes the leader after the
	// previous leader released. Set it before any release can happen.
	Promoted func()

	mu       sync.Mutex
	released bool
	leader   bool
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]*regKey)}
}

// Acquire takes a reference on key. The returned lease reports whether
// this holder is the leader.
func (r *Registry) Acquire(key string) *Lease {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := r.keys[key]
	if k == nil {
		k = &regKey{}
		r.keys[key] = k
	}
	l := &Lease{reg: r, key: key, leader: len(k.holders) == 0}
	k.holders = append(k.holders, l)
	return l
}

// Leader reports whether this lease currently leads its key.
func (l *Lease) Leader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leader && !l.released
}

// Release drops the reference. If the leader releases, the oldest
// surviving follower is promoted.
func (l *Lease) Release() {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	wasLeader := l.leader
	l.mu.Unlock()

	r := l.reg
	r.mu.Lock()
	k := r.keys[l.key]
	if k == nil {
		r.mu.Unlock()
		return
	}
	for i, h := range k.holders {
		if h == l {
			k.holders = append(k.holders[:i], k.holders[i+1:]...)
			break
		}
	}
	var promoted *Lease
	if wasLeader && len(k.holders) > 0 {
		promoted = k.holders[0]
	}
	if len(k.holders) == 0 {
		delete(r.keys, l.key)
	}
	r.mu.Unlock()

	if promoted != nil {
		promoted.mu.Lock()
		promoted.leader = true
		cb := promoted.Promoted
		promoted.mu.Unlock()
		if cb != nil {
			cb()
		}
	}
}

// Holders reports how many references key currently has.
func (r *Registry) Holders(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k := r.keys[key]; k != nil {
		return len(k.holders)
	}
	return 0
}
