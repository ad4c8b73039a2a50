package router

import (
	"sync/atomic"

	"sniproxy/internal/sniff"
)

// Resolver adapts a Set to the reactor's Resolver interface and allows
// the active rule set to be swapped atomically, so the admin server's
// rules-reload endpoint never blocks or races a tick in progress.
type Resolver struct {
	current atomic.Value // holds Set
}

// NewResolver builds a Resolver starting from the given Set.
func NewResolver(initial Set) *Resolver {
	r := &Resolver{}
	r.current.Store(initial)
	return r
}

// Resolve satisfies reactor.Resolver.
func (r *Resolver) Resolve(res sniff.Result) (string, bool) {
	return r.current.Load().(Set).Match(res)
}

// Replace swaps in a newly parsed Set, taking effect on the next
// Resolve call.
func (r *Resolver) Replace(set Set) {
	r.current.Store(set)
}

// Current returns the active Set, for the admin server's GET /rules.
func (r *Resolver) Current() Set {
	return r.current.Load().(Set)
}
