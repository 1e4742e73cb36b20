package codec

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jeelkantaria/gelclient/internal/protocol"
)

// registrySnapshot is an immutable point-in-time view of a connection's
// codec table. Stored in atomic.Value so Lookup is lock-free on the hot
// query-execution path, the same pattern the teacher's internal/router
// uses for tenant resolution: reads never block behind the rare writes
// that happen when a new descriptor blob is parsed.
type registrySnapshot struct {
	codecs map[uuid.UUID]Codec
}

// Registry holds every Codec a connection has built so far, keyed by
// descriptor UUID, and seeded with the well-known base scalars (spec
// §4.3) and the null codec under uuid.Nil. A connection owns exactly one Registry for its lifetime;
// codecs accumulate as Describe responses introduce new descriptor IDs
// and are never evicted.
type Registry struct {
	snap atomic.Value // holds *registrySnapshot
	wmu  sync.Mutex    // serializes writers; reads never take it
}

// NewRegistry returns a Registry pre-seeded with every well-known base
// scalar codec and the null codec.
func NewRegistry() *Registry {
	snap := &registrySnapshot{codecs: make(map[uuid.UUID]Codec)}
	for _, c := range BaseScalars() {
		snap.codecs[c.DescriptorID()] = c
	}
	// uuid.Nil is the null codec: the descriptor of a query that takes
	// no arguments or returns no data. It encodes nothing and decodes nil.
	snap.codecs[uuid.Nil] = &scalarCodec{
		id: uuid.Nil, name: "null",
		encode: func(*protocol.Writer, any) error { return nil },
		decode: func(*protocol.Reader) (any, error) { return nil, nil },
	}
	r := &Registry{}
	r.snap.Store(snap)
	return r
}

func (r *Registry) load() *registrySnapshot {
	return r.snap.Load().(*registrySnapshot)
}

// Lookup returns the codec for id, or false if it has not been built
// yet (the caller must Describe again to obtain its descriptor blob).
// Lock-free.
func (r *Registry) Lookup(id uuid.UUID) (Codec, bool) {
	c, ok := r.load().codecs[id]
	return c, ok
}

// Register adds c to the registry, keyed by its own DescriptorID.
// Safe for concurrent use; writers serialize on wmu and readers see
// either the whole update or none of it.
func (r *Registry) Register(c Codec) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	next := make(map[uuid.UUID]Codec, len(cur.codecs)+1)
	for k, v := range cur.codecs {
		next[k] = v
	}
	next[c.DescriptorID()] = c
	r.snap.Store(&registrySnapshot{codecs: next})
}

// RegisterAll adds every codec in cs in a single atomic swap, so readers
// see all of them at once rather than one codec at a time. (Build itself
// registers each codec it decodes through Register.)
func (r *Registry) RegisterAll(cs []Codec) {
	if len(cs) == 0 {
		return
	}
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	next := make(map[uuid.UUID]Codec, len(cur.codecs)+len(cs))
	for k, v := range cur.codecs {
		next[k] = v
	}
	for _, c := range cs {
		next[c.DescriptorID()] = c
	}
	r.snap.Store(&registrySnapshot{codecs: next})
}

// MustLookup is Lookup but returns an error instead of a boolean,
// convenient for the query engine's Execute path where a missing codec
// is always a protocol-level bug (the server would have sent a new
// Describe response first).
func (r *Registry) MustLookup(id uuid.UUID) (Codec, error) {
	c, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("codec: no codec registered for descriptor %s", id)
	}
	return c, nil
}
