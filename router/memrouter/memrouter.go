// memrouter implements an in-process router.Router backed by a map. It is
// the routing table for deployments where transport and brokers live in the
// same process.
package memrouter

import (
	"sync"

	"github.com/getlantern/trace"

	"github.com/getlantern/slotd/router"
)

var (
	tracer = trace.NewTracer("memrouter")
)

func New() router.Router {
	return &memrouter{
		routes: make(map[string]router.Handler),
	}
}

type memrouter struct {
	routes map[string]router.Handler
	mx     sync.RWMutex
}

func (r *memrouter) Register(addr string, handler router.Handler) error {
	_, span := tracer.Continue("register")
	defer span.End()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.routes[addr] = handler
	return nil
}

func (r *memrouter) Unregister(addr string) error {
	_, span := tracer.Continue("unregister")
	defer span.End()

	r.mx.Lock()
	defer r.mx.Unlock()
	delete(r.routes, addr)
	return nil
}

func (r *memrouter) Lookup(addr string) router.Handler {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.routes[addr]
}
