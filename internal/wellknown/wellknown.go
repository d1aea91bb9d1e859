// Package wellknown implements the server-side handlers behind the reserved
// "W:" session ids: enrollment, agent stats, blob upload and the foreman
// check-in. The front end queues inbound messages on these sessions as
// MessageHandlerRequests; a worker pool drains the queue and dispatches by
// handler name. Blob upload is the one exception: the front end invokes it
// inline so uploads land in the blob store before the poll response goes out.
package wellknown

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vigilsec/fleet/internal/datastore"
)

// Handler processes one queued message for a reserved session.
type Handler interface {
	// Name is the session's handler name, without the "W:" prefix.
	Name() string
	Handle(ctx context.Context, req *datastore.MessageHandlerRequest) error
}

// Registry maps handler names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering a name twice panics; that is a
// programming error.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[h.Name()]; ok {
		panic(fmt.Sprintf("wellknown: handler %q registered twice", h.Name()))
	}
	r.handlers[h.Name()] = h
}

// Lookup resolves a handler by name.
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("no handler for session %q", name)
	}
	return h, nil
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
