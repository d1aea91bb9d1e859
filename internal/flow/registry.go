// Package flow is the server-side state machine engine. A flow is a
// multi-step investigation on one client: it issues requests (agent actions
// or child flows), suspends, and resumes a named callback when a request's
// responses have fully arrived. All flow state lives in the datastore, so
// any worker can resume any flow.
package flow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// StateFunc consumes the completed responses of one request and may issue
// further requests through the flow context.
type StateFunc func(ctx context.Context, fc *Context, rs *Responses) error

// Impl is one flow class. The implementing struct's exported fields are the
// flow's private state; the engine serializes them between processing passes.
type Impl interface {
	// Start issues the flow's first requests.
	Start(ctx context.Context, fc *Context) error
	// States maps callback names to handlers.
	States() map[string]StateFunc
}

// Descriptor registers a flow class under its API name.
type Descriptor struct {
	Name string
	// Doc is a one-line description shown in flow listings.
	Doc string
	// Restricted flows can only be started by admin users.
	Restricted bool
	New        func() Impl
}

var (
	registryMu sync.RWMutex
	registry   = map[string]*Descriptor{}
)

// Register adds a flow class. Call from init; duplicate names panic.
func Register(d *Descriptor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[d.Name]; ok {
		panic(fmt.Sprintf("flow: class %q registered twice", d.Name))
	}
	registry[d.Name] = d
}

// Lookup finds a registered flow class.
func Lookup(name string) (*Descriptor, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown flow class %q", name)
	}
	return d, nil
}

// List returns all registered descriptors sorted by name.
func List() []*Descriptor {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]*Descriptor, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
