// Package model describes the host-owns-backend contract a long-lived
// stateful collaborator (spec.md's "model") fulfills once instanciated by
// the builder: a HostedModel is initialized once, may open tracks for as
// long as it lives, and is shut down once at world teardown.
package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/melodium-lang/melodium/identifier"
)

// ID uniquely identifies one live model instanciation in a world's model
// table.
type ID string

// HostedModel is the long-lived object a model descriptor's compiled
// builder produces. Initialize runs once before any track may reference
// it; Shutdown runs once, after every continuous task has stopped and
// before any track is torn down (spec.md §4.5 shutdown order).
type HostedModel interface {
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Host owns one live model instanciation: its id, the descriptor it was
// built from, and the hosted object itself. The builder allocates one Host
// per model-instanciation node of a static build.
type Host struct {
	ID         ID
	Descriptor identifier.Identifier
	Hosted     HostedModel
}

// Base is an embeddable no-op HostedModel, for models with no setup or
// teardown work of their own. Mirrors the teacher's BaseNode: a value
// struct carrying identity and nothing else.
type Base struct {
	name string
}

// NewBase creates a Base carrying the given diagnostic name.
func NewBase(name string) Base { return Base{name: name} }

// Name returns the diagnostic name the base was constructed with.
func (b Base) Name() string { return b.name }

// Initialize is a no-op, present so Base alone satisfies HostedModel.
func (b Base) Initialize(ctx context.Context) error { return nil }

// Shutdown is a no-op, present so Base alone satisfies HostedModel.
func (b Base) Shutdown(ctx context.Context) error { return nil }

var _ HostedModel = Base{}

// Recorder is a HostedModel test double that counts lifecycle calls and
// can be made to fail either hook, grounded on the teacher's MockNode
// (cache_node.go) call-counting pattern.
type Recorder struct {
	Base

	mu            sync.Mutex
	initCount     int
	shutdownCount int
	InitErr       error
	ShutdownErr   error
}

// NewRecorder creates a Recorder carrying the given diagnostic name.
func NewRecorder(name string) *Recorder {
	return &Recorder{Base: NewBase(name)}
}

func (r *Recorder) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initCount++
	return r.InitErr
}

func (r *Recorder) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdownCount++
	return r.ShutdownErr
}

// InitCount returns how many times Initialize has been called.
func (r *Recorder) InitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initCount
}

// ShutdownCount returns how many times Shutdown has been called.
func (r *Recorder) ShutdownCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdownCount
}

var _ HostedModel = (*Recorder)(nil)

// Registry is a simple in-memory table of live hosts, keyed by ID. The
// world package owns the authoritative table (guarded by its own lock
// alongside tracks and source roots); Registry exists as a standalone,
// independently testable building block other hosts (e.g. a future
// distribution worker mirroring a controller's model table) can reuse
// without depending on world.
type Registry struct {
	mu    sync.RWMutex
	hosts map[ID]*Host
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{hosts: make(map[ID]*Host)}
}

// ErrUnknownHost is returned by Get/Remove when no host is registered
// under the given id.
var ErrUnknownHost = fmt.Errorf("model: unknown host")

// Put registers a host, replacing any previous entry with the same id.
func (r *Registry) Put(h *Host) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts[h.ID] = h
}

// Get retrieves a host by id.
func (r *Registry) Get(id ID) (*Host, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, id)
	}
	return h, nil
}

// Remove drops a host from the registry.
func (r *Registry) Remove(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hosts, id)
}

// All returns a snapshot of every registered host.
func (r *Registry) All() []*Host {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		out = append(out, h)
	}
	return out
}
