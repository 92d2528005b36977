// Package store implements the node-local store registry (spec §4.2):
// named, typed cells other nodes can get/put over the network.
package store

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"meshnet/protocol"
)

// Store is the common contract both store kinds satisfy (spec §3).
type Store interface {
	Read(ctx context.Context) (interface{}, error)
	Type() protocol.Datatype
	Write(value interface{}) error
}

// Producer supplies the value of a callable store on demand. It may block.
type Producer func(ctx context.Context) (interface{}, error)

type writable struct {
	mu    sync.Mutex
	dt    protocol.Datatype
	value interface{}
}

func (w *writable) Read(ctx context.Context) (interface{}, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value, nil
}

func (w *writable) Write(value interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.value = value
	return nil
}

func (w *writable) Type() protocol.Datatype { return w.dt }

type callable struct {
	dt       protocol.Datatype
	producer Producer
}

func (c *callable) Read(ctx context.Context) (interface{}, error) {
	return c.producer(ctx)
}

func (c *callable) Write(value interface{}) error {
	return errors.New("store is callable and cannot be written to")
}

func (c *callable) Type() protocol.Datatype { return c.dt }

// Registry is the node's mapping from name to store. Names must be unique,
// and per the original library's available_as guard (folded in from
// original_source/library/main.py, see SPEC_FULL.md), no registered name may
// be a prefix of, or have as a prefix, another registered name — names
// travel length-prefixed on the wire, but a prefix collision would still be
// ambiguous on a receiving node that matches names by prefix.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]Store
}

// NewRegistry builds an empty store registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]Store)}
}

func (r *Registry) checkNameLocked(name string) error {
	if len(name) == 0 || len(name) > 255 {
		return errors.New("store name must be 1-255 bytes")
	}
	for existing := range r.stores {
		if strings.HasPrefix(existing, name) || strings.HasPrefix(name, existing) {
			return errors.Errorf("store name %q collides with already-registered name %q", name, existing)
		}
	}
	return nil
}

// RegisterWritable creates a store whose value is updatable by remote put
// and readable by remote get.
func (r *Registry) RegisterWritable(name string, dt protocol.Datatype, def interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkNameLocked(name); err != nil {
		return err
	}
	r.stores[name] = &writable{dt: dt, value: def}
	return nil
}

// RegisterCallable creates a read-only store whose value is produced on
// demand by producer.
func (r *Registry) RegisterCallable(name string, dt protocol.Datatype, producer Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkNameLocked(name); err != nil {
		return err
	}
	r.stores[name] = &callable{dt: dt, producer: producer}
	return nil
}

// Read returns the current datatype and value of name, invoking the
// producer for a callable store. The producer may suspend; ctx bounds that.
func (r *Registry) Read(ctx context.Context, name string) (protocol.Datatype, interface{}, error) {
	r.mu.RLock()
	s, ok := r.stores[name]
	r.mu.RUnlock()
	if !ok {
		return protocol.Datatype{}, nil, errors.Errorf("no such store: %q", name)
	}
	v, err := s.Read(ctx)
	if err != nil {
		return protocol.Datatype{}, nil, err
	}
	return s.Type(), v, nil
}

// Write updates the named writable store, failing on an unknown name, a
// callable store, or a datatype mismatch (spec §4.2/§7).
func (r *Registry) Write(name string, dt protocol.Datatype, value interface{}) error {
	r.mu.RLock()
	s, ok := r.stores[name]
	r.mu.RUnlock()
	if !ok {
		return errors.Errorf("no such store: %q", name)
	}
	if s.Type() != dt {
		return errors.Errorf("store %q is type %s, got %s", name, s.Type().Name, dt.Name)
	}
	return s.Write(value)
}

// Handle exposes synchronous access to a writable store's last-written
// value, the way the original library's Writable_Store exposes `.value`
// (spec §4.7 define_store).
type Handle struct {
	registry *Registry
	name     string
	dt       protocol.Datatype
}

// Value returns the last-written (or default) value.
func (h *Handle) Value() interface{} {
	_, v, _ := h.registry.Read(context.Background(), h.name)
	return v
}

// Set writes a new value through the handle, as the owning node would.
func (h *Handle) Set(value interface{}) error {
	return h.registry.Write(h.name, h.dt, value)
}

// NewHandle wraps name/dt in a Handle bound to this registry. Used by
// node.DefineStore after registration.
func (r *Registry) NewHandle(name string, dt protocol.Datatype) *Handle {
	return &Handle{registry: r, name: name, dt: dt}
}
