// Package codec converts operations to and from their stored form.
package codec

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/golang/snappy"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/operation"
)

// Serializer converts an operation to a storable form and back. Decoding
// must reject data it cannot interpret rather than return a partial value.
type Serializer interface {
	Serialize(op operation.Operation) ([]byte, error)
	Deserialize(data []byte) (operation.Operation, error)
}

// Named is a Serializer that can be looked up in a Registry.
type Named interface {
	Serializer
	// Name returns the unique identifier used for registry lookup
	Name() string
}

// Built-in serializer names.
const (
	NameJSON   = "json"
	NameSnappy = "snappy"
)

// JSONSerializer stores operations as plain JSON.
type JSONSerializer struct{}

func (JSONSerializer) Name() string { return NameJSON }

func (JSONSerializer) Serialize(op operation.Operation) ([]byte, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, syncErrors.NewSerializationError(syncErrors.OpSaveEntry, err)
	}
	return data, nil
}

func (JSONSerializer) Deserialize(data []byte) (operation.Operation, error) {
	var op operation.Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return operation.Operation{}, syncErrors.NewSerializationError(syncErrors.OpLoad, err)
	}
	return op, nil
}

// SnappySerializer stores snappy-compressed JSON. It suits backends where
// operations carry large variable maps.
type SnappySerializer struct {
	JSON JSONSerializer
}

func (SnappySerializer) Name() string { return NameSnappy }

func (s SnappySerializer) Serialize(op operation.Operation) ([]byte, error) {
	raw, err := s.JSON.Serialize(op)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func (s SnappySerializer) Deserialize(data []byte) (operation.Operation, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return operation.Operation{}, syncErrors.NewSerializationError(syncErrors.OpLoad, err)
	}
	return s.JSON.Deserialize(raw)
}

// Registry manages serializer registration and lookup with thread safety.
type Registry struct {
	mu          sync.RWMutex
	serializers map[string]Named
}

// NewRegistry creates a registry holding the built-in serializers.
func NewRegistry() *Registry {
	r := &Registry{serializers: make(map[string]Named)}
	r.Register(JSONSerializer{})
	r.Register(SnappySerializer{})
	return r
}

// Register adds s under its Name, replacing any previous entry.
func (r *Registry) Register(s Named) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serializers[s.Name()] = s
}

// Get retrieves a serializer by name.
func (r *Registry) Get(name string) (Named, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.serializers[name]
	return s, ok
}

// Names returns all registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.serializers))
	for name := range r.serializers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry is the process-wide registry used by Lookup.
var DefaultRegistry = NewRegistry()

// Register adds s to the default registry.
func Register(s Named) {
	DefaultRegistry.Register(s)
}

// Lookup returns the named serializer from the default registry. An empty
// name selects JSON.
func Lookup(name string) (Named, bool) {
	if name == "" {
		name = NameJSON
	}
	return DefaultRegistry.Get(name)
}
