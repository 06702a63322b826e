package message

import (
	"fmt"
	"sort"
	"sync"

	"github.com/c360/semstreams-ros/cdr"
	"github.com/c360/semstreams-ros/errors"
)

// Descriptor describes a registered message type and how to decode it without
// knowing its Go type.
type Descriptor struct {
	Type     Type
	TypeHash string
	Decode   func(r *cdr.Reader) (any, error)
	// Encode is optional; descriptors built by Describe always set it.
	Encode func(w *cdr.Writer, msg any) error
}

// DDSName returns the DDS spelling of the type name.
func (d Descriptor) DDSName() string {
	return d.Type.DDSName()
}

// Describe builds a type-erased Descriptor from a typed codec.
func Describe[T any](codec Codec[T]) Descriptor {
	return Descriptor{
		Type:     codec.Type(),
		TypeHash: codec.TypeHash(),
		Decode: func(r *cdr.Reader) (any, error) {
			return codec.Decode(r)
		},
		Encode: func(w *cdr.Writer, msg any) error {
			typed, ok := msg.(T)
			if !ok {
				return errors.WrapInvalid(fmt.Errorf("%w: %T is not %s", errors.ErrUnknownType, msg, codec.Type()),
					"Descriptor", "Encode", "message type check")
			}
			return codec.Encode(w, typed)
		},
	}
}

// Codec returns a codec over the erased message values, for subscribing to a
// type chosen at run time.
func (d Descriptor) Codec() Codec[any] {
	return erasedCodec{d}
}

type erasedCodec struct{ d Descriptor }

func (c erasedCodec) Type() Type { return c.d.Type }

func (c erasedCodec) TypeHash() string { return c.d.TypeHash }

func (c erasedCodec) Decode(r *cdr.Reader) (any, error) { return c.d.Decode(r) }

func (c erasedCodec) Encode(w *cdr.Writer, msg any) error {
	if c.d.Encode == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %s has no encoder", errors.ErrUnknownType, c.d.Type),
			"Descriptor", "Encode", "encoder lookup")
	}
	return c.d.Encode(w, msg)
}

// Registry maps ROS type names to descriptors. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]Descriptor)}
}

// DefaultRegistry returns a registry holding the built-in codecs.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(Describe[TFMessage](TFMessageCodec{}))
	_ = r.Register(Describe[PointCloud2](PointCloud2Codec{}))
	return r
}

// Register adds a descriptor. Registering the same type twice is an error.
func (r *Registry) Register(d Descriptor) error {
	if !d.Type.IsValid() {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "type validation")
	}
	if d.TypeHash == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "type hash validation")
	}
	if d.Decode == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "decode function validation")
	}

	name := d.Type.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descriptors[name]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("message type '%s' is already registered", name),
			"Registry",
			"Register",
			"duplicate type check",
		)
	}
	r.descriptors[name] = d
	return nil
}

// Lookup resolves a type by its ROS or DDS name.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	t, err := ParseType(name)
	if err != nil {
		return Descriptor{}, err
	}

	r.mu.RLock()
	d, ok := r.descriptors[t.String()]
	r.mu.RUnlock()

	if !ok {
		return Descriptor{}, errors.WrapInvalid(errors.ErrUnknownType, "Registry", "Lookup", "type "+name+" lookup")
	}
	return d, nil
}

// Names returns the registered ROS type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
