package codec

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/danmuck/uastack/internal/protocol/ua"
)

var (
	ErrInvalidTypeEntry = errors.New("codec: invalid type entry")
	ErrDuplicateType    = errors.New("codec: duplicate type registration")
)

// EncodingKind selects which encoding id IDOf returns.
type EncodingKind uint8

const (
	EncodingBinary EncodingKind = iota + 1
	EncodingXML
)

// TypeEntry describes one registered structure type. Parent names the
// supertype used when narrowing arrays; empty means BaseStructureType.
type TypeEntry struct {
	Name             string
	TypeID           ua.NodeID
	BinaryEncodingID ua.NodeID
	XMLEncodingID    ua.NodeID
	Parent           string
	New              func() Structure
}

// Registry maps structure types to their encoding ids. It is populated once
// from a static table and then only read.
type Registry struct {
	mu         sync.RWMutex
	entries    []TypeEntry
	byName     map[string]int
	byEncoding map[string]int
	byGoType   map[reflect.Type]int
}

var emptyRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{
		byName:     make(map[string]int),
		byEncoding: make(map[string]int),
		byGoType:   make(map[reflect.Type]int),
	}
}

// Register adds e. Names, encoding ids and Go types must be unique.
func (r *Registry) Register(e TypeEntry) error {
	if e.Name == "" || e.New == nil || e.BinaryEncodingID.IsNull() {
		return fmt.Errorf("%w: %q", ErrInvalidTypeEntry, e.Name)
	}
	goType := reflect.TypeOf(e.New())
	if goType == nil {
		return fmt.Errorf("%w: %q constructor returned nil", ErrInvalidTypeEntry, e.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[e.Name]; ok {
		return fmt.Errorf("%w: name %q", ErrDuplicateType, e.Name)
	}
	keys := []string{e.BinaryEncodingID.String()}
	if !e.XMLEncodingID.IsNull() {
		keys = append(keys, e.XMLEncodingID.String())
	}
	for _, k := range keys {
		if _, ok := r.byEncoding[k]; ok {
			return fmt.Errorf("%w: encoding id %s", ErrDuplicateType, k)
		}
	}
	if _, ok := r.byGoType[goType]; ok {
		return fmt.Errorf("%w: go type %s", ErrDuplicateType, goType)
	}

	idx := len(r.entries)
	r.entries = append(r.entries, e)
	r.byName[e.Name] = idx
	for _, k := range keys {
		r.byEncoding[k] = idx
	}
	r.byGoType[goType] = idx
	return nil
}

// MustRegister registers every entry and panics on the first failure.
func (r *Registry) MustRegister(entries ...TypeEntry) *Registry {
	for _, e := range entries {
		if err := r.Register(e); err != nil {
			panic(err)
		}
	}
	return r
}

// Resolve finds the entry owning a binary or XML encoding id.
func (r *Registry) Resolve(encodingID ua.NodeID) (TypeEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byEncoding[encodingID.String()]
	if !ok {
		return TypeEntry{}, false
	}
	return r.entries[idx], true
}

func (r *Registry) Lookup(name string) (TypeEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byName[name]
	if !ok {
		return TypeEntry{}, false
	}
	return r.entries[idx], true
}

// IDOf returns the encoding id registered for v's type.
func (r *Registry) IDOf(v Structure, kind EncodingKind) (ua.NodeID, bool) {
	e, ok := r.entryOf(v)
	if !ok {
		return ua.NodeID{}, false
	}
	switch kind {
	case EncodingBinary:
		return e.BinaryEncodingID, true
	case EncodingXML:
		return e.XMLEncodingID, !e.XMLEncodingID.IsNull()
	}
	return ua.NodeID{}, false
}

// NameOf returns the registered name of v's type.
func (r *Registry) NameOf(v Structure) (string, bool) {
	e, ok := r.entryOf(v)
	return e.Name, ok
}

// Types lists entries in registration order.
func (r *Registry) Types() []TypeEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TypeEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Registry) entryOf(v Structure) (TypeEntry, bool) {
	if v == nil {
		return TypeEntry{}, false
	}
	if _, ok := v.(*Opaque); ok {
		return TypeEntry{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byGoType[reflect.TypeOf(v)]
	if !ok {
		return TypeEntry{}, false
	}
	return r.entries[idx], true
}

// ancestry returns name followed by its Parent chain, most specific first.
func (r *Registry) ancestry(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := []string{name}
	seen := map[string]bool{name: true}
	for {
		idx, ok := r.byName[chain[len(chain)-1]]
		if !ok {
			return chain
		}
		parent := r.entries[idx].Parent
		if parent == "" || seen[parent] {
			return chain
		}
		seen[parent] = true
		chain = append(chain, parent)
	}
}

// Narrow wraps values with the most specific type every element shares. Nil,
// opaque or unregistered elements force BaseStructureType.
func (r *Registry) Narrow(values []Structure) StructureArray {
	out := StructureArray{ElementType: BaseStructureType, Values: values}
	var common []string
	for i, v := range values {
		name, ok := r.NameOf(v)
		if !ok {
			return out
		}
		chain := r.ancestry(name)
		if i == 0 {
			common = chain
			continue
		}
		common = retainShared(common, chain)
		if len(common) == 0 {
			return out
		}
	}
	if len(common) > 0 {
		out.ElementType = common[0]
	}
	return out
}

func retainShared(common, chain []string) []string {
	in := make(map[string]bool, len(chain))
	for _, name := range chain {
		in[name] = true
	}
	out := common[:0:0]
	for _, name := range common {
		if in[name] {
			out = append(out, name)
		}
	}
	return out
}
