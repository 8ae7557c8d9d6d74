// Package storage provides typed accessors over a contract's KV namespace.
// Values are CBOR encoded with the deterministic codec.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"

	"github.com/keyleu/secure-messaging/internal/codec"
	"github.com/keyleu/secure-messaging/internal/engine/store"
)

// ErrNotFound is returned by Load when no value is stored under the key.
var ErrNotFound = errors.New("not found")

func typeName[T any]() string {
	var zero T
	if t := reflect.TypeOf(zero); t != nil {
		return t.String()
	}
	return "value"
}

func load[T any](s store.KVStore, key []byte) (T, bool, error) {
	var v T
	raw := s.Get(key)
	if raw == nil {
		return v, false, nil
	}
	if err := codec.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("decode %s: %w", typeName[T](), err)
	}
	return v, true, nil
}

func save[T any](s store.KVStore, key []byte, v T) error {
	raw, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typeName[T](), err)
	}
	s.Set(key, raw)
	return nil
}

// Item is a single value stored under a fixed key.
type Item[T any] struct {
	key []byte
}

// NewItem declares an item stored under key.
func NewItem[T any](key string) Item[T] {
	return Item[T]{key: []byte(key)}
}

// Save stores v.
func (i Item[T]) Save(s store.KVStore, v T) error {
	return save(s, i.key, v)
}

// Load returns the stored value or ErrNotFound.
func (i Item[T]) Load(s store.KVStore) (T, error) {
	v, ok, err := load[T](s, i.key)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, fmt.Errorf("%s %q: %w", typeName[T](), i.key, ErrNotFound)
	}
	return v, nil
}

// MayLoad returns the stored value and whether it existed.
func (i Item[T]) MayLoad(s store.KVStore) (T, bool, error) {
	return load[T](s, i.key)
}

// Exists reports whether a value is stored.
func (i Item[T]) Exists(s store.KVStore) bool {
	return s.Has(i.key)
}

// Remove deletes the stored value.
func (i Item[T]) Remove(s store.KVStore) {
	s.Delete(i.key)
}

// Map stores values under string keys within a namespace. Keys are laid
// out as len(namespace) || namespace || key so that namespaces never
// collide with each other or with items.
type Map[T any] struct {
	namespace []byte
}

// NewMap declares a map under namespace.
func NewMap[T any](namespace string) Map[T] {
	return Map[T]{namespace: []byte(namespace)}
}

func (m Map[T]) key(k string) []byte {
	out := make([]byte, 2, 2+len(m.namespace)+len(k))
	binary.BigEndian.PutUint16(out, uint16(len(m.namespace)))
	out = append(out, m.namespace...)
	return append(out, k...)
}

// Save stores v under k.
func (m Map[T]) Save(s store.KVStore, k string, v T) error {
	return save(s, m.key(k), v)
}

// Load returns the value under k or ErrNotFound.
func (m Map[T]) Load(s store.KVStore, k string) (T, error) {
	v, ok, err := load[T](s, m.key(k))
	if err != nil {
		return v, err
	}
	if !ok {
		return v, fmt.Errorf("%s %q: %w", typeName[T](), k, ErrNotFound)
	}
	return v, nil
}

// MayLoad returns the value under k and whether it existed.
func (m Map[T]) MayLoad(s store.KVStore, k string) (T, bool, error) {
	return load[T](s, m.key(k))
}

// Has reports whether k is present.
func (m Map[T]) Has(s store.KVStore, k string) bool {
	return s.Has(m.key(k))
}

// Remove deletes k.
func (m Map[T]) Remove(s store.KVStore, k string) {
	s.Delete(m.key(k))
}
