// Package store provides the key-value state the ledger runs on: an
// in-memory root, cache branches that buffer a request's writes until it
// commits, and prefix views that give each contract its own namespace.
//
// The stores are the Cosmos SDK ones: the root is a dbadapter over an
// in-memory cosmos-db, branches are cachekv stores and views are prefix
// stores. This package adds the write-set tracking the ledger needs to
// persist a committed branch to a Backend.
package store

import (
	"bytes"
	"context"
	"sort"

	"cosmossdk.io/store/cachekv"
	"cosmossdk.io/store/dbadapter"
	"cosmossdk.io/store/prefix"
	storetypes "cosmossdk.io/store/types"
	dbm "github.com/cosmos/cosmos-db"
)

// KVStore is the view handlers read and write through. Keys must be
// non-empty and values non-nil.
type KVStore = storetypes.KVStore

// Write is one committed mutation. Delete writes carry no value.
type Write struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Backend persists committed write sets. LoadAll is called once at boot.
// Apply must be atomic: either every write lands or none does.
type Backend interface {
	LoadAll(ctx context.Context) (map[string][]byte, error)
	Apply(ctx context.Context, writes []Write) error
}

// =============================================================================
// Root
// =============================================================================

// MemStore is the committed state held in memory.
type MemStore struct {
	dbadapter.Store
}

// NewMemStore creates an empty root store.
func NewMemStore() *MemStore {
	return &MemStore{Store: dbadapter.Store{DB: dbm.NewMemDB()}}
}

// Load replaces the whole state, typically with a Backend snapshot.
func (s *MemStore) Load(data map[string][]byte) error {
	db := dbm.NewMemDB()
	for k, v := range data {
		if err := db.Set([]byte(k), clone(v)); err != nil {
			return err
		}
	}
	s.Store = dbadapter.Store{DB: db}
	return nil
}

func (s *MemStore) Get(key []byte) []byte {
	return clone(s.Store.Get(key))
}

func (s *MemStore) Set(key, value []byte) {
	s.Store.Set(key, clone(value))
}

// Len returns the number of keys held.
func (s *MemStore) Len() int {
	it := s.Store.Iterator(nil, nil)
	defer it.Close()
	n := 0
	for ; it.Valid(); it.Next() {
		n++
	}
	return n
}

// =============================================================================
// Cache branch
// =============================================================================

// CacheStore buffers writes over a parent. Reads see the buffered writes
// first. Nothing reaches the parent until Write is called.
type CacheStore struct {
	*cachekv.Store
	parent KVStore
	dirty  map[string]struct{}
}

// Branch opens a cache branch over parent.
func Branch(parent KVStore) *CacheStore {
	return &CacheStore{
		Store:  cachekv.NewStore(parent),
		parent: parent,
		dirty:  make(map[string]struct{}),
	}
}

func (c *CacheStore) Get(key []byte) []byte {
	return clone(c.Store.Get(key))
}

func (c *CacheStore) Set(key, value []byte) {
	c.Store.Set(key, clone(value))
	c.dirty[string(key)] = struct{}{}
}

func (c *CacheStore) Delete(key []byte) {
	c.Store.Delete(key)
	c.dirty[string(key)] = struct{}{}
}

// Writes returns the buffered mutations sorted by key.
func (c *CacheStore) Writes() []Write {
	keys := make([]string, 0, len(c.dirty))
	for k := range c.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Write, 0, len(keys))
	for _, k := range keys {
		v := c.Store.Get([]byte(k))
		out = append(out, Write{Key: []byte(k), Value: clone(v), Delete: v == nil})
	}
	return out
}

// Write flushes the buffered mutations into the parent and resets the
// branch.
func (c *CacheStore) Write() {
	c.Store.Write()
	c.dirty = make(map[string]struct{})
}

// Discard drops every buffered mutation.
func (c *CacheStore) Discard() {
	c.Store = cachekv.NewStore(c.parent)
	c.dirty = make(map[string]struct{})
}

// =============================================================================
// Views
// =============================================================================

// Prefix returns a view of parent in which every key is prepended with
// prefix.
func Prefix(parent KVStore, p []byte) KVStore {
	return prefix.NewStore(parent, clone(p))
}

// ReadOnly wraps a store so that writes panic. Query handlers receive one;
// a write there is a programming error, not a runtime condition.
func ReadOnly(parent KVStore) KVStore {
	return readOnly{parent}
}

type readOnly struct{ KVStore }

func (r readOnly) Set(key, _ []byte) { panic("store: write to read-only view: " + string(key)) }
func (r readOnly) Delete(key []byte) { panic("store: delete on read-only view: " + string(key)) }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return bytes.Clone(b)
}
