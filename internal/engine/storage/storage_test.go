package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyleu/secure-messaging/internal/engine/store"
)

type record struct {
	Name  string `cbor:"name"`
	Count uint64 `cbor:"count"`
}

func TestItem(t *testing.T) {
	s := store.NewMemStore()
	item := NewItem[record]("config")

	_, err := item.Load(s)
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok, err := item.MayLoad(s)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, item.Save(s, record{Name: "a", Count: 2}))
	got, err := item.Load(s)
	require.NoError(t, err)
	assert.Equal(t, record{Name: "a", Count: 2}, got)
	assert.True(t, item.Exists(s))

	item.Remove(s)
	assert.False(t, item.Exists(s))
}

func TestMap_NamespacesDoNotCollide(t *testing.T) {
	s := store.NewMemStore()
	a := NewMap[string]("ab")
	b := NewMap[string]("a")

	require.NoError(t, a.Save(s, "c", "from-a"))
	require.NoError(t, b.Save(s, "bc", "from-b"))

	got, err := a.Load(s, "c")
	require.NoError(t, err)
	assert.Equal(t, "from-a", got)

	got, err = b.Load(s, "bc")
	require.NoError(t, err)
	assert.Equal(t, "from-b", got)
}

func TestMap_LoadMissing(t *testing.T) {
	m := NewMap[record]("records")
	_, err := m.Load(store.NewMemStore(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMap_Remove(t *testing.T) {
	s := store.NewMemStore()
	m := NewMap[uint64]("counts")
	require.NoError(t, m.Save(s, "x", 1))
	assert.True(t, m.Has(s, "x"))
	m.Remove(s, "x")
	assert.False(t, m.Has(s, "x"))
}
