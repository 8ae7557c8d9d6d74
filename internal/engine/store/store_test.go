package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBranch_IsolatedUntilWrite(t *testing.T) {
	root := NewMemStore()
	root.Set([]byte("a"), []byte("1"))

	b := Branch(root)
	b.Set([]byte("b"), []byte("2"))
	b.Delete([]byte("a"))

	assert.Nil(t, b.Get([]byte("a")))
	assert.False(t, b.Has([]byte("a")))
	assert.Equal(t, []byte("2"), b.Get([]byte("b")))

	assert.Equal(t, []byte("1"), root.Get([]byte("a")))
	assert.False(t, root.Has([]byte("b")))

	b.Write()
	assert.False(t, root.Has([]byte("a")))
	assert.Equal(t, []byte("2"), root.Get([]byte("b")))
}

func TestBranch_Discard(t *testing.T) {
	root := NewMemStore()
	b := Branch(root)
	b.Set([]byte("k"), []byte("v"))
	b.Discard()
	b.Write()

	assert.Equal(t, 0, root.Len())
}

func TestBranch_Nested(t *testing.T) {
	root := NewMemStore()
	outer := Branch(root)
	inner := Branch(outer)

	inner.Set([]byte("k"), []byte("v"))
	assert.False(t, outer.Has([]byte("k")))

	inner.Write()
	assert.True(t, outer.Has([]byte("k")))
	assert.False(t, root.Has([]byte("k")))

	outer.Write()
	assert.True(t, root.Has([]byte("k")))
}

func TestWrites_SortedByKey(t *testing.T) {
	b := Branch(NewMemStore())
	b.Set([]byte("c"), []byte("3"))
	b.Set([]byte("a"), []byte("1"))
	b.Delete([]byte("b"))

	writes := b.Writes()
	assert.Len(t, writes, 3)
	assert.Equal(t, "a", string(writes[0].Key))
	assert.Equal(t, "b", string(writes[1].Key))
	assert.True(t, writes[1].Delete)
	assert.Equal(t, "c", string(writes[2].Key))
}

func TestValuesAreCopied(t *testing.T) {
	root := NewMemStore()
	v := []byte("abc")
	root.Set([]byte("k"), v)
	v[0] = 'z'

	got := root.Get([]byte("k"))
	assert.Equal(t, []byte("abc"), got)
	got[0] = 'y'
	assert.Equal(t, []byte("abc"), root.Get([]byte("k")))
}

func TestPrefix(t *testing.T) {
	root := NewMemStore()
	a := Prefix(root, []byte("a/"))
	b := Prefix(root, []byte("b/"))

	a.Set([]byte("k"), []byte("1"))
	b.Set([]byte("k"), []byte("2"))

	assert.Equal(t, []byte("1"), a.Get([]byte("k")))
	assert.Equal(t, []byte("2"), b.Get([]byte("k")))
	assert.Equal(t, []byte("1"), root.Get([]byte("a/k")))

	a.Delete([]byte("k"))
	assert.False(t, a.Has([]byte("k")))
	assert.True(t, b.Has([]byte("k")))
}

func TestReadOnly_PanicsOnWrite(t *testing.T) {
	ro := ReadOnly(NewMemStore())
	assert.Panics(t, func() { ro.Set([]byte("k"), []byte("v")) })
	assert.Panics(t, func() { ro.Delete([]byte("k")) })
}

func TestWrites_IncludeFlushedChildren(t *testing.T) {
	root := NewMemStore()
	root.Set([]byte("gone"), []byte("x"))

	outer := Branch(root)
	inner := Branch(Prefix(outer, []byte("c/")))
	inner.Set([]byte("k"), []byte("v"))
	inner.Write()
	outer.Delete([]byte("gone"))

	writes := outer.Writes()
	assert.Len(t, writes, 2)
	assert.Equal(t, "c/k", string(writes[0].Key))
	assert.Equal(t, []byte("v"), writes[0].Value)
	assert.Equal(t, "gone", string(writes[1].Key))
	assert.True(t, writes[1].Delete)
}

func TestMemStore_Load(t *testing.T) {
	root := NewMemStore()
	root.Set([]byte("old"), []byte("1"))

	assert.NoError(t, root.Load(map[string][]byte{"a": []byte("1"), "b": []byte("2")}))
	assert.Equal(t, 2, root.Len())
	assert.False(t, root.Has([]byte("old")))
	assert.Equal(t, []byte("2"), root.Get([]byte("b")))
}
