package rcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLVsEpoch(t *testing.T) {
	c := New(16)
	k := KeyLocal("x")
	now := time.Now().Unix()

	ok := c.Replace(k, RData{CTime: now, Type: TypeLocal, Payload: []byte("v")})
	require.True(t, ok)

	v, found := c.Use(k)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v.Payload)

	c.Clear()
	_, found = c.Find(k)
	assert.False(t, found)

	k2 := KeyLocal("y")
	c.Replace(k2, RData{CTime: now, Type: TypeLocal, Payload: []byte("w")})

	_, found = c.Find(k)
	assert.False(t, found, "old key stays invisible after clear")
	v2, found := c.Find(k2)
	require.True(t, found)
	assert.Equal(t, []byte("w"), v2.Payload)
}

func TestClearDoesNotRemoveKeys(t *testing.T) {
	c := New(16)
	k := KeyLocal("x")
	c.Replace(k, RData{CTime: time.Now().Unix(), Type: TypeLocal, Payload: []byte("v")})
	before := c.Len()
	c.Clear()
	assert.Equal(t, before, c.Len(), "clear must not evict entries, only bump epoch")
}

func TestPlusRunningSum(t *testing.T) {
	c := New(16)
	k := KeyLocal("counter")
	now := time.Now()

	v1 := c.Plus(k, 5, now, 0)
	assert.EqualValues(t, 5, v1)

	v2 := c.Plus(k, 3, now, 0)
	assert.EqualValues(t, 8, v2)

	v3 := c.Plus(k, -2, now, 0)
	assert.EqualValues(t, 6, v3)
}

func TestPlusStaleEntryResets(t *testing.T) {
	c := New(16)
	k := KeyLocal("counter")
	old := time.Now().Add(-time.Hour)
	c.Plus(k, 100, old, 0)

	// minCTime excludes the old write, so it should be treated as absent.
	v := c.Plus(k, 1, time.Now(), old.Unix()+1)
	assert.EqualValues(t, 1, v)
}

func TestFindDoesNotPromoteUsePromotes(t *testing.T) {
	c := New(2)
	k1, k2, k3 := KeyLocal("1"), KeyLocal("2"), KeyLocal("3")
	now := time.Now().Unix()
	c.Replace(k1, RData{CTime: now, Type: TypeLocal})
	c.Replace(k2, RData{CTime: now, Type: TypeLocal})

	// Use k1 to promote it to MRU.
	c.Use(k1)
	// Inserting k3 should evict k2 (LRU), not k1.
	c.Replace(k3, RData{CTime: now, Type: TypeLocal})

	_, ok1 := c.Find(k1)
	_, ok2 := c.Find(k2)
	_, ok3 := c.Find(k3)
	assert.True(t, ok1)
	assert.False(t, ok2)
	assert.True(t, ok3)
}

func TestReapEvictsOnlyOlderEntries(t *testing.T) {
	c := New(16)
	old := time.Now().Add(-time.Hour).Unix()
	fresh := time.Now().Unix()

	c.Replace(KeyLocal("old1"), RData{CTime: old, Type: TypeLocal})
	c.Replace(KeyLocal("old2"), RData{CTime: old, Type: TypeLocal})
	c.Replace(KeyLocal("new1"), RData{CTime: fresh, Type: TypeLocal})

	n := c.Reap(10, time.Now().Add(-time.Minute).Unix())
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, c.Len())
}

func TestKeysAreDistinctAcrossKinds(t *testing.T) {
	a := KeyAnswer("svc", "method", []byte("args"))
	m := KeyMemcache("svc", "method")
	l := KeyLocal("method")
	assert.NotEqual(t, a, m)
	assert.NotEqual(t, a, l)
	assert.NotEqual(t, m, l)
}
