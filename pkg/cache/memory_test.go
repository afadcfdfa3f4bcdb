package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryCache_Expiry(t *testing.T) {
	mc := NewMemoryCache(time.Minute, 10)
	now := time.Now()
	mc.now = func() time.Time { return now }

	mc.Set("call:1", "participants", 0)
	v, ok := mc.Get("call:1")
	assert.True(t, ok)
	assert.Equal(t, "participants", v)

	now = now.Add(2 * time.Minute)
	_, ok = mc.Get("call:1")
	assert.False(t, ok)
	assert.Equal(t, 0, mc.Size())
}

func TestMemoryCache_EvictsOldest(t *testing.T) {
	mc := NewMemoryCache(time.Minute, 2)
	now := time.Now()
	mc.now = func() time.Time { return now }

	mc.Set("a", 1, 0)
	now = now.Add(time.Second)
	mc.Set("b", 2, 0)
	now = now.Add(time.Second)
	mc.Set("c", 3, 0)

	_, ok := mc.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 2, mc.Size())
}

func TestMemoryCache_GetOrLoad(t *testing.T) {
	mc := NewMemoryCache(time.Minute, 10)
	loads := 0
	load := func() (interface{}, error) {
		loads++
		return []string{"u1", "u2"}, nil
	}

	v1, err := mc.GetOrLoad("k", 0, load)
	assert.NoError(t, err)
	v2, err := mc.GetOrLoad("k", 0, load)
	assert.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, loads)

	_, err = mc.GetOrLoad("other", 0, func() (interface{}, error) { return nil, errors.New("db down") })
	assert.Error(t, err)
	assert.Equal(t, 1, mc.Size())
}
