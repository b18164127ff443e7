package set

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBits(t *testing.T) {
	var s Bits[int]

	s.Set(1)
	s.Set(5)
	s.Set(63)

	assert.True(t, s.IsSet(5))
	assert.False(t, s.IsSet(2))
	assert.True(t, s.Has(1, 5))
	assert.False(t, s.Has(1, 2))
	assert.Equal(t, 3, s.Size())

	var keys []int

	s.Range(func(k int) bool {
		keys = append(keys, k)
		return true
	})

	assert.Equal(t, []int{1, 5, 63}, keys)

	s.Clear(5)
	assert.False(t, s.IsSet(5))
	assert.Equal(t, 2, s.Size())
}
