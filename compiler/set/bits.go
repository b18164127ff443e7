package set

import (
	"math/bits"

	"tlog.app/go/tlog/tlwire"
)

type (
	Key interface {
		~int | ~int8 | ~uint8
	}

	// Bits is a set of small keys in range [0, 64).
	Bits[K Key] uint64
)

func (s *Bits[K]) Set(k K) {
	*s |= 1 << uint(k)
}

func (s *Bits[K]) Clear(k K) {
	*s &^= 1 << uint(k)
}

func (s Bits[K]) IsSet(k K) bool {
	return s&(1<<uint(k)) != 0
}

// Has reports whether all keys are in the set.
func (s Bits[K]) Has(k ...K) bool {
	for _, k := range k {
		if !s.IsSet(k) {
			return false
		}
	}

	return true
}

func (s Bits[K]) Size() int {
	return bits.OnesCount64(uint64(s))
}

func (s Bits[K]) Range(f func(k K) bool) {
	for x := uint64(s); x != 0; x &= x - 1 {
		if !f(K(bits.TrailingZeros64(x))) {
			return
		}
	}
}

func (s Bits[K]) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	b = e.AppendTag(b, tlwire.Array, -1)

	s.Range(func(k K) bool {
		b = e.AppendInt(b, int(k))

		return true
	})

	return e.AppendBreak(b)
}
