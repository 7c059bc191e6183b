package bitfield

import (
	"fmt"
	"math/bits"

	bitmap "github.com/boljen/go-bitmap"
)

// Bitfield tracks verified piece possession for one torrent or one remote
// peer. A set bit always means a complete, hash-verified piece. Instances
// carry no internal locking; the owning component synchronizes access.
type Bitfield struct {
	bm bitmap.Bitmap
	n  int
}

func New(n int) *Bitfield {
	return &Bitfield{bm: bitmap.New(n), n: n}
}

// FromWire decodes the BitTorrent bitfield payload (big-endian bit order,
// high bit of byte 0 is piece 0). Spare bits past n must be zero.
func FromWire(data []byte, n int) (*Bitfield, error) {
	if len(data) != (n+7)/8 {
		return nil, fmt.Errorf("bitfield length %d for %d pieces", len(data), n)
	}
	bf := New(n)
	for i := 0; i < n; i++ {
		if data[i/8]&(0x80>>uint(i%8)) != 0 {
			bf.bm.Set(i, true)
		}
	}
	for i := n; i < len(data)*8; i++ {
		if data[i/8]&(0x80>>uint(i%8)) != 0 {
			return nil, fmt.Errorf("bitfield spare bit %d set", i)
		}
	}
	return bf, nil
}

// ToWire encodes into the wire payload layout.
func (b *Bitfield) ToWire() []byte {
	out := make([]byte, (b.n+7)/8)
	for i := 0; i < b.n; i++ {
		if b.bm.Get(i) {
			out[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return out
}

func (b *Bitfield) Len() int { return b.n }

func (b *Bitfield) Set(i int)   { b.bm.Set(i, true) }
func (b *Bitfield) Clear(i int) { b.bm.Set(i, false) }

func (b *Bitfield) Test(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return b.bm.Get(i)
}

// Count returns the number of set bits.
func (b *Bitfield) Count() int {
	c := 0
	for _, word := range b.bm.Data(false) {
		c += bits.OnesCount8(word)
	}
	return c
}

func (b *Bitfield) IsComplete() bool { return b.Count() == b.n }

// IntersectCount counts pieces held by both sides, an estimate of shared
// availability.
func (b *Bitfield) IntersectCount(o *Bitfield) int {
	bw, ow := b.bm.Data(false), o.bm.Data(false)
	n := len(bw)
	if len(ow) < n {
		n = len(ow)
	}
	c := 0
	for i := 0; i < n; i++ {
		c += bits.OnesCount8(bw[i] & ow[i])
	}
	return c
}

// FirstUnset returns the lowest clear bit, or false when complete.
func (b *Bitfield) FirstUnset() (int, bool) {
	return b.NextUnset(0)
}

// NextUnset returns the lowest clear bit at or after from.
func (b *Bitfield) NextUnset(from int) (int, bool) {
	for i := from; i < b.n; i++ {
		if !b.bm.Get(i) {
			return i, true
		}
	}
	return 0, false
}

func (b *Bitfield) Copy() *Bitfield {
	c := New(b.n)
	copy(c.bm.Data(false), b.bm.Data(false))
	return c
}
