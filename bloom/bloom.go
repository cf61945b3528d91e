// Package bloom implements the membership filter carried in every sorted
// table: a bit array addressed by k independent hashes of the key, never
// giving a false negative.
package bloom

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Filter is a fixed-size bit array with k hash probes per key. The hash
// used to address bits (xxhash) is part of the on-disk table format: it
// must stay stable for the lifetime of a table's bytes.
type Filter struct {
	k    uint32
	m    uint32
	bits []byte
}

// New sizes a filter for n expected elements and a target false-positive
// rate p: m = ceil(-(n*ln p)/(ln 2)^2) rounded up to a multiple of 8,
// k = ceil((m/n)*ln 2).
func New(n int, p float64) *Filter {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := uint32(math.Ceil(-(float64(n) * math.Log(p)) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	m = ((m + 7) / 8) * 8
	k := uint32(math.Ceil((float64(m) / float64(n)) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &Filter{
		k:    k,
		m:    m,
		bits: make([]byte, m/8),
	}
}

// Add sets the k bits addressed by key.
func (f *Filter) Add(key []byte) {
	h1, h2 := probes(key)
	for i := uint32(0); i < f.k; i++ {
		f.setBit(bitIndex(h1, h2, i, f.m))
	}
}

// MaybeContains returns false only when key is definitely absent from
// every key previously passed to Add; true means "maybe present" and
// must be verified against the data region.
func (f *Filter) MaybeContains(key []byte) bool {
	h1, h2 := probes(key)
	for i := uint32(0); i < f.k; i++ {
		if !f.getBit(bitIndex(h1, h2, i, f.m)) {
			return false
		}
	}
	return true
}

func bitIndex(h1, h2 uint64, i, m uint32) uint32 {
	h := h1 + uint64(i)*h2
	return uint32(h % uint64(m))
}

func (f *Filter) setBit(bit uint32) {
	f.bits[bit/8] |= 1 << (bit % 8)
}

func (f *Filter) getBit(bit uint32) bool {
	return f.bits[bit/8]&(1<<(bit%8)) != 0
}

// Encode serialises the filter as 32-bit k, 32-bit m, then ceil(m/8) raw
// bit bytes, all little-endian.
func (f *Filter) Encode() []byte {
	out := make([]byte, 4+4+len(f.bits))
	binary.LittleEndian.PutUint32(out[0:4], f.k)
	binary.LittleEndian.PutUint32(out[4:8], f.m)
	copy(out[8:], f.bits)
	return out
}

// Decode parses the layout written by Encode.
func Decode(b []byte) (*Filter, bool) {
	if len(b) < 8 {
		return nil, false
	}
	k := binary.LittleEndian.Uint32(b[0:4])
	m := binary.LittleEndian.Uint32(b[4:8])
	bits := b[8:]
	if k == 0 || m == 0 || uint32(len(bits))*8 != m {
		return nil, false
	}
	buf := make([]byte, len(bits))
	copy(buf, bits)
	return &Filter{k: k, m: m, bits: buf}, true
}

// probes derives two independent 64-bit hashes from key for
// Kirsch-Mitzenmacher double hashing: h_i = h1 + i*h2.
func probes(key []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(key)

	d := xxhash.New()
	_, _ = d.Write([]byte{0x5c})
	_, _ = d.Write(key)
	h2 := d.Sum64()
	if h2 == 0 {
		h2 = 0x9e3779b97f4a7c15
	}
	return h1, h2
}
