// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import "math/bits"

// BitSet is a fixed-length bit vector marking which measurements the robust
// engine accepted as inliers. Index i corresponds to the i-th measurement
// handed to the engine.
type BitSet struct {
	n     int
	words []uint64
}

// NewBitSet returns an all-false bit set of length n.
func NewBitSet(n int) *BitSet {
	if n < 0 {
		n = 0
	}
	return &BitSet{n: n, words: make([]uint64, (n+63)/64)}
}

// Len returns the number of bits.
func (b *BitSet) Len() int { return b.n }

// Set assigns bit i. Out of range indices are ignored.
func (b *BitSet) Set(i int, v bool) {
	if i < 0 || i >= b.n {
		return
	}
	if v {
		b.words[i/64] |= 1 << (uint(i) % 64)
	} else {
		b.words[i/64] &^= 1 << (uint(i) % 64)
	}
}

// Get reports bit i. Out of range indices read as false.
func (b *BitSet) Get(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	return b.words[i/64]&(1<<(uint(i)%64)) != 0
}

// Count returns the number of set bits.
func (b *BitSet) Count() int {
	var c int
	for _, w := range b.words {
		c += bits.OnesCount64(w)
	}
	return c
}

// Indices returns the positions of all set bits, ascending.
func (b *BitSet) Indices() []int {
	out := make([]int, 0, b.Count())
	for i := 0; i < b.n; i++ {
		if b.Get(i) {
			out = append(out, i)
		}
	}
	return out
}
