package math

import "math/bits"

// Instrument selections are addressed by a bitmask paired with a dense value
// array aligned to the mask's set bits in ascending order.

// PopCount returns the number of set bits in an instrument bitmask.
func PopCount(mask uint64) int {
	return bits.OnesCount64(mask)
}

// Decompose returns the ascending sequence of bit-values (powers of two)
// present in mask.
func Decompose(mask uint64) []uint64 {
	out := make([]uint64, 0, bits.OnesCount64(mask))
	for mask != 0 {
		bit := mask & -mask
		out = append(out, bit)
		mask &^= bit
	}
	return out
}

// Indices returns the ascending bit positions set in mask, used to align a
// dense per-instrument array to the sparse selected set.
func Indices(mask uint64) []int {
	out := make([]int, 0, bits.OnesCount64(mask))
	for mask != 0 {
		i := bits.TrailingZeros64(mask)
		out = append(out, i)
		mask &^= 1 << uint(i)
	}
	return out
}
