package lfcount

import "math/bits"

// DefaultReprobeSchedule is the quadratic reprobe schedule spec §4.1
// recommends as the default: R[i] = i(i+1)/2 + 1. It interacts well with
// the uniform invertible hash to give near-ideal occupancy up to ~80% load
// (spec §9). Baked as a table rather than computed per-probe, mirroring
// jellyfish's own quadratic_reprobes table.
var DefaultReprobeSchedule = makeQuadraticSchedule(1024)

func makeQuadraticSchedule(n int) []uint64 {
	r := make([]uint64, n)
	for i := range r {
		r[i] = uint64(i)*uint64(i+1)/2 + 1
	}
	return r
}

// reprobeSchedule pairs a caller-supplied non-decreasing sequence with the
// effective, possibly-lowered reprobe limit computed at construction
// (spec §4.1, ported from jellyfish::large_hash::reprobe_limit_t).
type reprobeSchedule struct {
	table []uint64
	limit uint32 // effective max_reprobe()
}

// newReprobeSchedule lowers limit until both R[limit] < size and
// bitsize(limit+1) <= lsize hold (spec invariant 6), exactly mirroring
// reprobe_limit_t's constructor loop in large_hash_array.hpp:35-45 rather
// than a closed-form computation, since table is caller-supplied and need
// not be quadratic.
func newReprobeSchedule(table []uint64, limit uint32, size uint64, lsize uint8) (reprobeSchedule, error) {
	if len(table) == 0 || table[0] < 1 {
		return reprobeSchedule{}, errInvalidReprobeSchedule
	}
	if int(limit) >= len(table) {
		limit = uint32(len(table) - 1)
	}
	for limit >= 1 && (table[limit] >= size || bitsize(uint64(limit)+1) > int(lsize)) {
		limit--
	}
	if table[limit] >= size || bitsize(uint64(limit)+1) > int(lsize) {
		return reprobeSchedule{}, errInvalidReprobeSchedule
	}
	return reprobeSchedule{table: table, limit: limit}, nil
}

func (r reprobeSchedule) at(i uint32) uint64 { return r.table[i] }

// bitsize returns the number of bits needed to represent the unsigned
// integer value x, i.e. floor(log2(x))+1 for x>0 and 1 for x==0 — the same
// idiom jellyfish's bitsize() helper implements, and the one
// large_hash_array.hpp actually calls (`bitsize(reprobe_limit_.val()+1)`)
// to size the reprobe field, rather than spec §4.5's prose approximation
// ceil(log2(reprobe_limit+1)). See DESIGN.md for why the source's literal
// formula is used when the two differ by a bit.
func bitsize(x uint64) int {
	if x == 0 {
		return 1
	}
	return bits.Len64(x)
}
