package lfcount

import "sync/atomic"

// C7: word-sized compare-and-swap and load, sequentially consistent. No
// pack library wraps stdlib's generic atomic words any more idiomatically
// than using them directly, so this is a thin naming layer over
// sync/atomic.Uint64 rather than a reimplementation (see DESIGN.md).

// casWord attempts to swap the word at idx from old to new, reporting
// whether it observed old. On failure the caller rereads via loadWord and
// retries with updated expectations, the same retry shape as
// large_hash_array.hpp's atomic_.cas.
func casWord(words []atomic.Uint64, idx int, old, new uint64) bool {
	return words[idx].CompareAndSwap(old, new)
}

func loadWord(words []atomic.Uint64, idx int) uint64 {
	return words[idx].Load()
}

// casFieldFreeOrEqual claims chunk c of a cell starting at wordBase: the
// bits under c.mask must be all-zero or already equal to desired (shifted
// into c.wordShift) for the claim to succeed. Mirrors large_hash_array.hpp's
// set_key: free_mask and equal_mask are the same mask here because every
// chunk in this layout is claimed whole, never partially overwritten by a
// shorter in-progress write the way a multi-word key's second word can be.
// wasFree reports whether this call is what transitioned the bits to
// nonzero, distinguishing a fresh claim from rejoining one already made.
func casFieldFreeOrEqual(words []atomic.Uint64, wordBase uint64, c wordChunk, desired uint64) (ok, wasFree bool) {
	idx := int(wordBase) + c.wordIdx
	want := (desired << c.wordShift) & c.mask
	for {
		old := loadWord(words, idx)
		existing := old & c.mask
		if existing == 0 {
			newWord := (old &^ c.mask) | want
			if casWord(words, idx, old, newWord) {
				return true, true
			}
			continue
		}
		return existing == want, false
	}
}

// casFieldAdd adds delta into chunk c, atomically, returning the carry out
// of c's width (0 if the sum fit). Mirrors add_val's per-word add-and-shift.
func casFieldAdd(words []atomic.Uint64, wordBase uint64, c wordChunk, delta uint64) uint64 {
	idx := int(wordBase) + c.wordIdx
	fieldMask := c.mask >> c.wordShift
	for {
		old := loadWord(words, idx)
		cur := (old & c.mask) >> c.wordShift
		sum := cur + delta
		newVal := sum & fieldMask
		carry := sum >> uint(c.nbits)
		newWord := (old &^ c.mask) | (newVal << c.wordShift)
		if casWord(words, idx, old, newWord) {
			return carry
		}
	}
}
