package lfcount

// cellLayout is C4: precomputed, construction-time-only bit geometry for a
// cell. Every slot is structurally identical under the word-aligned-cell
// design (see DESIGN.md's "Open Question: C4 packing"), so there is exactly
// one cellLayout per table rather than one offset descriptor per slot.
//
// A cell is cellWords consecutive words. Bit 0 of the first word is the lb
// (large/continuation) bit; bits [1, 1+reprobeBits) hold the reprobe field
// (r+1 for a primary cell, r for a continuation cell); bits
// [1+reprobeBits, kfw) hold the residual — a primary cell's own high
// key_len-lsize bits, copied verbatim, never hashed (see matrix.go's
// newHashMatrices doc comment); bits [kfw, cellBits) hold the value field.
//
// A continuation cell has no residual to store (it identifies its primary
// purely by reprobe distance), so its value field reclaims that span too:
// bits [1+reprobeBits, cellBits) form its lvalLen-bit carry field.
//
// No field ever reserves a per-word "still being written" marker bit the
// way large_hash_array.hpp's sb_mask1/sb_mask2 do: instead, the first word
// of the key field is the last one written during a claim (see table.go's
// claimPrimary), so its own transition from zero to nonzero is both the
// occupancy test and the publish signal spec §5's ordering guarantee
// requires, with no bits spent on it.
type cellLayout struct {
	lsize        int
	keyLen       int
	residualBits int
	reprobeBits  int
	valLen       int
	lvalLen      int

	kfw       int // key field width (primary)
	cellBits  int
	cellWords int

	reprobeMask uint64
}

func newCellLayout(lsize, keyLen, valLen, reprobeBits int) cellLayout {
	residualBits := keyLen - lsize
	kfw := 1 + reprobeBits + residualBits
	cellBits := kfw + valLen
	return cellLayout{
		lsize:        lsize,
		keyLen:       keyLen,
		residualBits: residualBits,
		reprobeBits:  reprobeBits,
		valLen:       valLen,
		lvalLen:      valLen + residualBits,
		kfw:          kfw,
		cellBits:     cellBits,
		cellWords:    wordsForBits(cellBits),
		reprobeMask:  (uint64(1) << uint(reprobeBits)) - 1,
	}
}

// slotWordOffset returns the index of the first word of slot's cell within
// the backing memory block.
func (l cellLayout) slotWordOffset(slot uint64) uint64 {
	return slot * uint64(l.cellWords)
}

// wordChunk is one word's worth of a bit field: the word it lives in
// (relative to the cell's first word), the bit range within that word, and
// the corresponding bit range within the field's own value. Splitting every
// field into a chunk list, rather than special-casing "fits in one word" /
// "spans two words" / "three or more words" the way large_hash_array.hpp's
// offset descriptors do, is the one piece of genuine simplification the
// word-aligned-cell design affords: every chunk is handled by the same loop
// regardless of field width.
type wordChunk struct {
	wordIdx    int
	wordShift  uint
	fieldShift uint
	nbits      int
	mask       uint64 // this chunk's bits, already positioned at wordShift
}

func splitFieldIntoWordChunks(startBit, width int) []wordChunk {
	var chunks []wordChunk
	bit := startBit
	fieldShift := uint(0)
	remaining := width
	for remaining > 0 {
		wordIdx := bit / 64
		wordShift := uint(bit % 64)
		n := 64 - int(wordShift)
		if n > remaining {
			n = remaining
		}
		var mask uint64
		if n == 64 {
			mask = ^uint64(0)
		} else {
			mask = ((uint64(1) << uint(n)) - 1) << wordShift
		}
		chunks = append(chunks, wordChunk{
			wordIdx: wordIdx, wordShift: wordShift,
			fieldShift: fieldShift, nbits: n, mask: mask,
		})
		bit += n
		fieldShift += uint(n)
		remaining -= n
	}
	return chunks
}

// keyFieldChunks describes the full kfw-bit key field of a primary cell:
// lb, reprobe, and residual, in that bit order.
func (l cellLayout) keyFieldChunks() []wordChunk {
	return splitFieldIntoWordChunks(0, l.kfw)
}

// valueFieldChunks describes a primary cell's valLen-bit value field.
func (l cellLayout) valueFieldChunks() []wordChunk {
	return splitFieldIntoWordChunks(l.kfw, l.valLen)
}

// continuationKeyFieldChunks describes a continuation cell's lb+reprobe
// field (no residual — it carries only a reprobe distance back to its
// primary).
func (l cellLayout) continuationKeyFieldChunks() []wordChunk {
	return splitFieldIntoWordChunks(0, 1+l.reprobeBits)
}

// continuationValueFieldChunks describes a continuation cell's lvalLen-bit
// carry field, starting right where its (shorter) key field ends.
func (l cellLayout) continuationValueFieldChunks() []wordChunk {
	return splitFieldIntoWordChunks(1+l.reprobeBits, l.lvalLen)
}
