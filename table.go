package lfcount

import (
	"fmt"
	"math/bits"

	"go.uber.org/zap"
)

// Table is C6: a fixed-size, lock-free, bit-packed counting hash table over
// fixed-length keys. Ported from large_hash_array's array class, generalized
// from that type's uint64 key to any Key[K].
type Table[K Key[K]] struct {
	size     uint64
	sizeMask uint64
	lsize    int
	keyLen   int

	layout  cellLayout
	reprobe reprobeSchedule
	forward binaryMatrix
	inverse binaryMatrix

	allocator Allocator[K]
	block     *memBlock
	logger    *zap.Logger
}

// New constructs a table sized to the next power of two at least as large
// as requested, a reprobe schedule clamped to fit, and a fresh random hash
// matrix pair (spec §4.1, §6).
func New[K Key[K]](size uint64, keyLen, valLen int, opts ...Option[K]) (*Table[K], error) {
	if size == 0 || keyLen <= 0 || valLen <= 0 {
		return nil, errInvalidConfig
	}
	n := nextPowerOfTwo(size)
	lsize := bits.TrailingZeros64(n)
	if keyLen < lsize {
		return nil, fmt.Errorf("%w: key_len %d shorter than lsize %d", errInvalidConfig, keyLen, lsize)
	}

	cfg := defaultTableConfig[K]()
	for _, o := range opts {
		o.apply(&cfg)
	}

	sched, err := newReprobeSchedule(cfg.reprobeTable, cfg.reprobeLimit, n, uint8(lsize))
	if err != nil {
		return nil, err
	}
	reprobeBits := bitsize(uint64(sched.limit) + 1)
	layout := newCellLayout(lsize, keyLen, valLen, reprobeBits)

	nWords := n * uint64(layout.cellWords)
	block, err := cfg.allocator.AllocBlock(int(nWords))
	if err != nil {
		logAllocationFailure(cfg.logger, err)
		return nil, err
	}

	forward, inverse := newHashMatrices(lsize, keyLen, cfg.entropy)

	logConstruction(cfg.logger, n, keyLen, valLen, sched.limit)
	return &Table[K]{
		size:      n,
		sizeMask:  n - 1,
		lsize:     lsize,
		keyLen:    keyLen,
		layout:    layout,
		reprobe:   sched,
		forward:   forward,
		inverse:   inverse,
		allocator: cfg.allocator,
		block:     block,
		logger:    cfg.logger,
	}, nil
}

func nextPowerOfTwo(n uint64) uint64 {
	if n&(n-1) == 0 {
		return n
	}
	return uint64(1) << uint(bits.Len64(n))
}

func (t *Table[K]) Size() uint64                { return t.size }
func (t *Table[K]) KeyLen() int                 { return t.keyLen }
func (t *Table[K]) ValLen() int                 { return t.layout.valLen }
func (t *Table[K]) MaxReprobe() uint32          { return t.reprobe.limit }
func (t *Table[K]) MaxReprobeOffset() uint64    { return t.reprobe.at(t.reprobe.limit) }
func (t *Table[K]) Matrix() binaryMatrix        { return t.forward }
func (t *Table[K]) InverseMatrix() binaryMatrix { return t.inverse }

// Close releases the table's backing memory block.
func (t *Table[K]) Close() {
	t.allocator.FreeBlock(t.block)
}

// Clear zeroes the whole backing block. Not safe to call concurrently with
// any other operation (spec §4.6: clear is single-threaded only).
func (t *Table[K]) Clear() {
	t.block.clear()
	logClear(t.logger, t.size)
}

// probeOffset returns the distance added to a reprobe walk's anchor for
// attempt r: spec §4.5's insertion and lookup algorithms both compute
// candidate = (anchor + R[r]) & (N-1) uniformly for every r in
// [0, reprobe_limit], R[0] included — unlike claim_key's literal C++ form,
// which special-cases the very first attempt to use offset 0. spec.md's
// algorithm section is explicit here, not silent, so it governs over the
// source's special case (see DESIGN.md).
func (t *Table[K]) probeOffset(r uint32) uint64 {
	return t.reprobe.at(r)
}

// cellStatus classifies a slot's key field without yet decoding it fully.
type cellStatus int

const (
	cellEmpty cellStatus = iota
	cellFilled
	cellContinuation
)

// readKeyField loads a slot's whole key field (lb, reprobe, residual for a
// primary cell; lb, reprobe for a continuation cell), reading the
// sb-equivalent head word (word 0) first so a torn read against a
// concurrent claim is impossible: the writer never touches word 0 until
// every other word of the field already holds its final value (layout.go).
func (t *Table[K]) readKeyField(slot uint64, chunks []wordChunk) []uint64 {
	base := t.layout.slotWordOffset(slot)
	words := t.block.words
	out := make([]uint64, wordsForBits(totalChunkBits(chunks)))
	for _, c := range chunks {
		part := (loadWord(words, int(base)+c.wordIdx) & c.mask) >> c.wordShift
		writeBitsWords(out, int(c.fieldShift), c.nbits, part)
	}
	return out
}

func totalChunkBits(chunks []wordChunk) int {
	total := 0
	for _, c := range chunks {
		total += c.nbits
	}
	return total
}

// readPrimaryCell classifies and decodes the key field at slot.
func (t *Table[K]) readPrimaryCell(slot uint64) (status cellStatus, storedReprobe uint64, residual []uint64) {
	field := t.readKeyField(slot, t.layout.keyFieldChunks())
	if readBitsWords(field, 0, 1) == 1 {
		return cellContinuation, 0, nil
	}
	reprobeField := readBitsWords(field, 1, t.layout.reprobeBits)
	if reprobeField == 0 {
		return cellEmpty, 0, nil
	}
	res := make([]uint64, wordsForBits(t.layout.residualBits))
	copyBitsWords(res, 0, field, 1+t.layout.reprobeBits, t.layout.residualBits)
	return cellFilled, reprobeField, res
}

// readContinuationCell classifies and decodes the key field of a cell
// reached via an overflow chain. A slot on a continuation probe path is not
// necessarily either a continuation cell or truly empty: it may be the
// primary cell of an unrelated key, whose lb bit reads 0 here but whose
// reprobe subfield is nonzero (resolve_val_rec, large_hash_array.hpp:652,
// only stops a walk when the whole key field reads zero). That case is
// reported as cellFilled so the caller keeps reprobing instead of stopping.
func (t *Table[K]) readContinuationCell(slot uint64) (status cellStatus, storedReprobe uint64) {
	field := t.readKeyField(slot, t.layout.continuationKeyFieldChunks())
	if readBitsWords(field, 0, 1) == 1 {
		return cellContinuation, readBitsWords(field, 1, t.layout.reprobeBits)
	}
	if readBitsWords(field, 1, t.layout.reprobeBits) == 0 {
		return cellEmpty, 0
	}
	return cellFilled, 0
}

// claimKeyFieldAt attempts to claim chunks (in field-bit order) at slot with
// the bits of fieldWords. Body chunks (everything but chunks[0], word 0) are
// claimed first, descending from the last chunk down to chunk 1; chunks[0]
// is claimed last, so its own zero-to-nonzero transition is the publish
// point (spec §5; layout.go). If any body
// chunk is neither free nor already equal to our own value, the whole
// attempt is abandoned without ever touching chunks[0] — leftover matching
// body bits are harmless, since nothing treats a cell as occupied until
// its word-0 chunk says so.
func (t *Table[K]) claimKeyFieldAt(slot uint64, chunks []wordChunk, fieldWords []uint64) (claimed, wasNew bool) {
	base := t.layout.slotWordOffset(slot)
	words := t.block.words
	for i := len(chunks) - 1; i >= 1; i-- {
		c := chunks[i]
		desired := readBitsWords(fieldWords, int(c.fieldShift), c.nbits)
		ok, _ := casFieldFreeOrEqual(words, base, c, desired)
		if !ok {
			return false, false
		}
	}
	head := chunks[0]
	desired := readBitsWords(fieldWords, int(head.fieldShift), head.nbits)
	ok, wasFree := casFieldFreeOrEqual(words, base, head, desired)
	return ok, wasFree
}

// claimPrimary reprobes from key's hashed slot until it claims a primary
// cell, either a fresh one or the one this exact key already occupies
// (claim_key, large_hash_array.hpp:268).
func (t *Table[K]) claimPrimary(key K) (slot uint64, wasNew, ok bool) {
	hashedSlot := hashKeyThroughMatrix(t.forward, key)
	residual := keyBitsToWords(key, t.lsize, t.layout.residualBits)
	chunks := t.layout.keyFieldChunks()
	fieldWords := make([]uint64, wordsForBits(t.layout.kfw))
	copyBitsWords(fieldWords, 1+t.layout.reprobeBits, residual, 0, t.layout.residualBits)

	for r := uint32(0); r <= t.reprobe.limit; r++ {
		candidate := (hashedSlot + t.probeOffset(r)) & t.sizeMask
		writeBitsWords(fieldWords, 1, t.layout.reprobeBits, uint64(r)+1)
		claimed, wasFree := t.claimKeyFieldAt(candidate, chunks, fieldWords)
		if claimed {
			return candidate, wasFree, true
		}
	}
	return 0, false, false
}

// claimContinuation reprobes from anchor until it claims an overflow cell
// identified by reprobe distance r back to anchor (claim_large_key).
func (t *Table[K]) claimContinuation(anchor uint64) (slot uint64, ok bool) {
	chunks := t.layout.continuationKeyFieldChunks()
	fieldWords := make([]uint64, wordsForBits(1+t.layout.reprobeBits))

	for r := uint32(0); r <= t.reprobe.limit; r++ {
		candidate := (anchor + t.probeOffset(r)) & t.sizeMask
		writeBitsWords(fieldWords, 0, 1, 1)
		writeBitsWords(fieldWords, 1, t.layout.reprobeBits, uint64(r))
		claimed, _ := t.claimKeyFieldAt(candidate, chunks, fieldWords)
		if claimed {
			return candidate, true
		}
	}
	return 0, false
}

// Add accumulates delta into key's counter, inserting a fresh primary cell
// if key has never been seen, chaining overflow cells on arithmetic
// overflow out of the value field (spec §4.5 step 7-9, add_rec). A delta of
// zero is a no-op: it must not create a cell that would not otherwise
// exist (spec S7).
func (t *Table[K]) Add(key K, delta uint64) (slot uint64, wasNew bool, err error) {
	if delta == 0 {
		return 0, false, nil
	}
	slot, wasNew, ok := t.claimPrimary(key)
	if !ok {
		logTableFull(t.logger, hashKeyThroughMatrix(t.forward, key), t.reprobe.limit)
		return 0, false, ErrTableFull
	}
	if err := t.addWithOverflow(slot, delta, t.layout.valueFieldChunks()); err != nil {
		logTableFull(t.logger, hashKeyThroughMatrix(t.forward, key), t.reprobe.limit)
		return slot, wasNew, err
	}
	return slot, wasNew, nil
}

// Set is Add with an implicit delta of one, the common case for a pure
// counting table (spec §4.5's set()).
func (t *Table[K]) Set(key K) (slot uint64, wasNew bool, err error) {
	return t.Add(key, 1)
}

// addWithOverflow adds delta into the primary value field at slot, and on
// carry-out chains into (or extends) overflow cells, each anchored one
// reprobe hop past the previous cell. On failure partway through a chain,
// only the primary's own contribution is rolled back — spec §9's design
// notes call for reproducing add_rec's primary-level backtrack exactly and
// explicitly direct against unwinding deeper levels, even though the
// carry already committed into any intermediate continuation cell is then
// left dangling (the same open question the source itself flags, not a
// bug introduced here).
func (t *Table[K]) addWithOverflow(slot uint64, delta uint64, chunks []wordChunk) error {
	carry := t.addValueField(slot, chunks, delta)
	if carry == 0 {
		return nil
	}

	anchor := slot
	for {
		nextAnchor := (anchor + t.probeOffset(0)) & t.sizeMask
		contSlot, ok := t.claimContinuation(nextAnchor)
		if !ok {
			fieldMask := (uint64(1) << uint(t.layout.valLen)) - 1
			rollback := ((uint64(1) << uint(t.layout.valLen)) - delta) & fieldMask
			t.addValueField(slot, chunks, rollback)
			return ErrTableFull
		}
		carry = t.addValueField(contSlot, t.layout.continuationValueFieldChunks(), carry)
		if carry == 0 {
			return nil
		}
		anchor = contSlot
	}
}

// addValueField adds delta into the (possibly multi-word) field described
// by chunks at slot, propagating carry from low chunk to high chunk, and
// returns the carry that escaped the field's full width (add_val, chained
// across words instead of large_hash_array.hpp's two-word special case).
func (t *Table[K]) addValueField(slot uint64, chunks []wordChunk, delta uint64) uint64 {
	base := t.layout.slotWordOffset(slot)
	words := t.block.words
	carry := delta
	for _, c := range chunks {
		if carry == 0 {
			return 0
		}
		carry = casFieldAdd(words, base, c, carry)
	}
	return carry
}

// readValueField reads the field described by chunks at slot as a single
// value, low chunk first (see wordsToUint64 for the width this collapses
// to).
func (t *Table[K]) readValueField(slot uint64, chunks []wordChunk) []uint64 {
	base := t.layout.slotWordOffset(slot)
	words := t.block.words
	out := make([]uint64, wordsForBits(totalChunkBits(chunks)))
	for _, c := range chunks {
		part := (loadWord(words, int(base)+c.wordIdx) & c.mask) >> c.wordShift
		writeBitsWords(out, int(c.fieldShift), c.nbits, part)
	}
	return out
}

// Get looks up key and returns its accumulated counter value, resolving any
// overflow chain (get_val_for_key: get_key_id followed by resolve_val_rec).
func (t *Table[K]) Get(key K) (uint64, bool) {
	slot, ok := t.Lookup(key)
	if !ok {
		return 0, false
	}
	total := wordsToUint64(t.readValueField(slot, t.layout.valueFieldChunks()))
	total += t.resolveOverflow(slot)
	return total, true
}

// resolveOverflow walks the overflow chain anchored one reprobe hop past
// primarySlot, summing each continuation cell's lval field shifted by
// val_len + lval_len*level (resolve_val_rec), iteratively per spec §9.
func (t *Table[K]) resolveOverflow(primarySlot uint64) uint64 {
	var total uint64
	anchor := (primarySlot + t.probeOffset(0)) & t.sizeMask
	chunks := t.layout.continuationValueFieldChunks()

	for level := 0; ; level++ {
		found := false
		for r := uint32(0); r <= t.reprobe.limit; r++ {
			candidate := (anchor + t.probeOffset(r)) & t.sizeMask
			status, storedReprobe := t.readContinuationCell(candidate)
			if status == cellEmpty {
				return total
			}
			if status != cellContinuation || storedReprobe != uint64(r) {
				continue
			}
			val := wordsToUint64(t.readValueField(candidate, chunks))
			total += val << uint(t.layout.valLen+t.layout.lvalLen*level)
			anchor = (candidate + t.probeOffset(0)) & t.sizeMask
			found = true
			break
		}
		if !found {
			return total
		}
	}
}

// Lookup reports the slot key occupies without resolving its accumulated
// value — cheaper than Get when a caller already knows it will need the
// slot id again (get_key_id, exposed independently of get_val_for_key the
// way the original splits the two).
func (t *Table[K]) Lookup(key K) (slot uint64, ok bool) {
	hashedSlot := hashKeyThroughMatrix(t.forward, key)
	queryResidual := keyBitsToWords(key, t.lsize, t.layout.residualBits)

	for r := uint32(0); r <= t.reprobe.limit; r++ {
		candidate := (hashedSlot + t.probeOffset(r)) & t.sizeMask
		status, storedReprobe, residual := t.readPrimaryCell(candidate)
		switch status {
		case cellEmpty:
			return 0, false
		case cellContinuation:
			continue
		case cellFilled:
			oid := (candidate - t.probeOffset(uint32(storedReprobe-1))) & t.sizeMask
			if oid == hashedSlot && bitsEqual(residual, queryResidual, t.layout.residualBits) {
				return candidate, true
			}
		}
	}
	return 0, false
}
