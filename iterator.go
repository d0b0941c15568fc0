package lfcount

// Iterator walks a fixed slot range of a table, visiting every primary cell
// it finds filled (ported from array::iterator, large_hash_array.hpp:210).
// It never blocks on a write in progress the way a caller racing with Add
// might: a cell it visits is either fully published (head word nonzero) or
// not yet claimed at all, never a torn intermediate.
type Iterator[K Key[K]] struct {
	t      *Table[K]
	id     uint64
	startID, endID uint64

	key K
	val uint64
	pos uint64
}

// IteratorAll returns an iterator over the whole table.
func IteratorAll[K Key[K]](t *Table[K]) *Iterator[K] {
	return &Iterator[K]{t: t, id: 0, startID: 0, endID: t.size}
}

// IteratorSlice returns an iterator over one slice of numSlices roughly
// equal slices of the table, letting a caller fan a full scan out across
// goroutines (array::iterator_slice, and spec's supplemented multi-reader
// scan support).
func IteratorSlice[K Key[K]](t *Table[K], sliceNumber, numSlices uint64) *Iterator[K] {
	start, end := SliceBounds(sliceNumber, numSlices, t.size)
	return &Iterator[K]{t: t, id: start, startID: start, endID: end}
}

// SliceBounds divides [0, size) into numSlices contiguous, near-equal
// ranges and returns the bounds of sliceNumber, the same partition
// array::slice uses to hand out disjoint iterator ranges to concurrent
// readers (used here for IteratorSlice; no sharing of in-progress writes
// is implied, since this table has none to share — a slice's only purpose
// is dividing up already-settled reads).
func SliceBounds(sliceNumber, numSlices, size uint64) (start, end uint64) {
	if numSlices == 0 {
		return 0, size
	}
	if sliceNumber >= numSlices {
		return size, size
	}
	base := size / numSlices
	rem := size % numSlices
	start = sliceNumber*base + minUint64(sliceNumber, rem)
	end = start + base
	if sliceNumber < rem {
		end++
	}
	return start, end
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// Next advances to the next filled primary cell in range, returning false
// once the range is exhausted. Key and Value report the cell most recently
// visited.
func (it *Iterator[K]) Next() bool {
	t := it.t
	for it.id < it.endID {
		slot := it.id
		it.id++

		status, storedReprobe, residual := t.readPrimaryCell(slot)
		if status != cellFilled {
			continue
		}
		oid := (slot - t.probeOffset(uint32(storedReprobe-1))) & t.sizeMask
		lowBits := recoverLowBits(t.inverse, residual, t.layout.residualBits, oid, t.lsize)
		full := concatBits([]uint64{lowBits}, t.lsize, residual, t.layout.residualBits)

		it.key = wordsToKey[K](full, t.keyLen)
		it.val = wordsToUint64(t.readValueField(slot, t.layout.valueFieldChunks()))
		it.val += t.resolveOverflow(slot)
		it.pos = slot
		return true
	}
	return false
}

// Key returns the key of the cell Next last returned true for.
func (it *Iterator[K]) Key() K { return it.key }

// Value returns the accumulated count of the cell Next last returned true
// for, overflow chain included.
func (it *Iterator[K]) Value() uint64 { return it.val }

// Slot returns the primary cell's raw slot index.
func (it *Iterator[K]) Slot() uint64 { return it.pos }

// Start and End report the iterator's slot range, mirroring
// array::iterator::start()/end().
func (it *Iterator[K]) Start() uint64 { return it.startID }
func (it *Iterator[K]) End() uint64   { return it.endID }
