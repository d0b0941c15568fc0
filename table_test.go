package lfcount

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestTable(t *testing.T, size uint64, keyLen, valLen int, opts ...Option[BitVector]) *Table[BitVector] {
	t.Helper()
	opts = append([]Option[BitVector]{WithAllocator[BitVector](heapAllocator[BitVector]{})}, opts...)
	tbl, err := New[BitVector](size, keyLen, valLen, opts...)
	require.NoError(t, err)
	t.Cleanup(tbl.Close)
	return tbl
}

func bv(x uint64) BitVector { return NewBitVectorFromUint64(x) }

// bvLong builds a key wider than 64 bits: the low 64 bits from lo, the next
// extraBits bits above that from hi.
func bvLong(lo uint64, extraBits int, hi uint64) BitVector {
	return NewBitVectorFromUint64(lo).SetBits(64, extraBits, hi)
}

// S1: distinct keys inserted once each are each retrievable with count 1,
// and an all-slot iterator visits exactly those keys.
func TestAddDistinctKeysEachCountOne(t *testing.T) {
	tbl := newTestTable(t, 8, 6, 4)
	keys := []BitVector{bv(3), bv(11), bv(29)}

	for _, k := range keys {
		_, wasNew, err := tbl.Set(k)
		require.NoError(t, err)
		require.True(t, wasNew)
	}

	for _, k := range keys {
		got, ok := tbl.Get(k)
		require.True(t, ok)
		require.Equal(t, uint64(1), got)
	}
	require.Equal(t, uint64(8), tbl.Size())

	seen := map[BitVector]uint64{}
	it := IteratorAll(tbl)
	for it.Next() {
		seen[it.Key()] = it.Value()
	}
	require.Len(t, seen, len(keys))
	for _, k := range keys {
		require.Equal(t, uint64(1), seen[k])
	}
}

// S2: a val_len=4 field holds 0..15 without overflow; the 16th Set on the
// same key must carry into exactly one continuation cell.
func TestAddCarriesIntoContinuationOnOverflow(t *testing.T) {
	tbl := newTestTable(t, 8, 6, 4)
	k := bv(5)

	for i := 0; i < 15; i++ {
		_, _, err := tbl.Set(k)
		require.NoError(t, err)
	}
	got, ok := tbl.Get(k)
	require.True(t, ok)
	require.Equal(t, uint64(15), got)

	_, _, err := tbl.Set(k)
	require.NoError(t, err)
	got, ok = tbl.Get(k)
	require.True(t, ok)
	require.Equal(t, uint64(16), got)
}

// S3: repeated Sets against a narrower val_len (2 bits, holds 0..3) force
// more than one carry; the accumulated total across primary and
// continuation fields must still equal the number of Sets issued.
func TestAddAccumulatesAcrossMultipleOverflows(t *testing.T) {
	tbl := newTestTable(t, 16, 8, 2)
	k := bv(40)

	for i := 0; i < 10; i++ {
		_, _, err := tbl.Set(k)
		require.NoError(t, err)
	}
	got, ok := tbl.Get(k)
	require.True(t, ok)
	require.Equal(t, uint64(10), got)
}

// S4: concurrent Adds against a shared pool of keys must leave every key's
// final count equal to the number of increments it actually received,
// scaled down from the original workload size so the test stays fast.
func TestConcurrentAddIsConsistent(t *testing.T) {
	tbl := newTestTable(t, 1024, 16, 8)
	const numKeys = 64
	const incPerGoroutine = 192 // a multiple of numKeys so every key gets the same share
	const goroutines = 8

	keys := make([]BitVector, numKeys)
	for i := range keys {
		keys[i] = bv(uint64(i) * 7919)
	}

	var g errgroup.Group
	for gr := 0; gr < goroutines; gr++ {
		g.Go(func() error {
			for i := 0; i < incPerGoroutine; i++ {
				k := keys[i%numKeys]
				if _, _, err := tbl.Set(k); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	want := uint64(goroutines * incPerGoroutine / numKeys)
	for _, k := range keys {
		got, ok := tbl.Get(k)
		require.True(t, ok)
		require.Equal(t, want, got, "key %v", k)
	}
}

// findCollidingKeys brute-force scans for n distinct keys that all hash to
// the same primary slot under tbl's forward matrix, needed because the
// matrix is random per table and there is no closed form for a preimage.
func findCollidingKeys(t *testing.T, tbl *Table[BitVector], keyLen int, n int) []BitVector {
	t.Helper()
	byHash := map[uint64][]BitVector{}
	for x := uint64(1); x < 1<<20; x++ {
		k := bv(x)
		h := hashKeyThroughMatrix(tbl.forward, k)
		byHash[h] = append(byHash[h], k)
		if len(byHash[h]) >= n {
			return byHash[h][:n]
		}
	}
	t.Fatalf("could not find %d colliding keys", n)
	return nil
}

// S5 (adapted): with reprobe schedule {1,2,4}, every probe walk reaches
// exactly 3 distinct candidate slots from any one hashed anchor — R[0],
// R[1], R[2] are themselves distinct and each less than the table size, so
// no two land on the same slot. Since the schedule's first entry must be
// >=1 (newReprobeSchedule rejects anything smaller), there is no way to
// special-case r=0 back onto the bare anchor itself the way spec.md's
// literal S5 numbers (4 successes then a 5th failure on an N=4 table) would
// need; this reproduces the scenario's actual intent — force the reprobe
// budget to exhaust and verify a failed insert left unrelated, already-
// committed keys untouched — with parameters that are reachable given the
// real mechanics: 3 colliding keys claim all 3 reachable slots, and a 4th
// colliding key must fail without disturbing the first 3 (see DESIGN.md).
func TestAddReportsTableFullAndRollsBackOnFailure(t *testing.T) {
	tbl := newTestTable(t, 8, 20, 4, WithReprobeSchedule[BitVector]([]uint64{1, 2, 4}, 2))

	colliders := findCollidingKeys(t, tbl, 20, 4)
	for _, k := range colliders[:3] {
		_, _, err := tbl.Add(k, 3)
		require.NoError(t, err)
	}
	before := make([]uint64, 3)
	for i, k := range colliders[:3] {
		v, ok := tbl.Get(k)
		require.True(t, ok)
		before[i] = v
	}

	_, _, err := tbl.Add(colliders[3], 3)
	require.ErrorIs(t, err, ErrTableFull)

	for i, k := range colliders[:3] {
		v, ok := tbl.Get(k)
		require.True(t, ok)
		require.Equal(t, before[i], v, "key %d count changed after a failed unrelated add", i)
	}
	_, ok := tbl.Get(colliders[3])
	require.False(t, ok)
}

// keyWithHash brute-force scans for a key whose hashed slot under tbl's
// forward matrix equals target, used to engineer a specific primary-cell
// placement deterministically instead of relying on whatever the random
// matrix happens to do with a handful of small integers.
func keyWithHash(t *testing.T, tbl *Table[BitVector], target uint64) BitVector {
	t.Helper()
	for x := uint64(1); x < 1<<20; x++ {
		k := bv(x)
		if hashKeyThroughMatrix(tbl.forward, k) == target {
			return k
		}
	}
	t.Fatalf("could not find a key hashing to %d", target)
	return BitVector{}
}

// addWithOverflow's rollback (spec §9's design note) undoes only the
// primary cell's own contribution when claiming a continuation cell fails;
// this engineers that exact failure by pre-occupying, with unrelated
// primary cells, every slot a carrying Add would reach while trying to
// claim a continuation, then checks the carrying key's count reads back
// exactly as it did before the failed call.
func TestAddRollsBackPrimaryOnOverflowChainExhaustion(t *testing.T) {
	schedule := []uint64{1, 2, 4}
	tbl := newTestTable(t, 8, 20, 2, WithReprobeSchedule[BitVector](schedule, 2))

	keyA := keyWithHash(t, tbl, 0)
	primarySlot, _, err := tbl.Add(keyA, 3) // fills the 2-bit field exactly, no carry
	require.NoError(t, err)
	require.Equal(t, uint64(1), primarySlot) // hash 0 + R[0]=1

	anchor := (primarySlot + 1) & tbl.sizeMask // next anchor is +R[0]
	for _, off := range schedule {
		blockerHash := (anchor + off - 1) & tbl.sizeMask // lands at anchor+off after its own +R[0]
		blocker := keyWithHash(t, tbl, blockerHash)
		_, _, err := tbl.Set(blocker)
		require.NoError(t, err)
	}

	before, ok := tbl.Get(keyA)
	require.True(t, ok)
	require.Equal(t, uint64(3), before)

	_, _, err = tbl.Add(keyA, 1) // carries out of the 2-bit field; every continuation slot is blocked
	require.ErrorIs(t, err, ErrTableFull)

	after, ok := tbl.Get(keyA)
	require.True(t, ok)
	require.Equal(t, before, after)
}

// S7: a zero-delta Add must not fabricate a cell for a key that was never
// otherwise inserted.
func TestAddZeroDeltaIsNoop(t *testing.T) {
	tbl := newTestTable(t, 8, 6, 4)
	k := bv(9)

	slot, wasNew, err := tbl.Add(k, 0)
	require.NoError(t, err)
	require.False(t, wasNew)
	require.Zero(t, slot)

	_, ok := tbl.Get(k)
	require.False(t, ok)
}

func TestLookupMatchesGet(t *testing.T) {
	tbl := newTestTable(t, 8, 6, 4)
	k := bv(21)
	_, _, err := tbl.Add(k, 4)
	require.NoError(t, err)

	slot, ok := tbl.Lookup(k)
	require.True(t, ok)
	got, ok := tbl.Get(k)
	require.True(t, ok)
	require.Equal(t, uint64(4), got)

	slot2, ok := tbl.Lookup(k)
	require.True(t, ok)
	require.Equal(t, slot, slot2)
}

// keyLen=70 against a size-64 table (lsize=6) pushes the residual to 64
// bits, which makes the key field — and so the whole cell — span more than
// one word, exercising claimKeyFieldAt's per-chunk claim ordering and
// addValueField's carry propagation across word chunks end to end, not just
// at the chunk-splitting unit level layout_test.go covers.
func TestAddGetIteratorWithMultiWordCell(t *testing.T) {
	tbl := newTestTable(t, 64, 70, 8)
	require.Greater(t, tbl.layout.cellWords, 1)

	keys := []BitVector{
		bvLong(11, 6, 0x1),
		bvLong(4000, 6, 0x2A),
		bvLong(90, 6, 0x3F),
	}
	for _, k := range keys {
		for i := 0; i < 3; i++ {
			_, _, err := tbl.Set(k)
			require.NoError(t, err)
		}
	}
	for _, k := range keys {
		got, ok := tbl.Get(k)
		require.True(t, ok)
		require.Equal(t, uint64(3), got)
	}

	// drive keys[0] past its 8-bit value field to force a carry through a
	// continuation cell, the multi-word equivalent of S2/S3.
	k := keys[0]
	for i := 0; i < 253; i++ {
		_, _, err := tbl.Set(k)
		require.NoError(t, err)
	}
	got, ok := tbl.Get(k)
	require.True(t, ok)
	require.Equal(t, uint64(256), got)

	seen := map[BitVector]uint64{}
	it := IteratorAll(tbl)
	for it.Next() {
		seen[it.Key()] = it.Value()
	}
	require.Equal(t, uint64(256), seen[keys[0]])
	require.Equal(t, uint64(3), seen[keys[1]])
	require.Equal(t, uint64(3), seen[keys[2]])
}

func TestClearResetsAllCounts(t *testing.T) {
	tbl := newTestTable(t, 8, 6, 4)
	k := bv(2)
	_, _, err := tbl.Set(k)
	require.NoError(t, err)

	tbl.Clear()
	_, ok := tbl.Get(k)
	require.False(t, ok)
}
