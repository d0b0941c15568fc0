package lfcount

import "errors"

// Sentinel errors (spec §7), matched with errors.Is at call sites.
var (
	// ErrAllocation is returned by New when the backing memory block cannot
	// be acquired. Fatal to that table instance.
	ErrAllocation = errors.New("lfcount: failed to allocate backing memory block")

	// ErrTableFull is returned by Add/Set when the reprobe budget is
	// exhausted while claiming a primary or continuation cell.
	ErrTableFull = errors.New("lfcount: reprobe budget exhausted, table full")

	// errInvalidReprobeSchedule signals a caller-supplied reprobe schedule
	// that cannot be lowered to satisfy spec invariant 6 (R[limit] < size
	// and bitsize(limit+1) <= lsize) for the requested table size. New
	// returns this sentinel itself.
	errInvalidReprobeSchedule = errors.New("lfcount: reprobe schedule cannot satisfy size and lsize constraints")

	// errInvalidConfig signals a New argument that violates spec §6's input
	// validation (zero size, non-positive keyLen/valLen, or a keyLen shorter
	// than lsize).
	errInvalidConfig = errors.New("lfcount: invalid table configuration")

	// errKeyMismatch is the internal-only read-side signal spec §7 names:
	// a reprobed slot's residual bits don't match the key being resolved,
	// either because the key is being read mid-write (torn long key) or the
	// slot belongs to a different probe chain. It never crosses the package
	// boundary; callers see it only as "keep reprobing" or "not found".
	errKeyMismatch = errors.New("lfcount: key residual mismatch at slot")
)
