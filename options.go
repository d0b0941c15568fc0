package lfcount

import "go.uber.org/zap"

// Option configures New, following cockroachdb-swiss/options.go's
// functional-options pattern (WithHash, WithAllocator).
type Option[K Key[K]] interface {
	apply(*tableConfig[K])
}

type tableConfig[K Key[K]] struct {
	reprobeTable []uint64
	reprobeLimit uint32
	allocator    Allocator[K]
	entropy      EntropySource
	logger       *zap.Logger
}

type optionFunc[K Key[K]] func(*tableConfig[K])

func (f optionFunc[K]) apply(c *tableConfig[K]) { f(c) }

// WithReprobeSchedule supplies a non-decreasing reprobe table (table[0]>=1)
// and an upper bound on how far into it New may reach; New lowers the
// effective limit further if needed (spec §4.1, reprobe.go).
func WithReprobeSchedule[K Key[K]](table []uint64, limit uint32) Option[K] {
	return optionFunc[K](func(c *tableConfig[K]) {
		c.reprobeTable = table
		c.reprobeLimit = limit
	})
}

// WithAllocator overrides the backing block's allocator (default: an
// anonymous mmap region, via mmapAllocator).
func WithAllocator[K Key[K]](a Allocator[K]) Option[K] {
	return optionFunc[K](func(c *tableConfig[K]) { c.allocator = a })
}

// WithEntropySource overrides the source of random bits used to build the
// hash matrix (default: the runtime's own PRNG, entropy.go).
func WithEntropySource[K Key[K]](e EntropySource) Option[K] {
	return optionFunc[K](func(c *tableConfig[K]) { c.entropy = e })
}

// WithLogger attaches a *zap.Logger for construction/ErrTableFull/Clear
// diagnostics (default: zap.NewNop(), silent).
func WithLogger[K Key[K]](l *zap.Logger) Option[K] {
	return optionFunc[K](func(c *tableConfig[K]) {
		if l != nil {
			c.logger = l
		}
	})
}

func defaultTableConfig[K Key[K]]() tableConfig[K] {
	return tableConfig[K]{
		reprobeTable: DefaultReprobeSchedule,
		reprobeLimit: uint32(len(DefaultReprobeSchedule) - 1),
		allocator:    mmapAllocator[K]{},
		entropy:      defaultEntropySource,
		logger:       zap.NewNop(),
	}
}
