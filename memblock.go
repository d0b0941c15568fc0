package lfcount

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Allocator is C5's seam: acquires a zeroed, word-addressable backing block
// and releases it on teardown. Spec §6 names a memory-mapped anonymous
// region as the reference implementation and a heap allocation as an
// acceptable alternative; both are provided here. Interface shape adapted
// from cockroachdb-swiss/options.go's Allocator[K,V] (AllocSlots/FreeSlots),
// narrowed to the one flat word block this table needs.
type Allocator[K Key[K]] interface {
	AllocBlock(nWords int) (*memBlock, error)
	FreeBlock(b *memBlock)
}

// memBlock is the backing store: nWords machine words, CAS-addressable one
// word at a time. raw is non-nil only for an mmap-backed block, retained
// so FreeBlock can hand the same slice back to unix.Munmap.
type memBlock struct {
	words []atomic.Uint64
	raw   []byte
}

func (b *memBlock) clear() {
	for i := range b.words {
		b.words[i].Store(0)
	}
}

// mmapAllocator is the default Allocator: a page-backed, zero-initialised
// anonymous mapping, matching matrixorigin-matrixone's and
// cockroachdb-swiss's shared golang.org/x/sys/unix dependency and spec §6's
// reference implementation.
type mmapAllocator[K Key[K]] struct{}

func (mmapAllocator[K]) AllocBlock(nWords int) (*memBlock, error) {
	size := nWords * 8
	raw, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %d bytes: %v", ErrAllocation, size, err)
	}
	words := unsafe.Slice((*atomic.Uint64)(unsafe.Pointer(&raw[0])), nWords)
	return &memBlock{words: words, raw: raw}, nil
}

func (mmapAllocator[K]) FreeBlock(b *memBlock) {
	if b == nil || b.raw == nil {
		return
	}
	_ = unix.Munmap(b.raw)
}

// heapAllocator is the alternative spec §6 allows: a plain Go heap
// allocation, already zeroed by make.
type heapAllocator[K Key[K]] struct{}

func (heapAllocator[K]) AllocBlock(nWords int) (*memBlock, error) {
	return &memBlock{words: make([]atomic.Uint64, nWords)}, nil
}

func (heapAllocator[K]) FreeBlock(b *memBlock) {}
