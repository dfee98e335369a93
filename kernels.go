package main

import (
	"github.com/pkg/errors"
)

// ErrCorrupt is returned when an in-memory structure cannot be well formed,
// such as a tree deeper than any red-black tree can be or a cyclic chain.
var ErrCorrupt = errors.New("corrupt structure")

const (
	maxTreeDepth   = 128
	maxChainLength = 1 << 20
)

// Kernels holds the capabilities every offload kernel runs against. Nothing in
// a kernel reaches physical memory except through these.
type Kernels struct {
	Mem    Memory
	Flush  Flusher
	Xlat   Translator
	Walker PageWalker
}

// pageChunk returns how many of remaining bytes fit before the page boundary
// following addr.
func pageChunk(addr, remaining uint64) uint64 {
	room := PAGE_SIZE - addr%PAGE_SIZE
	if remaining < room {
		return remaining
	}
	return room
}
