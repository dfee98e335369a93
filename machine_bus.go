// machine_bus.go - Physical memory bus for the PIM core

/*
pimcore - near-memory accelerator firmware model
License: GPLv3 or later
*/

/*
machine_bus.go - Physical Memory Bus

This module implements the physical memory that the PIM core and the host share.
It is a contiguous byte store addressed by 64-bit physical addresses with
little-endian 8/32/64-bit accessors and raw bulk copy and zero-fill primitives.

Core Features:

    Every access is range checked and returns ErrBusFault instead of touching memory
    outside the store. There is no sign-extension or wrap-around of addresses.
    Bulk Copy and Zero operate on physical ranges and bypass any translation.
    Write-notify regions let devices observe host writes to register pages
    (the dispatch loop uses this as a doorbell instead of spinning).
    Optional persistent backing (an mmap'd NVM image) receives Persist calls.

Concurrency:

    A sync.RWMutex serialises every access. The host side and the core run on
    different goroutines and the mutex stands in for the hardware's word-level
    atomicity of register accesses.
*/

package main

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

const (
	DEFAULT_MEMORY_SIZE = 64 * 1024 * 1024
	PAGE_SIZE           = 4096
	PAGE_MASK           = ^uint64(PAGE_SIZE - 1)
)

// ErrBusFault is returned for any access that falls outside physical memory.
var ErrBusFault = errors.New("bus fault")

// Backing receives persistence requests for ranges of physical memory.
type Backing interface {
	Sync(off, n uint64) error
	Close() error
}

// IORegion is a write-notify window over physical memory.
type IORegion struct {
	start   uint64
	end     uint64
	onWrite func(addr uint64)
}

type MachineBus struct {
	mu      sync.RWMutex
	memory  []byte
	backing Backing
	regions []IORegion

	// Sealed state to prevent I/O mapping after the core has started
	sealed atomic.Bool
}

// NewMachineBus allocates size bytes of zeroed physical memory.
func NewMachineBus(size uint64) *MachineBus {
	return &MachineBus{memory: make([]byte, size)}
}

// NewMachineBusWithBacking uses mem as physical memory and forwards Persist to backing.
func NewMachineBusWithBacking(mem []byte, backing Backing) *MachineBus {
	return &MachineBus{memory: mem, backing: backing}
}

// Size returns the size of physical memory in bytes.
func (bus *MachineBus) Size() uint64 {
	return uint64(len(bus.memory))
}

// GetMemory returns the underlying memory slice. Tests use it to inspect state
// without going through the bus.
func (bus *MachineBus) GetMemory() []byte {
	return bus.memory
}

// SealMappings prevents further MapIO calls.
func (bus *MachineBus) SealMappings() {
	bus.sealed.CompareAndSwap(false, true)
}

// MapIO registers onWrite to be called after every write touching [start, end].
func (bus *MachineBus) MapIO(start, end uint64, onWrite func(addr uint64)) {
	if bus.sealed.Load() {
		panic(fmt.Sprintf("MapIO called after the core started (range $%X-$%X)", start, end))
	}
	bus.mu.Lock()
	bus.regions = append(bus.regions, IORegion{start: start, end: end, onWrite: onWrite})
	bus.mu.Unlock()
}

func (bus *MachineBus) check(addr, n uint64) error {
	size := uint64(len(bus.memory))
	if addr > size || n > size-addr {
		return errors.Wrapf(ErrBusFault, "access $%X+%d outside physical memory ($%X)", addr, n, size)
	}
	return nil
}

// notify runs after the lock is released so handlers may read the bus.
func (bus *MachineBus) notify(addr, n uint64) {
	if n == 0 {
		return
	}
	bus.mu.RLock()
	regions := bus.regions
	bus.mu.RUnlock()
	last := addr + n - 1
	for _, region := range regions {
		if addr <= region.end && last >= region.start {
			region.onWrite(addr)
		}
	}
}

func (bus *MachineBus) Read8(addr uint64) (uint8, error) {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	if err := bus.check(addr, 1); err != nil {
		return 0, err
	}
	return bus.memory[addr], nil
}

func (bus *MachineBus) Read32(addr uint64) (uint32, error) {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	if err := bus.check(addr, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(bus.memory[addr:]), nil
}

func (bus *MachineBus) Read64(addr uint64) (uint64, error) {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	if err := bus.check(addr, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(bus.memory[addr:]), nil
}

func (bus *MachineBus) Write8(addr uint64, value uint8) error {
	bus.mu.Lock()
	if err := bus.check(addr, 1); err != nil {
		bus.mu.Unlock()
		return err
	}
	bus.memory[addr] = value
	bus.mu.Unlock()
	bus.notify(addr, 1)
	return nil
}

func (bus *MachineBus) Write32(addr uint64, value uint32) error {
	bus.mu.Lock()
	if err := bus.check(addr, 4); err != nil {
		bus.mu.Unlock()
		return err
	}
	binary.LittleEndian.PutUint32(bus.memory[addr:], value)
	bus.mu.Unlock()
	bus.notify(addr, 4)
	return nil
}

func (bus *MachineBus) Write64(addr uint64, value uint64) error {
	bus.mu.Lock()
	if err := bus.check(addr, 8); err != nil {
		bus.mu.Unlock()
		return err
	}
	binary.LittleEndian.PutUint64(bus.memory[addr:], value)
	bus.mu.Unlock()
	bus.notify(addr, 8)
	return nil
}

// ReadBytes returns a copy of n bytes starting at addr.
func (bus *MachineBus) ReadBytes(addr, n uint64) ([]byte, error) {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	if err := bus.check(addr, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, bus.memory[addr:addr+n])
	return out, nil
}

// WriteBytes stores data at addr.
func (bus *MachineBus) WriteBytes(addr uint64, data []byte) error {
	n := uint64(len(data))
	bus.mu.Lock()
	if err := bus.check(addr, n); err != nil {
		bus.mu.Unlock()
		return err
	}
	copy(bus.memory[addr:], data)
	bus.mu.Unlock()
	bus.notify(addr, n)
	return nil
}

// Copy moves n bytes from src to dst. Overlapping ranges behave like memmove.
func (bus *MachineBus) Copy(dst, src, n uint64) error {
	bus.mu.Lock()
	if err := bus.check(src, n); err != nil {
		bus.mu.Unlock()
		return err
	}
	if err := bus.check(dst, n); err != nil {
		bus.mu.Unlock()
		return err
	}
	copy(bus.memory[dst:dst+n], bus.memory[src:src+n])
	bus.mu.Unlock()
	bus.notify(dst, n)
	return nil
}

// Zero clears n bytes starting at addr.
func (bus *MachineBus) Zero(addr, n uint64) error {
	bus.mu.Lock()
	if err := bus.check(addr, n); err != nil {
		bus.mu.Unlock()
		return err
	}
	clear(bus.memory[addr : addr+n])
	bus.mu.Unlock()
	bus.notify(addr, n)
	return nil
}

// Persist pushes [addr, addr+n) to the persistent backing, if any.
func (bus *MachineBus) Persist(addr, n uint64) error {
	if bus.backing == nil || n == 0 {
		return nil
	}
	bus.mu.RLock()
	err := bus.check(addr, n)
	bus.mu.RUnlock()
	if err != nil {
		return err
	}
	return bus.backing.Sync(addr, n)
}

// Close releases the persistent backing.
func (bus *MachineBus) Close() error {
	if bus.backing == nil {
		return nil
	}
	return bus.backing.Close()
}
