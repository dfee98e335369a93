package main

import (
	"github.com/pkg/errors"
)

// Memory is the core's view of physical memory.
type Memory interface {
	Read8(addr uint64) (uint8, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)
	Write64(addr uint64, value uint64) error
	Copy(dst, src, n uint64) error
	Zero(addr, n uint64) error
}

// Flusher forces [addr, addr+size) to be re-read from backing memory.
type Flusher interface {
	Flush(addr, size uint64)
}

// FlushFunc adapts a function to Flusher.
type FlushFunc func(addr, size uint64)

func (f FlushFunc) Flush(addr, size uint64) { f(addr, size) }

// Translator maps kernel virtual addresses to physical addresses.
type Translator interface {
	VirtToPhys(va uint64) (uint64, error)
}

// PageWalker translates user virtual addresses through a page table rooted
// at pgd, flushing every table entry before it is read.
type PageWalker interface {
	UserVirtToPhys(pgd, va uint64, flush Flusher) (uint64, error)
}

// ErrTranslation is returned when a virtual address has no physical mapping.
var ErrTranslation = errors.New("translation fault")

// DirectMap translates kernel virtual addresses by a fixed linear offset,
// the way a kernel's direct map of physical memory works.
type DirectMap struct {
	Offset uint64
	Limit  uint64 // size of physical memory
}

func (d DirectMap) VirtToPhys(va uint64) (uint64, error) {
	if va < d.Offset || va-d.Offset >= d.Limit {
		return 0, errors.Wrapf(ErrTranslation, "kernel va $%X outside direct map", va)
	}
	return va - d.Offset, nil
}

// PhysToVirt is the inverse of VirtToPhys.
func (d DirectMap) PhysToVirt(pa uint64) uint64 {
	return pa + d.Offset
}

// TableWalker walks 4-level page tables stored in physical memory.
type TableWalker struct {
	mem Memory
}

func NewTableWalker(mem Memory) *TableWalker {
	return &TableWalker{mem: mem}
}

// ptIndex returns the table index of va at level (3 = top, 0 = last).
func ptIndex(va uint64, level int) uint64 {
	return (va >> (12 + 9*uint(level))) & (PT_ENTRIES - 1)
}

// UserVirtToPhys walks from the top table at pgd down to the page holding va.
// Huge entries at levels 2 and 1 terminate the walk with a 1 GiB or 2 MiB page.
func (w *TableWalker) UserVirtToPhys(pgd, va uint64, flush Flusher) (uint64, error) {
	table := pgd & PTE_ADDR_MASK
	for level := PT_LEVELS - 1; level >= 0; level-- {
		entryAddr := table + ptIndex(va, level)*PT_ENTRY_SIZE
		if flush != nil {
			flush.Flush(entryAddr, PT_ENTRY_SIZE)
		}
		entry, err := w.mem.Read64(entryAddr)
		if err != nil {
			return 0, errors.Wrapf(err, "page table level %d", level)
		}
		if entry&PTE_PRESENT == 0 {
			return 0, errors.Wrapf(ErrTranslation, "user va $%X not present at level %d", va, level)
		}
		if entry&PTE_HUGE != 0 && (level == 1 || level == 2) {
			span := uint64(1) << (12 + 9*uint(level))
			return (entry & PTE_ADDR_MASK &^ (span - 1)) | (va & (span - 1)), nil
		}
		table = entry & PTE_ADDR_MASK
	}
	return table | (va &^ PAGE_MASK), nil
}
