// fixtures.go - Host-side builders for the structures the kernels walk

/*
pimcore - near-memory accelerator firmware model
License: GPLv3 or later
*/

package main

import (
	"sort"

	"github.com/pkg/errors"
)

// ErrArenaFull is returned when an allocation does not fit in the arena.
var ErrArenaFull = errors.New("arena exhausted")

// Arena is a bump allocator over a range of physical memory. Allocations are
// zeroed. Host code uses it to lay out trees, chains, page tables and buffers.
type Arena struct {
	bus  *MachineBus
	dm   DirectMap
	base uint64
	next uint64
	end  uint64
}

// NewArena hands out [base, end) of bus. dm converts allocations to the kernel
// virtual addresses the kernels expect in pointers.
func NewArena(bus *MachineBus, dm DirectMap, base, end uint64) (*Arena, error) {
	if end > bus.Size() {
		end = bus.Size()
	}
	if base >= end {
		return nil, errors.Errorf("empty arena $%X-$%X", base, end)
	}
	return &Arena{bus: bus, dm: dm, base: base, next: base, end: end}, nil
}

// Alloc returns the physical address of size zeroed bytes aligned to align,
// which must be a power of two (zero means 8).
func (a *Arena) Alloc(size, align uint64) (uint64, error) {
	if align == 0 {
		align = 8
	}
	if align&(align-1) != 0 {
		return 0, errors.Errorf("alignment %d is not a power of two", align)
	}
	addr := (a.next + align - 1) &^ (align - 1)
	if addr < a.next || addr+size < addr || addr+size > a.end {
		return 0, errors.Wrapf(ErrArenaFull, "%d bytes at alignment %d, %d free", size, align, a.Free())
	}
	if err := a.bus.Zero(addr, size); err != nil {
		return 0, err
	}
	a.next = addr + size
	return addr, nil
}

// AllocPages returns n zeroed, page-aligned pages.
func (a *Arena) AllocPages(n int) (uint64, error) {
	if n <= 0 {
		return 0, errors.Errorf("page count %d", n)
	}
	return a.Alloc(uint64(n)*PAGE_SIZE, PAGE_SIZE)
}

// Virt is the kernel virtual address of pa.
func (a *Arena) Virt(pa uint64) uint64 {
	if pa == 0 {
		return 0
	}
	return a.dm.PhysToVirt(pa)
}

// Phys is the physical address of the kernel virtual address va.
func (a *Arena) Phys(va uint64) (uint64, error) {
	return a.dm.VirtToPhys(va)
}

func (a *Arena) Used() uint64 { return a.next - a.base }
func (a *Arena) Free() uint64 { return a.end - a.next }

// Reset forgets every allocation. Memory is not cleared until reallocated.
func (a *Arena) Reset() {
	a.next = a.base
}

// TreeEntry is the payload of one range node. Key is stored in the hash field.
type TreeEntry struct {
	Key      uint64
	VMA      uint64
	Mmap     uint64
	Direntry uint64
	Csum     uint64
}

// Tree is a red-black tree laid out in memory.
type Tree struct {
	Root  uint64            // kernel virtual address of the root, 0 when empty
	Nodes map[uint64]uint64 // key -> physical address of its node
}

// TreeBuilder lays out valid red-black trees of range nodes.
type TreeBuilder struct {
	arena *Arena
}

func NewTreeBuilder(a *Arena) *TreeBuilder {
	return &TreeBuilder{arena: a}
}

// BuildKeys builds a tree whose nodes carry only keys.
func (b *TreeBuilder) BuildKeys(keys []uint64) (Tree, error) {
	entries := make([]TreeEntry, len(keys))
	for i, k := range keys {
		entries[i] = TreeEntry{Key: k}
	}
	return b.Build(entries)
}

// Build sorts entries by key, drops duplicate keys (the first one wins) and
// lays the rest out as a height-balanced tree. Every node above the deepest
// level is black; the deepest level is red when it is incomplete, which keeps
// every root-to-leaf path at the same black height.
func (b *TreeBuilder) Build(entries []TreeEntry) (Tree, error) {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	uniq := sorted[:0]
	for i, e := range sorted {
		if i > 0 && e.Key == sorted[i-1].Key {
			continue
		}
		uniq = append(uniq, e)
	}

	t := Tree{Nodes: make(map[uint64]uint64, len(uniq))}
	if len(uniq) == 0 {
		return t, nil
	}

	addrs := make([]uint64, len(uniq))
	for i := range uniq {
		pa, err := b.arena.Alloc(RANGE_NODE_SIZE, CACHE_LINE_SIZE)
		if err != nil {
			return t, errors.Wrap(err, "tree node")
		}
		addrs[i] = pa
		t.Nodes[uniq[i].Key] = pa
	}

	n := len(uniq)
	depth := 0
	for (2<<depth)-1 < n {
		depth++
	}
	redLevel := -1
	if n != (2<<depth)-1 {
		redLevel = depth
	}

	var place func(lo, hi, level int, parent uint64) (uint64, error)
	place = func(lo, hi, level int, parent uint64) (uint64, error) {
		if lo > hi {
			return 0, nil
		}
		mid := (lo + hi) / 2
		pa := addrs[mid]
		va := b.arena.Virt(pa)
		left, err := place(lo, mid-1, level+1, va)
		if err != nil {
			return 0, err
		}
		right, err := place(mid+1, hi, level+1, va)
		if err != nil {
			return 0, err
		}
		color := uint64(RB_BLACK)
		if level == redLevel {
			color = RB_RED
		}
		e := uniq[mid]
		return va, b.writeNode(pa, parent|color, left, right, e)
	}

	root, err := place(0, n-1, 0, 0)
	if err != nil {
		return t, err
	}
	t.Root = root
	return t, nil
}

func (b *TreeBuilder) writeNode(pa, parentColor, left, right uint64, e TreeEntry) error {
	bus := b.arena.bus
	for _, f := range []struct{ off, v uint64 }{
		{RB_PARENT_COLOR_OFF, parentColor},
		{RB_RIGHT_OFF, right},
		{RB_LEFT_OFF, left},
		{RANGE_VMA_OFF, e.VMA},
		{RANGE_MMAP_OFF, e.Mmap},
		{RANGE_HASH_OFF, e.Key},
		{RANGE_DIRENTRY_OFF, e.Direntry},
		{RANGE_CSUM_OFF, e.Csum},
	} {
		if err := bus.Write64(pa+f.off, f.v); err != nil {
			return errors.Wrapf(err, "tree node $%X", pa)
		}
	}
	return nil
}

// ChainEntry describes one directory-lookup entry. A nil Rules leaves the
// entry without a reachable set; an empty non-nil slice allocates an empty one.
type ChainEntry struct {
	Identity uint64
	Ino      uint64
	Rules    []AccessRule
}

// Chain is a directory-lookup hash chain laid out in memory.
type Chain struct {
	Head    uint64   // kernel virtual address of the first entry, 0 when empty
	Entries []uint64 // physical address of each entry, in chain order
	Sets    []uint64 // physical address of each reachable set, 0 when absent
}

// ChainBuilder lays out hash chains of lookup entries.
type ChainBuilder struct {
	arena *Arena
}

func NewChainBuilder(a *Arena) *ChainBuilder {
	return &ChainBuilder{arena: a}
}

// Build links entries in the order given.
func (b *ChainBuilder) Build(entries []ChainEntry) (Chain, error) {
	c := Chain{
		Entries: make([]uint64, len(entries)),
		Sets:    make([]uint64, len(entries)),
	}
	for i, e := range entries {
		pa, err := b.arena.Alloc(DL_ENTRY_SIZE, 16)
		if err != nil {
			return c, errors.Wrap(err, "lookup entry")
		}
		c.Entries[i] = pa
		if e.Rules != nil {
			if c.Sets[i], err = b.writeSet(e.Rules); err != nil {
				return c, err
			}
		}
	}

	bus := b.arena.bus
	for i, e := range entries {
		pa := c.Entries[i]
		var next, pprev uint64
		if i+1 < len(entries) {
			next = b.arena.Virt(c.Entries[i+1])
		}
		if i > 0 {
			pprev = b.arena.Virt(c.Entries[i-1] + DL_NEXT_OFF)
		}
		for _, f := range []struct{ off, v uint64 }{
			{DL_NEXT_OFF, next},
			{DL_PPREV_OFF, pprev},
			{DL_IDENTITY_OFF, e.Identity},
			{DL_INO_OFF, e.Ino},
			{DL_RSET_OFF, b.arena.Virt(c.Sets[i])},
		} {
			if err := bus.Write64(pa+f.off, f.v); err != nil {
				return c, errors.Wrapf(err, "lookup entry $%X", pa)
			}
		}
	}
	if len(entries) > 0 {
		c.Head = b.arena.Virt(c.Entries[0])
	}
	return c, nil
}

func (b *ChainBuilder) writeSet(rules []AccessRule) (uint64, error) {
	pa, err := b.arena.Alloc(RSET_ENTRIES_OFF+uint64(len(rules))*RULE_SIZE, 8)
	if err != nil {
		return 0, errors.Wrap(err, "reachable set")
	}
	bus := b.arena.bus
	if err := bus.Write32(pa+RSET_COUNT_OFF, uint32(len(rules))); err != nil {
		return 0, err
	}
	for i, r := range rules {
		at := pa + RSET_ENTRIES_OFF + uint64(i)*RULE_SIZE
		for _, f := range []struct {
			off uint64
			v   uint32
		}{
			{RULE_KIND_OFF, uint32(r.Kind)},
			{RULE_UID_OFF, r.UID},
			{RULE_GID_OFF, r.GID},
		} {
			if err := bus.Write32(at+f.off, f.v); err != nil {
				return 0, errors.Wrapf(err, "rule %d", i)
			}
		}
	}
	return pa, nil
}

// PageTableBuilder allocates 4-level page tables from an arena and installs
// mappings in them.
type PageTableBuilder struct {
	arena *Arena
	root  uint64
}

func NewPageTableBuilder(a *Arena) (*PageTableBuilder, error) {
	root, err := a.AllocPages(1)
	if err != nil {
		return nil, errors.Wrap(err, "page table root")
	}
	return &PageTableBuilder{arena: a, root: root}, nil
}

// Root is the physical address of the top-level table, the value a FILE_EXT
// command takes as its pgd.
func (p *PageTableBuilder) Root() uint64 {
	return p.root
}

// walk returns the address of the entry for va at level, allocating the
// intermediate tables above it.
func (p *PageTableBuilder) walk(va uint64, level int) (uint64, error) {
	bus := p.arena.bus
	table := p.root
	for l := PT_LEVELS - 1; l > level; l-- {
		entryAddr := table + ptIndex(va, l)*PT_ENTRY_SIZE
		entry, err := bus.Read64(entryAddr)
		if err != nil {
			return 0, err
		}
		if entry&PTE_PRESENT == 0 {
			next, err := p.arena.AllocPages(1)
			if err != nil {
				return 0, errors.Wrapf(err, "page table level %d", l-1)
			}
			entry = next | PTE_PRESENT | PTE_WRITE | PTE_USER
			if err := bus.Write64(entryAddr, entry); err != nil {
				return 0, err
			}
		} else if entry&PTE_HUGE != 0 {
			return 0, errors.Errorf("va $%X already covered by a huge page at level %d", va, l)
		}
		table = entry & PTE_ADDR_MASK
	}
	return table + ptIndex(va, level)*PT_ENTRY_SIZE, nil
}

func (p *PageTableBuilder) install(va, pa uint64, level int, flags uint64) error {
	span := uint64(1) << (12 + 9*uint(level))
	if va&(span-1) != 0 || pa&(span-1) != 0 {
		return errors.Errorf("map $%X -> $%X: not aligned to %d", va, pa, span)
	}
	entryAddr, err := p.walk(va, level)
	if err != nil {
		return err
	}
	old, err := p.arena.bus.Read64(entryAddr)
	if err != nil {
		return err
	}
	if old&PTE_PRESENT != 0 {
		return errors.Errorf("remap of va $%X", va)
	}
	return p.arena.bus.Write64(entryAddr, pa|flags|PTE_PRESENT)
}

// Map maps the 4 KiB page at va to pa.
func (p *PageTableBuilder) Map(va, pa, flags uint64) error {
	return p.install(va, pa, 0, flags)
}

// MapHuge maps a 2 MiB (level 1) or 1 GiB (level 2) page.
func (p *PageTableBuilder) MapHuge(va, pa uint64, level int, flags uint64) error {
	if level != 1 && level != 2 {
		return errors.Errorf("no huge pages at level %d", level)
	}
	return p.install(va, pa, level, flags|PTE_HUGE)
}

// MapRange maps every page overlapping [va, va+size) to consecutive pages
// starting at pa.
func (p *PageTableBuilder) MapRange(va, pa, size, flags uint64) error {
	if size == 0 {
		return nil
	}
	a := va & PAGE_MASK
	last := (va + size - 1) & PAGE_MASK
	pa &= PAGE_MASK
	for {
		if err := p.Map(a, pa, flags); err != nil {
			return err
		}
		if a == last {
			return nil
		}
		a += PAGE_SIZE
		pa += PAGE_SIZE
	}
}
