package main

import (
	"encoding/binary"
	"sync"

	log "github.com/golang/glog"
)

const (
	CACHE_LINE_SIZE     = 64
	CACHE_LINE_MASK     = ^uint64(CACHE_LINE_SIZE - 1)
	DEFAULT_CACHE_LINES = 4096
)

// CacheStats counts line cache activity since creation.
type CacheStats struct {
	Hits         uint64
	Misses       uint64
	Flushes      uint64
	FlushedLines uint64
}

// LineCache is the core's read cache in front of the machine bus. Reads fill
// whole lines and are then served from the cache until the line is flushed or
// evicted, so host writes to backing memory are only seen after a Flush.
// Writes by the core go through to the bus and drop any cached copy.
type LineCache struct {
	bus *MachineBus

	mu       sync.Mutex
	lines    map[uint64]*[CACHE_LINE_SIZE]byte
	order    []uint64 // FIFO eviction order
	capacity int
	persist  bool
	stats    CacheStats
}

// NewLineCache creates a cache holding up to capacity lines. When persist is set,
// every Flush also pushes the range to the bus's persistent backing.
func NewLineCache(bus *MachineBus, capacity int, persist bool) *LineCache {
	if capacity <= 0 {
		capacity = DEFAULT_CACHE_LINES
	}
	return &LineCache{
		bus:      bus,
		lines:    make(map[uint64]*[CACHE_LINE_SIZE]byte, capacity),
		capacity: capacity,
		persist:  persist,
	}
}

// line returns the cached line at lineAddr, filling it from the bus on a miss.
// Caller holds c.mu.
func (c *LineCache) line(lineAddr uint64) (*[CACHE_LINE_SIZE]byte, error) {
	if l, ok := c.lines[lineAddr]; ok {
		c.stats.Hits++
		return l, nil
	}
	c.stats.Misses++
	n := uint64(CACHE_LINE_SIZE)
	if lineAddr+n > c.bus.Size() {
		// partial line at the top of memory
		if lineAddr >= c.bus.Size() {
			return nil, c.bus.check(lineAddr, 1)
		}
		n = c.bus.Size() - lineAddr
	}
	data, err := c.bus.ReadBytes(lineAddr, n)
	if err != nil {
		return nil, err
	}
	l := new([CACHE_LINE_SIZE]byte)
	copy(l[:], data)
	if len(c.order) >= c.capacity {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.lines, victim)
	}
	c.lines[lineAddr] = l
	c.order = append(c.order, lineAddr)
	return l, nil
}

// readInto fills dst from the cache starting at addr.
func (c *LineCache) readInto(addr uint64, dst []byte) error {
	if err := c.bus.check(addr, uint64(len(dst))); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for done := 0; done < len(dst); {
		a := addr + uint64(done)
		l, err := c.line(a & CACHE_LINE_MASK)
		if err != nil {
			return err
		}
		off := a &^ CACHE_LINE_MASK
		done += copy(dst[done:], l[off:])
	}
	return nil
}

// drop removes every cached line touching [addr, addr+n). Caller holds c.mu.
func (c *LineCache) drop(addr, n uint64) uint64 {
	if n == 0 {
		return 0
	}
	size := c.bus.Size()
	if addr >= size {
		return 0
	}
	if n > size-addr {
		n = size - addr
	}
	var dropped uint64
	first := addr & CACHE_LINE_MASK
	last := (addr + n - 1) & CACHE_LINE_MASK
	if (last-first)/CACHE_LINE_SIZE >= uint64(len(c.lines)) {
		for la := range c.lines {
			if la >= first && la <= last {
				delete(c.lines, la)
				dropped++
			}
		}
	} else {
		for la := first; ; la += CACHE_LINE_SIZE {
			if _, ok := c.lines[la]; ok {
				delete(c.lines, la)
				dropped++
			}
			if la >= last {
				break
			}
		}
	}
	if dropped > 0 {
		kept := c.order[:0]
		for _, la := range c.order {
			if _, ok := c.lines[la]; ok {
				kept = append(kept, la)
			}
		}
		c.order = kept
	}
	return dropped
}

func (c *LineCache) Read8(addr uint64) (uint8, error) {
	var b [1]byte
	err := c.readInto(addr, b[:])
	return b[0], err
}

func (c *LineCache) Read32(addr uint64) (uint32, error) {
	var b [4]byte
	if err := c.readInto(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (c *LineCache) Read64(addr uint64) (uint64, error) {
	var b [8]byte
	if err := c.readInto(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (c *LineCache) Write64(addr uint64, value uint64) error {
	if err := c.bus.check(addr, 8); err != nil {
		return err
	}
	c.mu.Lock()
	c.drop(addr, 8)
	c.mu.Unlock()
	return c.bus.Write64(addr, value)
}

// Copy reads the source through the cache and writes the destination through
// to the bus.
func (c *LineCache) Copy(dst, src, n uint64) error {
	if n == 0 {
		return nil
	}
	if err := c.bus.check(dst, n); err != nil {
		return err
	}
	buf := make([]byte, n)
	if err := c.readInto(src, buf); err != nil {
		return err
	}
	c.mu.Lock()
	c.drop(dst, n)
	c.mu.Unlock()
	return c.bus.WriteBytes(dst, buf)
}

func (c *LineCache) Zero(addr, n uint64) error {
	if err := c.bus.check(addr, n); err != nil {
		return err
	}
	c.mu.Lock()
	c.drop(addr, n)
	c.mu.Unlock()
	return c.bus.Zero(addr, n)
}

// Flush evicts every line touching [addr, addr+size) so the next read comes
// from backing memory.
func (c *LineCache) Flush(addr, size uint64) {
	c.mu.Lock()
	c.stats.Flushes++
	c.stats.FlushedLines += c.drop(addr, size)
	c.mu.Unlock()
	if c.persist {
		if err := c.bus.Persist(addr, size); err != nil {
			log.Warningf("flush $%X+%d: %v", addr, size, err)
		}
	}
}

// Stats returns a snapshot of the cache counters.
func (c *LineCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
