package main

import (
	"context"
	"testing"
	"time"
)

const (
	testMemSize   = 4 << 20
	testArenaBase = 0x10000
)

type testMachine struct {
	bus   *MachineBus
	dm    DirectMap
	arena *Arena
}

func newTestMachine(t *testing.T) *testMachine {
	t.Helper()
	bus := NewMachineBus(testMemSize)
	dm := DirectMap{Offset: DEFAULT_DIRECT_MAP_OFFSET, Limit: bus.Size()}
	arena, err := NewArena(bus, dm, testArenaBase, bus.Size())
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	return &testMachine{bus: bus, dm: dm, arena: arena}
}

// kernels runs straight against the bus with flushes reported to flush.
func (m *testMachine) kernels(flush Flusher) *Kernels {
	if flush == nil {
		flush = FlushFunc(func(addr, size uint64) {})
	}
	return &Kernels{Mem: m.bus, Flush: flush, Xlat: m.dm, Walker: NewTableWalker(m.bus)}
}

// cachedKernels runs through a line cache, the way the core does.
func (m *testMachine) cachedKernels() (*Kernels, *LineCache) {
	cache := NewLineCache(m.bus, 256, false)
	return &Kernels{Mem: cache, Flush: cache, Xlat: m.dm, Walker: NewTableWalker(cache)}, cache
}

func (m *testMachine) config(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MemorySize = testMemSize
	cfg.ArenaBase = testArenaBase
	cfg.PollIntervalUS = 50
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return &cfg
}

// newTestCore returns a core and a host port over the default slot region.
// Nothing runs; tests drive the core with Step or start Run themselves.
func (m *testMachine) newTestCore(t *testing.T) (*PIMCore, *HostPort) {
	t.Helper()
	cfg := m.config(t)
	core, err := NewPIMCore(m.bus, cfg)
	if err != nil {
		t.Fatalf("NewPIMCore: %v", err)
	}
	regs, err := NewSlotRegisters(m.bus, cfg.SPMBase, cfg.MaxJobNum)
	if err != nil {
		t.Fatalf("NewSlotRegisters: %v", err)
	}
	return core, NewHostPort(regs, 20*time.Microsecond)
}

// runTestCore starts Run on a goroutine, releases the core and returns a
// function that stops it and reports Run's error.
func runTestCore(t *testing.T, core *PIMCore, port *HostPort) func() {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- core.Run(context.Background()) }()
	select {
	case <-core.Initialized():
	case <-time.After(2 * time.Second):
		t.Fatalf("core never initialised")
	}
	if err := port.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return func() {
		core.Stop()
		select {
		case err := <-errCh:
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("core did not stop")
		}
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type flushCall struct {
	addr, size uint64
}

// flushLog records every flush a kernel issues.
type flushLog struct {
	calls []flushCall
}

func (f *flushLog) Flush(addr, size uint64) {
	f.calls = append(f.calls, flushCall{addr, size})
}

func mustWrite64(t *testing.T, bus *MachineBus, addr, v uint64) {
	t.Helper()
	if err := bus.Write64(addr, v); err != nil {
		t.Fatalf("Write64($%X): %v", addr, err)
	}
}

func mustRead64(t *testing.T, bus *MachineBus, addr uint64) uint64 {
	t.Helper()
	v, err := bus.Read64(addr)
	if err != nil {
		t.Fatalf("Read64($%X): %v", addr, err)
	}
	return v
}

// fillPattern writes n bytes of a position-dependent pattern at addr and
// returns them.
func fillPattern(t *testing.T, bus *MachineBus, addr, n uint64, seed byte) []byte {
	t.Helper()
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7) ^ seed
	}
	if err := bus.WriteBytes(addr, data); err != nil {
		t.Fatalf("WriteBytes($%X): %v", addr, err)
	}
	return data
}

func mustReadBytes(t *testing.T, bus *MachineBus, addr, n uint64) []byte {
	t.Helper()
	b, err := bus.ReadBytes(addr, n)
	if err != nil {
		t.Fatalf("ReadBytes($%X): %v", addr, err)
	}
	return b
}

func mustAllocPages(t *testing.T, a *Arena, n int) uint64 {
	t.Helper()
	pa, err := a.AllocPages(n)
	if err != nil {
		t.Fatalf("AllocPages(%d): %v", n, err)
	}
	return pa
}
