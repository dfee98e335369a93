package main

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func stepOnce(t *testing.T, core *PIMCore, wantDispatch bool) {
	t.Helper()
	got, err := core.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got != wantDispatch {
		t.Fatalf("Step dispatched=%v, want %v", got, wantDispatch)
	}
}

func slotState(t *testing.T, port *HostPort, slot int) Completion {
	t.Helper()
	op, err := port.regs.Cmd(slot)
	if err != nil {
		t.Fatal(err)
	}
	regs, err := port.regs.Args(slot)
	if err != nil {
		t.Fatal(err)
	}
	return Completion{Slot: slot, Op: op, Regs: regs}
}

func mustPost(t *testing.T, port *HostPort, slot int, cmd Command) {
	t.Helper()
	if err := port.Post(slot, cmd); err != nil {
		t.Fatalf("Post slot %d: %v", slot, err)
	}
}

func TestPIMCore_SearchAndLookupAdvance(t *testing.T) {
	m := newTestMachine(t)
	core, port := m.newTestCore(t)
	tree, err := NewTreeBuilder(m.arena).BuildKeys([]uint64{3, 5, 8})
	if err != nil {
		t.Fatal(err)
	}
	chain, err := NewChainBuilder(m.arena).Build([]ChainEntry{
		{Identity: 9, Ino: 90, Rules: []AccessRule{{PolicyGID, 0, 4}}},
	})
	if err != nil {
		t.Fatal(err)
	}

	stepOnce(t, core, false) // nothing posted

	mustPost(t, port, 0, Command{Op: CMD_SEARCH_RBTREE, Args: [4]uint64{tree.Root, 8}})
	stepOnce(t, core, true)
	if s := slotState(t, port, 0); s.Op != CMD_DONE || s.Regs[0] != 1 || s.Regs[1] != tree.Nodes[8] {
		t.Fatalf("search slot = %+v", s)
	}
	if core.Cursor() != 1 {
		t.Fatalf("cursor = %d after search", core.Cursor())
	}
	if first, _ := port.regs.FirstCmd(); first != 0 {
		t.Fatalf("first in-flight = %d, want 0", first)
	}

	mustPost(t, port, 1, Command{Op: CMD_SEARCH_RBTREE, Args: [4]uint64{tree.Root, 4}})
	stepOnce(t, core, true)
	if s := slotState(t, port, 1); s.Op != CMD_DONE || s.Regs[0] != 0 {
		t.Fatalf("miss slot = %+v", s)
	}

	cred := Credentials{UID: 1, GID: 4}
	mustPost(t, port, 2, Command{Op: CMD_DL_LOOKUP, Args: [4]uint64{chain.Head, 9, cred.Pack()}})
	stepOnce(t, core, true)
	if s := slotState(t, port, 2); s.Op != CMD_DONE || s.Regs[0] != 90 {
		t.Fatalf("lookup slot = %+v", s)
	}
	if core.Cursor() != 3 {
		t.Fatalf("cursor = %d after lookup", core.Cursor())
	}

	stats := core.Stats()
	if stats.Commands[CMD_SEARCH_RBTREE] != 2 || stats.Commands[CMD_DL_LOOKUP] != 1 || stats.TotalFaults() != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestPIMCore_CursorWrapsAndWaits(t *testing.T) {
	m := newTestMachine(t)
	core, port := m.newTestCore(t)
	tree, err := NewTreeBuilder(m.arena).BuildKeys([]uint64{1})
	if err != nil {
		t.Fatal(err)
	}
	slots := port.regs.Slots()

	// a command beyond the cursor is not served before the cursor reaches it
	mustPost(t, port, 5, Command{Op: CMD_SEARCH_RBTREE, Args: [4]uint64{tree.Root, 1}})
	stepOnce(t, core, false)
	if s := slotState(t, port, 5); s.Op != CMD_SEARCH_RBTREE {
		t.Fatalf("slot 5 served out of order")
	}

	for i := 0; i < slots; i++ {
		if i != 5 {
			mustPost(t, port, i, Command{Op: CMD_SEARCH_RBTREE, Args: [4]uint64{tree.Root, 1}})
		}
	}
	for i := 0; i < slots; i++ {
		if core.Cursor() != i {
			t.Fatalf("cursor = %d, want %d", core.Cursor(), i)
		}
		stepOnce(t, core, true)
		if s := slotState(t, port, i); s.Op != CMD_DONE {
			t.Fatalf("slot %d = %+v", i, s)
		}
	}
	if core.Cursor() != 0 {
		t.Fatalf("cursor did not wrap after slot %d", slots-1)
	}
}

func TestPIMCore_CopyCommandsHoldCursor(t *testing.T) {
	m := newTestMachine(t)
	core, port := m.newTestCore(t)
	src := mustAllocPages(t, m.arena, 3)
	data := fillPattern(t, m.bus, src, 3*PAGE_SIZE, 0x42)
	d0 := mustAllocPages(t, m.arena, 1)
	d1 := mustAllocPages(t, m.arena, 1)
	d2 := mustAllocPages(t, m.arena, 1)

	mustPost(t, port, 0, Command{Op: CMD_FILE_R, Args: [4]uint64{src, d0, 3 * PAGE_SIZE}})
	stepOnce(t, core, true)
	if core.Cursor() != 0 {
		t.Fatalf("FILE_R advanced the cursor")
	}
	if c, ok := core.Continuation(); !ok || c.Remaining != 2*PAGE_SIZE || c.Owner != 0 {
		t.Fatalf("continuation %v %v", c, ok)
	}

	mustPost(t, port, 0, Command{Op: CMD_FILE_R_EXT, Args: [4]uint64{d1, d2}})
	stepOnce(t, core, true)
	if s := slotState(t, port, 0); s.Op != CMD_DONE {
		t.Fatalf("FILE_R_EXT slot = %+v", s)
	}
	if _, ok := core.Continuation(); ok {
		t.Fatalf("finished continuation still held")
	}
	for i, d := range []uint64{d0, d1, d2} {
		off := uint64(i) * PAGE_SIZE
		if got := mustReadBytes(t, m.bus, d, PAGE_SIZE); !bytes.Equal(got, data[off:off+PAGE_SIZE]) {
			t.Fatalf("page %d mismatch", i)
		}
	}

	wdst := mustAllocPages(t, m.arena, 1)
	mustPost(t, port, 0, Command{Op: CMD_FILE_W, Args: [4]uint64{src, wdst, 64}})
	stepOnce(t, core, true)
	if core.Cursor() != 0 {
		t.Fatalf("FILE_W advanced the cursor")
	}
	if got := mustReadBytes(t, m.bus, wdst, 64); !bytes.Equal(got, data[:64]) {
		t.Fatalf("FILE_W mismatch")
	}
	if s := core.Stats(); s.BytesCopied != 3*PAGE_SIZE+64 {
		t.Fatalf("bytes copied = %d", s.BytesCopied)
	}
}

func TestPIMCore_CopyOwnershipFaults(t *testing.T) {
	m := newTestMachine(t)
	core, port := m.newTestCore(t)
	src := mustAllocPages(t, m.arena, 2)
	dst := mustAllocPages(t, m.arena, 2)

	mustPost(t, port, 0, Command{Op: CMD_FILE_R_EXT, Args: [4]uint64{dst}})
	stepOnce(t, core, true)
	if s := slotState(t, port, 0); !s.Faulted() || s.FaultCode() != FAULT_NO_CONTINUATION {
		t.Fatalf("continue without begin = %+v", s)
	}
	if core.Cursor() != 0 {
		t.Fatalf("faulted copy moved the cursor")
	}

	// A continuation held by a slot the cursor is not on is refused to others.
	core.copies.Store(Continuation{Src: src, Dst: dst, Remaining: PAGE_SIZE, Owner: 5})
	for _, op := range []uint8{CMD_FILE_R, CMD_FILE_R_EXT} {
		mustPost(t, port, 0, Command{Op: op, Args: [4]uint64{src, dst + PAGE_SIZE, 16}})
		stepOnce(t, core, true)
		if s := slotState(t, port, 0); !s.Faulted() || s.FaultCode() != FAULT_COPY_BUSY {
			t.Fatalf("%s from slot 0 = %+v", opcodeName(op), s)
		}
	}
	if c, ok := core.Continuation(); !ok || c.Owner != 5 || c.Remaining != PAGE_SIZE {
		t.Fatalf("owner's continuation disturbed: %v %v", c, ok)
	}
	if s := core.Stats(); s.Faults[FAULT_COPY_BUSY] != 2 || s.Faults[FAULT_NO_CONTINUATION] != 1 {
		t.Fatalf("faults = %v", s.Faults)
	}
}

func TestPIMCore_OwnerMovingOnAbandonsCopy(t *testing.T) {
	m := newTestMachine(t)
	core, port := m.newTestCore(t)
	tree, _ := NewTreeBuilder(m.arena).BuildKeys([]uint64{1})
	src := mustAllocPages(t, m.arena, 3)
	data := fillPattern(t, m.bus, src, 3*PAGE_SIZE, 0x17)
	dst := mustAllocPages(t, m.arena, 3)

	mustPost(t, port, 0, Command{Op: CMD_FILE_R, Args: [4]uint64{src, dst, 3 * PAGE_SIZE}})
	stepOnce(t, core, true)
	mustPost(t, port, 0, Command{Op: CMD_SEARCH_RBTREE, Args: [4]uint64{tree.Root, 1}})
	stepOnce(t, core, true)
	if s := slotState(t, port, 0); s.Op != CMD_DONE || s.Regs[0] != 1 {
		t.Fatalf("search after begin = %+v", s)
	}
	if c, ok := core.Continuation(); ok {
		t.Fatalf("continuation survived the owner moving on: %v", c)
	}
	if s := core.Stats(); s.Abandoned != 1 {
		t.Fatalf("abandoned = %d", s.Abandoned)
	}

	// slot 1 now has the copy engine to itself
	mustPost(t, port, 1, Command{Op: CMD_FILE_R_EXT, Args: [4]uint64{dst + PAGE_SIZE}})
	stepOnce(t, core, true)
	if s := slotState(t, port, 1); !s.Faulted() || s.FaultCode() != FAULT_NO_CONTINUATION {
		t.Fatalf("continue of an abandoned copy = %+v", s)
	}
	mustPost(t, port, 1, Command{Op: CMD_FILE_R, Args: [4]uint64{src, dst + 2*PAGE_SIZE, 100}})
	stepOnce(t, core, true)
	if s := slotState(t, port, 1); s.Op != CMD_DONE {
		t.Fatalf("begin from slot 1 = %+v", s)
	}
	if got := mustReadBytes(t, m.bus, dst+2*PAGE_SIZE, 100); !bytes.Equal(got, data[:100]) {
		t.Fatalf("begin from slot 1 copied the wrong bytes")
	}
	if s := core.Stats(); s.Faults[FAULT_COPY_BUSY] != 0 {
		t.Fatalf("faults = %v", s.Faults)
	}
}

func TestPIMCore_FinishedCopyIsNotCountedAbandoned(t *testing.T) {
	m := newTestMachine(t)
	core, port := m.newTestCore(t)
	src := mustAllocPages(t, m.arena, 1)
	dst := mustAllocPages(t, m.arena, 1)

	mustPost(t, port, 0, Command{Op: CMD_FILE_R, Args: [4]uint64{src, dst, 64}})
	stepOnce(t, core, true)
	mustPost(t, port, 0, Command{Op: CMD_DL_LOOKUP, Args: [4]uint64{0, 1, 0}})
	stepOnce(t, core, true)
	if _, ok := core.Continuation(); ok {
		t.Fatalf("finished continuation still held")
	}
	if s := core.Stats(); s.Abandoned != 0 {
		t.Fatalf("finished copy counted as abandoned")
	}
}

func TestPIMCore_BeginFromOwnerSupersedes(t *testing.T) {
	m := newTestMachine(t)
	core, port := m.newTestCore(t)
	src := mustAllocPages(t, m.arena, 4)
	dst := mustAllocPages(t, m.arena, 4)

	mustPost(t, port, 0, Command{Op: CMD_FILE_R, Args: [4]uint64{src, dst, 4 * PAGE_SIZE}})
	stepOnce(t, core, true)
	mustPost(t, port, 0, Command{Op: CMD_FILE_R, Args: [4]uint64{src + PAGE_SIZE, dst, 2 * PAGE_SIZE}})
	stepOnce(t, core, true)
	if s := slotState(t, port, 0); s.Op != CMD_DONE {
		t.Fatalf("second begin = %+v", s)
	}
	c, ok := core.Continuation()
	if !ok || c.Src != src+2*PAGE_SIZE || c.Remaining != PAGE_SIZE {
		t.Fatalf("continuation %v %v", c, ok)
	}
	if core.Stats().Superseded != 1 {
		t.Fatalf("superseded not counted")
	}
}

func TestPIMCore_KernelFaultIsReported(t *testing.T) {
	m := newTestMachine(t)
	core, port := m.newTestCore(t)

	mustPost(t, port, 0, Command{Op: CMD_SEARCH_RBTREE, Args: [4]uint64{0x1234, 1}})
	stepOnce(t, core, true)
	if s := slotState(t, port, 0); !s.Faulted() || s.FaultCode() != FAULT_TRANSLATE {
		t.Fatalf("bad root = %+v", s)
	}
	if core.Cursor() != 1 {
		t.Fatalf("faulted search did not advance")
	}

	mustPost(t, port, 1, Command{Op: CMD_FILE_W, Args: [4]uint64{testMemSize, 0x20000, 8}})
	stepOnce(t, core, true)
	if s := slotState(t, port, 1); !s.Faulted() || s.FaultCode() != FAULT_BUS {
		t.Fatalf("bad copy = %+v", s)
	}
}

func TestPIMCore_UnknownOpcodeStallsSlot(t *testing.T) {
	m := newTestMachine(t)
	core, port := m.newTestCore(t)
	mustPost(t, port, 0, Command{Op: 0x42})

	stepOnce(t, core, false)
	stepOnce(t, core, false)
	if s := slotState(t, port, 0); s.Op != 0x42 {
		t.Fatalf("unknown opcode rewritten to %#x", s.Op)
	}
	if core.Cursor() != 0 {
		t.Fatalf("cursor moved past an unknown opcode")
	}
	if s := core.Stats(); s.Ignored != 1 {
		t.Fatalf("ignored = %d, want 1", s.Ignored)
	}
}

func TestPIMCore_RunServesHostAndStops(t *testing.T) {
	m := newTestMachine(t)
	core, port := m.newTestCore(t)
	if core.State() != StateUninitialized {
		t.Fatalf("state %s before Run", core.State())
	}
	stop := runTestCore(t, core, port)

	tree, err := NewTreeBuilder(m.arena).BuildKeys([]uint64{2, 4, 6, 8})
	if err != nil {
		t.Fatal(err)
	}
	ctx := testCtx(t)
	for i := 0; i < 40; i++ {
		key := uint64(2 + 2*(i%4))
		found, node, err := port.SearchRBTree(ctx, tree.Root, key)
		if err != nil || !found || node != tree.Nodes[key] {
			t.Fatalf("search %d: found=%v node=%#x err=%v", i, found, node, err)
		}
	}
	if core.State() != StateRunning {
		t.Fatalf("state %s while serving", core.State())
	}
	if port.Cursor() != 40%port.regs.Slots() {
		t.Fatalf("host cursor %d", port.Cursor())
	}

	stop()
	if core.State() != StateStopped {
		t.Fatalf("state %s after Stop", core.State())
	}
	core.Stop() // idempotent
}

func TestPIMCore_RunEndsWithContextBeforeHostReady(t *testing.T) {
	m := newTestMachine(t)
	core, _ := m.newTestCore(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- core.Run(ctx) }()
	<-core.Initialized()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run ignored cancellation")
	}
	if core.State() != StateStopped {
		t.Fatalf("state %s", core.State())
	}
}

func TestPIMCore_InitClearsRegisters(t *testing.T) {
	m := newTestMachine(t)
	core, port := m.newTestCore(t)
	mustPost(t, port, 3, Command{Op: CMD_DONE, Args: [4]uint64{1, 2, 3, 4}})
	if err := port.regs.SetFirstCmd(7); err != nil {
		t.Fatal(err)
	}
	if err := core.Init(); err != nil {
		t.Fatal(err)
	}
	if s := slotState(t, port, 3); s.Op != CMD_UNINIT || s.Regs != [4]uint64{} {
		t.Fatalf("slot 3 after Init = %+v", s)
	}
	if first, _ := port.regs.FirstCmd(); first != 0 {
		t.Fatalf("first in-flight = %d after Init", first)
	}
}

func BenchmarkPIMCore_SearchStep(b *testing.B) {
	bus := NewMachineBus(testMemSize)
	dm := DirectMap{Offset: DEFAULT_DIRECT_MAP_OFFSET, Limit: bus.Size()}
	arena, _ := NewArena(bus, dm, testArenaBase, bus.Size())
	keys := make([]uint64, 1024)
	for i := range keys {
		keys[i] = uint64(i)
	}
	tree, _ := NewTreeBuilder(arena).BuildKeys(keys)
	cfg := DefaultConfig()
	cfg.MemorySize = testMemSize
	cfg.ArenaBase = testArenaBase
	_ = cfg.Validate()
	core, _ := NewPIMCore(bus, &cfg)
	regs, _ := NewSlotRegisters(bus, cfg.SPMBase, cfg.MaxJobNum)
	port := NewHostPort(regs, 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		slot := core.Cursor()
		_ = port.Post(slot, Command{Op: CMD_SEARCH_RBTREE, Args: [4]uint64{tree.Root, uint64(i % 1024)}})
		if _, err := core.Step(); err != nil {
			b.Fatal(err)
		}
	}
}
