// pim_core.go - Command dispatch loop of the PIM core

/*
pimcore - near-memory accelerator firmware model
License: GPLv3 or later
*/

package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
)

// CoreState is the lifecycle of the dispatch loop.
type CoreState int32

const (
	StateUninitialized CoreState = iota // registers cleared, waiting for the host
	StateRunning
	StateStopped
)

func (s CoreState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var opcodeNames = map[uint8]string{
	CMD_UNINIT:        "UNINIT",
	CMD_DONE:          "DONE",
	CMD_SEARCH_RBTREE: "SEARCH_RBTREE",
	CMD_DL_LOOKUP:     "DL_LOOKUP",
	CMD_FILE_R:        "FILE_R",
	CMD_FILE_R_EXT:    "FILE_R_EXT",
	CMD_FILE_W:        "FILE_W",
	CMD_FILE_EXT:      "FILE_EXT",
	CMD_FAULT:         "FAULT",
}

func opcodeName(op uint8) string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OP_%02X", op)
}

// isCopyCommand reports whether op belongs to the copy family, which does not
// advance the slot cursor.
func isCopyCommand(op uint8) bool {
	return op >= CMD_FILE_R && op <= CMD_FILE_EXT
}

// PIMCore polls the command slots and runs the offload kernels.
type PIMCore struct {
	bus    *MachineBus
	regs   *SlotRegisters
	cache  *LineCache
	k      *Kernels
	copies CopyOwnership
	poll   time.Duration

	cursor      int
	lastIgnored int // slot whose unrecognized opcode was already counted

	state       atomic.Int32
	initialized chan struct{}
	doorbell    chan struct{}
	stopCh      chan struct{}
	stopOnce    sync.Once
	status      runtimeStatusStore
}

// NewPIMCore wires the core to bus with the default capabilities: a line
// cache for reads and flushes, the direct map for kernel addresses and a
// page-table walker for user addresses.
func NewPIMCore(bus *MachineBus, cfg *Config) (*PIMCore, error) {
	regs, err := NewSlotRegisters(bus, cfg.SPMBase, cfg.MaxJobNum)
	if err != nil {
		return nil, err
	}
	cache := NewLineCache(bus, cfg.CacheLines, cfg.PersistOnFlush)
	k := &Kernels{
		Mem:    cache,
		Flush:  cache,
		Xlat:   DirectMap{Offset: cfg.DirectMapOffset, Limit: bus.Size()},
		Walker: NewTableWalker(cache),
	}
	return newPIMCore(bus, regs, k, cache, cfg.PollInterval()), nil
}

func newPIMCore(bus *MachineBus, regs *SlotRegisters, k *Kernels, cache *LineCache, poll time.Duration) *PIMCore {
	if poll <= 0 {
		poll = 100 * time.Microsecond
	}
	c := &PIMCore{
		bus:         bus,
		regs:        regs,
		cache:       cache,
		k:           k,
		poll:        poll,
		lastIgnored: -1,
		initialized: make(chan struct{}),
		doorbell:    make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	bus.MapIO(regs.Base(), regs.End(), c.ring)
	return c
}

// ring is the bus write hook over the register region.
func (c *PIMCore) ring(addr uint64) {
	select {
	case c.doorbell <- struct{}{}:
	default:
	}
}

// Init zero-fills the register region.
func (c *PIMCore) Init() error {
	if err := c.regs.Clear(); err != nil {
		return errors.Wrap(err, "init registers")
	}
	c.cursor = 0
	c.status.setCursor(0)
	return nil
}

// Run initialises the registers, waits for the host to release the core and
// then dispatches commands until ctx is done or Stop is called.
func (c *PIMCore) Run(ctx context.Context) error {
	defer c.state.Store(int32(StateStopped))

	if err := c.Init(); err != nil {
		return err
	}
	c.bus.SealMappings()
	close(c.initialized)
	log.Infof("pim core: %d slots at $%X, waiting for host", c.regs.Slots(), c.regs.Base())

	ready, err := c.waitForHost(ctx)
	if err != nil || !ready {
		return err
	}
	c.state.Store(int32(StateRunning))
	log.Infof("pim core: running")

	for {
		select {
		case <-ctx.Done():
			log.Infof("pim core: stopped (%v)", ctx.Err())
			return nil
		case <-c.stopCh:
			log.Infof("pim core: stopped")
			return nil
		default:
		}

		progressed, err := c.Step()
		if err != nil {
			return err
		}
		if !progressed && !c.idle(ctx) {
			log.Infof("pim core: stopped")
			return nil
		}
	}
}

// waitForHost blocks until the first in-flight register leaves CMD_UNINIT.
func (c *PIMCore) waitForHost(ctx context.Context) (bool, error) {
	for {
		v, err := c.regs.FirstCmd()
		if err != nil {
			return false, err
		}
		if v != CMD_UNINIT {
			return true, nil
		}
		if !c.idle(ctx) {
			return false, nil
		}
	}
}

// idle waits for a register write, the poll interval, or shutdown. It returns
// false on shutdown.
func (c *PIMCore) idle(ctx context.Context) bool {
	timer := time.NewTimer(c.poll)
	defer timer.Stop()
	select {
	case <-c.doorbell:
		return true
	case <-timer.C:
		return true
	case <-c.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// Initialized is closed once Run has cleared the register region. The host
// must not release the core or post commands before then.
func (c *PIMCore) Initialized() <-chan struct{} {
	return c.initialized
}

// Stop asks Run to return. It is safe to call more than once.
func (c *PIMCore) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *PIMCore) State() CoreState {
	return CoreState(c.state.Load())
}

// Cursor returns the slot index the loop is polling.
func (c *PIMCore) Cursor() int {
	return c.cursor
}

// Continuation returns the outstanding paged-copy state, if any.
func (c *PIMCore) Continuation() (Continuation, bool) {
	return c.copies.Current()
}

// Stats returns a snapshot of the core's counters.
func (c *PIMCore) Stats() CoreStats {
	s := c.status.snapshot()
	s.State = c.State()
	if c.cache != nil {
		s.Cache = c.cache.Stats()
	}
	return s
}

// Step runs one iteration of the dispatch loop against the slot under the
// cursor. It reports whether a command was dispatched.
func (c *PIMCore) Step() (bool, error) {
	idx := c.cursor
	op, err := c.regs.Cmd(idx)
	if err != nil {
		return false, err
	}
	switch {
	case op >= CMD_FIRST && op <= CMD_LAST:
		c.lastIgnored = -1
		return true, c.dispatch(idx, op)
	case op == CMD_UNINIT || op == CMD_DONE || op == CMD_FAULT:
		return false, nil
	default:
		if c.lastIgnored != idx {
			c.lastIgnored = idx
			c.status.ignored()
			log.V(1).Infof("slot %d: ignoring %s", idx, opcodeName(op))
		}
		return false, c.stamp(idx)
	}
}

// slotResult lists the result registers a kernel writes back, from REG_0.
type slotResult struct {
	regs [4]uint64
	n    int
}

func (c *PIMCore) dispatch(idx int, op uint8) error {
	if err := c.stamp(idx); err != nil {
		return err
	}
	args, err := c.regs.Args(idx)
	if err != nil {
		return err
	}
	c.status.command(op)
	if log.V(1) {
		log.Infof("slot %d: %s %#x %#x %#x %#x", idx, opcodeName(op), args[0], args[1], args[2], args[3])
	}

	res, kerr := c.execute(idx, op, args)
	done := uint8(CMD_DONE)
	if kerr != nil {
		code := faultCode(kerr)
		c.status.fault(code)
		log.Warningf("slot %d: %s fault %d: %v", idx, opcodeName(op), code, kerr)
		res = slotResult{regs: [4]uint64{code}, n: 1}
		done = CMD_FAULT
	}
	for n := 0; n < res.n; n++ {
		if err := c.regs.SetReg(idx, n, res.regs[n]); err != nil {
			return err
		}
	}
	if err := c.regs.SetCmd(idx, done); err != nil {
		return err
	}

	if isCopyCommand(op) {
		return c.stamp(idx)
	}
	if prev, ok := c.copies.Abandon(idx); ok && prev.Outstanding() {
		c.status.abandoned()
		log.Warningf("slot %d: %s abandons paged copy %s", idx, opcodeName(op), prev)
	}
	c.advance()
	return nil
}

func (c *PIMCore) execute(idx int, op uint8, args [4]uint64) (slotResult, error) {
	switch op {
	case CMD_SEARCH_RBTREE:
		found, node, err := c.k.SearchRBTree(args[0], args[1])
		if found {
			return slotResult{regs: [4]uint64{1, node}, n: 2}, err
		}
		return slotResult{n: 1}, err
	case CMD_DL_LOOKUP:
		r, err := c.k.LookupAndCheck(args[0], args[1], UnpackCredentials(args[2]))
		return slotResult{regs: [4]uint64{r}, n: 1}, err
	case CMD_FILE_R:
		return slotResult{}, c.fileRead(idx, args)
	case CMD_FILE_R_EXT:
		return slotResult{}, c.fileReadExt(idx, args)
	case CMD_FILE_W:
		if err := c.k.FileWrite(args[0], args[1], args[2]); err != nil {
			return slotResult{}, err
		}
		c.status.copied(args[2])
		return slotResult{}, nil
	case CMD_FILE_EXT:
		if err := c.k.FileWriteExt(args[0], args[1], args[2], args[3]); err != nil {
			return slotResult{}, err
		}
		c.status.copied(args[3])
		return slotResult{}, nil
	}
	return slotResult{}, nil
}

func (c *PIMCore) fileRead(idx int, args [4]uint64) error {
	superseded, err := c.copies.Begin(idx)
	if err != nil {
		return err
	}
	if superseded {
		prev, _ := c.copies.Current()
		c.status.superseded()
		log.Warningf("slot %d: abandoning paged copy %s", idx, prev)
	}
	cont, err := c.k.FileReadBegin(args[0], args[1], args[2])
	if err != nil {
		c.copies.Reset()
		return err
	}
	cont.Owner = idx
	c.copies.Store(cont)
	c.status.copied(args[2] - cont.Remaining)
	return nil
}

func (c *PIMCore) fileReadExt(idx int, args [4]uint64) error {
	cont, err := c.copies.Acquire(idx)
	if err != nil {
		return err
	}
	n, err := c.k.FileReadContinue(cont, args)
	c.status.copied(n)
	if err != nil {
		return err
	}
	c.copies.Release()
	return nil
}

// stamp records idx in the first in-flight register. The register is only
// written when it changes so the core does not ring its own doorbell.
func (c *PIMCore) stamp(idx int) error {
	cur, err := c.regs.FirstCmd()
	if err != nil {
		return err
	}
	if cur == uint64(idx) {
		return nil
	}
	return c.regs.SetFirstCmd(uint64(idx))
}

// advance moves the cursor to the next slot, wrapping after MaxJobNum.
func (c *PIMCore) advance() {
	if c.cursor == c.regs.MaxJobNum() {
		c.cursor = 0
	} else {
		c.cursor++
	}
	c.status.setCursor(c.cursor)
}

// faultCode classifies a kernel error for the host.
func faultCode(err error) uint64 {
	switch {
	case errors.Is(err, ErrCopyBusy):
		return FAULT_COPY_BUSY
	case errors.Is(err, ErrNoContinuation):
		return FAULT_NO_CONTINUATION
	case errors.Is(err, ErrTranslation):
		return FAULT_TRANSLATE
	case errors.Is(err, ErrCorrupt):
		return FAULT_CORRUPT
	default:
		return FAULT_BUS
	}
}
