package main

import (
	"github.com/pkg/errors"
)

// SlotRegisters addresses the command slot region in physical memory. Both the
// core and the host port use it; register accesses go straight to the bus and
// never through the core's line cache.
type SlotRegisters struct {
	bus       *MachineBus
	base      uint64
	maxJobNum int
}

// NewSlotRegisters describes a region at base holding maxJobNum+1 slots.
func NewSlotRegisters(bus *MachineBus, base uint64, maxJobNum int) (*SlotRegisters, error) {
	if maxJobNum < 0 || maxJobNum > 255 {
		return nil, errors.Errorf("max job num %d out of range 0..255", maxJobNum)
	}
	if err := bus.check(base, spmSize(maxJobNum)); err != nil {
		return nil, errors.Wrap(err, "slot region")
	}
	return &SlotRegisters{bus: bus, base: base, maxJobNum: maxJobNum}, nil
}

// Slots returns the number of slots, MaxJobNum+1.
func (r *SlotRegisters) Slots() int {
	return r.maxJobNum + 1
}

// MaxJobNum returns the highest valid slot index.
func (r *SlotRegisters) MaxJobNum() int {
	return r.maxJobNum
}

// Base returns the physical address of the region.
func (r *SlotRegisters) Base() uint64 {
	return r.base
}

// End returns the last byte address of the region.
func (r *SlotRegisters) End() uint64 {
	return r.base + spmSize(r.maxJobNum) - 1
}

func (r *SlotRegisters) slotAddr(slot int) (uint64, error) {
	if slot < 0 || slot > r.maxJobNum {
		return 0, errors.Errorf("slot %d out of range 0..%d", slot, r.maxJobNum)
	}
	return r.base + SLOT_BASE_OFF + uint64(slot)*SLOT_STRIDE, nil
}

// Clear zeroes the whole region, leaving every slot at CMD_UNINIT.
func (r *SlotRegisters) Clear() error {
	return r.bus.Zero(r.base, spmSize(r.maxJobNum))
}

func (r *SlotRegisters) FirstCmd() (uint64, error) {
	return r.bus.Read64(r.base + REG_FIRST_CMD_OFF)
}

func (r *SlotRegisters) SetFirstCmd(v uint64) error {
	return r.bus.Write64(r.base+REG_FIRST_CMD_OFF, v)
}

func (r *SlotRegisters) Cmd(slot int) (uint8, error) {
	addr, err := r.slotAddr(slot)
	if err != nil {
		return 0, err
	}
	return r.bus.Read8(addr + SLOT_CMD_OFF)
}

func (r *SlotRegisters) SetCmd(slot int, op uint8) error {
	addr, err := r.slotAddr(slot)
	if err != nil {
		return err
	}
	return r.bus.Write8(addr+SLOT_CMD_OFF, op)
}

// Reg reads REG_n of slot.
func (r *SlotRegisters) Reg(slot, n int) (uint64, error) {
	addr, err := r.slotAddr(slot)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > 3 {
		return 0, errors.Errorf("register REG_%d does not exist", n)
	}
	return r.bus.Read64(addr + SLOT_REG0_OFF + uint64(n)*8)
}

// SetReg writes REG_n of slot.
func (r *SlotRegisters) SetReg(slot, n int, v uint64) error {
	addr, err := r.slotAddr(slot)
	if err != nil {
		return err
	}
	if n < 0 || n > 3 {
		return errors.Errorf("register REG_%d does not exist", n)
	}
	return r.bus.Write64(addr+SLOT_REG0_OFF+uint64(n)*8, v)
}

// Args reads REG_0..REG_3 of slot.
func (r *SlotRegisters) Args(slot int) ([4]uint64, error) {
	var regs [4]uint64
	for n := range regs {
		v, err := r.Reg(slot, n)
		if err != nil {
			return regs, err
		}
		regs[n] = v
	}
	return regs, nil
}

// SetArgs writes REG_0..REG_3 of slot.
func (r *SlotRegisters) SetArgs(slot int, regs [4]uint64) error {
	for n, v := range regs {
		if err := r.SetReg(slot, n, v); err != nil {
			return err
		}
	}
	return nil
}
