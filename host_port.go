package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrSlotBusy is returned when the host posts to a slot the core still owns.
var ErrSlotBusy = errors.New("slot busy")

// Command is one work order for a slot.
type Command struct {
	Op   uint8
	Args [4]uint64
}

// Completion is what the core left in a slot when it finished a command.
type Completion struct {
	Slot int
	Op   uint8 // CMD_DONE or CMD_FAULT
	Regs [4]uint64
}

// Faulted reports whether the core rejected the command.
func (c Completion) Faulted() bool {
	return c.Op == CMD_FAULT
}

// FaultCode is REG_0 of a faulted completion.
func (c Completion) FaultCode() uint64 {
	if !c.Faulted() {
		return FAULT_NONE
	}
	return c.Regs[0]
}

// HostPort is the host side of the command slot interface. It tracks the
// slot the core will poll next, mirroring the core's cursor policy, so
// Issue always lands where the core is looking.
type HostPort struct {
	regs   *SlotRegisters
	poll   time.Duration
	cursor int
}

// NewHostPort attaches to the slot region described by regs.
func NewHostPort(regs *SlotRegisters, poll time.Duration) *HostPort {
	if poll <= 0 {
		poll = 100 * time.Microsecond
	}
	return &HostPort{regs: regs, poll: poll}
}

// Start releases a core that is waiting for host initialisation.
func (h *HostPort) Start() error {
	return h.regs.SetFirstCmd(HOST_READY)
}

// Cursor returns the slot the next Issue will use.
func (h *HostPort) Cursor() int {
	return h.cursor
}

// Post writes cmd's arguments and then its opcode into slot.
func (h *HostPort) Post(slot int, cmd Command) error {
	op, err := h.regs.Cmd(slot)
	if err != nil {
		return err
	}
	if op != CMD_UNINIT && op != CMD_DONE && op != CMD_FAULT {
		return errors.Wrapf(ErrSlotBusy, "slot %d holds %s", slot, opcodeName(op))
	}
	if err := h.regs.SetArgs(slot, cmd.Args); err != nil {
		return err
	}
	return h.regs.SetCmd(slot, cmd.Op)
}

// Wait polls slot until the core writes CMD_DONE or CMD_FAULT, or ctx ends.
func (h *HostPort) Wait(ctx context.Context, slot int) (Completion, error) {
	for {
		op, err := h.regs.Cmd(slot)
		if err != nil {
			return Completion{}, err
		}
		if op == CMD_DONE || op == CMD_FAULT {
			regs, err := h.regs.Args(slot)
			return Completion{Slot: slot, Op: op, Regs: regs}, err
		}
		select {
		case <-ctx.Done():
			return Completion{}, errors.Wrapf(ctx.Err(), "slot %d still %s", slot, opcodeName(op))
		case <-time.After(h.poll):
		}
	}
}

// Submit posts cmd to slot and waits for its completion.
func (h *HostPort) Submit(ctx context.Context, slot int, cmd Command) (Completion, error) {
	if err := h.Post(slot, cmd); err != nil {
		return Completion{}, err
	}
	return h.Wait(ctx, slot)
}

// Issue submits cmd at the tracked cursor and advances it the way the core
// does: lookups and searches move to the next slot, copies stay put.
func (h *HostPort) Issue(ctx context.Context, cmd Command) (Completion, error) {
	slot := h.cursor
	comp, err := h.Submit(ctx, slot, cmd)
	if err != nil {
		return comp, err
	}
	if !isCopyCommand(cmd.Op) {
		if h.cursor == h.regs.MaxJobNum() {
			h.cursor = 0
		} else {
			h.cursor++
		}
	}
	return comp, nil
}

// SearchRBTree asks the core to look key up in the tree rooted at root.
func (h *HostPort) SearchRBTree(ctx context.Context, root, key uint64) (bool, uint64, error) {
	comp, err := h.Issue(ctx, Command{Op: CMD_SEARCH_RBTREE, Args: [4]uint64{root, key}})
	if err != nil {
		return false, 0, err
	}
	if comp.Faulted() {
		return false, 0, errors.Errorf("search fault: %s", faultName(comp.FaultCode()))
	}
	return comp.Regs[0] == 1, comp.Regs[1], nil
}

// Lookup asks the core to resolve identity in the chain at head for cred.
func (h *HostPort) Lookup(ctx context.Context, head, identity uint64, cred Credentials) (uint64, error) {
	comp, err := h.Issue(ctx, Command{Op: CMD_DL_LOOKUP, Args: [4]uint64{head, identity, cred.Pack()}})
	if err != nil {
		return 0, err
	}
	if comp.Faulted() {
		return 0, errors.Errorf("lookup fault: %s", faultName(comp.FaultCode()))
	}
	return comp.Regs[0], nil
}

// ReadPaged copies n bytes from src into the page buffers dsts: the first
// through FILE_R, the remainder through FILE_R_EXT four buffers at a time. It
// fails when dsts cannot hold n bytes; the unfinished copy stays with the slot
// until its next command.
func (h *HostPort) ReadPaged(ctx context.Context, src uint64, dsts []uint64, n uint64) error {
	if len(dsts) == 0 {
		return errors.New("paged read needs at least one destination")
	}
	comp, err := h.Issue(ctx, Command{Op: CMD_FILE_R, Args: [4]uint64{src, dsts[0], n}})
	if err != nil {
		return err
	}
	if comp.Faulted() {
		return errors.Errorf("FILE_R fault: %s", faultName(comp.FaultCode()))
	}
	// Continuation buffers are filled a whole page at a time, so they must be
	// page aligned.
	rest := dsts[1:]
	remaining := n - pageChunk(dsts[0], n)
	for remaining > 0 && len(rest) > 0 {
		var args [4]uint64
		k := copy(args[:], rest)
		rest = rest[k:]
		comp, err := h.Issue(ctx, Command{Op: CMD_FILE_R_EXT, Args: args})
		if err != nil {
			return err
		}
		if comp.Faulted() {
			return errors.Errorf("FILE_R_EXT fault: %s", faultName(comp.FaultCode()))
		}
		for _, b := range args[:k] {
			remaining -= pageChunk(b, remaining)
		}
	}
	if remaining > 0 {
		return errors.Errorf("paged read: %d of %d bytes not copied, buffers exhausted", remaining, n)
	}
	return nil
}
