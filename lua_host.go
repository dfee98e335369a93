// lua_host.go - Lua workload scripts driving the host side of the core

/*
pimcore - near-memory accelerator firmware model
License: GPLv3 or later
*/

/*
Scripts see a preloaded "pim" module:

	local pim = require("pim")
	pim.start()
	local t = pim.tree({10, 20, 30})
	local op, found, node = pim.issue(pim.SEARCH_RBTREE, t.root, 20)

Lua numbers are doubles, so 64-bit values that a double cannot hold exactly
(kernel virtual addresses, DL_DENIED) are passed as "0x..." strings. Every
function taking an address or register value accepts either form.
*/

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"
)

const luaMaxExact = 1 << 53

// LuaHost runs workload scripts against the core through a HostPort.
type LuaHost struct {
	bus     *MachineBus
	port    *HostPort
	arena   *Arena
	timeout time.Duration
	tables  map[uint64]*PageTableBuilder

	ctx context.Context
}

func NewLuaHost(bus *MachineBus, port *HostPort, arena *Arena, timeout time.Duration) *LuaHost {
	return &LuaHost{
		bus:     bus,
		port:    port,
		arena:   arena,
		timeout: timeout,
		tables:  make(map[uint64]*PageTableBuilder),
	}
}

// RunFile executes the script at path. Cancelling ctx aborts it.
func (h *LuaHost) RunFile(ctx context.Context, path string) error {
	L := h.newState(ctx)
	defer L.Close()
	if err := L.DoFile(path); err != nil {
		return errors.Wrapf(err, "script %s", path)
	}
	return nil
}

// RunString executes src as a script named name.
func (h *LuaHost) RunString(ctx context.Context, name, src string) error {
	L := h.newState(ctx)
	defer L.Close()
	fn, err := L.Load(strings.NewReader(src), name)
	if err != nil {
		return errors.Wrapf(err, "script %s", name)
	}
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return errors.Wrapf(err, "script %s", name)
	}
	return nil
}

func (h *LuaHost) newState(ctx context.Context) *lua.LState {
	L := lua.NewState()
	L.SetContext(ctx)
	h.ctx = ctx
	L.PreloadModule("pim", h.loader)
	return L
}

func (h *LuaHost) loader(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"read64":    h.luaRead64,
		"write64":   h.luaWrite64,
		"read32":    h.luaRead32,
		"write32":   h.luaWrite32,
		"read":      h.luaRead,
		"write":     h.luaWrite,
		"alloc":     h.luaAlloc,
		"pages":     h.luaPages,
		"virt":      h.luaVirt,
		"phys":      h.luaPhys,
		"cred":      h.luaCred,
		"tree":      h.luaTree,
		"chain":     h.luaChain,
		"pagetable": h.luaPageTable,
		"map":       h.luaMap,
		"start":     h.luaStart,
		"submit":    h.luaSubmit,
		"issue":     h.luaIssue,
		"log":       h.luaLog,
	})
	for op := uint8(CMD_UNINIT); op <= CMD_LAST; op++ {
		mod.RawSetString(opcodeName(op), lua.LNumber(op))
	}
	mod.RawSetString("FAULT", lua.LNumber(CMD_FAULT))
	mod.RawSetString("NOT_FOUND", pushU64(DL_NOT_FOUND))
	mod.RawSetString("DENIED", pushU64(DL_DENIED))
	mod.RawSetString("PAGE_SIZE", lua.LNumber(PAGE_SIZE))
	L.Push(mod)
	return 1
}

// pushU64 converts v to a Lua number when that is exact, else a hex string.
func pushU64(v uint64) lua.LValue {
	if v < luaMaxExact {
		return lua.LNumber(v)
	}
	return lua.LString(fmt.Sprintf("0x%X", v))
}

// toU64 accepts a non-negative integral number or a numeric string.
func toU64(v lua.LValue) (uint64, error) {
	switch v := v.(type) {
	case lua.LNumber:
		f := float64(v)
		if f < 0 || f != float64(uint64(f)) || f >= luaMaxExact {
			return 0, errors.Errorf("%v is not an exact unsigned integer", f)
		}
		return uint64(f), nil
	case lua.LString:
		n, err := strconv.ParseUint(string(v), 0, 64)
		if err != nil {
			return 0, errors.Errorf("bad integer %q", string(v))
		}
		return n, nil
	}
	return 0, errors.Errorf("expected integer, got %s", v.Type())
}

func checkU64(L *lua.LState, n int) uint64 {
	v, err := toU64(L.CheckAny(n))
	if err != nil {
		L.ArgError(n, err.Error())
	}
	return v
}

func optU64(L *lua.LState, n int, def uint64) uint64 {
	if L.Get(n) == lua.LNil {
		return def
	}
	return checkU64(L, n)
}

func raise(L *lua.LState, err error) int {
	L.RaiseError("%v", err)
	return 0
}

func (h *LuaHost) luaRead64(L *lua.LState) int {
	v, err := h.bus.Read64(checkU64(L, 1))
	if err != nil {
		return raise(L, err)
	}
	L.Push(pushU64(v))
	return 1
}

func (h *LuaHost) luaWrite64(L *lua.LState) int {
	if err := h.bus.Write64(checkU64(L, 1), checkU64(L, 2)); err != nil {
		return raise(L, err)
	}
	return 0
}

func (h *LuaHost) luaRead32(L *lua.LState) int {
	v, err := h.bus.Read32(checkU64(L, 1))
	if err != nil {
		return raise(L, err)
	}
	L.Push(lua.LNumber(v))
	return 1
}

func (h *LuaHost) luaWrite32(L *lua.LState) int {
	v := checkU64(L, 2)
	if v > 0xFFFFFFFF {
		L.ArgError(2, "value does not fit in 32 bits")
	}
	if err := h.bus.Write32(checkU64(L, 1), uint32(v)); err != nil {
		return raise(L, err)
	}
	return 0
}

func (h *LuaHost) luaRead(L *lua.LState) int {
	b, err := h.bus.ReadBytes(checkU64(L, 1), checkU64(L, 2))
	if err != nil {
		return raise(L, err)
	}
	L.Push(lua.LString(b))
	return 1
}

func (h *LuaHost) luaWrite(L *lua.LState) int {
	if err := h.bus.WriteBytes(checkU64(L, 1), []byte(L.CheckString(2))); err != nil {
		return raise(L, err)
	}
	return 0
}

func (h *LuaHost) luaAlloc(L *lua.LState) int {
	pa, err := h.arena.Alloc(checkU64(L, 1), optU64(L, 2, 8))
	if err != nil {
		return raise(L, err)
	}
	L.Push(pushU64(pa))
	return 1
}

func (h *LuaHost) luaPages(L *lua.LState) int {
	pa, err := h.arena.AllocPages(L.OptInt(1, 1))
	if err != nil {
		return raise(L, err)
	}
	L.Push(pushU64(pa))
	return 1
}

func (h *LuaHost) luaVirt(L *lua.LState) int {
	L.Push(pushU64(h.arena.Virt(checkU64(L, 1))))
	return 1
}

func (h *LuaHost) luaPhys(L *lua.LState) int {
	pa, err := h.arena.Phys(checkU64(L, 1))
	if err != nil {
		return raise(L, err)
	}
	L.Push(pushU64(pa))
	return 1
}

// cred(uid, gid) packs credentials for a DL_LOOKUP REG_2.
func (h *LuaHost) luaCred(L *lua.LState) int {
	uid, gid := checkU64(L, 1), checkU64(L, 2)
	if uid > 0xFFFFFFFF {
		L.ArgError(1, "uid does not fit in 32 bits")
	}
	if gid > 0xFFFFFFFF {
		L.ArgError(2, "gid does not fit in 32 bits")
	}
	c := Credentials{UID: uint32(uid), GID: uint32(gid)}
	L.Push(pushU64(c.Pack()))
	return 1
}

// tree({keys...}) or tree({{key=, vma=, mmap=, direntry=, csum=}, ...})
// returns {root = va, nodes = {[key] = pa}}.
func (h *LuaHost) luaTree(L *lua.LState) int {
	src := L.CheckTable(1)
	var entries []TreeEntry
	var ferr error
	src.ForEach(func(_, v lua.LValue) {
		if ferr != nil {
			return
		}
		var e TreeEntry
		if t, ok := v.(*lua.LTable); ok {
			e, ferr = luaTreeEntry(t)
		} else {
			e.Key, ferr = toU64(v)
		}
		entries = append(entries, e)
	})
	if ferr != nil {
		L.ArgError(1, ferr.Error())
	}
	tree, err := NewTreeBuilder(h.arena).Build(entries)
	if err != nil {
		return raise(L, err)
	}
	nodes := L.NewTable()
	for k, pa := range tree.Nodes {
		nodes.RawSet(pushU64(k), pushU64(pa))
	}
	out := L.NewTable()
	out.RawSetString("root", pushU64(tree.Root))
	out.RawSetString("nodes", nodes)
	L.Push(out)
	return 1
}

func luaTreeEntry(t *lua.LTable) (TreeEntry, error) {
	var e TreeEntry
	for _, f := range []struct {
		name string
		dst  *uint64
	}{
		{"key", &e.Key}, {"vma", &e.VMA}, {"mmap", &e.Mmap},
		{"direntry", &e.Direntry}, {"csum", &e.Csum},
	} {
		v := t.RawGetString(f.name)
		if v == lua.LNil {
			continue
		}
		n, err := toU64(v)
		if err != nil {
			return e, errors.Wrap(err, f.name)
		}
		*f.dst = n
	}
	return e, nil
}

// chain({{identity=, ino=, rules={{kind=, uid=, gid=}, ...}}, ...})
// returns {head = va, entries = {pa...}}.
func (h *LuaHost) luaChain(L *lua.LState) int {
	src := L.CheckTable(1)
	var entries []ChainEntry
	for i := 1; i <= src.Len(); i++ {
		t, ok := src.RawGetInt(i).(*lua.LTable)
		if !ok {
			L.ArgError(1, fmt.Sprintf("entry %d is not a table", i))
		}
		e, err := luaChainEntry(t)
		if err != nil {
			L.ArgError(1, fmt.Sprintf("entry %d: %v", i, err))
		}
		entries = append(entries, e)
	}
	chain, err := NewChainBuilder(h.arena).Build(entries)
	if err != nil {
		return raise(L, err)
	}
	list := L.NewTable()
	for _, pa := range chain.Entries {
		list.Append(pushU64(pa))
	}
	out := L.NewTable()
	out.RawSetString("head", pushU64(chain.Head))
	out.RawSetString("entries", list)
	L.Push(out)
	return 1
}

func luaChainEntry(t *lua.LTable) (ChainEntry, error) {
	var e ChainEntry
	var err error
	if e.Identity, err = toU64(t.RawGetString("identity")); err != nil {
		return e, errors.Wrap(err, "identity")
	}
	if v := t.RawGetString("ino"); v != lua.LNil {
		if e.Ino, err = toU64(v); err != nil {
			return e, errors.Wrap(err, "ino")
		}
	}
	rules, ok := t.RawGetString("rules").(*lua.LTable)
	if !ok {
		return e, nil
	}
	e.Rules = []AccessRule{}
	for i := 1; i <= rules.Len(); i++ {
		rt, ok := rules.RawGetInt(i).(*lua.LTable)
		if !ok {
			return e, errors.Errorf("rule %d is not a table", i)
		}
		var r AccessRule
		switch kind := rt.RawGetString("kind").(type) {
		case lua.LString:
			k, ok := ParsePolicyKind(string(kind))
			if !ok {
				return e, errors.Errorf("rule %d: unknown kind %q", i, string(kind))
			}
			r.Kind = k
		case lua.LNumber:
			r.Kind = PolicyKind(kind)
		default:
			return e, errors.Errorf("rule %d: missing kind", i)
		}
		if v := rt.RawGetString("uid"); v != lua.LNil {
			n, err := toU64(v)
			if err != nil {
				return e, errors.Wrapf(err, "rule %d uid", i)
			}
			r.UID = uint32(n)
		}
		if v := rt.RawGetString("gid"); v != lua.LNil {
			n, err := toU64(v)
			if err != nil {
				return e, errors.Wrapf(err, "rule %d gid", i)
			}
			r.GID = uint32(n)
		}
		e.Rules = append(e.Rules, r)
	}
	return e, nil
}

// pagetable() returns the physical address of a new top-level table.
func (h *LuaHost) luaPageTable(L *lua.LState) int {
	pt, err := NewPageTableBuilder(h.arena)
	if err != nil {
		return raise(L, err)
	}
	h.tables[pt.Root()] = pt
	L.Push(pushU64(pt.Root()))
	return 1
}

// map(pgd, va, pa [, size]) maps size bytes (default one page) of user pages.
func (h *LuaHost) luaMap(L *lua.LState) int {
	pt, ok := h.tables[checkU64(L, 1)]
	if !ok {
		L.ArgError(1, "not a page table from pim.pagetable()")
	}
	err := pt.MapRange(checkU64(L, 2), checkU64(L, 3), optU64(L, 4, PAGE_SIZE), PTE_USER|PTE_WRITE)
	if err != nil {
		return raise(L, err)
	}
	return 0
}

func (h *LuaHost) luaStart(L *lua.LState) int {
	if err := h.port.Start(); err != nil {
		return raise(L, err)
	}
	return 0
}

func (h *LuaHost) commandArgs(L *lua.LState, first int) Command {
	op := checkU64(L, first)
	if op > 0xFF {
		L.ArgError(first, "opcode does not fit in a byte")
	}
	cmd := Command{Op: uint8(op)}
	for i := range cmd.Args {
		cmd.Args[i] = optU64(L, first+1+i, 0)
	}
	return cmd
}

func (h *LuaHost) pushCompletion(L *lua.LState, comp Completion) int {
	L.Push(lua.LNumber(comp.Op))
	for _, r := range comp.Regs {
		L.Push(pushU64(r))
	}
	return 5
}

func (h *LuaHost) waitCtx() (context.Context, context.CancelFunc) {
	ctx := h.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, h.timeout)
}

// submit(slot, op, r0, r1, r2, r3) -> op, r0, r1, r2, r3
func (h *LuaHost) luaSubmit(L *lua.LState) int {
	slot := L.CheckInt(1)
	cmd := h.commandArgs(L, 2)
	ctx, cancel := h.waitCtx()
	defer cancel()
	comp, err := h.port.Submit(ctx, slot, cmd)
	if err != nil {
		return raise(L, err)
	}
	return h.pushCompletion(L, comp)
}

// issue(op, r0, r1, r2, r3) submits at the slot the core is polling.
func (h *LuaHost) luaIssue(L *lua.LState) int {
	cmd := h.commandArgs(L, 1)
	ctx, cancel := h.waitCtx()
	defer cancel()
	comp, err := h.port.Issue(ctx, cmd)
	if err != nil {
		return raise(L, err)
	}
	return h.pushCompletion(L, comp)
}

func (h *LuaHost) luaLog(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	log.Infof("lua: %s", strings.Join(parts, " "))
	return 0
}
