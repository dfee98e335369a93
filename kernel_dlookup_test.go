package main

import (
	"testing"

	"github.com/pkg/errors"
)

func TestLookupAndCheck(t *testing.T) {
	m := newTestMachine(t)
	chain, err := NewChainBuilder(m.arena).Build([]ChainEntry{
		{Identity: 0x11, Ino: 101, Rules: []AccessRule{{PolicyUID, 1000, 0}}},
		{Identity: 0x22, Ino: 102, Rules: []AccessRule{{PolicyGID, 0, 100}, {PolicyNotUID, 0, 0}}},
		{Identity: 0x33, Ino: 103},                       // no reachable set
		{Identity: 0x44, Ino: 104, Rules: []AccessRule{}}, // empty reachable set
		{Identity: 0x22, Ino: 999},                        // shadowed by the first 0x22
	})
	if err != nil {
		t.Fatal(err)
	}
	k := m.kernels(nil)

	user := Credentials{UID: 1000, GID: 100}
	root := Credentials{UID: 0, GID: 0}
	tests := []struct {
		name     string
		identity uint64
		cred     Credentials
		want     uint64
	}{
		{"uid match", 0x11, user, 101},
		{"uid mismatch", 0x11, root, DL_DENIED},
		{"both rules allow", 0x22, user, 102},
		{"second rule denies", 0x22, Credentials{UID: 0, GID: 100}, DL_DENIED},
		{"null set", 0x33, root, 103},
		{"empty set", 0x44, root, 104},
		{"absent", 0x55, user, DL_NOT_FOUND},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := k.LookupAndCheck(chain.Head, tc.identity, tc.cred)
			if err != nil {
				t.Fatalf("LookupAndCheck: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %#x, want %#x", got, tc.want)
			}
		})
	}

	if got, err := k.LookupAndCheck(0, 0x11, user); err != nil || got != DL_NOT_FOUND {
		t.Fatalf("empty chain: %#x, %v", got, err)
	}
}

func TestLookupAndCheck_InvalidRuleDeniesEveryone(t *testing.T) {
	m := newTestMachine(t)
	chain, err := NewChainBuilder(m.arena).Build([]ChainEntry{
		{Identity: 0x77, Ino: 7, Rules: []AccessRule{{PolicyInvalid, 1000, 100}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	k := m.kernels(nil)
	for _, c := range []Credentials{
		{UID: 0, GID: 0},
		{UID: 1000, GID: 100},
		{UID: 1000, GID: 0},
		{UID: 0, GID: 100},
		{UID: 0xFFFFFFFF, GID: 0xFFFFFFFF},
	} {
		got, err := k.LookupAndCheck(chain.Head, 0x77, c)
		if err != nil || got != DL_DENIED {
			t.Fatalf("cred %+v: got %#x, %v", c, got, err)
		}
	}
}

func TestLookupAndCheck_FlushesEveryRule(t *testing.T) {
	m := newTestMachine(t)
	rules := []AccessRule{
		{PolicyUID, 1, 0}, // denies
		{PolicyUID, 2, 0}, // denies
		{PolicyUID, 3, 0}, // denies
		{PolicyOther, 9, 9},
	}
	chain, err := NewChainBuilder(m.arena).Build([]ChainEntry{
		{Identity: 1, Ino: 10},
		{Identity: 2, Ino: 20, Rules: rules},
	})
	if err != nil {
		t.Fatal(err)
	}
	var fl flushLog
	got, err := m.kernels(&fl).LookupAndCheck(chain.Head, 2, Credentials{UID: 5, GID: 5})
	if err != nil || got != DL_DENIED {
		t.Fatalf("got %#x, %v", got, err)
	}
	// two chain entries, the count header, three fields per rule
	want := 2 + 1 + 3*len(rules)
	if len(fl.calls) != want {
		t.Fatalf("%d flushes, want %d", len(fl.calls), want)
	}
	set := chain.Sets[1]
	lastRule := set + RSET_ENTRIES_OFF + uint64(len(rules)-1)*RULE_SIZE
	if tail := fl.calls[len(fl.calls)-1]; tail != (flushCall{lastRule + RULE_GID_OFF, 4}) {
		t.Fatalf("last flush %+v, want gid field of the last rule", tail)
	}
}

func TestLookupAndCheck_SeesHostUpdates(t *testing.T) {
	m := newTestMachine(t)
	k, _ := m.cachedKernels()
	chain, err := NewChainBuilder(m.arena).Build([]ChainEntry{
		{Identity: 7, Ino: 70, Rules: []AccessRule{{PolicyUID, 1, 0}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	c := Credentials{UID: 2}
	if got, _ := k.LookupAndCheck(chain.Head, 7, c); got != DL_DENIED {
		t.Fatalf("got %#x before update", got)
	}
	rule := chain.Sets[0] + RSET_ENTRIES_OFF
	if err := m.bus.Write32(rule+RULE_UID_OFF, 2); err != nil {
		t.Fatal(err)
	}
	if got, _ := k.LookupAndCheck(chain.Head, 7, c); got != 70 {
		t.Fatalf("got %#x after granting uid 2", got)
	}
}

func TestLookupAndCheck_Faults(t *testing.T) {
	m := newTestMachine(t)
	k := m.kernels(nil)
	if _, err := k.LookupAndCheck(0x2000, 1, Credentials{}); !errors.Is(err, ErrTranslation) {
		t.Fatalf("bad head: %v", err)
	}

	chain, err := NewChainBuilder(m.arena).Build([]ChainEntry{{Identity: 1}})
	if err != nil {
		t.Fatal(err)
	}
	mustWrite64(t, m.bus, chain.Entries[0]+DL_NEXT_OFF, chain.Head)
	if _, err := k.LookupAndCheck(chain.Head, 2, Credentials{}); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("cyclic chain: %v", err)
	}

	mustWrite64(t, m.bus, chain.Entries[0]+DL_RSET_OFF, 0x3000)
	if _, err := k.LookupAndCheck(chain.Head, 1, Credentials{}); !errors.Is(err, ErrTranslation) {
		t.Fatalf("bad reachable set pointer: %v", err)
	}
}
