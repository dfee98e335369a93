package main

import (
	"github.com/pkg/errors"
)

// LookupAndCheck walks the directory-lookup hash chain starting at head (a
// kernel virtual address) for the entry with the given identity hash, then
// evaluates that entry's reachable set against cred.
//
// It returns the entry's inode number when access is granted, DL_NOT_FOUND
// when no entry matches and DL_DENIED when any rule denies. Every rule is
// evaluated and flushed, including those after the first denial.
func (k *Kernels) LookupAndCheck(head, identity uint64, cred Credentials) (uint64, error) {
	entry, found, err := k.findLookupEntry(head, identity)
	if err != nil || !found {
		return DL_NOT_FOUND, err
	}

	granted, err := k.checkReachableSet(entry, cred)
	if err != nil {
		return 0, err
	}
	if !granted {
		return DL_DENIED, nil
	}
	ino, err := k.Mem.Read64(entry + DL_INO_OFF)
	if err != nil {
		return 0, errors.Wrap(err, "lookup entry inode")
	}
	return ino, nil
}

// findLookupEntry returns the physical address of the first chain entry whose
// identity hash matches.
func (k *Kernels) findLookupEntry(head, identity uint64) (uint64, bool, error) {
	for steps := 0; head != 0; steps++ {
		if steps >= maxChainLength {
			return 0, false, errors.Wrapf(ErrCorrupt, "lookup chain longer than %d", maxChainLength)
		}
		entry, err := k.Xlat.VirtToPhys(head)
		if err != nil {
			return 0, false, errors.Wrap(err, "lookup entry")
		}
		k.Flush.Flush(entry, DL_ENTRY_SIZE)

		h, err := k.Mem.Read64(entry + DL_IDENTITY_OFF)
		if err != nil {
			return 0, false, errors.Wrap(err, "lookup entry hash")
		}
		if h == identity {
			return entry, true, nil
		}
		if head, err = k.Mem.Read64(entry + DL_NEXT_OFF); err != nil {
			return 0, false, errors.Wrap(err, "lookup chain next")
		}
	}
	return 0, false, nil
}

// checkReachableSet evaluates the reachable set attached to the entry at
// physical address entry. A null set pointer is an empty set.
func (k *Kernels) checkReachableSet(entry uint64, cred Credentials) (bool, error) {
	setVA, err := k.Mem.Read64(entry + DL_RSET_OFF)
	if err != nil {
		return false, errors.Wrap(err, "reachable set pointer")
	}
	if setVA == 0 {
		return true, nil
	}
	set, err := k.Xlat.VirtToPhys(setVA)
	if err != nil {
		return false, errors.Wrap(err, "reachable set")
	}
	k.Flush.Flush(set+RSET_COUNT_OFF, 4)
	count, err := k.Mem.Read32(set + RSET_COUNT_OFF)
	if err != nil {
		return false, errors.Wrap(err, "reachable set count")
	}

	var rules []AccessRule
	for i := uint64(0); i < uint64(count); i++ {
		rule, err := k.readRule(set + RSET_ENTRIES_OFF + i*RULE_SIZE)
		if err != nil {
			return false, errors.Wrapf(err, "reachable set rule %d", i)
		}
		rules = append(rules, rule)
	}
	return EvaluateRules(rules, cred), nil
}

// readRule flushes each field of the rule at addr before reading it.
func (k *Kernels) readRule(addr uint64) (AccessRule, error) {
	var fields [3]uint32
	for i, off := range [3]uint64{RULE_KIND_OFF, RULE_UID_OFF, RULE_GID_OFF} {
		k.Flush.Flush(addr+off, 4)
		v, err := k.Mem.Read32(addr + off)
		if err != nil {
			return AccessRule{}, err
		}
		fields[i] = v
	}
	return AccessRule{Kind: PolicyKind(fields[0]), UID: fields[1], GID: fields[2]}, nil
}
