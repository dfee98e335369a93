package main

import (
	"github.com/pkg/errors"
)

// SearchRBTree descends the persistent red-black tree starting at the node
// whose kernel virtual address is node, looking for key. Every visited node is
// flushed before its key is read. On a match it returns the node's physical
// address. The tree is never modified.
func (k *Kernels) SearchRBTree(node, key uint64) (bool, uint64, error) {
	for depth := 0; node != 0; depth++ {
		if depth >= maxTreeDepth {
			return false, 0, errors.Wrapf(ErrCorrupt, "rbtree deeper than %d", maxTreeDepth)
		}
		curr, err := k.Xlat.VirtToPhys(node)
		if err != nil {
			return false, 0, errors.Wrap(err, "rbtree node")
		}
		k.Flush.Flush(curr, RANGE_NODE_SIZE)

		hash, err := k.Mem.Read64(curr + RANGE_HASH_OFF)
		if err != nil {
			return false, 0, errors.Wrap(err, "rbtree node hash")
		}
		if key == hash {
			return true, curr, nil
		}

		childOff := uint64(RB_RIGHT_OFF)
		if key < hash {
			childOff = RB_LEFT_OFF
		}
		if node, err = k.Mem.Read64(curr + childOff); err != nil {
			return false, 0, errors.Wrap(err, "rbtree child")
		}
	}
	return false, 0, nil
}
