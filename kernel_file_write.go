package main

import (
	"github.com/pkg/errors"

	log "github.com/golang/glog"
)

// FileWrite flushes the whole source range and copies it in one step. Callers
// guarantee the range is a single page or already chunked.
func (k *Kernels) FileWrite(src, dst, n uint64) error {
	k.Flush.Flush(src, n)
	return k.Mem.Copy(dst, src, n)
}

// FileWriteExt copies n bytes from the user virtual address srcVA, translated
// through the page table rooted at pgd, to the physical address dst. Each chunk
// stops at the next page boundary of the source address.
func (k *Kernels) FileWriteExt(pgd, dst, srcVA, n uint64) error {
	for n > 0 {
		srcPA, err := k.Walker.UserVirtToPhys(pgd, srcVA, k.Flush)
		if err != nil {
			return errors.Wrapf(err, "write source $%X", srcVA)
		}
		chunk := pageChunk(srcVA, n)
		if log.V(2) {
			log.Infof("write $%X <- va $%X (pa $%X, %d bytes)", dst, srcVA, srcPA, chunk)
		}
		k.Flush.Flush(srcPA, chunk)
		if err := k.Mem.Copy(dst, srcPA, chunk); err != nil {
			return err
		}
		n -= chunk
		dst += chunk
		srcVA += chunk
	}
	return nil
}
